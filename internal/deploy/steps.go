package deploy

import (
	"fmt"

	"tdva/internal/domain"
)

// Mode selects which backend endpoint drives the deployment.
type Mode string

const (
	// ModeCopyPackage is the primary flow through /api/simple/copy-package.
	ModeCopyPackage Mode = "copy-package"
	// ModeCreate is the simplified form flow through /api/deploy/create.
	ModeCreate Mode = "create"
)

const (
	StepCreateRepo = "create-repo"
	StepCopyFiles  = "copy-files"
	StepSecrets    = "setup-secrets"
	StepVariables  = "setup-variables"
	StepRuleset    = "create-ruleset"
	StepBranch     = "create-branch"

	StepValidate        = "validate"
	StepPushFiles       = "push-files"
	StepCreateSecrets   = "create-secrets"
	StepCreateVariables = "create-variables"
	StepCreateRulesets  = "create-rulesets"
)

// DelegatedSteps are performed by the backend in one call.
var DelegatedSteps = []string{StepCreateRepo, StepCopyFiles, StepSecrets, StepVariables, StepRuleset}

// CopyPackageSteps is the step list of the primary flow.
func CopyPackageSteps(cfg domain.DeploymentConfig, branch string) []domain.Step {
	return []domain.Step{
		{ID: StepCreateRepo, Title: "Create Repository", Description: fmt.Sprintf("Creating %s repository", cfg.RepoName())},
		{ID: StepCopyFiles, Title: "Copy Package Files", Description: fmt.Sprintf("Copying %s to %s", cfg.SelectedPackage, cfg.ProjectName)},
		{ID: StepSecrets, Title: "Configure Secrets", Description: "Setting up TD API tokens for prod, qa, dev environments"},
		{ID: StepVariables, Title: "Configure Variables", Description: "Setting up TD workflow configuration variables"},
		{ID: StepRuleset, Title: "Apply Branch Rules", Description: "Setting up branch name enforcement rules"},
		{ID: StepBranch, Title: "Create Development Branch", Description: fmt.Sprintf("Creating %s branch", branch)},
	}
}

// CreateSteps is the step list of the simplified flow.
func CreateSteps(cfg domain.DeploymentConfig) []domain.Step {
	return []domain.Step{
		{ID: StepValidate, Title: "Validating GitHub Token", Description: "Checking token permissions and access"},
		{ID: StepCreateRepo, Title: "Creating Repository", Description: "Creating " + cfg.RepoName()},
		{ID: StepPushFiles, Title: "Pushing Files", Description: fmt.Sprintf("Copying %s to repository", cfg.SelectedPackage)},
		{ID: StepCreateSecrets, Title: "Creating Secrets", Description: "Setting up environment secrets"},
		{ID: StepCreateVariables, Title: "Creating Variables", Description: "Configuring repository variables"},
		{ID: StepCreateRulesets, Title: "Applying Branch Rules", Description: "Setting up branch protection"},
	}
}

func initialSteps(mode Mode, cfg domain.DeploymentConfig, branch string) []domain.Step {
	var steps []domain.Step
	if mode == ModeCreate {
		steps = CreateSteps(cfg)
	} else {
		steps = CopyPackageSteps(cfg, branch)
	}
	for i := range steps {
		steps[i].Status = domain.StepPending
	}
	return steps
}

// failedItems counts items the backend reported as failed.
func failedItems(items []domain.ItemResult) int {
	n := 0
	for _, it := range items {
		if it.Failed() {
			n++
		}
	}
	return n
}

// subResourceOutcome resolves a provisioning step from the backend's
// per-item details: warning when some items failed, completed otherwise.
func subResourceOutcome(items []domain.ItemResult, noun string) (domain.StepStatus, string) {
	if n := failedItems(items); n > 0 {
		return domain.StepWarning, fmt.Sprintf("%d %s failed to create", n, noun)
	}
	return domain.StepCompleted, ""
}
