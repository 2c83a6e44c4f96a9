package deploy

import (
	"context"
	"net/http"
	"strings"

	"tdva/internal/backend"
	"tdva/internal/domain"
	"tdva/internal/failure"
)

// runCreate drives the simplified flow. Unlike the primary flow, the
// endpoint's status code and partial details let a failure be attributed to
// the step where it happened; steps the backend never reached go back to
// pending.
func (o *Orchestrator) runCreate(ctx context.Context) (bool, string) {
	all := o.stepIDs()
	o.setSteps(domain.StepRunning, "", all...)

	req := backend.CreateRequest{
		GitHubToken:    o.cfg.GitHub.PersonalAccessToken,
		RepoName:       o.cfg.RepoName(),
		SourcePackage:  o.cfg.SelectedPackage,
		ProjectName:    o.cfg.ProjectName,
		Organization:   o.cfg.GitHub.Organization,
		CreateRulesets: o.cfg.CreateRuleset,
		TDAPIKey:       o.cfg.TD.APIKey,
		TDRegion:       o.cfg.TD.Region,
		EnvTokens:      o.cfg.EnvironmentSecrets.Map(),
	}
	if len(req.EnvTokens) == 0 {
		req.EnvTokens = nil
	}

	var resp *backend.CreateResponse
	err := o.withRetry(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = o.backend.CreateDeployment(ctx, req)
		return callErr
	})
	if err != nil {
		msg := o.setError(err)
		o.setSteps(domain.StepFailed, msg, all...)
		return false, ""
	}

	res := resp.Result
	if resp.StatusCode >= 300 || !res.Success {
		o.attributeFailure(resp.StatusCode, res)
		o.addWarnings(res.Warnings...)
		return false, ""
	}

	o.setSteps(domain.StepCompleted, "", StepValidate, StepCreateRepo, StepPushFiles)
	var details domain.ResultDetails
	if res.Details != nil {
		details = *res.Details
	}
	o.resolveOptional(StepCreateSecrets, len(req.EnvTokens) > 0, details.Secrets, "secrets")
	o.resolveOptional(StepCreateVariables, req.TDAPIKey != "", details.Variables, "variables")
	o.resolveOptional(StepCreateRulesets, req.CreateRulesets, details.Rulesets, "rulesets")
	o.addWarnings(res.Warnings...)
	return true, res.RepositoryURL
}

// resolveOptional completes a step that was not requested, and otherwise
// derives completed or warning from the item details.
func (o *Orchestrator) resolveOptional(id string, requested bool, items []domain.ItemResult, noun string) {
	if !requested {
		o.setSteps(domain.StepCompleted, "", id)
		return
	}
	status, warning := subResourceOutcome(items, noun)
	o.setSteps(status, warning, id)
	if warning != "" {
		o.addWarnings(warning)
	}
}

func (o *Orchestrator) attributeFailure(status int, res domain.Result) {
	text := createFailureText(res)
	kind := failure.KindForStatus(status, text)
	if status < 300 {
		kind = failure.ServerReported
	}
	msg := o.setError(failure.New(kind, status, text, nil))
	all := o.stepIDs()

	switch {
	case status == http.StatusUnauthorized:
		o.setSteps(domain.StepFailed, msg, StepValidate)
		o.retract(all...)
	case status == http.StatusUnprocessableEntity && strings.Contains(text, "already exists"):
		o.setSteps(domain.StepCompleted, "", StepValidate)
		o.setSteps(domain.StepFailed, msg, StepCreateRepo)
		o.retract(all...)
	case res.Details != nil:
		o.setSteps(domain.StepCompleted, "", StepValidate, StepCreateRepo, StepPushFiles)
		order := []struct{ id, word string }{
			{StepCreateSecrets, "secrets"},
			{StepCreateVariables, "variables"},
			{StepCreateRulesets, "rulesets"},
		}
		failedAt := -1
		for i, s := range order {
			if strings.Contains(text, s.word) {
				failedAt = i
				break
			}
		}
		for i, s := range order {
			switch {
			case failedAt < 0:
				o.setSteps(domain.StepFailed, msg, s.id)
			case i < failedAt:
				o.setSteps(domain.StepCompleted, "", s.id)
			case i == failedAt:
				o.setSteps(domain.StepFailed, msg, s.id)
			}
		}
		o.retract(all...)
	default:
		o.setSteps(domain.StepFailed, msg, all...)
	}
}

// createFailureText picks detail, then message, then the first error.
func createFailureText(res domain.Result) string {
	switch {
	case res.Detail != "":
		return res.Detail
	case res.Message != "":
		return res.Message
	case len(res.Errors) > 0:
		return res.Errors[0]
	}
	return "Deployment failed"
}
