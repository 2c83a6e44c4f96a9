package github

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/google/go-github/v72/github"
	"golang.org/x/crypto/nacl/box"

	"tdva/internal/domain"
	"tdva/internal/failure"
)

// The helpers below talk to GitHub directly. The deployment backend does the
// same work in one call; these stay available for manual recovery.

const (
	SecretName          = "TD_API_TOKEN"
	VarWorkflowEndpoint = "TD_WF_API_ENDPOINT"
	VarWorkflowProjects = "TD_WF_PROJS"
	BranchNamePattern   = `^(feat|fix|hot)\/[a-z0-9._-]+$`
)

// Environments lists the deployment environments in provisioning order.
var Environments = []string{"prod", "qa", "dev"}

type Repository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
	Private  bool   `json:"private"`
}

// CreateRepository creates va-<client> under the organization, or the user
// when no organization is configured.
func (c *Client) CreateRepository(ctx context.Context, clientName string) (*Repository, error) {
	name := domain.RepoName(clientName)
	spec := &github.Repository{
		Name:              github.Ptr(name),
		Description:       github.Ptr("Value Accelerator deployment for " + clientName),
		Private:           github.Ptr(false),
		AutoInit:          github.Ptr(true),
		GitignoreTemplate: github.Ptr("Python"),
	}
	created, _, err := c.gh.Repositories.Create(ctx, c.organization, spec)
	if err != nil {
		classified := failure.Classify(classify(err))
		if classified.Kind == failure.Conflict {
			return nil, failure.New(failure.Conflict, classified.Status,
				fmt.Sprintf("Repository '%s' already exists. Please choose a different client name or delete the existing repository.", name), err)
		}
		return nil, classified
	}
	c.log.Info("repository created", "repo", created.GetFullName())
	return &Repository{
		Name:     created.GetName(),
		FullName: created.GetFullName(),
		HTMLURL:  created.GetHTMLURL(),
		Private:  created.GetPrivate(),
	}, nil
}

type SecretResult struct {
	Environment string   `json:"environment"`
	Secrets     []string `json:"secrets"`
}

type encryptedSecret struct {
	EncryptedValue string `json:"encrypted_value"`
	KeyID          string `json:"key_id"`
}

// CreateEnvironmentSecrets creates the prod, qa and dev environments and
// stores TD_API_TOKEN in each one that has a token. Values are sealed with the
// environment's public key before upload.
func (c *Client) CreateEnvironmentSecrets(ctx context.Context, repo string, secrets domain.EnvironmentSecrets) ([]SecretResult, error) {
	owner, err := c.Owner(ctx)
	if err != nil {
		return nil, err
	}
	tokens := secrets.Map()
	var results []SecretResult
	for _, env := range Environments {
		token, ok := tokens[env]
		if !ok {
			continue
		}
		if _, _, err := c.gh.Repositories.CreateUpdateEnvironment(ctx, owner, repo, env, &github.CreateUpdateEnvironment{
			WaitTimer: github.Ptr(0),
		}); err != nil {
			return results, classify(err)
		}

		keyReq, err := c.gh.NewRequest(http.MethodGet, fmt.Sprintf("repos/%s/%s/environments/%s/secrets/public-key", owner, repo, env), nil)
		if err != nil {
			return results, err
		}
		var key github.PublicKey
		if _, err := c.gh.Do(ctx, keyReq, &key); err != nil {
			return results, classify(err)
		}
		sealed, err := Seal(key.GetKey(), token)
		if err != nil {
			return results, fmt.Errorf("seal %s secret: %w", env, err)
		}

		putReq, err := c.gh.NewRequest(http.MethodPut, fmt.Sprintf("repos/%s/%s/environments/%s/secrets/%s", owner, repo, env, SecretName),
			encryptedSecret{EncryptedValue: sealed, KeyID: key.GetKeyID()})
		if err != nil {
			return results, err
		}
		if _, err := c.gh.Do(ctx, putReq, nil); err != nil {
			return results, classify(err)
		}
		results = append(results, SecretResult{Environment: env, Secrets: []string{SecretName}})
	}
	return results, nil
}

// Seal encrypts value for a base64 encoded curve25519 public key using an
// anonymous sealed box, which is what GitHub expects for Actions secrets.
func Seal(publicKey, value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return "", fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("public key must be 32 bytes, got %d", len(raw))
	}
	var recipient [32]byte
	copy(recipient[:], raw)
	out, err := box.SealAnonymous(nil, []byte(value), &recipient, rand.Reader)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// WorkflowVariables returns the Actions variables a TD workflow repository needs.
func WorkflowVariables(region domain.Region, projectName string) []Variable {
	return []Variable{
		{Name: VarWorkflowEndpoint, Value: region.WorkflowEndpoint()},
		{Name: VarWorkflowProjects, Value: projectName},
	}
}

// CreateRepositoryVariables creates TD_WF_API_ENDPOINT and TD_WF_PROJS.
func (c *Client) CreateRepositoryVariables(ctx context.Context, repo string, region domain.Region, projectName string) ([]Variable, error) {
	owner, err := c.Owner(ctx)
	if err != nil {
		return nil, err
	}
	var created []Variable
	for _, v := range WorkflowVariables(region, projectName) {
		if _, err := c.gh.Actions.CreateRepoVariable(ctx, owner, repo, &github.ActionsVariable{Name: v.Name, Value: v.Value}); err != nil {
			return created, classify(err)
		}
		created = append(created, v)
	}
	return created, nil
}

type Ruleset struct {
	ID          int64             `json:"id,omitempty"`
	Name        string            `json:"name"`
	Target      string            `json:"target"`
	Enforcement string            `json:"enforcement"`
	Conditions  RulesetConditions `json:"conditions"`
	Rules       []RulesetRule     `json:"rules"`
	Bypass      []map[string]any  `json:"bypass_actors"`
}

type RulesetConditions struct {
	RefName struct {
		Include []string `json:"include"`
		Exclude []string `json:"exclude"`
	} `json:"ref_name"`
}

type RulesetRule struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// BranchRulesets returns the branch naming ruleset and the main protection ruleset.
func BranchRulesets() []Ruleset {
	naming := Ruleset{
		Name:        "Enforce Branch Names",
		Target:      "branch",
		Enforcement: "active",
		Rules: []RulesetRule{
			{Type: "non_fast_forward"},
			{Type: "branch_name_pattern", Parameters: map[string]any{
				"operator": "regex",
				"pattern":  BranchNamePattern,
				"negate":   false,
				"name":     "Enforce feature branch naming convention",
			}},
		},
		Bypass: []map[string]any{},
	}
	naming.Conditions.RefName.Include = []string{"~ALL"}
	naming.Conditions.RefName.Exclude = []string{"refs/heads/main"}

	mainRules := Ruleset{
		Name:        "main",
		Target:      "branch",
		Enforcement: "active",
		Rules: []RulesetRule{
			{Type: "deletion"},
			{Type: "pull_request", Parameters: map[string]any{
				"required_approving_review_count":       1,
				"dismiss_stale_reviews_on_push":         false,
				"require_code_owner_review":             true,
				"require_last_push_approval":            false,
				"required_review_thread_resolution":     false,
				"automatic_copilot_code_review_enabled": false,
				"allowed_merge_methods":                 []string{"merge", "squash", "rebase"},
			}},
		},
		Bypass: []map[string]any{},
	}
	mainRules.Conditions.RefName.Include = []string{"~DEFAULT_BRANCH"}
	mainRules.Conditions.RefName.Exclude = []string{}
	return []Ruleset{naming, mainRules}
}

// CreateRuleset applies both branch rulesets and returns what GitHub stored.
func (c *Client) CreateRuleset(ctx context.Context, repo string) ([]Ruleset, error) {
	owner, err := c.Owner(ctx)
	if err != nil {
		return nil, err
	}
	var created []Ruleset
	for _, rs := range BranchRulesets() {
		req, err := c.gh.NewRequest(http.MethodPost, fmt.Sprintf("repos/%s/%s/rulesets", owner, repo), rs)
		if err != nil {
			return created, err
		}
		var out Ruleset
		if _, err := c.gh.Do(ctx, req, &out); err != nil {
			return created, classify(err)
		}
		created = append(created, out)
	}
	return created, nil
}
