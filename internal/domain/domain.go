package domain

import (
	"regexp"
	"strings"
)

// Region is a Treasure Data deployment region.
type Region string

const (
	RegionUS01 Region = "us01"
	RegionEU01 Region = "eu01"
)

// Valid reports whether r is a supported region.
func (r Region) Valid() bool {
	return r == RegionUS01 || r == RegionEU01
}

// WorkflowEndpoint returns the TD workflow API endpoint for the region.
func (r Region) WorkflowEndpoint() string {
	if r == RegionUS01 || r == "" {
		return "https://api-workflow.treasuredata.com"
	}
	return "https://api-workflow." + string(r) + ".treasuredata.com"
}

// EnvironmentTokens holds per-environment TD API tokens.
type EnvironmentTokens struct {
	Prod string `json:"prod,omitempty"`
	QA   string `json:"qa,omitempty"`
	Dev  string `json:"dev,omitempty"`
}

// Any reports whether at least one environment has a token.
func (t EnvironmentTokens) Any() bool {
	return t.Prod != "" || t.QA != "" || t.Dev != ""
}

// Map returns the non-empty tokens keyed by environment name.
func (t EnvironmentTokens) Map() map[string]string {
	out := map[string]string{}
	if t.Prod != "" {
		out["prod"] = t.Prod
	}
	if t.QA != "" {
		out["qa"] = t.QA
	}
	if t.Dev != "" {
		out["dev"] = t.Dev
	}
	return out
}

// EnvironmentSecrets are the per-environment secrets provisioned into the repository.
type EnvironmentSecrets = EnvironmentTokens

type TDCredentials struct {
	APIKey            string            `json:"apiKey"`
	Region            Region            `json:"region" enum:"us01,eu01"`
	EnvironmentTokens EnvironmentTokens `json:"environmentTokens"`
}

// Ready reports whether a deployment can provision at least one environment.
func (c TDCredentials) Ready() bool {
	return c.EnvironmentTokens.Any()
}

type GitHubCredentials struct {
	PersonalAccessToken string `json:"personalAccessToken"`
	Organization        string `json:"organization,omitempty"`
}

// DeploymentConfig is everything one deployment attempt needs.
type DeploymentConfig struct {
	ClientName         string             `json:"clientName"`
	ProjectName        string             `json:"projectName"`
	SelectedPackage    string             `json:"selectedPackage"`
	GitHub             GitHubCredentials  `json:"githubCredentials"`
	TD                 TDCredentials      `json:"tdCredentials"`
	CreateRuleset      bool               `json:"createRuleset"`
	EnvironmentSecrets EnvironmentSecrets `json:"environmentSecrets"`
}

// RepoName derives the repository name for the configured client.
func (c DeploymentConfig) RepoName() string {
	return RepoName(c.ClientName)
}

var repoNameInvalid = regexp.MustCompile(`[^a-z0-9-]`)

// RepoName returns "va-" followed by the lower-cased client name with every
// character outside [a-z0-9-] replaced by '-'.
func RepoName(clientName string) string {
	return "va-" + repoNameInvalid.ReplaceAllString(strings.ToLower(clientName), "-")
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepWarning   StepStatus = "warning"
)

// Terminal reports whether no further transition is allowed within an attempt.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepWarning
}

type Step struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status" enum:"pending,running,completed,failed,warning"`
	Error       string     `json:"error,omitempty"`
}

// ItemResult is the backend's per-resource outcome (one secret, variable or ruleset).
type ItemResult struct {
	Name        string `json:"name,omitempty"`
	Environment string `json:"environment,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// Failed reports whether the backend marked the item as failed.
func (i ItemResult) Failed() bool {
	return strings.EqualFold(i.Status, "failed")
}

type ResultDetails struct {
	Secrets   []ItemResult `json:"secrets,omitempty"`
	Variables []ItemResult `json:"variables,omitempty"`
	Rulesets  []ItemResult `json:"rulesets,omitempty"`
}

// Result is the backend deployment response. Fields the client does not
// interpret are kept raw.
type Result struct {
	Success       bool           `json:"success"`
	RepositoryURL string         `json:"repository_url,omitempty"`
	Message       string         `json:"message,omitempty"`
	Detail        string         `json:"detail,omitempty"`
	TotalFiles    int            `json:"total_files,omitempty"`
	Details       *ResultDetails `json:"details,omitempty"`
	Ruleset       any            `json:"ruleset,omitempty"`
	Secrets       any            `json:"secrets,omitempty"`
	Variables     any            `json:"variables,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
	Errors        []string       `json:"errors,omitempty"`
}

// FailureMessage picks the most specific failure text the backend provided.
func (r Result) FailureMessage() string {
	switch {
	case len(r.Errors) > 0:
		return strings.Join(r.Errors, "; ")
	case r.Detail != "":
		return r.Detail
	case r.Message != "":
		return r.Message
	default:
		return "Backend deployment failed"
	}
}

// Package is a selectable starter pack.
type Package struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is the persisted record of a deployment and its latest attempt.
type Run struct {
	ID            string    `json:"id"`
	Mode          string    `json:"mode" enum:"copy-package,create"`
	ClientName    string    `json:"client_name"`
	ProjectName   string    `json:"project_name"`
	Package       string    `json:"package"`
	RepoName      string    `json:"repo_name"`
	SessionID     string    `json:"session_id,omitempty"`
	Attempt       int       `json:"attempt"`
	Status        RunStatus `json:"status" enum:"pending,running,succeeded,failed"`
	RepositoryURL string    `json:"repository_url,omitempty"`
	Error         string    `json:"error,omitempty"`
	Warnings      []string  `json:"warnings,omitempty"`
	Steps         []Step    `json:"steps"`
	Progress      int       `json:"progress"`
	CreatedAt     string    `json:"created_at" format:"date-time"`
	UpdatedAt     string    `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	StepID  string `json:"step_id,omitempty"`
	Payload string `json:"payload_json"`
}
