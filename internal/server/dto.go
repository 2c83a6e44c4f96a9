package server

import (
	"tdva/internal/deploy"
	"tdva/internal/domain"
)

// Request payloads

type TDCredentialsRequest struct {
	APIKey            string                   `json:"apiKey" minLength:"1"`
	Region            domain.Region            `json:"region" enum:"us01,eu01"`
	EnvironmentTokens domain.EnvironmentTokens `json:"environmentTokens,omitempty"`
}

type GitHubCredentialsRequest struct {
	PersonalAccessToken string `json:"personalAccessToken" minLength:"1"`
	Organization        string `json:"organization,omitempty"`
}

type CreateDeploymentRequest struct {
	ClientName    string `json:"client_name" minLength:"1"`
	ProjectName   string `json:"project_name" minLength:"1"`
	Package       string `json:"package" minLength:"1"`
	CreateRuleset *bool  `json:"create_ruleset,omitempty"`
	Mode          string `json:"mode,omitempty" enum:"copy-package,create"`
}

// Response payloads

type TDCredentialsResponse struct {
	APIKey     string        `json:"apiKey"`
	Region     domain.Region `json:"region"`
	Prod       string        `json:"prod,omitempty"`
	QA         string        `json:"qa,omitempty"`
	Dev        string        `json:"dev,omitempty"`
	Ready      bool          `json:"ready"`
	Configured bool          `json:"configured"`
}

type GitHubCredentialsResponse struct {
	PersonalAccessToken string `json:"personalAccessToken"`
	Organization        string `json:"organization,omitempty"`
	Login               string `json:"login,omitempty"`
	Configured          bool   `json:"configured"`
}

// CredentialsResponse never carries a token in the clear.
type CredentialsResponse struct {
	TD        *TDCredentialsResponse     `json:"td,omitempty"`
	GitHub    *GitHubCredentialsResponse `json:"github,omitempty"`
	Connected bool                       `json:"connected"`
	Notice    string                     `json:"notice"`
}

type PackagesResponse struct {
	Packages []domain.Package `json:"packages"`
	Source   string           `json:"source"`
}

type DeploymentResponse struct {
	deploy.Snapshot
	Progress int      `json:"progress"`
	Notices  []string `json:"notices,omitempty"`
}

const storageNotice = "Stored tokens are obfuscated, not encrypted. Protect the workspace directory."

// mask keeps the last four characters of a secret.
func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

func mapTD(td *domain.TDCredentials) *TDCredentialsResponse {
	if td == nil {
		return nil
	}
	return &TDCredentialsResponse{
		APIKey:     mask(td.APIKey),
		Region:     td.Region,
		Prod:       mask(td.EnvironmentTokens.Prod),
		QA:         mask(td.EnvironmentTokens.QA),
		Dev:        mask(td.EnvironmentTokens.Dev),
		Ready:      td.Ready(),
		Configured: true,
	}
}

func mapGitHub(gh *domain.GitHubCredentials) *GitHubCredentialsResponse {
	if gh == nil {
		return nil
	}
	return &GitHubCredentialsResponse{
		PersonalAccessToken: mask(gh.PersonalAccessToken),
		Organization:        gh.Organization,
		Configured:          true,
	}
}
