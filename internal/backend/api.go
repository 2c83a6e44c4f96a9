package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"tdva/internal/domain"
	"tdva/internal/failure"
)

// CopyPackageRequest is the single deployment call body.
type CopyPackageRequest struct {
	GitHubToken        string                    `json:"github_token"`
	Organization       string                    `json:"organization"`
	RepoName           string                    `json:"repo_name"`
	PackageName        string                    `json:"package_name"`
	ProjectName        string                    `json:"project_name"`
	SessionID          string                    `json:"session_id,omitempty"`
	UseProjectPrefix   bool                      `json:"use_project_prefix"`
	CreateRuleset      bool                      `json:"create_ruleset"`
	EnvironmentSecrets domain.EnvironmentSecrets `json:"environment_secrets"`
	TDCredentials      *domain.TDCredentials     `json:"td_credentials,omitempty"`
}

// CopyPackage asks the backend to create the repository and provision it.
// The call is bounded by CopyTimeout; expiry is a Timeout failure, a
// connection problem a Network failure, and a non-2xx reply carries the
// backend's detail text. A 2xx body with success=false is returned as is.
func (c *Client) CopyPackage(ctx context.Context, req CopyPackageRequest) (*domain.Result, error) {
	timeout := c.CopyTimeout
	if timeout <= 0 {
		timeout = CopyTimeout
	}
	c.Logger.Info("copy package request",
		"repo", req.RepoName,
		"organization", req.Organization,
		"package", req.PackageName,
		"project", req.ProjectName,
		"session_id", req.SessionID,
		"create_ruleset", req.CreateRuleset,
		"github_token", "[REDACTED]",
	)
	ctx, cancel := c.withTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.send(ctx, http.MethodPost, "api/simple/copy-package", req)
	if err != nil {
		return nil, transportError(ctx, err, "Deployment API")
	}
	c.Logger.Info("copy package response", "status", resp.status, "session_id", req.SessionID)
	if resp.status >= 300 {
		return nil, resp.apiError()
	}
	var result domain.Result
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return nil, failure.New(failure.ServerReported, resp.status, "Deployment Error: unreadable response from deployment API", err)
	}
	return &result, nil
}

// DefaultPackages is used when the backend cannot list packages.
var DefaultPackages = []domain.Package{
	{ID: "retail-starter-pack", Name: "Retail Starter Pack"},
	{ID: "qsr-starter-pack", Name: "QSR Starter Pack"},
}

// Packages lists selectable starter packs from the simple endpoint, then the
// deploy endpoint, then falls back to fallback (or DefaultPackages). The
// returned source names where the list came from.
func (c *Client) Packages(ctx context.Context, fallback []domain.Package) ([]domain.Package, string, error) {
	var lastErr error
	for _, endpoint := range []string{"api/simple/packages", "api/deploy/packages"} {
		var out struct {
			Packages []domain.Package `json:"packages"`
		}
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
			c.Logger.Debug("package listing failed", "endpoint", endpoint, "error", err)
			lastErr = err
			continue
		}
		if len(out.Packages) > 0 {
			return out.Packages, endpoint, nil
		}
	}
	if len(fallback) == 0 {
		fallback = DefaultPackages
	}
	if lastErr != nil {
		c.Logger.Warn("using default package list", "error", lastErr)
	}
	return append([]domain.Package(nil), fallback...), "defaults", nil
}

// ConnectionResult is the TD connectivity test outcome.
type ConnectionResult struct {
	OK      bool   `json:"ok"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	// Suggestion is a next step for the operator when the test failed.
	Suggestion string `json:"suggestion,omitempty"`
}

// TestConnection validates TD credentials through the backend. A failed test
// is a result, not an error; errors mean the backend was unreachable.
func (c *Client) TestConnection(ctx context.Context, creds domain.TDCredentials) (*ConnectionResult, error) {
	if creds.APIKey == "" || creds.Region == "" {
		var missing []string
		if creds.APIKey == "" {
			missing = append(missing, "API Key")
		}
		if creds.Region == "" {
			missing = append(missing, "Region")
		}
		return &ConnectionResult{
			Status:     "error",
			Message:    fmt.Sprintf("Missing required fields: %s", strings.Join(missing, ", ")),
			Suggestion: "Please complete all fields before testing the connection.",
		}, nil
	}
	ctx, cancel := c.withTimeout(ctx, c.Timeout)
	defer cancel()
	resp, err := c.send(ctx, http.MethodPost, "api/td/test-connection", creds)
	if err != nil {
		fe := transportError(ctx, err, "backend service")
		fe.Message = "Cannot connect to backend service"
		return nil, fe
	}
	var res ConnectionResult
	_ = json.Unmarshal(resp.body, &res)
	if resp.status < 300 {
		res.OK = true
		res.Status = "success"
		if res.Message == "" {
			res.Message = "Connection successful"
		}
		return &res, nil
	}
	res.OK = false
	res.Status = "error"
	if res.Message == "" {
		res.Message = ConnectionStatusMessage(resp.status)
	}
	res.Suggestion = ConnectionSuggestion(resp.status)
	return &res, nil
}

// ConnectionStatusMessage describes a failed connectivity test status.
func ConnectionStatusMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "Invalid credentials format"
	case http.StatusUnauthorized:
		return "Authentication failed"
	case http.StatusForbidden:
		return "Access denied"
	case http.StatusNotFound:
		return "Resource not found"
	case http.StatusServiceUnavailable:
		return "Service unavailable"
	case http.StatusGatewayTimeout:
		return "Connection timeout"
	default:
		return "Connection failed"
	}
}

func ConnectionSuggestion(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "Please verify your API key format and region selection."
	case http.StatusUnauthorized:
		return "Check that your API key is correct and hasn't expired."
	case http.StatusForbidden:
		return "Your API key may need additional permissions to access databases."
	case http.StatusNotFound:
		return "Verify that the region and database name are correct."
	case http.StatusServiceUnavailable:
		return "The TD service behind the backend may be offline."
	case http.StatusGatewayTimeout:
		return "The connection is taking too long. Check your network connection."
	default:
		return "Please check your credentials and network connection."
	}
}

// CreateRequest is the body of the simplified deployment endpoint.
type CreateRequest struct {
	GitHubToken    string            `json:"github_token"`
	RepoName       string            `json:"repo_name"`
	SourcePackage  string            `json:"source_package"`
	ProjectName    string            `json:"project_name"`
	Organization   string            `json:"organization,omitempty"`
	CreateRulesets bool              `json:"create_rulesets"`
	TDAPIKey       string            `json:"td_api_key,omitempty"`
	TDRegion       domain.Region     `json:"td_region,omitempty"`
	EnvTokens      map[string]string `json:"env_tokens,omitempty"`
}

// CreateResponse pairs the decoded body with the HTTP status.
type CreateResponse struct {
	StatusCode int
	Result     domain.Result
}

// CreateDeployment calls the simplified deployment endpoint. Non-2xx replies
// are returned with their decoded body so failures can be attributed to a
// step; only transport failures are errors.
func (c *Client) CreateDeployment(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	timeout := c.CopyTimeout
	if timeout <= 0 {
		timeout = CopyTimeout
	}
	c.Logger.Info("create deployment request", "repo", req.RepoName, "package", req.SourcePackage, "github_token", "[REDACTED]")
	ctx, cancel := c.withTimeout(ctx, timeout)
	defer cancel()
	resp, err := c.send(ctx, http.MethodPost, "api/deploy/create", req)
	if err != nil {
		return nil, transportError(ctx, err, "Deployment API")
	}
	out := &CreateResponse{StatusCode: resp.status}
	if err := json.Unmarshal(resp.body, &out.Result); err != nil && resp.status < 300 {
		return nil, failure.New(failure.ServerReported, resp.status, "Deployment Error: unreadable response from deployment API", err)
	}
	if resp.status >= 300 {
		out.Result.Success = false
	}
	return out, nil
}

// CopyProgress is the backend's file copy progress for one session.
type CopyProgress struct {
	Status         string   `json:"status"`
	TotalFiles     int      `json:"total_files"`
	FilesProcessed int      `json:"files_processed"`
	FilesCreated   int      `json:"files_created"`
	FilesFailed    int      `json:"files_failed"`
	CurrentFile    string   `json:"current_file"`
	Errors         []string `json:"errors"`
	StartedAt      string   `json:"started_at,omitempty"`
	CompletedAt    string   `json:"completed_at,omitempty"`
}

func (c *Client) CopyProgress(ctx context.Context, sessionID string) (*CopyProgress, error) {
	var out CopyProgress
	if err := c.do(ctx, http.MethodGet, "api/github/copy-progress/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
