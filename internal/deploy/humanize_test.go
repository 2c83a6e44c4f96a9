package deploy_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"tdva/internal/deploy"
	"tdva/internal/failure"
)

func TestHumanize(t *testing.T) {
	cases := map[string]string{
		"":                                   "An unknown error occurred",
		"Invalid GitHub token supplied":      "Invalid GitHub Token: Please check your Personal Access Token has the correct permissions (repo, workflow, admin:repo_hook)",
		"401 Bad credentials":                "Authentication Failed: Your GitHub token is invalid or expired. Please generate a new Personal Access Token",
		"GitHub API connection failed: EOF":  "Network Error: Unable to connect to GitHub. Please check your internet connection and try again",
		"GitHub API request timed out":       "Request Timeout: GitHub API is slow or unreachable. Please try again in a few moments",
		"Repository va-x already exists":     "Repository Exists: A repository with this name already exists. Please choose a different client name or delete the existing repository",
		"Failed to copy package files: nope": "Deployment Error: nope",
		"Network Error: Unable to connect":   "Network Error: Unable to connect",
		"something odd":                      "Error: something odd",
	}
	for in, want := range cases {
		assert.Equal(t, want, deploy.Humanize(in), in)
	}
}

func TestHumanizeErrorUsesKind(t *testing.T) {
	assert.Equal(t, "", deploy.HumanizeError(nil))
	assert.Equal(t, "Insufficient Permissions: nope",
		deploy.HumanizeError(failure.New(failure.Forbidden, http.StatusForbidden, "nope", nil)))
	assert.Equal(t, "Error: plain", deploy.HumanizeError(errors.New("plain")))
}

func TestCategorize(t *testing.T) {
	assert.Equal(t, deploy.CategoryRepositoryExists,
		deploy.Categorize(failure.New(failure.Conflict, http.StatusUnprocessableEntity, "name taken", nil)))
	assert.Equal(t, deploy.CategoryTimeout,
		deploy.Categorize(failure.New(failure.Timeout, http.StatusGatewayTimeout, "slow", nil)))
	assert.Equal(t, deploy.CategoryGeneric, deploy.Categorize(nil))

	// humanized text and raw text land in the same category
	for _, msg := range []string{"Bad credentials", deploy.Humanize("Bad credentials")} {
		assert.Equal(t, deploy.CategoryInvalidToken, deploy.CategorizeMessage(msg), msg)
	}
	for _, msg := range []string{"GitHub token lacks required permissions", deploy.Humanize("GitHub token lacks required permissions")} {
		assert.Equal(t, deploy.CategoryInsufficientPermissions, deploy.CategorizeMessage(msg), msg)
	}
	assert.Equal(t, deploy.CategoryNetworkError, deploy.CategorizeMessage(deploy.Humanize("GitHub API connection failed")))
	assert.Equal(t, deploy.CategoryTimeout, deploy.CategorizeMessage(deploy.Humanize("GitHub API request timed out")))
	assert.Equal(t, deploy.CategoryGeneric, deploy.CategorizeMessage("disk full"))
}

func TestRemediation(t *testing.T) {
	assert.Len(t, deploy.Remediation(deploy.CategoryInvalidToken), 4)
	assert.Len(t, deploy.Remediation(deploy.CategoryInsufficientPermissions), 3)
	assert.Equal(t, deploy.Remediation(deploy.CategoryNetworkError), deploy.Remediation(deploy.CategoryTimeout))
	assert.Equal(t, "Contact support if the issue persists", deploy.Remediation(deploy.CategoryGeneric)[3])
}
