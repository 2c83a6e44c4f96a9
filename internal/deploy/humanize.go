package deploy

import (
	"errors"
	"strings"

	"tdva/internal/failure"
)

// Category groups failures by what the operator has to do about them.
type Category string

const (
	CategoryInvalidToken            Category = "invalid_token"
	CategoryInsufficientPermissions Category = "insufficient_permissions"
	CategoryRepositoryExists        Category = "repository_exists"
	CategoryNetworkError            Category = "network_error"
	CategoryTimeout                 Category = "timeout"
	CategoryGeneric                 Category = "generic"
)

// Categorize classifies err. A structured failure kind wins; otherwise the
// message is matched with CategorizeMessage.
func Categorize(err error) Category {
	if err == nil {
		return CategoryGeneric
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case failure.Unauthorized:
			return CategoryInvalidToken
		case failure.Forbidden:
			return CategoryInsufficientPermissions
		case failure.Conflict:
			return CategoryRepositoryExists
		case failure.Network:
			return CategoryNetworkError
		case failure.Timeout:
			return CategoryTimeout
		}
	}
	return CategorizeMessage(err.Error())
}

// CategorizeMessage matches raw or humanized text, first match wins.
func CategorizeMessage(msg string) Category {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "invalid github token"),
		strings.Contains(m, "bad credentials"),
		strings.Contains(m, "authentication failed"):
		return CategoryInvalidToken
	case strings.Contains(m, "lacks required permissions"),
		strings.Contains(m, "insufficient permissions"):
		return CategoryInsufficientPermissions
	case strings.Contains(m, "repository exists"),
		strings.Contains(m, "repository") && strings.Contains(m, "already exists"):
		return CategoryRepositoryExists
	case strings.Contains(m, "network error"),
		strings.Contains(m, "github api connection failed"):
		return CategoryNetworkError
	case strings.Contains(m, "request timeout"),
		strings.Contains(m, "timed out"):
		return CategoryTimeout
	}
	return CategoryGeneric
}

// Humanize turns a raw backend or GitHub error into display text.
func Humanize(msg string) string {
	switch {
	case msg == "":
		return "An unknown error occurred"
	case strings.Contains(msg, "Invalid GitHub token"):
		return "Invalid GitHub Token: Please check your Personal Access Token has the correct permissions (repo, workflow, admin:repo_hook)"
	case strings.Contains(msg, "Bad credentials"):
		return "Authentication Failed: Your GitHub token is invalid or expired. Please generate a new Personal Access Token"
	case strings.Contains(msg, "GitHub token lacks required permissions"):
		return "Insufficient Permissions: Your GitHub token needs additional scopes. Please ensure it has repo, workflow, and admin:repo_hook permissions"
	case strings.Contains(msg, "GitHub API connection failed"):
		return "Network Error: Unable to connect to GitHub. Please check your internet connection and try again"
	case strings.Contains(msg, "GitHub API request timed out"):
		return "Request Timeout: GitHub API is slow or unreachable. Please try again in a few moments"
	case strings.Contains(msg, "Repository") && strings.Contains(msg, "already exists"):
		return "Repository Exists: A repository with this name already exists. Please choose a different client name or delete the existing repository"
	case strings.Contains(msg, "Failed to copy package files:"):
		return strings.Replace(msg, "Failed to copy package files: ", "Deployment Error: ", 1)
	case strings.HasPrefix(msg, "Network Error:"), strings.HasPrefix(msg, "Request Timeout:"):
		return msg
	}
	return "Error: " + msg
}

// HumanizeError prefers the kind of a classified error over its text, so a
// 401 with an unfamiliar body still reads as an authentication problem.
func HumanizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if text := Humanize(msg); !strings.HasPrefix(text, "Error: ") {
		return text
	}
	switch failure.KindOf(err) {
	case failure.Unauthorized:
		return "Authentication Failed: " + msg
	case failure.Forbidden:
		return "Insufficient Permissions: " + msg
	case failure.Conflict:
		return "Repository Exists: " + msg
	case failure.Timeout:
		return "Request Timeout: " + msg
	case failure.Network:
		return "Network Error: " + msg
	}
	return Humanize(msg)
}

// Remediation returns the ordered steps that usually fix a category.
func Remediation(c Category) []string {
	switch c {
	case CategoryInvalidToken:
		return []string{
			"Go to GitHub.com → Settings → Developer settings → Personal access tokens",
			`Click "Generate new token (classic)"`,
			"Select these scopes: repo, workflow, admin:repo_hook",
			"Copy the new token and paste it in the deployment form",
		}
	case CategoryInsufficientPermissions:
		return []string{
			"Edit your existing GitHub token",
			"Ensure these scopes are checked: repo, workflow, admin:repo_hook",
			"If you can't edit it, generate a new token with the correct scopes",
		}
	case CategoryRepositoryExists:
		return []string{
			"Go to the existing repository on GitHub",
			"Delete it if it's no longer needed, or",
			"Choose a different client name for your deployment",
		}
	case CategoryNetworkError, CategoryTimeout:
		return []string{
			"Check your internet connection",
			"Try again in a few moments",
			"If the problem persists, GitHub API might be experiencing issues",
		}
	default:
		return []string{
			"Check your GitHub token permissions",
			"Ensure your internet connection is stable",
			"Try again with a different repository name",
			"Contact support if the issue persists",
		}
	}
}
