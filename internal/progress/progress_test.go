package progress_test

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"tdva/internal/deploy"
	"tdva/internal/domain"
	"tdva/internal/progress"
)

func init() {
	color.NoColor = true
}

func steps(statuses ...domain.StepStatus) []domain.Step {
	out := make([]domain.Step, len(statuses))
	for i, s := range statuses {
		out[i] = domain.Step{ID: string(rune('a' + i)), Title: "Step " + string(rune('A'+i)), Status: s}
	}
	return out
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0, progress.Percent(nil))
	assert.Equal(t, 0, progress.Percent(steps(domain.StepPending, domain.StepRunning)))
	assert.Equal(t, 50, progress.Percent(steps(domain.StepCompleted, domain.StepFailed)))
	assert.Equal(t, 67, progress.Percent(steps(domain.StepCompleted, domain.StepWarning, domain.StepPending)))
	assert.Equal(t, 100, progress.Percent(steps(domain.StepCompleted, domain.StepWarning)))
}

func TestIcons(t *testing.T) {
	assert.Equal(t, "○", progress.Icon(domain.StepPending))
	assert.Equal(t, "…", progress.Icon(domain.StepRunning))
	assert.Equal(t, "✔", progress.Icon(domain.StepCompleted))
	assert.Equal(t, "✗", progress.Icon(domain.StepFailed))
	assert.Equal(t, "⚠", progress.Icon(domain.StepWarning))
}

func TestStepLine(t *testing.T) {
	s := domain.Step{Title: "Create Repository", Status: domain.StepFailed, Error: "Error: boom"}
	assert.Equal(t, "✗ Create Repository (Error: boom)", progress.StepLine(s))
}

func TestBannerNumbersRemediation(t *testing.T) {
	snap := deploy.Snapshot{
		Error:       "Network Error: Unable to connect to Deployment API",
		Remediation: deploy.Remediation(deploy.CategoryNetworkError),
	}
	out := progress.Banner(snap)
	assert.Contains(t, out, "✗ Deployment failed: Network Error: Unable to connect to Deployment API")
	assert.Contains(t, out, "  1. Check your internet connection")
	assert.Contains(t, out, "  3. If the problem persists")
	assert.Empty(t, progress.Banner(deploy.Snapshot{}))
}

func TestRenderSuccessWithWarnings(t *testing.T) {
	var buf bytes.Buffer
	progress.Render(&buf, deploy.Snapshot{
		Done:          true,
		Success:       true,
		RepositoryURL: "https://github.com/x/va-acme",
		Steps:         steps(domain.StepCompleted, domain.StepWarning),
		Warnings:      []string{"1 secrets failed to create"},
	})
	out := buf.String()
	assert.Contains(t, out, "100% Complete")
	assert.Contains(t, out, "✔ Deployment complete: https://github.com/x/va-acme")
	assert.Contains(t, out, "  - 1 secrets failed to create")
	assert.NotContains(t, out, "Deployment failed")
}
