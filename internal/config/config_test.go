package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultBackendURL, cfg.Backend.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, DefaultDevelopmentBranch, cfg.GitHub.DevelopmentBranch)
	assert.True(t, cfg.CreatesRuleset())
	assert.Equal(t, 1, cfg.Deploy.MaxAttempts)
	require.Len(t, cfg.Packages, 2)
	assert.Equal(t, "retail-starter-pack", cfg.Packages[0].ID)
}

func TestFromYAMLAppliesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("backend:\n  base_url: https://va.example.com\n"))
	require.NoError(t, err)
	assert.Equal(t, "https://va.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, DefaultBackendTimeout, cfg.Backend.Timeout)
	assert.Equal(t, DefaultGitHubAPIURL, cfg.GitHub.APIURL)
	assert.Equal(t, 2*time.Second, cfg.Deploy.RetryBackoff)
	require.NotNil(t, cfg.Deploy.CreateRuleset)
	assert.True(t, cfg.CreatesRuleset(), "omitted create_ruleset means rulesets are applied")
	assert.Empty(t, cfg.Packages)
}

func TestCreateRulesetExplicitFalse(t *testing.T) {
	cfg, err := FromYAML([]byte("deploy:\n  create_ruleset: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.CreatesRuleset())

	var zero Config
	assert.True(t, zero.CreatesRuleset())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad backend url", "backend:\n  base_url: not a url\n", "base_url"},
		{"negative attempts", "deploy:\n  max_attempts: -1\n", "max_attempts"},
		{"package without id", "packages:\n  - name: x\n", "packages[0].id"},
		{"duplicate package", "packages:\n  - id: a\n  - id: a\n", "duplicate id a"},
		{"malformed yaml", "backend: [", "invalid config yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tdva init")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultBackendURL, cfg.Backend.BaseURL)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tdva.yml"), []byte(GenerateDefault("http://backend:9000")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://backend:9000", cfg.Backend.BaseURL)
	assert.Len(t, cfg.Packages, 2)
}

func TestWebhooks(t *testing.T) {
	cfg, err := FromYAML([]byte("webhooks:\n  - url: https://hooks.example.com/tdva\n    events: [run.completed]\n    secret: s3\n"))
	require.NoError(t, err)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"run.completed"}, cfg.Webhooks[0].Events)
	assert.Nil(t, cfg.Webhooks[0].Enabled)

	_, err = FromYAML([]byte("webhooks:\n  - url: ftp://x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhooks[0].url")
}
