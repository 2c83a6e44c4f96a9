package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models tdva.yml.
type Config struct {
	Backend struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"backend"`
	GitHub struct {
		APIURL            string `yaml:"api_url"`
		DevelopmentBranch string `yaml:"development_branch"`
	} `yaml:"github"`
	Deploy struct {
		CreateRuleset *bool         `yaml:"create_ruleset"`
		MaxAttempts   int           `yaml:"max_attempts"`
		RetryBackoff  time.Duration `yaml:"retry_backoff"`
	} `yaml:"deploy"`
	Packages []PackageEntry  `yaml:"packages"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig receives run events while tdva serve is running.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type PackageEntry struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

const (
	DefaultBackendURL        = "http://localhost:8000"
	DefaultBackendTimeout    = 30 * time.Second
	DefaultGitHubAPIURL      = "https://api.github.com/"
	DefaultDevelopmentBranch = "feat/dev"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tdva init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = DefaultBackendURL
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = DefaultBackendTimeout
	}
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = DefaultGitHubAPIURL
	}
	if c.GitHub.DevelopmentBranch == "" {
		c.GitHub.DevelopmentBranch = DefaultDevelopmentBranch
	}
	if c.Deploy.CreateRuleset == nil {
		on := true
		c.Deploy.CreateRuleset = &on
	}
	if c.Deploy.MaxAttempts == 0 {
		c.Deploy.MaxAttempts = 1
	}
	if c.Deploy.RetryBackoff == 0 {
		c.Deploy.RetryBackoff = 2 * time.Second
	}
}

// Validate ensures the config meets required structure.
// CreatesRuleset reports whether deployments apply branch rulesets unless a
// request says otherwise. Omitted means true.
func (c *Config) CreatesRuleset() bool {
	return c.Deploy.CreateRuleset == nil || *c.Deploy.CreateRuleset
}

func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("config.backend.base_url is invalid: %w", err)
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("config.backend.timeout must be positive")
	}
	if _, err := url.ParseRequestURI(c.GitHub.APIURL); err != nil {
		return fmt.Errorf("config.github.api_url is invalid: %w", err)
	}
	if c.Deploy.MaxAttempts < 1 {
		return fmt.Errorf("config.deploy.max_attempts must be at least 1")
	}
	if c.Deploy.RetryBackoff < 0 {
		return fmt.Errorf("config.deploy.retry_backoff must be positive")
	}
	seen := map[string]bool{}
	for i, p := range c.Packages {
		if p.ID == "" {
			return fmt.Errorf("config.packages[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("config.packages has duplicate id %s", p.ID)
		}
		seen[p.ID] = true
	}
	for i, w := range c.Webhooks {
		u, err := url.ParseRequestURI(w.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) url", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be positive", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tdva.yml")
}

// GenerateDefault returns default config YAML, pointing at backendURL when set.
func GenerateDefault(backendURL string) string {
	if backendURL == "" {
		return defaultTemplate
	}
	cfg := Default()
	cfg.Backend.BaseURL = backendURL
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return defaultTemplate
	}
	return string(out)
}

const defaultTemplate = `backend:
  base_url: http://localhost:8000
  timeout: 30s

github:
  api_url: https://api.github.com/
  development_branch: feat/dev

deploy:
  create_ruleset: true
  max_attempts: 1
  retry_backoff: 2s

packages:
  - id: retail-starter-pack
    name: Retail Starter Pack
    description: Starter workflows for retail customer data
  - id: qsr-starter-pack
    name: QSR Starter Pack
    description: Starter workflows for quick service restaurants
`
