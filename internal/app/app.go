// Package app wires the workspace database, credential store, API clients and
// the deployment registry from tdva.yml.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"tdva/internal/backend"
	"tdva/internal/config"
	"tdva/internal/db"
	"tdva/internal/deploy"
	"tdva/internal/domain"
	"tdva/internal/github"
	"tdva/internal/migrate"
	"tdva/internal/progress"
	"tdva/internal/repo"
	"tdva/internal/store"
)

// Options tune Open.
type Options struct {
	Logger  *slog.Logger
	Metrics deploy.Metrics
}

// App holds everything a command or the API needs for one workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Store     *store.Store
	Backend   *backend.Client
	Registry  *deploy.Registry
	Log       *slog.Logger
}

// Open prepares the workspace: database, migrations, configuration and
// stored credentials.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open workspace db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	st, err := store.Open(ctx, r.KV(), logger.With("component", "store"))
	if err != nil {
		conn.Close()
		return nil, err
	}
	be := backend.New(cfg.Backend.BaseURL, logger)
	be.CopyTimeout = cfg.Backend.Timeout

	regOpts := []deploy.RegistryOption{
		deploy.WithLogger(logger),
		deploy.WithProgress(progress.Percent),
	}
	if opts.Metrics != nil {
		regOpts = append(regOpts, deploy.WithMetrics(opts.Metrics))
	}
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      r,
		Store:     st,
		Backend:   be,
		Registry:  deploy.NewRegistry(r, regOpts...),
		Log:       logger,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// GitHub builds a client from the stored GitHub credentials.
func (a *App) GitHub() (*github.Client, error) {
	creds := a.Store.GitHub()
	if creds == nil {
		return nil, ErrNoGitHubCredentials
	}
	return a.GitHubFor(*creds)
}

// GitHubFor builds a client for creds against the configured API URL.
func (a *App) GitHubFor(creds domain.GitHubCredentials) (*github.Client, error) {
	return github.New(creds, github.Options{BaseURL: a.Config.GitHub.APIURL, Logger: a.Log})
}

var (
	ErrNoGitHubCredentials = errors.New("github credentials not configured; run tdva credentials github set")
	ErrNoTDCredentials     = errors.New("td credentials not configured; run tdva credentials td set")
)

// DeployRequest is what an operator chooses per deployment. Credentials come
// from the store.
type DeployRequest struct {
	ClientName    string
	ProjectName   string
	Package       string
	CreateRuleset *bool
}

// DeploymentConfig assembles an immutable configuration from stored
// credentials. Missing TD environment tokens are a warning, not an error.
func (a *App) DeploymentConfig(req DeployRequest) (domain.DeploymentConfig, []string, error) {
	var missing []string
	if strings.TrimSpace(req.ClientName) == "" {
		missing = append(missing, "client name")
	}
	if strings.TrimSpace(req.ProjectName) == "" {
		missing = append(missing, "project name")
	}
	if strings.TrimSpace(req.Package) == "" {
		missing = append(missing, "package")
	}
	if len(missing) > 0 {
		return domain.DeploymentConfig{}, nil, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	gh := a.Store.GitHub()
	if gh == nil {
		return domain.DeploymentConfig{}, nil, ErrNoGitHubCredentials
	}
	td := a.Store.TD()
	if td == nil {
		return domain.DeploymentConfig{}, nil, ErrNoTDCredentials
	}
	var warnings []string
	if !td.Ready() {
		warnings = append(warnings, "no TD environment tokens configured; environment secrets will be skipped")
	}
	createRuleset := a.Config.CreatesRuleset()
	if req.CreateRuleset != nil {
		createRuleset = *req.CreateRuleset
	}
	return domain.DeploymentConfig{
		ClientName:         strings.TrimSpace(req.ClientName),
		ProjectName:        strings.TrimSpace(req.ProjectName),
		SelectedPackage:    strings.TrimSpace(req.Package),
		GitHub:             *gh,
		TD:                 *td,
		CreateRuleset:      createRuleset,
		EnvironmentSecrets: td.EnvironmentTokens,
	}, warnings, nil
}

// DeployOptions maps configuration onto orchestrator options.
func (a *App) DeployOptions(mode deploy.Mode) deploy.Options {
	return deploy.Options{
		Mode:        mode,
		Branch:      a.Config.GitHub.DevelopmentBranch,
		MaxAttempts: a.Config.Deploy.MaxAttempts,
		Backoff:     a.Config.Deploy.RetryBackoff,
		Logger:      a.Log,
	}
}

// NewDeployment registers an orchestrator for cfg without starting it.
func (a *App) NewDeployment(ctx context.Context, cfg domain.DeploymentConfig, mode deploy.Mode) (*deploy.Orchestrator, error) {
	gh, err := a.GitHubFor(cfg.GitHub)
	if err != nil {
		return nil, err
	}
	return a.Registry.Create(ctx, cfg, a.Backend, gh, a.DeployOptions(mode))
}

// Packages lists starter packs from the backend, falling back to tdva.yml.
func (a *App) Packages(ctx context.Context) ([]domain.Package, string, error) {
	fallback := make([]domain.Package, 0, len(a.Config.Packages))
	for _, p := range a.Config.Packages {
		fallback = append(fallback, domain.Package{ID: p.ID, Name: p.Name, Description: p.Description})
	}
	return a.Backend.Packages(ctx, fallback)
}

// TestConnection checks TD credentials against the backend and records the
// outcome in the store.
func (a *App) TestConnection(ctx context.Context, creds domain.TDCredentials) (*backend.ConnectionResult, error) {
	res, err := a.Backend.TestConnection(ctx, creds)
	if err != nil {
		return nil, err
	}
	if err := a.Store.SetConnected(ctx, res.OK); err != nil {
		return res, err
	}
	return res, nil
}
