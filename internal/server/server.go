package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"tdva/internal/app"
	"tdva/internal/backend"
	"tdva/internal/deploy"
	"tdva/internal/domain"
	"tdva/internal/failure"
	"tdva/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	// Metrics is served on /metrics when set. It should be the same value the
	// app's registry reports to.
	Metrics *Metrics
	// RunContext bounds deployment attempts started through the API. Attempts
	// outlive the request that started them.
	RunContext context.Context
	Logger     *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unauthorized"`
	Message string         `json:"message" example:"Authentication Failed: Your GitHub token is invalid or expired"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	app    *app.App
	runCtx context.Context
	log    *slog.Logger
}

// New returns an HTTP handler exposing the local deployment API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.App.Log
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	runCtx := cfg.RunContext
	if runCtx == nil {
		runCtx = context.Background()
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("TD Value Accelerator API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{app: cfg.App, runCtx: runCtx, log: logger.With("component", "api")}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerCredentials(group)
	h.registerPackages(group)
	h.registerDeployments(group)
	router.Get(path.Join(basePath, "deployments/{id}/stream"), newStreamHandler(cfg.App.Registry, h.log).ServeHTTP)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	registerOpenAPI(router, api, basePath)
	startWebhookDispatcher(runCtx, cfg.App.Repo, cfg.App.Config.Webhooks, logger)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, deploy.ErrInFlight) || errors.Is(err, deploy.ErrAlreadyStarted) {
		return newAPIError(http.StatusConflict, "deployment_in_flight", err.Error(), nil)
	}
	if errors.Is(err, deploy.ErrAlreadySucceeded) {
		return newAPIError(http.StatusConflict, "deployment_succeeded", err.Error(), nil)
	}
	if errors.Is(err, app.ErrNoGitHubCredentials) || errors.Is(err, app.ErrNoTDCredentials) {
		return newAPIError(http.StatusPreconditionFailed, "credentials_missing", err.Error(), nil)
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		details := map[string]any{"category": string(deploy.Categorize(fe))}
		if fe.Status != 0 {
			details["upstream_status"] = fe.Status
		}
		return newAPIError(failure.HTTPStatus(fe.Kind), string(fe.Kind), deploy.HumanizeError(fe), details)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>TD Value Accelerator API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; (see tdva token issue).
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (h handlers) credentials() CredentialsResponse {
	snap := h.app.Store.Snapshot()
	return CredentialsResponse{
		TD:        mapTD(snap.TD),
		GitHub:    mapGitHub(snap.GitHub),
		Connected: snap.Connected,
		Notice:    storageNotice,
	}
}

type credentialsOutput struct {
	Body CredentialsResponse `json:"body"`
}

func (h handlers) registerCredentials(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-credentials",
		Method:      http.MethodGet,
		Path:        "/credentials",
		Summary:     "Show stored credentials (masked)",
	}, func(ctx context.Context, _ *struct{}) (*credentialsOutput, error) {
		return &credentialsOutput{Body: h.credentials()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-td-credentials",
		Method:      http.MethodPut,
		Path:        "/credentials/td",
		Summary:     "Store TD credentials",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body TDCredentialsRequest `json:"body"`
	}) (*credentialsOutput, error) {
		if !input.Body.Region.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "region must be us01 or eu01", map[string]any{"region": input.Body.Region})
		}
		creds := domain.TDCredentials{
			APIKey:            strings.TrimSpace(input.Body.APIKey),
			Region:            input.Body.Region,
			EnvironmentTokens: input.Body.EnvironmentTokens,
		}
		if err := h.app.Store.SetTD(ctx, &creds); err != nil {
			return nil, handleError(err)
		}
		return &credentialsOutput{Body: h.credentials()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-td-credentials",
		Method:        http.MethodDelete,
		Path:          "/credentials/td",
		Summary:       "Clear TD credentials and the connection flag",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		if err := h.app.Store.Clear(ctx); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-td-credentials",
		Method:      http.MethodPost,
		Path:        "/credentials/td/test",
		Summary:     "Test stored TD credentials through the backend",
		Errors:      []int{http.StatusPreconditionFailed, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body backend.ConnectionResult `json:"body"`
	}, error) {
		td := h.app.Store.TD()
		if td == nil {
			return nil, handleError(app.ErrNoTDCredentials)
		}
		res, err := h.app.TestConnection(ctx, *td)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body backend.ConnectionResult `json:"body"`
		}{Body: *res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-github-credentials",
		Method:      http.MethodPut,
		Path:        "/credentials/github",
		Summary:     "Validate and store GitHub credentials",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body GitHubCredentialsRequest `json:"body"`
	}) (*credentialsOutput, error) {
		creds := domain.GitHubCredentials{
			PersonalAccessToken: strings.TrimSpace(input.Body.PersonalAccessToken),
			Organization:        strings.TrimSpace(input.Body.Organization),
		}
		gh, err := h.app.GitHubFor(creds)
		if err != nil {
			return nil, handleError(err)
		}
		user, err := gh.CurrentUser(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if err := h.app.Store.SetGitHub(ctx, &creds); err != nil {
			return nil, handleError(err)
		}
		out := h.credentials()
		out.GitHub.Login = user.Login
		return &credentialsOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-github-credentials",
		Method:        http.MethodDelete,
		Path:          "/credentials/github",
		Summary:       "Clear GitHub credentials",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		if err := h.app.Store.ClearGitHub(ctx); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-credentials",
		Method:        http.MethodDelete,
		Path:          "/credentials",
		Summary:       "Clear all stored credentials",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		if err := h.app.Store.Clear(ctx); err != nil {
			return nil, handleError(err)
		}
		if err := h.app.Store.ClearGitHub(ctx); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func (h handlers) registerPackages(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-packages",
		Method:      http.MethodGet,
		Path:        "/packages",
		Summary:     "List starter packs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PackagesResponse `json:"body"`
	}, error) {
		items, source, err := h.app.Packages(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PackagesResponse `json:"body"`
		}{Body: PackagesResponse{Packages: items, Source: source}}, nil
	})
}

type deploymentOutput struct {
	Body DeploymentResponse `json:"body"`
}

type deploymentPath struct {
	ID string `path:"id"`
}

func (h handlers) deploymentResponse(snap deploy.Snapshot) DeploymentResponse {
	return DeploymentResponse{Snapshot: snap, Progress: h.app.Registry.Progress(snap)}
}

// snapshot returns the live snapshot of a run, or rebuilds it from history.
func (h handlers) snapshot(ctx context.Context, id string) (deploy.Snapshot, error) {
	if o, ok := h.app.Registry.Get(id); ok {
		return o.Snapshot(), nil
	}
	run, err := h.app.Repo.GetRun(ctx, id)
	if err != nil {
		return deploy.Snapshot{}, err
	}
	return deploy.SnapshotFromRun(run), nil
}

func (h handlers) logOutcome(id string) deploy.CompleteFunc {
	return func(success bool, url string) {
		h.log.Info("deployment finished", "run_id", id, "success", success, "repository_url", url)
	}
}

func (h handlers) registerDeployments(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deployment",
		Method:        http.MethodPost,
		Path:          "/deployments",
		Summary:       "Start a deployment with the stored credentials",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusPreconditionFailed},
	}, func(ctx context.Context, input *struct {
		Body CreateDeploymentRequest `json:"body"`
	}) (*deploymentOutput, error) {
		cfg, notices, err := h.app.DeploymentConfig(app.DeployRequest{
			ClientName:    input.Body.ClientName,
			ProjectName:   input.Body.ProjectName,
			Package:       input.Body.Package,
			CreateRuleset: input.Body.CreateRuleset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		mode := deploy.ModeCopyPackage
		if input.Body.Mode == string(deploy.ModeCreate) {
			mode = deploy.ModeCreate
		}
		o, err := h.app.NewDeployment(ctx, cfg, mode)
		if err != nil {
			return nil, handleError(err)
		}
		requestedBy := "unknown"
		if p, ok := principalFromContext(ctx); ok {
			requestedBy = p.Subject
		}
		h.log.Info("deployment requested", "run_id", o.ID(), "repo", cfg.RepoName(), "mode", mode, "subject", requestedBy)
		snap := o.Snapshot()
		go func() {
			if err := o.Start(h.runCtx, h.logOutcome(o.ID())); err != nil {
				h.log.Warn("deployment not started", "run_id", o.ID(), "error", err)
			}
		}()
		resp := h.deploymentResponse(snap)
		resp.Notices = notices
		return &deploymentOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deployments",
		Method:      http.MethodGet,
		Path:        "/deployments",
		Summary:     "List deployment runs, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		runs, err := h.app.Repo.ListRuns(ctx, limit)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.Run{}
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deployment",
		Method:      http.MethodGet,
		Path:        "/deployments/{id}",
		Summary:     "Deployment status with steps and troubleshooting",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *deploymentPath) (*deploymentOutput, error) {
		snap, err := h.snapshot(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &deploymentOutput{Body: h.deploymentResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deployment-events",
		Method:      http.MethodGet,
		Path:        "/deployments/{id}/events",
		Summary:     "Step transitions recorded for a deployment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := h.snapshot(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := h.app.Repo.RunEvents(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deployment-copy-progress",
		Method:      http.MethodGet,
		Path:        "/deployments/{id}/copy-progress",
		Summary:     "File copy progress reported by the backend",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *deploymentPath) (*struct {
		Body backend.CopyProgress `json:"body"`
	}, error) {
		snap, err := h.snapshot(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if snap.SessionID == "" {
			return nil, newAPIError(http.StatusNotFound, "not_found", "deployment has no copy session", map[string]any{"id": input.ID})
		}
		p, err := h.app.Backend.CopyProgress(ctx, snap.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body backend.CopyProgress `json:"body"`
		}{Body: *p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-deployment",
		Method:        http.MethodPost,
		Path:          "/deployments/{id}/retry",
		Summary:       "Reset steps and run the deployment again",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *deploymentPath) (*deploymentOutput, error) {
		o, ok := h.app.Registry.Get(input.ID)
		if !ok {
			if _, err := h.app.Repo.GetRun(ctx, input.ID); err != nil {
				return nil, handleError(err)
			}
			return nil, newAPIError(http.StatusConflict, "not_active", "deployment was started by another process; start a new one", map[string]any{"id": input.ID})
		}
		if o.InFlight() {
			return nil, handleError(deploy.ErrInFlight)
		}
		if o.Snapshot().Success {
			return nil, handleError(deploy.ErrAlreadySucceeded)
		}
		go func() {
			if err := o.Retry(h.runCtx, h.logOutcome(o.ID())); err != nil {
				h.log.Warn("retry not started", "run_id", o.ID(), "error", err)
			}
		}()
		return &deploymentOutput{Body: h.deploymentResponse(o.Snapshot())}, nil
	})
}
