package backend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tdva/internal/backend"
	"tdva/internal/domain"
	"tdva/internal/failure"
	"tdva/internal/logging"
)

func newBackend(t *testing.T, h http.Handler) (*backend.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return backend.New(srv.URL, logging.Discard()), srv
}

func TestCopyPackageSendsBundle(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/simple/copy-package", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":        true,
			"repository_url": "https://github.com/x/va-acme-corp",
			"details": map[string]any{
				"secrets": []map[string]any{{"environment": "prod", "status": "created"}},
			},
		})
	})
	c, _ := newBackend(t, mux)

	res, err := c.CopyPackage(context.Background(), backend.CopyPackageRequest{
		GitHubToken:        "ghp_x",
		Organization:       "x",
		RepoName:           "va-acme-corp",
		PackageName:        "retail-starter-pack",
		ProjectName:        "retail",
		SessionID:          "s-1",
		CreateRuleset:      true,
		EnvironmentSecrets: domain.EnvironmentSecrets{Prod: "p"},
		TDCredentials:      &domain.TDCredentials{APIKey: "k", Region: domain.RegionUS01},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "https://github.com/x/va-acme-corp", res.RepositoryURL)
	require.NotNil(t, res.Details)
	assert.Len(t, res.Details.Secrets, 1)

	assert.Equal(t, "ghp_x", got["github_token"])
	assert.Equal(t, false, got["use_project_prefix"])
	assert.Equal(t, true, got["create_ruleset"])
	assert.Equal(t, map[string]any{"prod": "p"}, got["environment_secrets"])
	assert.Equal(t, "s-1", got["session_id"])
}

func TestCopyPackageErrorUsesDetail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/simple/copy-package", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Invalid GitHub token: Bad credentials"}`))
	})
	c, _ := newBackend(t, mux)

	_, err := c.CopyPackage(context.Background(), backend.CopyPackageRequest{RepoName: "va-x"})
	require.Error(t, err)
	fe := failure.Classify(err)
	assert.Equal(t, failure.Unauthorized, fe.Kind)
	assert.Equal(t, http.StatusUnauthorized, fe.Status)
	assert.Equal(t, "Invalid GitHub token: Bad credentials", fe.Message)
}

func TestCopyPackageTimeoutIsDistinct(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/simple/copy-package", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	c, _ := newBackend(t, mux)
	defer close(release)
	c.CopyTimeout = 50 * time.Millisecond

	_, err := c.CopyPackage(context.Background(), backend.CopyPackageRequest{RepoName: "va-x"})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Timeout))
	assert.Equal(t, "Request Timeout: Deployment API did not respond in time", err.Error())
}

func TestCopyPackageNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := backend.New(url, logging.Discard())

	_, err := c.CopyPackage(context.Background(), backend.CopyPackageRequest{RepoName: "va-x"})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Network))
	assert.Equal(t, "Network Error: Unable to connect to Deployment API", err.Error())
}

func TestCopyPackageSuccessFalseIsReturned(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/simple/copy-package", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"errors":["Failed to copy package files: boom"]}`))
	})
	c, _ := newBackend(t, mux)

	res, err := c.CopyPackage(context.Background(), backend.CopyPackageRequest{RepoName: "va-x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Failed to copy package files: boom", res.FailureMessage())
}

func TestPackagesFallbackChain(t *testing.T) {
	t.Run("simple endpoint", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /api/simple/packages", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"packages":[{"id":"custom","name":"Custom"}]}`))
		})
		c, _ := newBackend(t, mux)
		pkgs, source, err := c.Packages(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "api/simple/packages", source)
		assert.Equal(t, []domain.Package{{ID: "custom", Name: "Custom"}}, pkgs)
	})
	t.Run("deploy endpoint", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /api/deploy/packages", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"packages":[{"id":"qsr-starter-pack","name":"QSR Starter Pack"}]}`))
		})
		c, _ := newBackend(t, mux)
		pkgs, source, err := c.Packages(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "api/deploy/packages", source)
		assert.Len(t, pkgs, 1)
	})
	t.Run("defaults", func(t *testing.T) {
		c, _ := newBackend(t, http.NewServeMux())
		pkgs, source, err := c.Packages(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "defaults", source)
		assert.Equal(t, backend.DefaultPackages, pkgs)
	})
}

func TestTestConnection(t *testing.T) {
	status := http.StatusOK
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/td/test-connection", func(w http.ResponseWriter, r *http.Request) {
		var creds domain.TDCredentials
		_ = json.NewDecoder(r.Body).Decode(&creds)
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"status":"success","message":"Connected","details":"3 databases"}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	c, _ := newBackend(t, mux)
	creds := domain.TDCredentials{APIKey: "k", Region: domain.RegionUS01}

	res, err := c.TestConnection(context.Background(), creds)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "3 databases", res.Details)

	status = http.StatusForbidden
	res, err = c.TestConnection(context.Background(), creds)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "Access denied", res.Message)
	assert.NotEmpty(t, res.Suggestion)

	res, err = c.TestConnection(context.Background(), domain.TDCredentials{})
	require.NoError(t, err)
	assert.Equal(t, "Missing required fields: API Key, Region", res.Message)
}

func TestCreateDeploymentKeepsFailureBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/deploy/create", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"Repository va-x already exists"}`))
	})
	c, _ := newBackend(t, mux)

	resp, err := c.CreateDeployment(context.Background(), backend.CreateRequest{RepoName: "va-x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.False(t, resp.Result.Success)
	assert.Equal(t, "Repository va-x already exists", resp.Result.FailureMessage())
}

func TestCopyProgress(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/github/copy-progress/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "s-1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Session not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"copying_files","total_files":10,"files_processed":4,"current_file":"wf/main.dig","errors":[]}`))
	})
	c, _ := newBackend(t, mux)

	p, err := c.CopyProgress(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, "copying_files", p.Status)
	assert.Equal(t, 4, p.FilesProcessed)

	_, err = c.CopyProgress(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.NotFound))
	assert.Equal(t, "Session not found", err.Error())
}
