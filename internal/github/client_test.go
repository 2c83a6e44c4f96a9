package github_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"tdva/internal/domain"
	"tdva/internal/failure"
	"tdva/internal/github"
)

func newClient(t *testing.T, mux *http.ServeMux, org string) *github.Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := github.New(domain.GitHubCredentials{PersonalAccessToken: "ghp_test", Organization: org}, github.Options{BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewRejectsEmptyToken(t *testing.T) {
	_, err := github.New(domain.GitHubCredentials{PersonalAccessToken: "  "}, github.Options{})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Unauthorized))
}

func TestCurrentUserSharesOneRequest(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"login": "octocat"})
	})
	c := newClient(t, mux, "")

	var wg sync.WaitGroup
	logins := make([]string, 8)
	for i := range logins {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := c.CurrentUser(context.Background())
			if err == nil {
				logins[i] = u.Login
			}
		}(i)
	}
	require.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, l := range logins {
		assert.Equal(t, "octocat", l)
	}
	_, err := c.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCurrentUserDoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Bad credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"login": "octocat"})
	})
	c := newClient(t, mux, "")

	_, err := c.CurrentUser(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Unauthorized))
	assert.Contains(t, err.Error(), "Bad credentials")

	u, err := c.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "octocat", u.Login)
}

func TestCurrentUserOutlivesCancelledCaller(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"login": "octocat"})
	})
	c := newClient(t, mux, "")

	shortErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.CurrentUser(ctx)
		shortErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, time.Millisecond)

	type result struct {
		user *github.User
		err  error
	}
	patient := make(chan result, 1)
	go func() {
		u, err := c.CurrentUser(context.Background())
		patient <- result{u, err}
	}()

	err := <-shortErr
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, failure.Is(err, failure.Timeout))

	close(release)
	res := <-patient
	require.NoError(t, res.err)
	assert.Equal(t, "octocat", res.user.Login)
	assert.Equal(t, int32(1), calls.Load(), "the shared request was not aborted by the expired caller")
}

func TestOwnerPrefersOrganization(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		t.Error("user lookup not expected when organization is set")
	})
	c := newClient(t, mux, "acme")
	owner, err := c.Owner(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
}

func TestCreateBranchFromMain(t *testing.T) {
	var got map[string]string
	var headers http.Header
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/va-acme-corp/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ref": "refs/heads/main", "object": map[string]any{"sha": "abc123", "type": "commit"}})
	})
	mux.HandleFunc("POST /repos/acme/va-acme-corp/git/refs", func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusCreated, map[string]any{"ref": got["ref"], "object": map[string]any{"sha": got["sha"]}})
	})
	c := newClient(t, mux, "acme")

	ref, err := c.CreateBranch(context.Background(), "va-acme-corp", "feat/dev")
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/feat/dev", ref.Ref)
	assert.Equal(t, "abc123", ref.SHA)
	assert.Equal(t, map[string]string{"ref": "refs/heads/feat/dev", "sha": "abc123"}, got)
	assert.Equal(t, "Bearer ghp_test", headers.Get("Authorization"))
	assert.Equal(t, "application/vnd.github+json", headers.Get("Accept"))
	assert.Equal(t, "2022-11-28", headers.Get("X-GitHub-Api-Version"))
}

func TestCreateBranchFailures(t *testing.T) {
	t.Run("main missing", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /repos/acme/va-x/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
		})
		c := newClient(t, mux, "acme")
		_, err := c.CreateBranch(context.Background(), "va-x", "feat/dev")
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.NotFound))
	})
	t.Run("branch exists", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /repos/acme/va-x/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"ref": "refs/heads/main", "object": map[string]any{"sha": "abc"}})
		})
		mux.HandleFunc("POST /repos/acme/va-x/git/refs", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "Reference already exists"})
		})
		c := newClient(t, mux, "acme")
		_, err := c.CreateBranch(context.Background(), "va-x", "feat/dev")
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.Conflict))
		assert.Contains(t, err.Error(), "Reference already exists")
	})
}

func TestCreateRepositoryNameCollision(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "Repository creation failed.",
			"errors":  []map[string]any{{"resource": "Repository", "code": "custom", "field": "name", "message": "name already exists on this account"}},
		})
	})
	c := newClient(t, mux, "acme")

	_, err := c.CreateRepository(context.Background(), "Acme Corp")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Conflict))
	assert.Contains(t, err.Error(), "Repository 'va-acme-corp' already exists")
}

func TestCreateRepositoryForUser(t *testing.T) {
	var body map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /user/repos", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusCreated, map[string]any{"name": body["name"], "full_name": "octocat/" + body["name"].(string), "html_url": "https://github.com/octocat/va-acme"})
	})
	c := newClient(t, mux, "")

	repo, err := c.CreateRepository(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "va-acme", repo.Name)
	assert.Equal(t, "https://github.com/octocat/va-acme", repo.HTMLURL)
	assert.Equal(t, true, body["auto_init"])
	assert.Equal(t, "Python", body["gitignore_template"])
}

func TestSealRoundTrip(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sealed, err := github.Seal(base64.StdEncoding.EncodeToString(pub[:]), "td-secret")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	plain, ok := box.OpenAnonymous(nil, raw, pub, priv)
	require.True(t, ok)
	assert.Equal(t, "td-secret", string(plain))

	_, err = github.Seal(base64.StdEncoding.EncodeToString([]byte("short")), "x")
	assert.Error(t, err)
}

func TestCreateEnvironmentSecretsOnlyForProvidedTokens(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var mu sync.Mutex
	stored := map[string]string{}
	var created []string

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /repos/acme/va-x/environments/{env}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		created = append(created, r.PathValue("env"))
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"name": r.PathValue("env")})
	})
	mux.HandleFunc("GET /repos/acme/va-x/environments/{env}/secrets/public-key", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"key_id": "kid-" + r.PathValue("env"), "key": base64.StdEncoding.EncodeToString(pub[:])})
	})
	mux.HandleFunc("PUT /repos/acme/va-x/environments/{env}/secrets/TD_API_TOKEN", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			EncryptedValue string `json:"encrypted_value"`
			KeyID          string `json:"key_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		raw, _ := base64.StdEncoding.DecodeString(body.EncryptedValue)
		plain, _ := box.OpenAnonymous(nil, raw, pub, priv)
		mu.Lock()
		stored[r.PathValue("env")+"/"+body.KeyID] = string(plain)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	c := newClient(t, mux, "acme")

	results, err := c.CreateEnvironmentSecrets(context.Background(), "va-x", domain.EnvironmentSecrets{Prod: "p-token", Dev: "d-token"})
	require.NoError(t, err)
	assert.Equal(t, []string{"prod", "dev"}, created)
	assert.Equal(t, map[string]string{"prod/kid-prod": "p-token", "dev/kid-dev": "d-token"}, stored)
	require.Len(t, results, 2)
	assert.Equal(t, "prod", results[0].Environment)
}

func TestCreateRepositoryVariablesByRegion(t *testing.T) {
	var got []map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/va-x/actions/variables", func(w http.ResponseWriter, r *http.Request) {
		var v map[string]string
		_ = json.NewDecoder(r.Body).Decode(&v)
		got = append(got, v)
		w.WriteHeader(http.StatusCreated)
	})
	c := newClient(t, mux, "acme")

	vars, err := c.CreateRepositoryVariables(context.Background(), "va-x", domain.RegionEU01, "retail")
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "https://api-workflow.eu01.treasuredata.com", got[0]["value"])
	assert.Equal(t, "TD_WF_PROJS", got[1]["name"])
	assert.Equal(t, "retail", got[1]["value"])
}

func TestCreateRulesetPostsBothRulesets(t *testing.T) {
	var names []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/va-x/rulesets", func(w http.ResponseWriter, r *http.Request) {
		var rs github.Ruleset
		_ = json.NewDecoder(r.Body).Decode(&rs)
		names = append(names, rs.Name)
		rs.ID = int64(len(names))
		writeJSON(w, http.StatusCreated, rs)
	})
	c := newClient(t, mux, "acme")

	created, err := c.CreateRuleset(context.Background(), "va-x")
	require.NoError(t, err)
	assert.Equal(t, []string{"Enforce Branch Names", "main"}, names)
	require.Len(t, created, 2)
	assert.Equal(t, []string{"~DEFAULT_BRANCH"}, created[1].Conditions.RefName.Include)
}

func TestForbiddenIsClassified(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/va-x/rulesets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "Resource not accessible by personal access token"})
	})
	c := newClient(t, mux, "acme")
	_, err := c.CreateRuleset(context.Background(), "va-x")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Forbidden))
}
