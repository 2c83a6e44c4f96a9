// Package github is the thin GitHub REST client the deployment flow needs:
// token validation, owner resolution and development branch creation, plus
// the legacy direct helpers kept as a manual fallback.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/go-github/v72/github"
	"golang.org/x/sync/singleflight"

	"tdva/internal/domain"
	"tdva/internal/failure"
)

const (
	apiVersion    = "2022-11-28"
	acceptHeader  = "application/vnd.github+json"
	DefaultBranch = "main"
)

// User is the subset of the authenticated user the client relies on.
type User struct {
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type Options struct {
	// BaseURL overrides https://api.github.com/, mainly for tests.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client wraps go-github with the credentials of one operator.
type Client struct {
	gh           *github.Client
	organization string
	log          *slog.Logger

	flight singleflight.Group
	mu     sync.Mutex
	user   *User
}

// New builds a client for creds. The token is sent as a bearer PAT.
func New(creds domain.GitHubCredentials, opts Options) (*Client, error) {
	if strings.TrimSpace(creds.PersonalAccessToken) == "" {
		return nil, failure.Newf(failure.Unauthorized, "Invalid GitHub token: personal access token is empty")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	withHeaders := *httpClient
	withHeaders.Transport = headerTransport{base: base}

	gh := github.NewClient(&withHeaders).WithAuthToken(creds.PersonalAccessToken)
	if opts.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
		gh.BaseURL = u
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{gh: gh, organization: creds.Organization, log: logger.With("component", "github")}, nil
}

type headerTransport struct {
	base http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	return t.base.RoundTrip(req)
}

// CurrentUser returns the authenticated user. The first success is cached for
// the client lifetime; concurrent callers share one request and failures are
// not cached. The shared request is detached from any single caller's
// cancellation; each caller still returns early when its own ctx is done.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	c.mu.Lock()
	if c.user != nil {
		u := *c.user
		c.mu.Unlock()
		return &u, nil
	}
	c.mu.Unlock()

	shared := context.WithoutCancel(ctx)
	ch := c.flight.DoChan("user", func() (any, error) {
		c.mu.Lock()
		cached := c.user
		c.mu.Unlock()
		if cached != nil {
			return cached, nil
		}
		ghUser, _, err := c.gh.Users.Get(shared, "")
		if err != nil {
			return nil, classify(err)
		}
		u := &User{Login: ghUser.GetLogin(), Name: ghUser.GetName(), Email: ghUser.GetEmail()}
		c.mu.Lock()
		c.user = u
		c.mu.Unlock()
		return u, nil
	})
	select {
	case <-ctx.Done():
		return nil, failure.New(failure.KindOf(ctx.Err()), 0, "github current user: "+ctx.Err().Error(), ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		u := *res.Val.(*User)
		return &u, nil
	}
}

// Owner is the organization when configured, otherwise the user's login.
func (c *Client) Owner(ctx context.Context) (string, error) {
	if c.organization != "" {
		return c.organization, nil
	}
	u, err := c.CurrentUser(ctx)
	if err != nil {
		return "", err
	}
	return u.Login, nil
}

// Branch is a created git reference.
type Branch struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type createRefRequest struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// CreateBranch points a new branch at the head of main. It fails with
// NotFound when main is missing and Conflict when the branch exists.
func (c *Client) CreateBranch(ctx context.Context, repo, branch string) (*Branch, error) {
	owner, err := c.Owner(ctx)
	if err != nil {
		return nil, err
	}
	mainRef, _, err := c.gh.Git.GetRef(ctx, owner, repo, "heads/"+DefaultBranch)
	if err != nil {
		return nil, classify(err)
	}
	sha := mainRef.GetObject().GetSHA()
	if sha == "" {
		return nil, failure.Newf(failure.NotFound, "branch %s of %s/%s has no commit", DefaultBranch, owner, repo)
	}

	req, err := c.gh.NewRequest(http.MethodPost, fmt.Sprintf("repos/%s/%s/git/refs", owner, repo), createRefRequest{
		Ref: "refs/heads/" + branch,
		SHA: sha,
	})
	if err != nil {
		return nil, err
	}
	var created github.Reference
	if _, err := c.gh.Do(ctx, req, &created); err != nil {
		return nil, classify(err)
	}
	c.log.Info("branch created", "owner", owner, "repo", repo, "branch", branch)
	return &Branch{Ref: created.GetRef(), SHA: created.GetObject().GetSHA()}, nil
}

// classify maps go-github errors onto failure kinds, keeping GitHub's message.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return failure.New(failure.Forbidden, http.StatusForbidden, rateErr.Message, err)
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return failure.New(failure.Forbidden, http.StatusForbidden, abuseErr.Message, err)
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		status := 0
		if respErr.Response != nil {
			status = respErr.Response.StatusCode
		}
		msg := respErr.Message
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", status)
		}
		kind := failure.KindForStatus(status, msg)
		if status == http.StatusUnprocessableEntity && nameTaken(respErr.Errors) {
			kind = failure.Conflict
		}
		return failure.New(kind, status, msg, err)
	}
	return failure.New(failure.KindOf(err), 0, err.Error(), err)
}

func nameTaken(errs []github.Error) bool {
	for _, e := range errs {
		if e.Field == "name" && (e.Code == "custom" || e.Code == "already_exists") {
			return true
		}
		if strings.Contains(strings.ToLower(e.Message), "already exists") {
			return true
		}
	}
	return false
}
