// Package backend talks to the deployment API that creates repositories,
// copies starter pack files and provisions secrets, variables and rulesets.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tdva/internal/failure"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	// CopyTimeout bounds the single deployment call.
	CopyTimeout = 30 * time.Second
)

// Client is a minimal deployment API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// Timeout applies to every call except CopyPackage, which uses CopyTimeout.
	Timeout     time.Duration
	CopyTimeout time.Duration
	Logger      *slog.Logger
}

// New creates a client with sane defaults.
func New(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:     baseURL,
		HTTPClient:  &http.Client{},
		Timeout:     10 * time.Second,
		CopyTimeout: CopyTimeout,
		Logger:      logger.With("component", "backend"),
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
	// Detail is the server supplied message, when the body carried one.
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// response is a raw reply, returned even for non-2xx so callers can read
// partial details.
type response struct {
	status int
	body   []byte
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any) (*response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	ctx, cancel := c.withTimeout(ctx, c.Timeout)
	defer cancel()
	resp, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return transportError(ctx, err, "deployment API")
	}
	if resp.status >= 300 {
		return resp.apiError()
	}
	if out != nil && len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, out); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (r *response) apiError() *failure.Error {
	apiErr := &APIError{StatusCode: r.status, Body: string(r.body), Detail: detailOf(r.body)}
	msg := apiErr.Detail
	if msg == "" {
		msg = strings.TrimSpace(apiErr.Body)
	}
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", r.status)
	}
	return failure.New(failure.KindForStatus(r.status, msg), r.status, msg, apiErr)
}

// detailOf extracts FastAPI style {"detail": ...} or {"message": ...} text.
func detailOf(body []byte) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if len(payload.Detail) > 0 {
		var s string
		if err := json.Unmarshal(payload.Detail, &s); err == nil {
			return s
		}
		return string(payload.Detail)
	}
	return payload.Message
}

// transportError classifies a failure that happened before any response.
// A deadline on ctx is a Timeout, everything else a Network failure.
func transportError(ctx context.Context, err error, what string) *failure.Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || failure.KindOf(err) == failure.Timeout {
		return failure.New(failure.Timeout, http.StatusGatewayTimeout,
			fmt.Sprintf("Request Timeout: %s did not respond in time", what), err)
	}
	return failure.New(failure.Network, 0,
		fmt.Sprintf("Network Error: Unable to connect to %s", what), err)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
