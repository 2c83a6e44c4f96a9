// Package failure classifies errors from GitHub and the deployment backend
// into a small taxonomy the orchestrator and the API can act on.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

type Kind string

const (
	Unauthorized   Kind = "unauthorized"
	Forbidden      Kind = "forbidden"
	Conflict       Kind = "conflict"
	NotFound       Kind = "not_found"
	Timeout        Kind = "timeout"
	Network        Kind = "network"
	ServerReported Kind = "server_reported"
	Unknown        Kind = "unknown"
)

// Error carries a classified failure. Message is display text; Err is the cause.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, status int, msg string, cause error) *Error {
	return &Error{Kind: kind, Status: status, Message: msg, Err: cause}
}

// Newf builds a classified error with a formatted message and no cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FromStatus maps an HTTP status and response message to an error.
func FromStatus(status int, msg string) *Error {
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	return &Error{Kind: KindForStatus(status, msg), Status: status, Message: msg}
}

// KindForStatus classifies a response by status code, using the message to
// detect name collisions GitHub reports as 422.
func KindForStatus(status int, msg string) Kind {
	switch status {
	case http.StatusUnauthorized:
		return Unauthorized
	case http.StatusForbidden:
		return Forbidden
	case http.StatusNotFound:
		return NotFound
	case http.StatusConflict:
		return Conflict
	case http.StatusUnprocessableEntity:
		if mentionsExisting(msg) {
			return Conflict
		}
		return ServerReported
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return Timeout
	}
	if status >= 400 {
		return ServerReported
	}
	return Unknown
}

// KindOf returns the kind of err. Typed errors win; transport errors are
// recognised next; otherwise the message is matched against known patterns,
// which is imprecise for error shapes not seen before.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Network
	}
	if netErr != nil {
		return Network
	}
	return kindFromMessage(err.Error())
}

// Classify wraps err into an *Error, keeping an existing classification.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: KindOf(err), Message: err.Error(), Err: err}
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// statusInText finds a status code stated as such: a leading "401 ...",
// "status 403", "HTTP 404" or "code: 401". Bare numbers elsewhere are ignored.
var statusInText = regexp.MustCompile(`(?:^|\b(?:status|http|code)\s*:?\s*)(40[134])\b`)

func statusFromMessage(lowered string) string {
	if m := statusInText.FindStringSubmatch(lowered); m != nil {
		return m[1]
	}
	return ""
}

func kindFromMessage(msg string) Kind {
	lowered := strings.ToLower(msg)
	status := statusFromMessage(lowered)
	switch {
	case strings.Contains(lowered, "bad credentials"),
		strings.Contains(lowered, "invalid github token"),
		status == "401":
		return Unauthorized
	case strings.Contains(lowered, "lacks required permissions"),
		strings.Contains(lowered, "resource not accessible"),
		status == "403":
		return Forbidden
	case mentionsExisting(msg):
		return Conflict
	case strings.Contains(lowered, "not found"), status == "404":
		return NotFound
	case strings.Contains(lowered, "timed out"), strings.Contains(lowered, "timeout"):
		return Timeout
	case strings.Contains(lowered, "connection refused"),
		strings.Contains(lowered, "connection failed"),
		strings.Contains(lowered, "no such host"),
		strings.Contains(lowered, "network error"):
		return Network
	}
	return Unknown
}

func mentionsExisting(msg string) bool {
	lowered := strings.ToLower(msg)
	return strings.Contains(lowered, "already exists") || strings.Contains(lowered, "name already exists")
}

// HTTPStatus maps a kind to the status the local API responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	case Timeout:
		return http.StatusGatewayTimeout
	case Network, ServerReported:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
