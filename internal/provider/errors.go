package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Shared error taxonomy. Every variant maps its backend's failures onto
// these sentinels so the orchestrator and callers can build retry policy
// with errors.Is() instead of provider-specific knowledge.
var (
	// ErrUnknownProvider indicates the factory was asked for a kind it
	// does not implement. A configuration error, never a fallback.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrRateLimited indicates the backend rejected the call for quota or
	// rate reasons (HTTP 429). Transient from the backend's view; the
	// orchestrator does not retry automatically.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrAuth indicates an invalid or missing credential (HTTP 401/403).
	ErrAuth = errors.New("provider authentication failed")

	// ErrInvalidRequest indicates the backend judged the request malformed
	// (HTTP 4xx other than auth/rate).
	ErrInvalidRequest = errors.New("provider rejected request")

	// ErrServer indicates a backend-side failure (HTTP 5xx).
	ErrServer = errors.New("provider server error")

	// ErrEmptyResponse indicates a 2xx reply carrying no usable content.
	ErrEmptyResponse = errors.New("provider returned empty response")
)

// statusError maps an HTTP status onto the taxonomy, keeping the backend's
// own message for diagnosis.
func statusError(provider string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	const maxBody = 512
	if len(msg) > maxBody {
		msg = msg[:maxBody] + "…"
	}

	var kind error
	switch {
	case status == 429:
		kind = ErrRateLimited
	case status == 401 || status == 403:
		kind = ErrAuth
	case status >= 500:
		kind = ErrServer
	default:
		kind = ErrInvalidRequest
	}
	return fmt.Errorf("%w: %s status %d: %s", kind, provider, status, msg)
}

// Retryable reports whether err is transient enough for a caller-level
// retry policy: rate limiting and server-side failures qualify, config and
// request shape errors do not.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServer)
}
