package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the closed set of upstream failure classes. Every component that
// reacts to an upstream failure (key pool, rate limiter, circuit breaker,
// fetch orchestrator) consumes a Kind; no call site inspects raw errors.
type Kind int

const (
	// KindNone means the call succeeded.
	KindNone Kind = iota
	// KindRateLimited is a 429-equivalent throttle. Recoverable via
	// credential rotation plus cooldown.
	KindRateLimited
	// KindRetryable is a transient server-side failure (5xx, timeouts,
	// connection resets). Bounded retry with backoff.
	KindRetryable
	// KindNotFoundEndpoint is a 404 on the API route itself. This signals a
	// broken integration rather than load, is never retried, and is logged
	// distinctly.
	KindNotFoundEndpoint
	// KindFatal is an authentication or permission failure that cannot
	// self-heal.
	KindFatal
	// KindUnknown is anything unclassified. Callers treat it as retryable
	// with lower confidence.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRateLimited:
		return "rate_limited"
	case KindRetryable:
		return "retryable"
	case KindNotFoundEndpoint:
		return "not_found_endpoint"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether a caller may attempt the operation again.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindRetryable || k == KindUnknown
}

// APIError is a failure reported by the upstream API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream API error: %s (status %d, code %s)", e.Message, e.StatusCode, e.Code)
}

// Classify maps any error from an upstream call into exactly one Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return KindRateLimited
		case apiErr.StatusCode == http.StatusNotFound:
			return KindNotFoundEndpoint
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return KindFatal
		case apiErr.StatusCode >= 500:
			return KindRetryable
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetryable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return KindRateLimited
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid token") || strings.Contains(msg, "forbidden"):
		return KindFatal
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporar"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "server error"):
		return KindRetryable
	}

	return KindUnknown
}
