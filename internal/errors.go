package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// statusErr is an error that maps directly onto an HTTP status code.
// Upstream responses and internal failures are folded into this type so
// handlers can surface them without switching on concrete error types.
type statusErr int

func (s statusErr) Error() string {
	return fmt.Sprintf("%d: %s", int(s), http.StatusText(int(s)))
}

// Status returns the HTTP status code for the error.
func (s statusErr) Status() int {
	return int(s)
}

var (
	errBadRequest      = statusErr(http.StatusBadRequest)
	errInvalidToken    = statusErr(http.StatusUnauthorized)
	errNotFound        = statusErr(http.StatusNotFound)
	errConflict        = statusErr(http.StatusConflict)
	errPayloadTooLarge = statusErr(http.StatusRequestEntityTooLarge)
	errUpgradeRequired = statusErr(http.StatusUpgradeRequired)
)

// Sentinels the HTTP layer surfaces directly.
var (
	ErrInvalidToken    error = errInvalidToken
	ErrPayloadTooLarge error = errPayloadTooLarge
	ErrUpgradeRequired error = errUpgradeRequired
)

// FailureKind classifies provider failures. Providers never leak raw
// transport errors into the orchestrator; everything arrives as one of
// these.
type FailureKind int

const (
	// FailureUnknown is the zero value and shouldn't normally be seen.
	FailureUnknown FailureKind = iota
	// FailureTimeout is a per-request deadline expiry.
	FailureTimeout
	// FailureRateLimited carries a retry-after hint.
	FailureRateLimited
	// FailureUnauthenticated means our credentials were rejected.
	FailureUnauthenticated
	// FailureBadRequest means the provider rejected the query shape.
	FailureBadRequest
	// FailureNotFound is a hard not-found from the provider.
	FailureNotFound
	// FailureTransient is a 5XX that may succeed on a later attempt.
	FailureTransient
	// FailureMalformed means the payload couldn't be decoded.
	FailureMalformed
	// FailureNetwork covers DNS, dial, and connection resets.
	FailureNetwork
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureRateLimited:
		return "rate_limited"
	case FailureUnauthenticated:
		return "unauthenticated"
	case FailureBadRequest:
		return "bad_request"
	case FailureNotFound:
		return "not_found"
	case FailureTransient:
		return "transient_5xx"
	case FailureMalformed:
		return "malformed_payload"
	case FailureNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// ProviderError is a classified provider failure. It wraps the underlying
// error and carries a retry-after hint when the provider supplied one.
type ProviderError struct {
	Provider   string
	Kind       FailureKind
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Status maps the failure onto the HTTP code we surface to clients.
func (e *ProviderError) Status() int {
	switch e.Kind {
	case FailureTimeout:
		return http.StatusGatewayTimeout
	case FailureRateLimited:
		return http.StatusTooManyRequests
	case FailureNotFound:
		return http.StatusNotFound
	case FailureBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// RateLimitError signals per-principal admission rejection.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Status implements the statusErr contract.
func (e *RateLimitError) Status() int { return http.StatusTooManyRequests }

// RefreshConflictError is returned when a token refresh is already in
// flight for the job.
type RefreshConflictError struct{ JobID string }

func (e *RefreshConflictError) Error() string {
	return fmt.Sprintf("refresh already in progress for job %s", e.JobID)
}

// Status implements the statusErr contract.
func (e *RefreshConflictError) Status() int { return http.StatusConflict }

// BadRequestf builds a 400 wrapping the given reason.
func BadRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// StatusOf maps any error onto the HTTP status we surface: errors
// carrying their own status are asked, deadline expiry is a 504, and
// everything else is a 500.
func StatusOf(err error) int {
	var sc interface{ Status() int }
	if errors.As(err, &sc) {
		return sc.Status()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
