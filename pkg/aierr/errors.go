// Package aierr defines the error taxonomy shared by every stage of the
// mediation pipeline. Provider adapters, the router, the queue and the
// orchestrator all speak in these kinds so retry decisions and caller-facing
// errors are made in one place.
package aierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a failure.
type Kind string

const (
	KindRateLimited             Kind = "rate_limited"
	KindBudgetExceeded          Kind = "budget_exceeded"
	KindProviderUnavailable     Kind = "provider_unavailable"
	KindAllProvidersUnavailable Kind = "all_providers_unavailable"
	KindInvalidInput            Kind = "invalid_input"
	KindPolicyRejected          Kind = "policy_rejected"
	KindTimeout                 Kind = "timeout"
	KindPermanentFailure        Kind = "permanent_failure"
	KindCanceled                Kind = "canceled"
	KindInternal                Kind = "internal"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrRateLimited             = &Error{Kind: KindRateLimited}
	ErrBudgetExceeded          = &Error{Kind: KindBudgetExceeded}
	ErrProviderUnavailable     = &Error{Kind: KindProviderUnavailable}
	ErrAllProvidersUnavailable = &Error{Kind: KindAllProvidersUnavailable}
	ErrInvalidInput            = &Error{Kind: KindInvalidInput}
	ErrPolicyRejected          = &Error{Kind: KindPolicyRejected}
	ErrTimeout                 = &Error{Kind: KindTimeout}
	ErrPermanentFailure        = &Error{Kind: KindPermanentFailure}
	ErrCanceled                = &Error{Kind: KindCanceled}
)

// Attempt is one entry of a request's attempt history.
type Attempt struct {
	Number   int       `json:"number"`
	Provider string    `json:"provider,omitempty"`
	Kind     Kind      `json:"kind"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Error is the typed error carried through the pipeline.
type Error struct {
	Kind        Kind          `json:"kind"`
	Message     string        `json:"message"`
	Provider    string        `json:"provider,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	StatusCode  int           `json:"status_code,omitempty"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
	Attempts    []Attempt     `json:"attempts,omitempty"`
	Err         error         `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Provider != "" {
		fmt.Fprintf(&b, " (provider=%s)", e.Provider)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatus maps the kind to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBudgetExceeded:
		return http.StatusPaymentRequired
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindPolicyRejected:
		return http.StatusUnprocessableEntity
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindProviderUnavailable, KindAllProvidersUnavailable:
		return http.StatusServiceUnavailable
	case KindCanceled:
		return 499
	case KindPermanentFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// RateLimited creates a RateLimited error with a retry-after hint.
func RateLimited(retryAfter time.Duration, format string, args ...any) *Error {
	e := New(KindRateLimited, format, args...)
	e.RetryAfter = retryAfter
	return e
}

// InvalidInput creates an InvalidInput error.
func InvalidInput(format string, args ...any) *Error {
	return New(KindInvalidInput, format, args...)
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Retryable reports whether the queue should retry after err. Exhausting
// every provider is terminal for the request.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindProviderUnavailable, KindTimeout:
		return true
	}
	return false
}

// Permanent wraps the last error after the attempt cap is exhausted.
func Permanent(last error, attempts []Attempt) *Error {
	e := &Error{
		Kind:     KindPermanentFailure,
		Message:  fmt.Sprintf("gave up after %d attempts", len(attempts)),
		Attempts: attempts,
		Err:      last,
	}
	if le, ok := As(last); ok {
		e.Provider = le.Provider
		e.Fingerprint = le.Fingerprint
	}
	return e
}
