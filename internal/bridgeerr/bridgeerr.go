// Package bridgeerr defines the error taxonomy shared by every bridge
// component. Each error carries a stable code string for log aggregation
// and a details bag for structured context.
package bridgeerr

import (
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error into one of the bridge's failure domains.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration aborts startup. Non-operational.
	KindConfiguration
	// KindDatabase covers driver and constraint failures.
	KindDatabase
	// KindSignature covers signature manufacture and verification failures.
	KindSignature
	// KindFederation covers remote instance failures (recorded in the breaker).
	KindFederation
	// KindRateLimit means a local or remote rate limit fired.
	KindRateLimit
	// KindValidation covers malformed input.
	KindValidation
	// KindNotFound means the referenced entity does not exist.
	KindNotFound
	// KindAuthorization means the caller is not allowed.
	KindAuthorization
	// KindBlocked means a user or instance block applies.
	KindBlocked
	// KindCircuitOpen means the per-host circuit breaker is open.
	KindCircuitOpen
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindDatabase:
		return "database"
	case KindSignature:
		return "signature"
	case KindFederation:
		return "federation"
	case KindRateLimit:
		return "rate_limit"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindBlocked:
		return "blocked_instance"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// HTTPStatus maps the kind to the status used when the error is externalized.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindDatabase:
		return http.StatusServiceUnavailable
	case KindSignature:
		return http.StatusUnauthorized
	case KindFederation:
		return http.StatusBadGateway
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization, KindBlocked:
		return http.StatusForbidden
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the bridge error type. Code is stable across releases; Details
// holds structured context such as the remote host or activity id.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a queue worker should retry the operation.
// Signature, validation, authorization and block failures never heal on
// retry; everything transient does.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindSignature, KindValidation, KindNotFound, KindAuthorization, KindBlocked, KindConfiguration:
		return false
	default:
		return true
	}
}

// HTTPStatus returns the status for the error's kind.
func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// With attaches a detail key/value and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Configuration builds a startup configuration error.
func Configuration(code, format string, args ...any) *Error {
	return newError(KindConfiguration, code, format, args...)
}

// Database builds a storage-layer error.
func Database(code, format string, args ...any) *Error {
	return newError(KindDatabase, code, format, args...)
}

// Signature builds a signature failure. Never retried.
func Signature(code, format string, args ...any) *Error {
	return newError(KindSignature, code, format, args...)
}

// Federation builds a remote-instance failure.
func Federation(code, format string, args ...any) *Error {
	return newError(KindFederation, code, format, args...)
}

// RateLimit builds a rate-limit error. RetryAfter may be zero.
func RateLimit(code string, retryAfter time.Duration) *Error {
	e := newError(KindRateLimit, code, "rate limit exceeded")
	if retryAfter > 0 {
		e.With("retry_after_ms", retryAfter.Milliseconds())
	}
	return e
}

// Validation builds a malformed-input error.
func Validation(code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

// NotFound builds a missing-entity error.
func NotFound(code, format string, args ...any) *Error {
	return newError(KindNotFound, code, format, args...)
}

// Authorization builds a permission error.
func Authorization(code, format string, args ...any) *Error {
	return newError(KindAuthorization, code, format, args...)
}

// Blocked builds a user- or instance-block error.
func Blocked(code, format string, args ...any) *Error {
	return newError(KindBlocked, code, format, args...)
}

// CircuitOpen builds a fail-fast error carrying the breaker's reset time.
func CircuitOpen(host string, opensUntil time.Time) *Error {
	e := newError(KindCircuitOpen, "CIRCUIT_OPEN", "circuit open for host %s", host)
	e.With("host", host)
	e.With("opens_until", opensUntil.UTC().Format(time.RFC3339))
	return e
}

// Wrap attaches a cause to the error and returns it.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// From returns the first bridge error in err's chain, or nil.
func From(err error) *Error {
	for err != nil {
		if be, ok := err.(*Error); ok {
			return be
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// KindOf extracts the kind from any error, unwrapping as needed.
// Non-bridge errors report KindUnknown.
func KindOf(err error) Kind {
	if be := From(err); be != nil {
		return be.Kind
	}
	return KindUnknown
}

// Retryable reports whether err should be retried by a worker. Unknown
// errors default to retryable so transient faults are not dead-lettered.
func Retryable(err error) bool {
	if be := From(err); be != nil {
		return be.IsRetryable()
	}
	return true
}

// RetryAfterOf extracts a remote Retry-After hint from the error chain,
// zero when none was attached.
func RetryAfterOf(err error) time.Duration {
	be := From(err)
	if be == nil || be.Details == nil {
		return 0
	}
	ms, ok := be.Details["retry_after_ms"].(int64)
	if !ok {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
