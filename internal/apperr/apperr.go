// Package apperr defines the error kinds shared across components and
// their HTTP mapping. Domain packages return *Error; the API layer is
// the only place that turns one into a response envelope.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	InvalidInput  Kind = "invalid_input"
	InvalidState  Kind = "invalid_state"
	BalanceError  Kind = "balance_error"
	NotFound      Kind = "not_found"
	Unauthorized  Kind = "unauthorized"
	Forbidden     Kind = "forbidden"
	RateLimited   Kind = "rate_limited"
	QueueFull     Kind = "queue_full"
	QueueTimeout  Kind = "queue_timeout"
	StorageBusy   Kind = "storage_busy"
	StorageError  Kind = "storage_error"
	SafetyBlocked Kind = "safety_blocked"
	Internal      Kind = "internal"
)

// Error carries a kind plus the optional fields some kinds require:
// RetryAfter for rate_limited, Boundary for safety_blocked, Details for
// the ordered ledger error list on balance_error.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int      // seconds; rate_limited only
	Boundary   string   // safety_blocked only
	Details    []string // balance_error only, in validation order
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Limited builds a rate_limited error with its retry hint.
func Limited(retryAfterSeconds int) *Error {
	return &Error{
		Kind:       RateLimited,
		Message:    fmt.Sprintf("prekoračen limit zahtjeva, pokušajte ponovno za %d s", retryAfterSeconds),
		RetryAfter: retryAfterSeconds,
	}
}

// Blocked builds a safety_blocked error carrying the boundary type and
// the overseer's verbatim reason.
func Blocked(boundary, reason string) *Error {
	return &Error{Kind: SafetyBlocked, Message: reason, Boundary: boundary}
}

// Balance builds a balance_error from the ordered ledger error list.
func Balance(errs []string) *Error {
	msg := "transakcija nije ispravna"
	if len(errs) > 0 {
		msg = errs[0]
	}
	return &Error{Kind: BalanceError, Message: msg, Details: errs}
}

// KindOf extracts the Kind from any error, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// From returns err as *Error, wrapping unknown errors as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: Internal, Message: err.Error()}
}

// HTTPStatus maps a kind to its response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidInput, BalanceError:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden, SafetyBlocked:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case InvalidState:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case QueueFull, QueueTimeout, StorageBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
