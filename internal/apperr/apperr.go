// Package apperr classifies errors into the handling policies the rest of
// the system keys off: HTTP status at the API boundary, retry behaviour in
// the queue, idempotent no-ops on uniqueness conflicts.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is the error classification.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindAuth                  Kind = "auth"
	KindSignatureVerification Kind = "signature_verification"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindRateLimited           Kind = "rate_limited"
	KindCircuitOpen           Kind = "circuit_open"
	KindTransientIO           Kind = "transient_io"
	KindInternal              Kind = "internal"
)

// Error carries a kind plus an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg == "" {
			return string(e.Kind) + ": " + e.Err.Error()
		}
		return e.Msg + ": " + e.Err.Error()
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two apperr values by kind so callers can compare against
// sentinel-style values built with E.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// E builds a new classified error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef builds a new classified error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it as the cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain. Unclassified
// errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsUniqueViolation(err) {
		return KindConflict
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the API boundary returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindSignatureVerification:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether the queue should retry a job that failed
// with err. Transient IO and open circuits are worth retrying; everything
// classified as a caller error is not.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientIO, KindCircuitOpen, KindInternal:
		return true
	default:
		return false
	}
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
