// Package apperr defines the error taxonomy shared by the dispatch engine.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindAuthorization
	KindUnavailable
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuthorization:
		return "authorization"
	case KindUnavailable:
		return "unavailable"
	case KindDependency:
		return "dependency"
	}
	return "internal"
}

// Error carries a Kind and a stable machine-readable Code.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

// Is matches sentinel errors by kind and code so wrapped copies still compare equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

func newSentinel(k Kind, code string) *Error { return &Error{Kind: k, Code: code} }

var (
	ErrDuplicateActiveRide = newSentinel(KindConflict, "duplicate_active_ride")
	ErrAlreadyMatched      = newSentinel(KindConflict, "already_matched")
	ErrDriverUnavailable   = newSentinel(KindConflict, "driver_unavailable")
	ErrInvalidTransition   = newSentinel(KindConflict, "invalid_transition")
	ErrRideNotFound        = newSentinel(KindNotFound, "ride_not_found")
	ErrDriverNotFound      = newSentinel(KindNotFound, "driver_not_found")
	ErrConnectionNotFound  = newSentinel(KindNotFound, "connection_not_found")
	ErrUnauthorized        = newSentinel(KindAuthorization, "unauthorized")
	ErrNoDriversAvailable  = newSentinel(KindUnavailable, "no_drivers_available")
)

// Wrap attaches detail to a sentinel while keeping errors.Is working.
func Wrap(sentinel *Error, format string, args ...any) error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Err: fmt.Errorf(format, args...)}
}

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Code: "validation", Err: fmt.Errorf(format, args...)}
}

// Dependency marks a storage or transport failure as retryable by the caller.
func Dependency(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindDependency, Code: "dependency", Err: fmt.Errorf("%s: %w", op, err)}
}

func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "internal"
}

// ClientError reports errors caused by the request itself (bad input, an
// unknown id, a missing permission, a lost race, no capacity) rather than by
// the service. They map to 4xx/503 responses and are not retried. Only
// conflicts on the match path are silent; callers choose the log level for
// the rest.
func ClientError(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindUnavailable, KindValidation, KindNotFound, KindAuthorization:
		return true
	}
	return false
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindAuthorization:
		return http.StatusForbidden
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindDependency:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
