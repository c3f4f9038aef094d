package types

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindMismatch     Kind = "mismatch"
	KindGateway      Kind = "gateway"
	KindNotFound     Kind = "not_found"
	KindInternal     Kind = "internal"
)

// Error is the structured failure surfaced to callers. Status, when set, overrides the
// default HTTP status of the kind (used to forward a collaborator's status).
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPStatus returns the status a handler should answer with.
func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	if e.Status > 0 {
		return e.Status
	}
	return StatusForKind(e.Kind)
}

func StatusForKind(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden, KindMismatch:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

func Unauthorizedf(format string, args ...any) *Error {
	return newError(KindUnauthorized, format, args...)
}

func Forbiddenf(format string, args ...any) *Error {
	return newError(KindForbidden, format, args...)
}

func Mismatchf(format string, args ...any) *Error {
	return newError(KindMismatch, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func Gatewayf(format string, args ...any) *Error {
	return newError(KindGateway, format, args...)
}

func Internalf(format string, args ...any) *Error {
	return newError(KindInternal, format, args...)
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	e := newError(kind, format, args...)
	e.Err = err
	if err != nil {
		e.Message = e.Message + ": " + err.Error()
	}
	return e
}

// KindOf reports the kind of the first *Error in err's chain, or KindInternal.
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

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
