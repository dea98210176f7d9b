// Package ctrlerr defines the typed error sum used across every engine.
package ctrlerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error independent of its message text.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindDependencyFailed
	KindIntegrityFailed
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindDependencyFailed:
		return "dependency_failed"
	case KindIntegrityFailed:
		return "integrity_failed"
	case KindInterrupted:
		return "interrupted"
	default:
		return "internal"
	}
}

// Status returns the HTTP status hint for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDependencyFailed:
		return http.StatusBadGateway
	case KindIntegrityFailed:
		return http.StatusUnprocessableEntity
	case KindInterrupted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the sum-typed error value every component returns at its
// boundary. It wraps an underlying cause without losing the error chain.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP-like status hint for this error.
func (e *Error) Status() int { return e.Kind.Status() }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }
func NotFound(format string, args ...any) *Error   { return newf(KindNotFound, format, args...) }
func Conflict(format string, args ...any) *Error   { return newf(KindConflict, format, args...) }
func Internal(format string, args ...any) *Error   { return newf(KindInternal, format, args...) }

func WrapValidation(err error, format string, args ...any) *Error {
	return wrapf(KindValidation, err, format, args...)
}
func WrapNotFound(err error, format string, args ...any) *Error {
	return wrapf(KindNotFound, err, format, args...)
}
func WrapConflict(err error, format string, args ...any) *Error {
	return wrapf(KindConflict, err, format, args...)
}
func WrapDependencyFailed(err error, format string, args ...any) *Error {
	return wrapf(KindDependencyFailed, err, format, args...)
}
func WrapIntegrityFailed(err error, format string, args ...any) *Error {
	return wrapf(KindIntegrityFailed, err, format, args...)
}
func WrapInterrupted(err error, format string, args ...any) *Error {
	return wrapf(KindInterrupted, err, format, args...)
}
func WrapInternal(err error, format string, args ...any) *Error {
	return wrapf(KindInternal, err, format, args...)
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// StatusOf returns the HTTP status hint for err, defaulting to 500 for
// errors that are not a *Error.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status()
	}
	return http.StatusInternalServerError
}
