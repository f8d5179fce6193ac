// Package apperr defines the error taxonomy shared by the finalizer, the
// lifecycle machine and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error by what the caller should do about it.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuth              Kind = "auth"
	KindAuthorization     Kind = "authorization"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindMutation          Kind = "mutation"
	KindInvalidTransition Kind = "invalid_transition"
	KindInternal          Kind = "internal"
)

// Error is a classified failure. Op names the operation that failed and
// Message carries diagnostic detail; neither is meant for end users.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// AlreadyProcessed is set on conflicts where the authoritative result
	// already exists and the caller should stop retrying.
	AlreadyProcessed bool
	Err              error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, apperr.ErrConflict).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether repeating the same request may succeed.
func (e *Error) Retryable() bool { return e != nil && e.Kind == KindMutation }

// Kind sentinels for errors.Is.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrAuth              = &Error{Kind: KindAuth}
	ErrAuthorization     = &Error{Kind: KindAuthorization}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrMutation          = &Error{Kind: KindMutation}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
)

func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Auth(op string, err error) *Error {
	return &Error{Kind: KindAuth, Op: op, Message: "invalid or expired credentials", Err: err}
}

func Authorization(op, format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// AlreadyProcessed reports a conflict whose authoritative result exists.
func AlreadyProcessed(op, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...), AlreadyProcessed: true}
}

func Conflict(op string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

func Mutation(op string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindMutation, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

func InvalidTransition(from, to string) *Error {
	return &Error{Kind: KindInvalidTransition, Op: "transition", Message: fmt.Sprintf("%s -> %s not allowed", from, to)}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when err is unclassified.
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

// IsAlreadyProcessed reports whether err is a conflict carrying the
// alreadyProcessed flag.
func IsAlreadyProcessed(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindConflict && e.AlreadyProcessed
}

// IsRetryable reports whether err is safe to retry unchanged.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
