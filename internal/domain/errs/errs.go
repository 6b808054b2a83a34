// Package errs defines the structured error taxonomy shared by the care-plan domain.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies which invariant an error reports
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidState      Kind = "invalid_state"
	KindUndoExpired       Kind = "undo_expired"
	KindConflict          Kind = "concurrency_conflict"
	KindAuditWriteFailure Kind = "audit_write_failure"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrUndoExpired       = &Error{Kind: KindUndoExpired}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrAuditWriteFailure = &Error{Kind: KindAuditWriteFailure}
)

// Error is a domain error carrying the offending field or entity
type Error struct {
	Kind     Kind
	Message  string
	Field    string
	EntityID string
	Cause    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %s)", e.Field)
	}
	if e.EntityID != "" {
		msg += fmt.Sprintf(" (id %s)", e.EntityID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports kind equality so sentinels match any error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Validation reports a missing or malformed input field
func Validation(field, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unresolved entity reference
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, EntityID: id, Message: entity + " not found"}
}

// InvalidState reports an operation attempted from a forbidding state
func InvalidState(id, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidState, EntityID: id, Message: fmt.Sprintf(format, args...)}
}

// UndoExpired reports an undo attempted after its window closed
func UndoExpired(id string) *Error {
	return &Error{Kind: KindUndoExpired, EntityID: id, Message: "undo window has elapsed"}
}

// Conflict reports a failed compare-and-swap
func Conflict(entity, id string, expected, actual int) *Error {
	return &Error{
		Kind:     KindConflict,
		EntityID: id,
		Message:  fmt.Sprintf("%s version is %d, expected %d", entity, actual, expected),
	}
}

// AuditWriteFailure wraps a failed audit sink write
func AuditWriteFailure(entryID string, cause error) *Error {
	return &Error{Kind: KindAuditWriteFailure, EntityID: entryID, Message: "audit sink write failed", Cause: cause}
}

// KindOf returns the kind of the first domain error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As extracts the domain error from a chain
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
