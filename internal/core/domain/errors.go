package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how callers must react to them.
type ErrorKind string

const (
	// KindValidation: missing identifiers or tokens at the call boundary.
	KindValidation ErrorKind = "VALIDATION"
	// KindConflict: duplicate accept, duplicate start, superseded attempt.
	KindConflict ErrorKind = "CONFLICT"
	// KindTransientBackend: room create/delete and mode updates.
	KindTransientBackend ErrorKind = "TRANSIENT_BACKEND"
	// KindEngine: the communication engine failed.
	KindEngine ErrorKind = "ENGINE"
)

func (k ErrorKind) String() string {
	return string(k)
}

// Error is the structured error returned across the call boundary.
type Error struct {
	Kind        ErrorKind
	Code        string
	Message     string
	UserVisible bool
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same kind and code, so sentinels work with errors.Is
// even after withMessage or WithCause copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

func (e *Error) withMessage(msg string) *Error {
	c := *e
	c.Message = msg
	return &c
}

var (
	ErrAlreadyInCall = &Error{Kind: KindConflict, Code: "ALREADY_IN_CALL",
		Message: "already in a call", UserVisible: true}
	ErrSuperseded = &Error{Kind: KindConflict, Code: "ATTEMPT_SUPERSEDED",
		Message: "a newer call attempt replaced this one"}
	ErrRequestNotPending = &Error{Kind: KindConflict, Code: "REQUEST_NOT_PENDING",
		Message: "call request is no longer pending", UserVisible: true}
	ErrNotActive = &Error{Kind: KindConflict, Code: "NOT_ACTIVE",
		Message: "no active call", UserVisible: true}
	ErrNotFound = &Error{Kind: KindConflict, Code: "NOT_FOUND",
		Message: "not found"}

	// ErrCaptureNotReady is returned by engines asked to screen-share before the
	// camera/mic pipeline has been primed.
	ErrCaptureNotReady = &Error{Kind: KindEngine, Code: "CAPTURE_NOT_READY",
		Message: "engine capture pipeline not primed"}
)

func NewValidationError(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg, UserVisible: true}
}

func NewConflictError(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg, UserVisible: true}
}

// NewBackendError wraps a failed backend operation.
func NewBackendError(op string, cause error) *Error {
	return &Error{Kind: KindTransientBackend, Code: "BACKEND_" + op,
		Message: "backend " + op + " failed", UserVisible: true, Cause: cause}
}

// NewEngineError wraps a failed engine operation.
func NewEngineError(op string, cause error) *Error {
	return &Error{Kind: KindEngine, Code: "ENGINE_" + op,
		Message: "engine " + op + " failed", UserVisible: true, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
