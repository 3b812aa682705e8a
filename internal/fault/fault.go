// Package fault defines the error taxonomy shared by the session manager,
// the run-config supervisor, and the realtime layer. Every kind maps to a
// stable wire code so clients can explain failures to a human.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers should react to it.
type Kind string

const (
	// Validation marks bad input; never retried.
	Validation Kind = "VALIDATION"
	// Conflict marks an operation invalid for the current state; never retried.
	Conflict Kind = "CONFLICT"
	// ProcessLaunch marks a spawn failure.
	ProcessLaunch Kind = "PROCESS_LAUNCH"
	// ProcessCrash marks an unexpected process exit.
	ProcessCrash Kind = "PROCESS_CRASH"
	// Transport marks a subscriber delivery failure; the subscriber is
	// dropped, session state is unaffected.
	Transport Kind = "TRANSPORT"
)

// Error carries the kind, a human-readable message, and the state the
// resource was in when the operation failed.
type Error struct {
	Kind       Kind
	Message    string
	PriorState string
	cause      error
}

func (e *Error) Error() string {
	if e.PriorState != "" {
		return fmt.Sprintf("%s: %s (state=%s)", e.Kind, e.Message, e.PriorState)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind with an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithState attaches the prior state to the error and returns it.
func (e *Error) WithState(state string) *Error {
	e.PriorState = state
	return e
}

// IsKind reports whether err (or anything it wraps) is a fault of the kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
