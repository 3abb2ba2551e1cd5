// Package engine defines the contract between the command bridge and an opaque compute engine:
// the Adapter interface, the thread and lifecycle status enums, and the classified error taxonomy.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a bridge error for reporting and recovery logic.
type ErrorKind string

const (
	// KindInitialization indicates the engine module failed to load or bind.
	// It is fatal: the module stays disabled for the lifetime of the bridge.
	KindInitialization ErrorKind = "initialization"

	// KindFetch indicates a resource fetch returned a non-success HTTP status
	// or could not be read. The resource never reaches the engine.
	KindFetch ErrorKind = "fetch"

	// KindInit indicates the engine's init entry point returned a nonzero result.
	KindInit ErrorKind = "init"

	// KindCommand indicates a command produced non-empty error text.
	KindCommand ErrorKind = "command"

	// KindTransientStatus indicates a thread status read returned a value outside the known range.
	// It is logged and retried, never fatal.
	KindTransientStatus ErrorKind = "transient_status"

	// KindNotReady indicates a request arrived before the engine module was bound.
	KindNotReady ErrorKind = "not_ready"

	// KindNotInitialized indicates a request needs an initialized engine.
	KindNotInitialized ErrorKind = "not_initialized"

	// KindBusy indicates a run request arrived while a session is active.
	KindBusy ErrorKind = "busy"

	// KindInvalidRequest indicates a malformed or unknown request.
	KindInvalidRequest ErrorKind = "invalid_request"
)

// Error is a classified bridge error with context.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the engine result code for init failures.
	Code int `json:"code,omitempty"`

	// StatusCode is the HTTP status for fetch failures.
	StatusCode int `json:"status_code,omitempty"`

	// Command is the failing command for command errors.
	Command string `json:"command,omitempty"`

	// Index is the position of the failing command in its session.
	Index int `json:"index,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is checks against request rejections.
var (
	ErrNotReady       = &Error{Kind: KindNotReady, Message: "Module not ready"}
	ErrNotInitialized = &Error{Kind: KindNotInitialized, Message: "engine not initialized"}
	ErrBusy           = &Error{Kind: KindBusy, Message: "already running"}
)

// NewInitializationError creates an error for a module that failed to load or bind.
func NewInitializationError(message string, err error) *Error {
	return &Error{Kind: KindInitialization, Message: message, Err: err}
}

// NewFetchError creates an error for a resource fetch that returned a non-success status.
func NewFetchError(name, url string, status int, reason string) *Error {
	return &Error{
		Kind:       KindFetch,
		Message:    fmt.Sprintf("Failed to precache %s from %s: HTTP %d: %s", name, url, status, reason),
		StatusCode: status,
	}
}

// NewFetchFailure creates an error for a resource that could not be retrieved at all.
func NewFetchFailure(name, url string, err error) *Error {
	return &Error{
		Kind:    KindFetch,
		Message: fmt.Sprintf("Failed to precache %s from %s", name, url),
		Err:     err,
	}
}

// NewInitError creates an error for a nonzero engine init result.
func NewInitError(code int) *Error {
	return &Error{
		Kind:    KindInit,
		Message: fmt.Sprintf("Failed to initialize engine (code %d)", code),
		Code:    code,
	}
}

// NewCommandError creates an error for a command that reported error text.
func NewCommandError(index int, command, text string) *Error {
	return &Error{
		Kind:    KindCommand,
		Message: fmt.Sprintf("Command %q failed: %s", command, text),
		Command: command,
		Index:   index,
	}
}

// NewTransientStatusError creates an error for an out-of-range thread status read.
func NewTransientStatusError(value int) *Error {
	return &Error{
		Kind:    KindTransientStatus,
		Message: fmt.Sprintf("invalid thread status %d", value),
		Code:    value,
	}
}

// NewInvalidRequestError creates an error for a request the bridge cannot dispatch.
func NewInvalidRequestError(message string, err error) *Error {
	return &Error{Kind: KindInvalidRequest, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsFatal reports whether err disables the module.
func IsFatal(err error) bool {
	return IsKind(err, KindInitialization)
}

// IsRetryable reports whether the operation that produced err is retried by the bridge itself.
// Only transient status reads are; fetch, init and command failures are reported once.
func IsRetryable(err error) bool {
	return IsKind(err, KindTransientStatus)
}
