package apperr

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Code classifies an error for callers. The front door serializes it verbatim,
// so values are stable identifiers rather than display strings.
type Code string

const (
	// ValidationError covers bad arguments: missing ids, invalid ports,
	// unreadable workspaces. Never retried.
	ValidationError Code = "VALIDATION_ERROR"

	// NotFound means an unknown project or container.
	NotFound Code = "NOT_FOUND"

	// Conflict variants. Callers may retry with different inputs.
	DuplicateWorkspace  Code = "DUPLICATE_WORKSPACE"
	PortConflict        Code = "PORT_CONFLICT"
	NoPortAvailable     Code = "NO_PORT_AVAILABLE"
	NetworkConflict     Code = "NETWORK_CONFLICT"
	OperationInProgress Code = "OPERATION_IN_PROGRESS"
	InvalidWorkspace    Code = "INVALID_WORKSPACE"

	// EngineError wraps any failure returned by the container engine adapter.
	EngineError Code = "ENGINE_ERROR"

	// Lifecycle deadline misses. Trigger cleanup but no auto-retry.
	StartupTimeout Code = "STARTUP_TIMEOUT"
	StopTimeout    Code = "STOP_TIMEOUT"

	// Persistence faults from the atomic store.
	IOError     Code = "IO_ERROR"
	DecodeError Code = "DECODE_ERROR"
)

// Error carries a taxonomy code, a human message, optional guidance hints for
// the caller, and the underlying cause. Adapted from the ComplexError pattern:
// it formats through xerrors so %+v shows the frame.
type Error struct {
	Code     Code
	Message  string
	Guidance []string
	Fields   map[string]string
	cause    error
	frame    xerrors.Frame
}

// New returns a taxonomy error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, frame: xerrors.Caller(1)}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), frame: xerrors.Caller(1)}
}

// Wrap attaches a cause. A nil cause returns nil so call sites can wrap
// unconditionally.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err, frame: xerrors.Caller(1)}
}

// WithGuidance appends caller hints ("port already held; retry with default").
func (e *Error) WithGuidance(hints ...string) *Error {
	e.Guidance = append(e.Guidance, hints...)
	return e
}

// WithField annotates the error with context such as the project id and the
// operation that surfaced it.
func (e *Error) WithField(key, value string) *Error {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// FormatError implements xerrors.Formatter.
func (e *Error) FormatError(p xerrors.Printer) error {
	p.Printf("%s: %s", e.Code, e.Message)
	e.frame.Format(p)
	return e.cause
}

func (e *Error) Format(f fmt.State, c rune) { xerrors.FormatError(e, f, c) }

// CodeOf extracts the taxonomy code from err, walking the wrap chain.
// Unclassified errors report EngineError's sibling default: an empty code.
func CodeOf(err error) Code {
	var ae *Error
	if xerrors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// HasCode reports whether err (or anything it wraps) carries code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// GuidanceOf returns the guidance hints attached to err, if any.
func GuidanceOf(err error) []string {
	var ae *Error
	if xerrors.As(err, &ae) {
		return ae.Guidance
	}
	return nil
}

// FieldsOf returns the context fields attached to err, if any.
func FieldsOf(err error) map[string]string {
	var ae *Error
	if xerrors.As(err, &ae) {
		return ae.Fields
	}
	return nil
}
