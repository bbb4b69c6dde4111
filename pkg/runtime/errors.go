// Package runtime implements the program lifecycle engine: admission
// validation, cooperative single-threaded execution of Starlark programs with
// deadlines and step limits, and per-program fault isolation.
package runtime

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a runtime error for propagation and recovery logic.
type ErrorClass string

const (
	// ErrorClassValidation indicates a pre-execution rejection:
	// checksum mismatch, oversized source, syntax error, or policy denial.
	// Validation errors terminate the triggering message and are never retried.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassExecution indicates a fault caught inside a running program.
	// Execution errors are confined to the owning program.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassResource indicates a capability or hardware failure.
	// Resource errors are confined to the owning program.
	ErrorClassResource ErrorClass = "resource"

	// ErrorClassProtocol indicates a malformed, duplicate, or stale message.
	ErrorClassProtocol ErrorClass = "protocol"

	// ErrorClassState indicates a version conflict or illegal status
	// transition. A state error on a remote delta triggers a full
	// reported-state resync rather than a crash.
	ErrorClassState ErrorClass = "state"
)

// Error represents a classified runtime error with context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// ProgramID is the program that caused the error, if applicable.
	ProgramID string `json:"program_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ProgramID != "" {
		return fmt.Sprintf("[%s] %s (program=%s): %s", e.Class, e.Message, e.ProgramID, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithProgram adds program context to an error.
func (e *Error) WithProgram(programID string) *Error {
	e.ProgramID = programID
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// NewValidationError creates a new validation-class error.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewExecutionError creates a new execution-class error.
func NewExecutionError(message string, err error) *Error {
	return &Error{Class: ErrorClassExecution, Message: message, Err: err}
}

// NewResourceError creates a new resource-class error.
func NewResourceError(message string, err error) *Error {
	return &Error{Class: ErrorClassResource, Message: message, Err: err}
}

// NewProtocolError creates a new protocol-class error.
func NewProtocolError(message string, err error) *Error {
	return &Error{Class: ErrorClassProtocol, Message: message, Err: err}
}

// NewStateError creates a new state-class error.
func NewStateError(message string, err error) *Error {
	return &Error{Class: ErrorClassState, Message: message, Err: err}
}

// ClassOf returns the class of a runtime error, or an empty class for other
// error values.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsValidation reports whether the error is classified as validation.
func IsValidation(err error) bool { return ClassOf(err) == ErrorClassValidation }

// IsExecution reports whether the error is classified as execution.
func IsExecution(err error) bool { return ClassOf(err) == ErrorClassExecution }

// IsResource reports whether the error is classified as resource.
func IsResource(err error) bool { return ClassOf(err) == ErrorClassResource }

// IsProtocol reports whether the error is classified as protocol.
func IsProtocol(err error) bool { return ClassOf(err) == ErrorClassProtocol }

// IsState reports whether the error is classified as state.
func IsState(err error) bool { return ClassOf(err) == ErrorClassState }

// Common error codes.
const (
	ErrCodeChecksumMismatch     = "CHECKSUM_MISMATCH"
	ErrCodeProgramTooLarge      = "PROGRAM_TOO_LARGE"
	ErrCodeSyntaxError          = "SYNTAX_ERROR"
	ErrCodePolicyDenied         = "POLICY_DENIED"
	ErrCodeDuplicateCapability  = "DUPLICATE_CAPABILITY"
	ErrCodeInvalidArgument      = "INVALID_ARGUMENT"
	ErrCodeHostError            = "HOST_ERROR"
	ErrCodeProgramBusy          = "PROGRAM_BUSY"
	ErrCodeProgramNotFound      = "PROGRAM_NOT_FOUND"
	ErrCodeStaleVersion         = "STALE_VERSION"
	ErrCodeIllegalTransition    = "ILLEGAL_TRANSITION"
	ErrCodeMalformedMessage     = "MALFORMED_MESSAGE"
	ErrCodeExecutionTimeout     = "EXECUTION_TIMEOUT"
	ErrCodeExecutionCancelled   = "EXECUTION_CANCELLED"
)
