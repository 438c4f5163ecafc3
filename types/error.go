package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

const (
	// ErrInvalidState: state-machine contract violation (caller error, not retried).
	ErrInvalidState ErrorCode = "INVALID_STATE"
	// ErrSessionNotFound: the referenced session does not exist.
	ErrSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	// ErrStepNotFound: the session's current step does not resolve.
	ErrStepNotFound ErrorCode = "STEP_NOT_FOUND"
	// ErrTemplateNotFound: the referenced flow template does not exist.
	ErrTemplateNotFound ErrorCode = "TEMPLATE_NOT_FOUND"
	// ErrInvalidConfig: a JSON config column failed load-time validation.
	ErrInvalidConfig ErrorCode = "INVALID_CONFIG"
	// ErrFlowExecution: step-level failure (completion error, bad configuration).
	ErrFlowExecution ErrorCode = "FLOW_EXECUTION"
	// ErrRetrievalSource: per-source retrieval failure, absorbed into fallback.
	ErrRetrievalSource ErrorCode = "RETRIEVAL_SOURCE"
	// ErrCompletionTimeout: the completion call exceeded its timeout budget.
	ErrCompletionTimeout ErrorCode = "COMPLETION_TIMEOUT"
	// ErrStorage: a persistence operation failed; the step's writes were rolled back.
	ErrStorage ErrorCode = "STORAGE"
)

// Error represents a structured engine error with code and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode extracts the error code from an error, or "" when untyped.
func GetCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given engine error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// IsRetryable checks if an error is marked retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}
