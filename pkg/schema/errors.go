package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeUnknownReference  = "UNKNOWN_REFERENCE"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeAgentExecution    = "AGENT_EXECUTION_ERROR"
	ErrCodeAgentNotFound     = "AGENT_NOT_FOUND"
	ErrCodeMaxIterations     = "MAX_ITERATIONS_EXCEEDED"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeTokenNotFound     = "TOKEN_NOT_FOUND"
	ErrCodeAlreadyConsumed   = "ALREADY_CONSUMED"
	ErrCodeExpiredToken      = "EXPIRED_TOKEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeSealing           = "SEALING_ERROR"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. A sentinel matches any EngineError carrying the same code.
var (
	ErrValidation        = &EngineError{Code: ErrCodeValidation}
	ErrCycle             = &EngineError{Code: ErrCodeCycleDetected}
	ErrUnknownReference  = &EngineError{Code: ErrCodeUnknownReference}
	ErrTimeout           = &EngineError{Code: ErrCodeTimeout}
	ErrAgentExecution    = &EngineError{Code: ErrCodeAgentExecution}
	ErrAgentNotFound     = &EngineError{Code: ErrCodeAgentNotFound}
	ErrMaxIterations     = &EngineError{Code: ErrCodeMaxIterations}
	ErrExpression        = &EngineError{Code: ErrCodeExpression}
	ErrCircuitOpen       = &EngineError{Code: ErrCodeCircuitOpen}
	ErrTokenNotFound     = &EngineError{Code: ErrCodeTokenNotFound}
	ErrAlreadyConsumed   = &EngineError{Code: ErrCodeAlreadyConsumed}
	ErrExpiredToken      = &EngineError{Code: ErrCodeExpiredToken}
	ErrNotFound          = &EngineError{Code: ErrCodeNotFound}
	ErrConflict          = &EngineError{Code: ErrCodeConflict}
	ErrInvalidTransition = &EngineError{Code: ErrCodeInvalidTransition}
	ErrCancelled         = &EngineError{Code: ErrCodeCancelled}
	ErrStore             = &EngineError{Code: ErrCodeStore}
	ErrInternal          = &EngineError{Code: ErrCodeInternal}
)

// EngineError is the structured error type for all engine operations.
// Node holds the dotted path of the failing node when one is known.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Node    string         `json:"node,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Cause != nil && msg == "" {
		msg = e.Cause.Error()
	}
	if e.Node != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.Node, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a code sentinel with the same code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok || t.Message != "" || t.Node != "" {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable reports whether a step failing with this error may be attempted again.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeAgentExecution, ErrCodeStore:
		if v, ok := e.Details["retryable"].(bool); ok {
			return v
		}
		return true
	default:
		return false
	}
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches the failing node path.
func (e *EngineError) WithNode(path string) *EngineError {
	e.Node = path
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// AsEngineError extracts an EngineError from err, wrapping foreign errors
// into the given fallback code.
func AsEngineError(err error, fallback string) *EngineError {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return &EngineError{Code: fallback, Message: err.Error(), Cause: err}
}

// ErrorCode returns the code of an EngineError in err's chain, or "".
func ErrorCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}
