package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeHandler        = "HANDLER_ERROR"
	ErrCodeLoopLimit      = "LOOP_LIMIT_EXCEEDED"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeSubflow        = "SUBFLOW_ERROR"
	ErrCodeAlreadyRunning = "ALREADY_RUNNING"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"nodeId,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches the originating node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// CodeOf extracts the FlowError code from an error chain, or ErrCodeInternal
// for foreign errors.
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ErrCodeInternal
}

// AsFlowError normalizes any error into a *FlowError, wrapping foreign
// errors under the given fallback code.
func AsFlowError(err error, fallbackCode string) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}

// IsAbsorbable reports whether a tryCatch node may absorb the error.
// Cancellation and validation failures always propagate.
func IsAbsorbable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeHandler, ErrCodeSubflow, ErrCodeLoopLimit:
		return true
	default:
		return false
	}
}
