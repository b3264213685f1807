package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNodeExecution     = "NODE_EXECUTION_ERROR"
	ErrCodeQuotaExceeded     = "QUOTA_EXCEEDED"
	ErrCodeTransient         = "TRANSIENT_PROVIDER_ERROR"
	ErrCodePermanent         = "PERMANENT_PROVIDER_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeQueueClosed       = "QUEUE_CLOSED"
)

// QuotaExceededMessage is the user-facing reason recorded when the daily send limit is hit.
const QuotaExceededMessage = "Daily email limit reached"

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Cause      error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches the offending node ID.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// WithStatus records the provider status code that produced the error.
func (e *EngineError) WithStatus(code int) *EngineError {
	e.StatusCode = code
	return e
}

// IsRetryable reports whether the code represents a transient condition.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransient, ErrCodeTimeout, ErrCodeStore, ErrCodeCircuitOpen:
		return true
	default:
		return false
	}
}

// AsEngineError unwraps err into an *EngineError when possible.
func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code string) bool {
	e, ok := AsEngineError(err)
	return ok && e.Code == code
}

// IsTransient reports whether err is a provider error worth retrying.
func IsTransient(err error) bool {
	return HasCode(err, ErrCodeTransient)
}

// IsValidation reports whether err is a definition/input validation failure.
func IsValidation(err error) bool {
	return HasCode(err, ErrCodeValidation)
}

// ClassifyStatus maps a provider HTTP status to a transient or permanent error code.
// 429 and 5xx are transient; 401, 403 and 404 are permanent.
func ClassifyStatus(status int) string {
	switch {
	case status == 429, status >= 500:
		return ErrCodeTransient
	default:
		return ErrCodePermanent
	}
}

// UserMessage returns the message that should be shown to the workflow owner.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := AsEngineError(err); ok {
		return e.Message
	}
	return err.Error()
}
