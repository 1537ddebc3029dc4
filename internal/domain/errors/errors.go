package errors

import (
	"errors"
	"fmt"
)

// Error types for the governance engine
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeEvaluation    ErrorType = "evaluation"
	ErrorTypeAggregation   ErrorType = "aggregation"
	ErrorTypeRemediation   ErrorType = "remediation"
	ErrorTypeDrift         ErrorType = "drift"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeInternal      ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
	}
}

// NewConfigurationError is returned when startup configuration or a rule
// definition is malformed. These errors abort initialization.
func NewConfigurationError(code, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeConfiguration,
		Code:    code,
		Message: message,
	}
}

// NewEvaluationError reports a condition or rule that could not be computed.
// Callers convert it into a fail-closed check; it never reaches API callers.
func NewEvaluationError(ruleID, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeEvaluation,
		Code:    "EVALUATION_FAILED",
		Message: message,
		Details: map[string]interface{}{"rule_id": ruleID},
	}
}

func NewAggregationError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeAggregation,
		Code:    "AGGREGATION_FAILED",
		Message: message,
	}
}

func NewRemediationError(action, message string) *AppError {
	return &AppError{
		Type:      ErrorTypeRemediation,
		Code:      "REMEDIATION_FAILED",
		Message:   message,
		Retryable: true,
		Details:   map[string]interface{}{"action": action},
	}
}

func NewDriftError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeDrift,
		Code:      "DRIFT_COMPUTATION_FAILED",
		Message:   message,
		Retryable: true,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Code:    "RESOURCE_NOT_FOUND",
		Message: fmt.Sprintf("%s not found", resource),
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeConflict,
		Code:    "CONFLICT",
		Message: message,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeInternal,
		Code:      "INTERNAL_ERROR",
		Message:   message,
		Retryable: true,
	}
}

// Predefined common errors
var (
	ErrEngineClosed   = NewConflictError("engine is closed")
	ErrRegistryClosed = NewConflictError("agent registry is closed")
	ErrThreatNotFound = NewNotFoundError("threat")
	ErrAgentNotFound  = NewNotFoundError("agent")
	ErrRuleNotFound   = NewNotFoundError("rule")
	ErrDuplicateRule  = NewConflictError("rule already registered")
	ErrDuplicateAgent = NewConflictError("agent already registered")
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}
