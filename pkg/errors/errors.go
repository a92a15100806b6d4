package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorType represents different types of errors in the system
type ErrorType string

const (
	// ErrorTypeNotFound indicates a resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeValidation indicates a validation error
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeInternal indicates an internal server error
	ErrorTypeInternal ErrorType = "INTERNAL"

	// ErrorTypeExternal indicates an error from external service
	ErrorTypeExternal ErrorType = "EXTERNAL"

	// ErrorTypeDataUnavailable indicates the patient bundle lacks fields required for scoring.
	// It is the only fatal analysis error.
	ErrorTypeDataUnavailable ErrorType = "DATA_UNAVAILABLE"

	// ErrorTypeAdapterSelection indicates no specialty adapter matched and the generic one was used
	ErrorTypeAdapterSelection ErrorType = "ADAPTER_SELECTION_WARNING"

	// ErrorTypeEvidenceDegraded indicates the knowledge index was unavailable or timed out
	ErrorTypeEvidenceDegraded ErrorType = "EVIDENCE_RETRIEVAL_DEGRADED"

	// ErrorTypeReasoningTimeout indicates the generation service did not answer in budget
	ErrorTypeReasoningTimeout ErrorType = "REASONING_TIMEOUT"

	// ErrorTypeNotificationDelivery indicates a notification channel could not be reached
	ErrorTypeNotificationDelivery ErrorType = "NOTIFICATION_DELIVERY"

	// ErrorTypeCacheCorruption indicates a cached entry could not be decoded
	ErrorTypeCacheCorruption ErrorType = "CACHE_CORRUPTION"

	// ErrorTypeUnknownFeedbackTarget indicates feedback referenced a result that was never issued
	ErrorTypeUnknownFeedbackTarget ErrorType = "UNKNOWN_FEEDBACK_TARGET"

	// ErrorTypeFeedbackQueueFull indicates the feedback worker queue is saturated
	ErrorTypeFeedbackQueueFull ErrorType = "FEEDBACK_QUEUE_FULL"

	// ErrorTypeTimeout indicates the caller's own deadline expired while waiting
	ErrorTypeTimeout ErrorType = "TIMEOUT"

	// ErrorTypeCanceled indicates the caller went away while waiting
	ErrorTypeCanceled ErrorType = "CANCELED"
)

// Sentinels for errors.Is comparisons. AppError.Is matches on Type only.
var (
	ErrNotFound              = &AppError{Type: ErrorTypeNotFound}
	ErrValidation            = &AppError{Type: ErrorTypeValidation}
	ErrDataUnavailable       = &AppError{Type: ErrorTypeDataUnavailable}
	ErrEvidenceDegraded      = &AppError{Type: ErrorTypeEvidenceDegraded}
	ErrReasoningTimeout      = &AppError{Type: ErrorTypeReasoningTimeout}
	ErrNotificationDelivery  = &AppError{Type: ErrorTypeNotificationDelivery}
	ErrCacheCorruption       = &AppError{Type: ErrorTypeCacheCorruption}
	ErrUnknownFeedbackTarget = &AppError{Type: ErrorTypeUnknownFeedbackTarget}
	ErrFeedbackQueueFull     = &AppError{Type: ErrorTypeFeedbackQueueFull}
	ErrTimeout               = &AppError{Type: ErrorTypeTimeout}
	ErrCanceled              = &AppError{Type: ErrorTypeCanceled}
)

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError of the same type.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// TypeOf returns the ErrorType of err, or "" when err is not an AppError.
func TypeOf(err error) ErrorType {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr.Type
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

// NewExternalError creates a new external service error
func NewExternalError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeExternal,
		Message: message,
		Err:     err,
	}
}

// NewDataUnavailableError creates a new data unavailable error
func NewDataUnavailableError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeDataUnavailable,
		Message: message,
	}
}

// NewEvidenceDegradedError creates a new evidence retrieval degraded error
func NewEvidenceDegradedError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeEvidenceDegraded,
		Message: message,
		Err:     err,
	}
}

// NewReasoningTimeoutError creates a new reasoning timeout error
func NewReasoningTimeoutError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeReasoningTimeout,
		Message: message,
		Err:     err,
	}
}

// NewNotificationDeliveryError creates a new notification delivery error
func NewNotificationDeliveryError(channel string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeNotificationDelivery,
		Message: "delivery to " + channel + " failed",
		Err:     err,
	}
}

// NewCacheCorruptionError creates a new cache corruption error
func NewCacheCorruptionError(key string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeCacheCorruption,
		Message: "unreadable cache entry " + key,
		Err:     err,
	}
}

// NewUnknownFeedbackTargetError creates a new unknown feedback target error
func NewUnknownFeedbackTargetError(resultID string) *AppError {
	return &AppError{
		Type:    ErrorTypeUnknownFeedbackTarget,
		Message: "no analysis result with id " + resultID,
	}
}

// NewFeedbackQueueFullError creates a new feedback queue full error
func NewFeedbackQueueFullError() *AppError {
	return &AppError{
		Type:    ErrorTypeFeedbackQueueFull,
		Message: "feedback queue is full",
	}
}

// NewWaitError types a context error that ended a caller's wait. Other errors
// are returned unchanged. The context error stays reachable through errors.Is.
func NewWaitError(err error) error {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return &AppError{Type: ErrorTypeTimeout, Message: "request deadline exceeded", Err: err}
	case stderrors.Is(err, context.Canceled):
		return &AppError{Type: ErrorTypeCanceled, Message: "request canceled", Err: err}
	default:
		return err
	}
}
