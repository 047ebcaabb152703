package errors

import (
	"net/http"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Authentication errors (401xx)
	ErrInvalidAPIKey      ErrorCode = "40101"
	ErrInvalidAdminToken  ErrorCode = "40102"
	ErrInvalidDriverToken ErrorCode = "40103"

	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"

	// Resource errors (404xx)
	ErrBotNotFound          ErrorCode = "40401"
	ErrOrganizationNotFound ErrorCode = "40402"
	ErrSubscriptionNotFound ErrorCode = "40403"
	ErrDeliveryNotFound     ErrorCode = "40404"

	// Conflict errors (409xx)
	ErrInvalidTransition ErrorCode = "40901"
	ErrTerminalState     ErrorCode = "40902"
	ErrNotRetryable      ErrorCode = "40903"

	// Billing errors (402xx)
	ErrInsufficientCredits ErrorCode = "40201"
	ErrOrgSuspended        ErrorCode = "40202"

	// Server errors (500xx)
	ErrInternalServer    ErrorCode = "50001"
	ErrDriverUnavailable ErrorCode = "50301"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id"`
}

// Common errors
var (
	ErrInvalidAPIKeyError = &APIError{
		Code:       ErrInvalidAPIKey,
		Message:    "Invalid or revoked API key",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrInvalidAdminTokenError = &APIError{
		Code:       ErrInvalidAdminToken,
		Message:    "Invalid admin token",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrInvalidDriverTokenError = &APIError{
		Code:       ErrInvalidDriverToken,
		Message:    "Invalid driver callback token",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrBotNotFoundError = &APIError{
		Code:       ErrBotNotFound,
		Message:    "Bot not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrOrganizationNotFoundError = &APIError{
		Code:       ErrOrganizationNotFound,
		Message:    "Organization not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrSubscriptionNotFoundError = &APIError{
		Code:       ErrSubscriptionNotFound,
		Message:    "Webhook subscription not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrDeliveryNotFoundError = &APIError{
		Code:       ErrDeliveryNotFound,
		Message:    "Webhook delivery not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrInsufficientCreditsError = &APIError{
		Code:       ErrInsufficientCredits,
		Message:    "Insufficient credits",
		HTTPStatus: http.StatusPaymentRequired,
	}

	ErrOrgSuspendedError = &APIError{
		Code:       ErrOrgSuspended,
		Message:    "Organization is not active",
		HTTPStatus: http.StatusPaymentRequired,
	}

	ErrInvalidTransitionError = &APIError{
		Code:       ErrInvalidTransition,
		Message:    "Requested transition is not allowed from the current state",
		HTTPStatus: http.StatusConflict,
	}

	ErrTerminalStateError = &APIError{
		Code:       ErrTerminalState,
		Message:    "Bot is in a terminal state",
		HTTPStatus: http.StatusConflict,
	}

	ErrNotRetryableError = &APIError{
		Code:       ErrNotRetryable,
		Message:    "Delivery is not in a retryable state",
		HTTPStatus: http.StatusConflict,
	}

	ErrDriverUnavailableError = &APIError{
		Code:       ErrDriverUnavailable,
		Message:    "Meeting driver unavailable, retry later",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}
