// Package errors provides standardized error handling for the toonify service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the toonify service.
type ErrorCode string

const (
	// Request errors
	BadRequest     ErrorCode = "BadRequest"     // Malformed request body or method
	UploadRejected ErrorCode = "UploadRejected" // Bad content type, empty or oversize body

	// Authentication errors
	InvalidToken             ErrorCode = "InvalidToken"             // Signature, issuer or structure defect
	SessionExpired           ErrorCode = "SessionExpired"           // Valid session token past its expiry
	Unauthorized             ErrorCode = "Unauthorized"             // Refresh token dead or subject unknown
	IdentityAssertionInvalid ErrorCode = "IdentityAssertionInvalid" // Provider assertion failed verification

	// Identity provider errors
	ProviderUnreachable ErrorCode = "ProviderUnreachable" // Transport failure talking to the provider
	ProviderRejected    ErrorCode = "ProviderRejected"    // Provider answered with an error other than invalid_grant

	// Resource errors
	NotFound            ErrorCode = "NotFound"            // Subject or record missing
	InsufficientCredits ErrorCode = "InsufficientCredits" // Credit gate refused the upload

	// Server errors
	ConfigurationError ErrorCode = "ConfigurationError" // Required setting missing
	PipelineFailure    ErrorCode = "PipelineFailure"    // Processing failed; persisted, not normally returned
	Internal           ErrorCode = "Internal"           // Anything else
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlationId"`
	HTTPStatus    int       `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    HTTPStatus(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps error codes to HTTP status codes.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case BadRequest, UploadRejected:
		return http.StatusBadRequest
	case InvalidToken, SessionExpired, Unauthorized, IdentityAssertionInvalid:
		return http.StatusUnauthorized
	case InsufficientCredits:
		return http.StatusPaymentRequired
	case NotFound:
		return http.StatusNotFound
	case ProviderUnreachable, ProviderRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
