// Package apperrors provides standardized error handling for the appservice.
//
// This package implements a consistent error format across all API endpoints:
//   - Structured error responses with error codes
//   - Automatic HTTP status code mapping
//   - Optional error details for debugging
//
// Error Structure:
//   - Code: Machine-readable error identifier (e.g., "SESSION_NOT_FOUND")
//   - Message: Human-readable error message
//   - Details: Optional additional context (wrapped errors)
//   - StatusCode: HTTP status code (400, 401, 404, 500, etc.)
//
// Usage patterns:
//
//	// Simple error
//	return apperrors.SessionNotFound(id)
//
//	// Wrap underlying error
//	return apperrors.Internal("resolving session address", err)
//
//	// In HTTP handler
//	c.JSON(err.StatusCode, err.ToResponse())
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents a standardized application error with HTTP context.
type AppError struct {
	// Code is a machine-readable error identifier.
	// Format: UPPER_SNAKE_CASE (e.g., "SESSION_NOT_FOUND")
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Details provides additional context for debugging (optional).
	// May contain wrapped error messages or backend response bodies.
	Details string `json:"details,omitempty"`

	// StatusCode is the HTTP status code to return.
	// Not included in JSON responses.
	StatusCode int `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ToResponse returns the JSON-serializable response body for this error.
func (e *AppError) ToResponse() map[string]interface{} {
	resp := map[string]interface{}{
		"error":   e.Code,
		"message": e.Message,
	}
	if e.Details != "" {
		resp["details"] = e.Details
	}
	return resp
}

// AsAppError extracts an *AppError from an error chain. Errors that are not
// AppErrors are wrapped as internal errors so handlers always have an HTTP
// status to return.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("unexpected error", err)
}

// AuthRequired indicates a missing or malformed identity header.
func AuthRequired(detail string) *AppError {
	return &AppError{
		Code:       "AUTH_REQUIRED",
		Message:    "Authentication required",
		Details:    detail,
		StatusCode: http.StatusUnauthorized,
	}
}

// ScopeMissing indicates an authenticated principal lacking a required scope.
func ScopeMissing(scope string) *AppError {
	return &AppError{
		Code:       "SCOPE_MISSING",
		Message:    fmt.Sprintf("Missing required scope %q", scope),
		StatusCode: http.StatusUnauthorized,
	}
}

// SessionNotFound indicates an unknown session id.
func SessionNotFound(id string) *AppError {
	return &AppError{
		Code:       "SESSION_NOT_FOUND",
		Message:    fmt.Sprintf("Session %s not found", id),
		StatusCode: http.StatusNotFound,
	}
}

// SessionExists indicates a duplicate session id at registry insertion.
func SessionExists(id string) *AppError {
	return &AppError{
		Code:       "SESSION_EXISTS",
		Message:    fmt.Sprintf("Session %s already exists", id),
		StatusCode: http.StatusConflict,
	}
}

// ProvisionFailed carries a container backend's rejection verbatim.
// The backend's status code and body are propagated to the client.
func ProvisionFailed(statusCode int, body string) *AppError {
	return &AppError{
		Code:       "PROVISION_FAILED",
		Message:    "creating container failed",
		Details:    body,
		StatusCode: statusCode,
	}
}

// ResolveTimeout indicates the session container's address never resolved.
func ResolveTimeout(name string) *AppError {
	return &AppError{
		Code:       "RESOLVE_TIMEOUT",
		Message:    fmt.Sprintf("Session address %s did not resolve", name),
		StatusCode: http.StatusInternalServerError,
	}
}

// MethodNotAllowed rejects verbs outside a route's contract.
func MethodNotAllowed(method string) *AppError {
	return &AppError{
		Code:       "METHOD_NOT_ALLOWED",
		Message:    fmt.Sprintf("Method %s not allowed", method),
		StatusCode: http.StatusMethodNotAllowed,
	}
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *AppError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Details:    details,
		StatusCode: http.StatusInternalServerError,
	}
}
