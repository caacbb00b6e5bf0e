// Package middleware provides HTTP middleware for the appservice.
// This file implements request ID generation and correlation.
//
// Every request gets a UUIDv4 correlation id (or keeps the one an upstream
// service already attached), stored in the Gin context and echoed in the
// X-Request-ID response header so gateway, appservice, and session logs can
// be joined.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the header name for request ID
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the context key for request ID
	RequestIDKey = "request_id"
)

// RequestID middleware generates or extracts a correlation ID for each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Preserve an upstream-assigned id for distributed tracing
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()
	}
}

// GetRequestID retrieves the request ID from the Gin context
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
