// Package middleware provides HTTP middleware for the appservice.
// This file implements structured request logging on top of zerolog.
//
// Logged fields: request id, method, path, query, status, duration, client
// IP, and the authenticated principal when present. Log level follows the
// status class: 2xx/3xx info, 4xx warn, 5xx error.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/webconsole/appservice/internal/identity"
	"github.com/webconsole/appservice/internal/logger"
)

// StructuredLoggerConfig customizes request logging.
type StructuredLoggerConfig struct {
	// SkipPaths lists paths to skip logging entirely (health checks).
	SkipPaths []string

	// LogQuery if false, skips logging query parameters (for privacy).
	LogQuery bool
}

// DefaultStructuredLoggerConfig returns default configuration.
func DefaultStructuredLoggerConfig() StructuredLoggerConfig {
	return StructuredLoggerConfig{
		SkipPaths: []string{"/api/webconsole/v1/ping"},
		LogQuery:  true,
	}
}

// StructuredLogger creates a request logger with the given config.
func StructuredLogger(config StructuredLoggerConfig) gin.HandlerFunc {
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skipMap[path] {
			c.Next()
			return
		}

		start := time.Now()
		raw := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		event := logger.HTTP().Info()
		if status >= 500 {
			event = logger.HTTP().Error()
		} else if status >= 400 {
			event = logger.HTTP().Warn()
		}

		event = event.
			Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP())

		if config.LogQuery && raw != "" {
			event = event.Str("query", raw)
		}

		if principal := identity.FromContext(c); principal.Authenticated() {
			event = event.Str("principal_type", principal.Type).Str("org_id", principal.OrgID)
		}

		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}

		event.Msg("request")
	}
}
