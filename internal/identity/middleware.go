package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/webconsole/appservice/internal/config"
	"github.com/webconsole/appservice/internal/logger"
)

// contextKey is the gin context key the decoded principal is stored under.
const contextKey = "principal"

// Decoder returns middleware that decodes the identity header on every
// request and stores the resulting principal in the context.
//
// Absent header: the unauthenticated principal is stored and the request
// continues; scope checks downstream reject it where authentication is
// required. A present but invalid header fails the request with 401
// immediately.
//
// WEBSOCKET HANDLING:
// WebSocket upgrade requests receive a bare status code on auth failure
// (no JSON body) so the rejected handshake stays a clean HTTP response.
func Decoder(cfg *config.Config) gin.HandlerFunc {
	fakeActive := cfg.FakeAuthentication && cfg.APIURLIsLoopbackHTTPS()
	if cfg.FakeAuthentication && !fakeActive {
		logger.Identity().Warn().
			Str("api_url", cfg.APIURL).
			Msg("FAKE_AUTHENTICATION requested but API_URL is not loopback HTTPS, refusing to activate")
	}
	if fakeActive {
		logger.Identity().Warn().Msg("FAKE_AUTHENTICATION active, requests without identity get a synthetic user")
	}

	return func(c *gin.Context) {
		headerValue := c.GetHeader(Header)
		if headerValue == "" {
			if fakeActive {
				c.Set(contextKey, FakePrincipal())
			} else {
				c.Set(contextKey, Unauthenticated())
			}
			c.Next()
			return
		}

		principal, err := Decode(headerValue)
		if err != nil {
			logger.Identity().Warn().Err(err).Str("path", c.Request.URL.Path).Msg("rejecting invalid identity header")
			abortUnauthorized(c, "invalid identity header")
			return
		}

		c.Set(contextKey, principal)
		c.Next()
	}
}

// RequireScopes returns middleware that rejects requests whose principal is
// missing any of the given scopes. Must run after Decoder.
func RequireScopes(scopes ...Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := FromContext(c)
		for _, s := range scopes {
			if !principal.HasScope(s) {
				abortUnauthorized(c, "missing required scope "+string(s))
				return
			}
		}
		c.Next()
	}
}

// FromContext extracts the principal stored by Decoder. Returns the
// unauthenticated principal when none is present (e.g. in tests that skip
// the middleware).
func FromContext(c *gin.Context) *Principal {
	value, exists := c.Get(contextKey)
	if !exists {
		return Unauthenticated()
	}
	principal, ok := value.(*Principal)
	if !ok {
		return Unauthenticated()
	}
	return principal
}

func abortUnauthorized(c *gin.Context, message string) {
	if isWebSocketUpgrade(c.Request) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.JSON(http.StatusUnauthorized, gin.H{"error": message})
	c.Abort()
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
