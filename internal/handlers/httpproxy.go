// This file implements the browser-side HTTP proxy.
//
// Traffic flow:
//   Browser → gateway → appservice → session container (console HTTP port)
//
// The proxy streams; it never buffers a whole response. Sessions that are
// not proxyable yet (or anymore) get a placeholder page instead of an error
// so the browser has something sensible to show while polling.
package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/webconsole/appservice/internal/config"
	"github.com/webconsole/appservice/internal/logger"
	"github.com/webconsole/appservice/internal/registry"
	"github.com/webconsole/appservice/internal/static"
)

// ProxyHandler serves both reverse-proxy surfaces: browser-side console
// HTTP/WebSocket traffic and the host-side bridge WebSocket.
type ProxyHandler struct {
	registry *registry.Registry

	// upgrader upgrades downstream connections. Origin enforcement is the
	// console server's job; the gateway already pinned the tenant.
	upgrader websocket.Upgrader

	// client streams HTTP requests into session containers. No global
	// timeout: long-polls are normal console traffic, and cancellation
	// rides the downstream request context.
	client *http.Client

	// Session container ports. Fixed in production; tests point them at
	// local listeners.
	consolePort int
	bridgePort  int
}

// NewProxyHandler creates the proxy handler.
func NewProxyHandler(reg *registry.Registry) *ProxyHandler {
	return &ProxyHandler{
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		client: &http.Client{
			// The console issues redirects relative to its own root;
			// forward them to the browser untouched.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		consolePort: config.ConsoleHTTPPort,
		bridgePort:  config.BridgePort,
	}
}

// RegisterRoutes registers both proxy surfaces.
//
// Routes:
//   - GET/HEAD {browser-prefix}/sessions/:id/web/*path — console HTTP, and
//     console WebSocket when the request is an upgrade
//   - GET      {host-prefix}/sessions/:id/ws           — host bridge WebSocket
func (h *ProxyHandler) RegisterRoutes(browser, host *gin.RouterGroup) {
	browser.GET("/sessions/:id/web/*path", h.Browser)
	browser.HEAD("/sessions/:id/web/*path", h.Browser)
	host.GET("/sessions/:id/ws", h.Bridge)
}

// Browser handles the browser-side surface: WebSocket upgrades become
// console WebSocket bridges, everything else is streamed console HTTP.
func (h *ProxyHandler) Browser(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		h.consoleWS(c)
		return
	}
	h.consoleHTTP(c)
}

// consoleHTTP streams a GET or HEAD into the session container.
func (h *ProxyHandler) consoleHTTP(c *gin.Context) {
	id := c.Param("id")
	sess := h.registry.Get(id)
	if sess == nil {
		c.String(http.StatusNotFound, "session not found\r\n")
		return
	}

	switch sess.Status {
	case registry.StatusClosed:
		c.Data(http.StatusOK, "text/html; charset=utf-8", static.ClosedHTML)
		return
	case registry.StatusRunning:
		// proxyable
	default:
		c.Data(http.StatusOK, "text/html; charset=utf-8", static.WaitingHTML)
		return
	}

	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.String(http.StatusMethodNotAllowed, "method not allowed\r\n")
		return
	}

	target := fmt.Sprintf("http://%s:%d%s", sess.Address, h.consolePort, c.Request.URL.RequestURI())
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, nil)
	if err != nil {
		c.String(http.StatusInternalServerError, "building upstream request failed\r\n")
		return
	}
	// Forward headers and cookies wholesale; the console needs Accept,
	// Range, If-None-Match and its own cookies to behave.
	copyProxyHeaders(req.Header, c.Request.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		logger.Proxy().Warn().Err(err).Str("session", id).Msg("console upstream unreachable, closing session")
		h.registry.Transition(id, registry.StatusClosed)
		c.Data(http.StatusOK, "text/html; charset=utf-8", static.ClosedHTML)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, value := range values {
			c.Writer.Header().Add(name, value)
		}
	}
	c.Status(resp.StatusCode)

	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// Mid-stream failure: status is already on the wire, all we can do
		// is stop and let the lifecycle reflect the dead container.
		logger.Proxy().Warn().Err(err).Str("session", id).Msg("console stream interrupted")
		h.registry.Transition(id, registry.StatusClosed)
	}
}

// copyProxyHeaders forwards the downstream request headers minus the
// hop-by-hop set.
func copyProxyHeaders(dst, src http.Header) {
	hopByHop := map[string]bool{
		"Connection":          true,
		"Keep-Alive":          true,
		"Proxy-Authenticate":  true,
		"Proxy-Authorization": true,
		"Te":                  true,
		"Trailer":             true,
		"Transfer-Encoding":   true,
		"Upgrade":             true,
	}
	for name, values := range src {
		if hopByHop[name] {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
