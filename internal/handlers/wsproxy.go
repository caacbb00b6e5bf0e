// This file implements the WebSocket reverse proxy.
//
// Two surfaces share the machinery:
//
//   - Host-side bridge: the managed host dials
//     {host-prefix}/sessions/{id}/ws and is bridged to the session
//     container's bridge port. The first successful open moves the session
//     to running; the transition is dispatched asynchronously so the
//     upgrade is never delayed behind the registry.
//   - Browser-side console: WebSocket upgrades on
//     {browser-prefix}/sessions/{id}/web/... are bridged to the console
//     HTTP port.
//
// Both directions run as independent forwarders; the first one to end wins
// and tears the whole bridge down. Either way the session ends closed: a
// console session does not survive losing one of its legs.
package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/webconsole/appservice/internal/logger"
	"github.com/webconsole/appservice/internal/registry"
)

// closeWriteWait bounds how long a close frame send may take.
const closeWriteWait = time.Second

// Bridge handles the host-side bridge WebSocket.
func (h *ProxyHandler) Bridge(c *gin.Context) {
	id := c.Param("id")
	sess := h.registry.Get(id)
	if sess == nil {
		h.rejectUnknownSession(c)
		return
	}

	h.proxyWebSocket(c, sess, h.bridgePort, func() {
		// Async on purpose: the host's handshake response must not wait on
		// the registry (or the bus behind it).
		go h.registry.Transition(id, registry.StatusRunning)
	})
}

// consoleWS handles browser-side console WebSocket upgrades.
func (h *ProxyHandler) consoleWS(c *gin.Context) {
	id := c.Param("id")
	sess := h.registry.Get(id)
	if sess == nil {
		h.rejectUnknownSession(c)
		return
	}

	h.proxyWebSocket(c, sess, h.consolePort, nil)
}

// proxyWebSocket dials the session container, upgrades the downstream
// connection echoing the negotiated subprotocol, and pumps frames both ways
// until either side ends. Whatever happens, the session leaves as closed.
func (h *ProxyHandler) proxyWebSocket(c *gin.Context, sess *registry.Session, port int, onOpen func()) {
	id := sess.ID
	log := logger.Proxy()

	target := fmt.Sprintf("ws://%s:%d%s", sess.Address, port, c.Request.URL.RequestURI())
	dialer := websocket.Dialer{
		Subprotocols:     websocket.Subprotocols(c.Request),
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	if origin := c.GetHeader("Origin"); origin != "" {
		header.Set("Origin", origin)
	}

	upstream, resp, err := dialer.DialContext(c.Request.Context(), target, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		log.Warn().Err(err).Str("session", id).Int("upstream_status", status).Msg("session container refused WebSocket, closing session")
		h.registry.Transition(id, registry.StatusClosed)
		c.String(http.StatusBadGateway, "session unreachable\r\n")
		return
	}

	var respHeader http.Header
	if proto := upstream.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}

	downstream, err := h.upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		// Upgrade writes its own HTTP error response.
		log.Warn().Err(err).Str("session", id).Msg("downstream upgrade failed")
		upstream.Close()
		return
	}

	if onOpen != nil {
		onOpen()
	}
	log.Info().Str("session", id).Int("port", port).Msg("WebSocket bridge established")

	h.pump(id, downstream, upstream)

	h.registry.Transition(id, registry.StatusClosed)
	log.Info().Str("session", id).Msg("WebSocket bridge closed")
}

// pump runs the two forwarders and tears everything down when the first one
// ends. Closing both connections unblocks the surviving forwarder within one
// read, so cancellation is prompt and nothing leaks.
func (h *ProxyHandler) pump(id string, downstream, upstream *websocket.Conn) {
	errc := make(chan error, 2)
	go forwardFrames(upstream, downstream, errc)
	go forwardFrames(downstream, upstream, errc)

	first := <-errc

	code := closeCodeFor(first)
	deadline := time.Now().Add(closeWriteWait)
	message := websocket.FormatCloseMessage(code, "")
	downstream.WriteControl(websocket.CloseMessage, message, deadline)
	upstream.WriteControl(websocket.CloseMessage, message, deadline)
	downstream.Close()
	upstream.Close()

	<-errc

	logger.Proxy().Debug().Str("session", id).Int("close_code", code).Err(first).Msg("forwarders finished")
}

// forwardFrames copies data frames from src to dst preserving their type.
// Control frames are left to the WebSocket runtime's default handlers.
func forwardFrames(src, dst *websocket.Conn, errc chan<- error) {
	for {
		messageType, data, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if err := dst.WriteMessage(messageType, data); err != nil {
			errc <- err
			return
		}
	}
}

// closeCodeFor maps the terminating error to the close code sent to both
// peers: a peer's own close code when it sent a sendable one, normal closure
// otherwise.
func closeCodeFor(err error) int {
	var closeErr *websocket.CloseError
	if ok := asCloseError(err, &closeErr); ok {
		code := closeErr.Code
		if code >= websocket.CloseNormalClosure && code != websocket.CloseNoStatusReceived && code != websocket.CloseAbnormalClosure {
			return code
		}
	}
	return websocket.CloseNormalClosure
}

func asCloseError(err error, target **websocket.CloseError) bool {
	ce, ok := err.(*websocket.CloseError)
	if ok {
		*target = ce
	}
	return ok
}

// rejectUnknownSession answers an upgrade for a session id that does not
// exist: complete the handshake, then close immediately with code 404 so
// WebSocket clients get a deterministic signal. Non-upgrade requests get a
// plain 404.
func (h *ProxyHandler) rejectUnknownSession(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.String(http.StatusNotFound, "session not found\r\n")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	deadline := time.Now().Add(closeWriteWait)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(http.StatusNotFound, "session not found"), deadline)
	conn.Close()
}
