package handlers

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webconsole/appservice/internal/registry"
)

// startEchoWS runs a WebSocket echo server standing in for the session
// container and returns its port.
func startEchoWS(t *testing.T, subprotocols []string) int {
	t.Helper()
	upgrader := websocket.Upgrader{
		Subprotocols: subprotocols,
		CheckOrigin:  func(r *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	_, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// dialWS opens a WebSocket against the appservice under test.
func dialWS(t *testing.T, server *httptest.Server, path, identityValue string, subprotocols []string) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):] + path
	dialer := websocket.Dialer{Subprotocols: subprotocols}
	header := http.Header{"x-rh-identity": {identityValue}}
	conn, resp, err := dialer.Dial(url, header)
	require.NoError(t, err, "dialing %s", path)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func bridgePathFor(id string) string {
	return "/wss/webconsole-ws/v1/sessions/" + id + "/ws"
}

func TestBridgeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.proxy.bridgePort = startEchoWS(t, nil)
	server := env.start(t)

	id := uuid.NewString()
	require.NoError(t, env.registry.Insert(id, "127.0.0.1", ""))

	conn := dialWS(t, server, bridgePathFor(id), systemIdentity(t), nil)

	// The first bridge open moves the session to running. Asynchronously,
	// so poll.
	assert.Eventually(t, func() bool {
		sess := env.registry.Get(id)
		return sess != nil && sess.Status == registry.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	// Text and binary frames round-trip preserving their type.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, messageType)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01, 0xff}))
	messageType, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, data)

	// Hanging up tombstones the session.
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	assert.Eventually(t, func() bool {
		sess := env.registry.Get(id)
		return sess != nil && sess.Status == registry.StatusClosed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBridgeUnknownSessionClosesWith404(t *testing.T) {
	env := newTestEnv(t)
	server := env.start(t)

	conn := dialWS(t, server, bridgePathFor(uuid.NewString()), systemIdentity(t), nil)

	// The handshake completes, then the server closes immediately with
	// code 404. Strict clients (gorilla included) surface the
	// out-of-range code as a protocol error rather than a CloseError;
	// either way no data ever arrives.
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	if closeErr, ok := err.(*websocket.CloseError); ok {
		assert.Equal(t, 404, closeErr.Code)
	}
}

func TestBridgeRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)
	server := env.start(t)

	id := uuid.NewString()
	require.NoError(t, env.registry.Insert(id, "127.0.0.1", ""))

	url := "ws" + server.URL[len("http"):] + bridgePathFor(id)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBridgeDeadContainerClosesSession(t *testing.T) {
	env := newTestEnv(t)
	// Nothing listens on this port.
	env.proxy.bridgePort = 1
	server := env.start(t)

	id := uuid.NewString()
	require.NoError(t, env.registry.Insert(id, "127.0.0.1", ""))

	url := "ws" + server.URL[len("http"):] + bridgePathFor(id)
	header := http.Header{"x-rh-identity": {systemIdentity(t)}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	sess := env.registry.Get(id)
	require.NotNil(t, sess)
	assert.Equal(t, registry.StatusClosed, sess.Status)
}

func TestWaitRunningRacesBridgeOpen(t *testing.T) {
	env := newTestEnv(t)
	env.proxy.bridgePort = startEchoWS(t, nil)
	server := env.start(t)
	id := env.createSession(t, "")

	header := userIdentity(t)
	waitDone := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/webconsole/v1/sessions/"+id+"/wait-running", nil)
		req.Header.Set("x-rh-identity", header)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			waitDone <- -1
			return
		}
		defer resp.Body.Close()
		waitDone <- resp.StatusCode
	}()

	time.Sleep(100 * time.Millisecond)
	dialWS(t, server, bridgePathFor(id), systemIdentity(t), nil)

	select {
	case code := <-waitDone:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("wait-running did not observe the bridge open")
	}

	w := env.request(t, http.MethodGet, "/api/webconsole/v1/sessions/"+id+"/status", userIdentity(t), "")
	assert.Equal(t, "running", w.Body.String())
}

func TestConsoleWebSocket(t *testing.T) {
	env := newTestEnv(t)
	env.proxy.consolePort = startEchoWS(t, nil)
	server := env.start(t)

	id := uuid.NewString()
	require.NoError(t, env.registry.Insert(id, "127.0.0.1", ""))
	require.NoError(t, env.registry.Transition(id, registry.StatusRunning))

	path := browserPath(id) + "cockpit/channel"
	conn := dialWS(t, server, path, userIdentity(t), nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command": "init"}`)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"command": "init"}`), data)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	assert.Eventually(t, func() bool {
		sess := env.registry.Get(id)
		return sess != nil && sess.Status == registry.StatusClosed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestConsoleWebSocketSubprotocolNegotiation(t *testing.T) {
	env := newTestEnv(t)
	env.proxy.consolePort = startEchoWS(t, []string{"cockpit1"})
	server := env.start(t)

	id := uuid.NewString()
	require.NoError(t, env.registry.Insert(id, "127.0.0.1", ""))
	require.NoError(t, env.registry.Transition(id, registry.StatusRunning))

	conn := dialWS(t, server, browserPath(id)+"cockpit/channel", userIdentity(t), []string{"cockpit1", "other"})
	assert.Equal(t, "cockpit1", conn.Subprotocol())
}
