package handlers

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webconsole/appservice/internal/registry"
)

// startConsoleServer runs a fake session console on the loopback and points
// the proxy's console port at it.
func startConsoleServer(t *testing.T, env *testEnv, handler http.Handler) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	_, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	env.proxy.consolePort = port
}

func browserPath(id string) string {
	return "/wss/webconsole-http/v1/sessions/" + id + "/web/"
}

func TestHTTPProxyUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodGet, browserPath(uuid.NewString()), userIdentity(t), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPProxyWaitingPlaceholder(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.NewString()
	require.NoError(t, env.registry.Insert(id, "127.0.0.1", ""))

	w := env.request(t, http.MethodGet, browserPath(id), userIdentity(t), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Waiting for the target system")
}

func TestHTTPProxyClosedPlaceholder(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.NewString()
	require.NoError(t, env.registry.Insert(id, "127.0.0.1", ""))
	require.NoError(t, env.registry.Transition(id, registry.StatusClosed))

	w := env.request(t, http.MethodGet, browserPath(id), userIdentity(t), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Web Console session ended")
}

func TestHTTPProxyStreamsConsole(t *testing.T) {
	env := newTestEnv(t)

	var seenPath, seenCookie string
	startConsoleServer(t, env, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.RequestURI()
		seenCookie = r.Header.Get("Cookie")
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><script src="base1/cockpit.js"></script></html>`))
	}))

	id := uuid.NewString()
	require.NoError(t, env.registry.Insert(id, "127.0.0.1", ""))
	require.NoError(t, env.registry.Transition(id, registry.StatusRunning))

	req := httptest.NewRequest(http.MethodGet, browserPath(id)+"shell/index.html?frame=1", nil)
	req.Header.Set("x-rh-identity", userIdentity(t))
	req.Header.Set("Cookie", "cockpit=abc123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "base1/cockpit.js")
	assert.Equal(t, "text/html", w.Header().Get("Content-Type"))

	// The console sees the original path, query, and cookies.
	assert.Equal(t, browserPath(id)+"shell/index.html?frame=1", seenPath)
	assert.Equal(t, "cockpit=abc123", seenCookie)
}

func TestHTTPProxyHead(t *testing.T) {
	env := newTestEnv(t)
	startConsoleServer(t, env, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	}))

	id := uuid.NewString()
	require.NoError(t, env.registry.Insert(id, "127.0.0.1", ""))
	require.NoError(t, env.registry.Transition(id, registry.StatusRunning))

	w := env.request(t, http.MethodHead, browserPath(id), userIdentity(t), "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHTTPProxyRejectsOtherMethods(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.NewString()
	require.NoError(t, env.registry.Insert(id, "127.0.0.1", ""))

	w := env.request(t, http.MethodPost, browserPath(id), userIdentity(t), "{}")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHTTPProxyRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.NewString()
	require.NoError(t, env.registry.Insert(id, "127.0.0.1", ""))

	w := env.request(t, http.MethodGet, browserPath(id), "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHTTPProxyDeadConsoleClosesSession(t *testing.T) {
	env := newTestEnv(t)

	// A console server that is already gone: bind a port, then close it.
	server := httptest.NewServer(http.NotFoundHandler())
	_, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	server.Close()
	env.proxy.consolePort = port

	id := uuid.NewString()
	require.NoError(t, env.registry.Insert(id, "127.0.0.1", ""))
	require.NoError(t, env.registry.Transition(id, registry.StatusRunning))

	w := env.request(t, http.MethodGet, browserPath(id), userIdentity(t), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Web Console session ended")

	// The failure tombstoned the session.
	sess := env.registry.Get(id)
	require.NotNil(t, sess)
	assert.Equal(t, registry.StatusClosed, sess.Status)

	// Subsequent requests keep showing the closed placeholder.
	w = env.request(t, http.MethodGet, browserPath(id), userIdentity(t), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Web Console session ended")
}
