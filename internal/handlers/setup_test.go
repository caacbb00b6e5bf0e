package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/webconsole/appservice/internal/config"
	"github.com/webconsole/appservice/internal/identity"
	"github.com/webconsole/appservice/internal/provisioner"
	"github.com/webconsole/appservice/internal/registry"
)

// stubBackend stands in for a container engine: it always succeeds (or
// always fails) and never starts anything.
type stubBackend struct {
	err error
}

func (b *stubBackend) CreateAndStart(_ context.Context, _ *provisioner.SessionSpec) error {
	return b.err
}

func (b *stubBackend) AddressFor(id string) string { return "session-" + id }

func (b *stubBackend) Name() string { return "stub" }

// stubResolver resolves every name to the test loopback address.
type stubResolver struct{}

func (stubResolver) LookupHost(_ context.Context, _ string) ([]string, error) {
	return []string{"127.0.0.1"}, nil
}

// testEnv wires a full router the way main does, minus the real backends.
type testEnv struct {
	router   *gin.Engine
	registry *registry.Registry
	proxy    *ProxyHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{APIURL: "https://gateway.example.com"}
	reg := registry.New(nil)
	go reg.Run()
	t.Cleanup(reg.Stop)

	prov := provisioner.New(&stubBackend{}, reg, cfg).WithResolver(stubResolver{})

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(identity.Decoder(cfg))

	controlHandler := NewControlHandler(reg, prov, "gateway.example.com")
	control := router.Group(config.RouteControl)
	controlHandler.RegisterRoutes(control)

	proxyHandler := NewProxyHandler(reg)
	browser := router.Group(config.RouteBrowser, identity.RequireScopes(identity.ScopeAuthenticated))
	host := router.Group(config.RouteHost, identity.RequireScopes(identity.ScopeAuthenticated))
	proxyHandler.RegisterRoutes(browser, host)

	return &testEnv{router: router, registry: reg, proxy: proxyHandler}
}

// start binds the router to a real listener for WebSocket and long-poll
// tests.
func (env *testEnv) start(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(env.router)
	t.Cleanup(server.Close)
	return server
}

// identityHeader encodes a gateway identity document.
func identityHeader(t *testing.T, doc map[string]interface{}) string {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func userIdentity(t *testing.T) string {
	return identityHeader(t, map[string]interface{}{
		"identity": map[string]interface{}{
			"type":   "User",
			"org_id": "42",
			"user":   map[string]interface{}{"user_id": "7"},
		},
	})
}

func systemIdentity(t *testing.T) string {
	return identityHeader(t, map[string]interface{}{
		"identity": map[string]interface{}{
			"type":   "System",
			"org_id": "42",
			"system": map[string]interface{}{"cn": "c1ad0ff6-e1f0-4ad9-bc6f-82e7ee383ee4"},
		},
	})
}
