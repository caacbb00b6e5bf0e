// Package config holds the runtime configuration for the webconsole
// appservice multiplexer.
//
// Configuration is read from the environment once at startup. The service is
// deployed behind a tenant gateway, so most knobs describe how to reach the
// things around it: the Redis bus, the container backend, and the per-session
// DNS zone.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Route prefixes baked into the gateway configuration. The gateway routes
// these three prefixes at the multiplexer; everything else never reaches us.
const (
	// RouteControl is the session control API (ping, new, status, wait-running).
	RouteControl = "/api/webconsole/v1"

	// RouteBrowser is the per-session browser endpoint (console HTTP and WS).
	RouteBrowser = "/wss/webconsole-http/v1"

	// RouteHost is the per-session endpoint the managed host dials into.
	RouteHost = "/wss/webconsole-ws/v1"
)

// Ports the console server exposes inside every session container.
const (
	// ConsoleHTTPPort serves the browser-side console HTTP and WebSocket traffic.
	ConsoleHTTPPort = 9090

	// BridgePort accepts the host-side bridge WebSocket.
	BridgePort = 8080
)

// Config holds all environment-derived settings.
type Config struct {
	// APIURL is the public URL of the tenant gateway. It is stamped into new
	// session containers so the console server can advertise its origin, and
	// it gates the fake-authentication bypass.
	APIURL string

	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// RedisHost and RedisPort locate the bus/store. The platform injects
	// REDIS_SERVICE_HOST/PORT when Redis runs as a sibling service.
	RedisHost string
	RedisPort string

	// SessionDomain is the DNS suffix appended to "session-<id>" when
	// resolving a freshly provisioned container. Empty means the bare name
	// resolves on its own (podman network DNS).
	SessionDomain string

	// SessionImage is the container image every session runs.
	SessionImage string

	// SessionNetwork is the named overlay network session containers join
	// (local backend only).
	SessionNetwork string

	// PodmanSocket is the container engine's unix socket (local backend).
	PodmanSocket string

	// SessionNamespace is the namespace session pods are created in
	// (cluster backend).
	SessionNamespace string

	// SessionSubdomain is the headless service name stamped into
	// pod.spec.subdomain so session-<id>.<domain> resolves (cluster backend).
	SessionSubdomain string

	// FakeAuthentication enables the test-only identity bypass when "yes".
	// The identity decoder additionally requires APIURL to be loopback HTTPS.
	FakeAuthentication bool

	// ConnectionHeaderFix toggles the gateway Connection-header repair shim.
	ConnectionHeaderFix bool

	// EvictSchedule is a cron spec for the closed-session evictor. Empty
	// disables eviction; tombstones then accumulate in the shared table,
	// which a restarted replica reloads from the store.
	EvictSchedule string

	// EvictAfter is how long a session must have been closed locally before
	// the evictor removes it.
	EvictAfter time.Duration

	// LogLevel and LogPretty configure zerolog.
	LogLevel  string
	LogPretty bool
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		APIURL:              os.Getenv("API_URL"),
		ListenAddr:          getEnv("LISTEN_ADDR", ":8081"),
		RedisHost:           getEnv("REDIS_SERVICE_HOST", "webconsoleapp-redis"),
		RedisPort:           getEnv("REDIS_SERVICE_PORT", "6379"),
		SessionDomain:       os.Getenv("SESSION_INSTANCE_DOMAIN"),
		SessionImage:        getEnv("SESSION_IMAGE", "quay.io/rhn_engineering_mpitt/ws"),
		SessionNetwork:      getEnv("SESSION_NETWORK", "consoledot"),
		PodmanSocket:        getEnv("PODMAN_SOCKET", "/run/podman/podman.sock"),
		SessionNamespace:    getEnv("SESSION_NAMESPACE", "webconsole"),
		SessionSubdomain:    getEnv("SESSION_SUBDOMAIN", "sessions"),
		FakeAuthentication:  os.Getenv("FAKE_AUTHENTICATION") == "yes",
		ConnectionHeaderFix: getEnvBool("CONNECTION_HEADER_FIX", true),
		EvictSchedule:       os.Getenv("SESSION_EVICT_SCHEDULE"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogPretty:           getEnvBool("LOG_PRETTY", false),
	}

	evictAfter := getEnv("SESSION_EVICT_AFTER", "24h")
	d, err := time.ParseDuration(evictAfter)
	if err != nil {
		return nil, fmt.Errorf("invalid SESSION_EVICT_AFTER %q: %w", evictAfter, err)
	}
	cfg.EvictAfter = d

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("API_URL must be set")
	}
	if _, err := url.Parse(c.APIURL); err != nil {
		return fmt.Errorf("invalid API_URL %q: %w", c.APIURL, err)
	}
	return nil
}

// RedisAddr returns the host:port of the bus/store.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, c.RedisPort)
}

// APIURLIsLoopbackHTTPS reports whether APIURL points at a local-loopback
// HTTPS address. The fake-authentication bypass refuses to activate anywhere
// else.
func (c *Config) APIURLIsLoopbackHTTPS() bool {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
