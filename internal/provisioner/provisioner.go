// Package provisioner materializes per-session containers.
//
// Two backends exist, selected once at startup by filesystem probe: a local
// container engine reached over its unix socket, and a cluster control plane
// reached through the mounted service account. Both receive the same
// parameters — image, command, env, the stable name session-<id> — and both
// end with the session's address resolving via DNS. The resolved IP literal
// is what enters the registry, so long-lived proxying never re-resolves.
package provisioner

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/webconsole/appservice/internal/apperrors"
	"github.com/webconsole/appservice/internal/config"
	"github.com/webconsole/appservice/internal/logger"
	"github.com/webconsole/appservice/internal/registry"
)

// serviceAccountDir marks an in-cluster deployment.
const serviceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"

// DNS resolution bounds: a fresh container's name usually resolves within a
// few seconds; thirty one-second attempts is generous.
const (
	resolveAttempts = 30
	resolveInterval = time.Second
)

// SessionSpec carries everything a backend needs to start one session
// container.
type SessionSpec struct {
	// ID is the session UUID.
	ID string

	// Name is the container/pod name, always "session-<id>". The stable
	// name is what makes DNS resolution work on both backends.
	Name string

	// Env is stamped into the container: the public API URL, the session's
	// browser route prefix, and the session id.
	Env map[string]string

	// Command starts the console server configured for this session's
	// route.
	Command []string
}

// Backend starts session containers on one orchestrator.
type Backend interface {
	// CreateAndStart creates the container and starts it. A rejection by
	// the orchestrator is returned as an *apperrors.AppError carrying the
	// backend's status code and body verbatim.
	CreateAndStart(ctx context.Context, spec *SessionSpec) error

	// AddressFor returns the DNS name the started container answers on.
	AddressFor(id string) string

	// Name identifies the backend in logs.
	Name() string
}

// Resolver looks up hostnames. *net.Resolver satisfies it; tests substitute
// a fake.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Provisioner creates sessions: container first, then DNS, then registry.
type Provisioner struct {
	backend  Backend
	resolver Resolver
	registry *registry.Registry
	cfg      *config.Config
}

// New creates a provisioner using the system resolver.
func New(backend Backend, reg *registry.Registry, cfg *config.Config) *Provisioner {
	return &Provisioner{
		backend:  backend,
		resolver: net.DefaultResolver,
		registry: reg,
		cfg:      cfg,
	}
}

// WithResolver overrides DNS resolution (tests).
func (p *Provisioner) WithResolver(r Resolver) *Provisioner {
	p.resolver = r
	return p
}

// Provision creates a new session end to end and returns its id. On any
// failure no registry entry exists; a container that started before a DNS
// timeout is leaked and logged — cleaning it up is the operator's problem.
func (p *Provisioner) Provision(ctx context.Context, inventoryID string) (string, error) {
	id := uuid.NewString()
	spec := p.sessionSpec(id)
	log := logger.Provisioner()

	log.Info().Str("session", id).Str("backend", p.backend.Name()).Msg("creating session container")
	if err := p.backend.CreateAndStart(ctx, spec); err != nil {
		log.Error().Err(err).Str("session", id).Msg("backend rejected session container")
		return "", err
	}

	address, err := p.resolve(ctx, p.backend.AddressFor(id))
	if err != nil {
		log.Error().Err(err).
			Str("session", id).
			Str("container", spec.Name).
			Msg("session address never resolved, container leaked")
		return "", err
	}

	if err := p.registry.Insert(id, address, inventoryID); err != nil {
		return "", err
	}
	log.Info().Str("session", id).Str("address", address).Msg("session registered")
	return id, nil
}

// resolve retries DNS until the name answers or the attempts run out.
func (p *Provisioner) resolve(ctx context.Context, name string) (string, error) {
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(resolveInterval):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		addrs, err := p.resolver.LookupHost(ctx, name)
		if err == nil && len(addrs) > 0 {
			return addrs[0], nil
		}
	}
	return "", apperrors.ResolveTimeout(name)
}

// sessionSpec assembles the container parameters for one session.
func (p *Provisioner) sessionSpec(id string) *SessionSpec {
	routePrefix := fmt.Sprintf("%s/sessions/%s", config.RouteBrowser, id)
	return &SessionSpec{
		ID:   id,
		Name: "session-" + id,
		Env: map[string]string{
			"API_URL":              p.cfg.APIURL,
			"SESSION_ROUTE_PREFIX": routePrefix,
			"SESSION_ID":           id,
		},
		Command: consoleCommand(routePrefix, p.cfg.APIURL),
	}
}

// consoleCommand builds the console server invocation: write the per-session
// webservice configuration, then exec the console server bound to a local
// session shim.
func consoleCommand(routePrefix, apiURL string) []string {
	conf := fmt.Sprintf("printf '[Webservice]\nUrlRoot=%s/\nOrigins = %s\n' > /etc/cockpit/cockpit.conf;", routePrefix, apiURL)
	return []string{
		"sh", "-exc",
		conf + "exec /usr/libexec/cockpit-ws --for-tls-proxy --local-session=socat-session.sh",
	}
}

// Detect probes the filesystem for a usable backend: a mounted cluster
// service account wins, then the local container engine socket. Neither
// present is a startup failure.
func Detect(cfg *config.Config) (Backend, error) {
	if info, err := os.Stat(serviceAccountDir); err == nil && info.IsDir() {
		return NewKubernetesBackend(cfg)
	}
	if _, err := os.Stat(cfg.PodmanSocket); err == nil {
		return NewPodmanBackend(cfg), nil
	}
	return nil, fmt.Errorf("no container backend detected: neither %s nor %s exists", serviceAccountDir, cfg.PodmanSocket)
}
