package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/webconsole/appservice/internal/apperrors"
	"github.com/webconsole/appservice/internal/config"
	"github.com/webconsole/appservice/internal/logger"
)

// libpodBase is the versioned API prefix of the container engine.
const libpodBase = "/v1.12/libpod"

// PodmanBackend starts session containers through the local container
// engine's HTTP API over its unix-domain socket.
type PodmanBackend struct {
	socketPath string
	cfg        *config.Config
}

// NewPodmanBackend creates the local backend. The HTTP client is created per
// request; the backend itself only remembers where the socket lives.
func NewPodmanBackend(cfg *config.Config) *PodmanBackend {
	return &PodmanBackend{socketPath: cfg.PodmanSocket, cfg: cfg}
}

// Name identifies the backend in logs.
func (b *PodmanBackend) Name() string { return "podman" }

// AddressFor returns the DNS name of a session container. On the overlay
// network the bare container name resolves; a configured domain suffix is
// appended when present.
func (b *PodmanBackend) AddressFor(id string) string {
	return "session-" + id + b.cfg.SessionDomain
}

// createRequest is the libpod container-create payload.
type createRequest struct {
	Image    string                     `json:"image"`
	Name     string                     `json:"name"`
	Command  []string                   `json:"command"`
	Env      map[string]string          `json:"env"`
	Remove   bool                       `json:"remove"`
	Netns    map[string]string          `json:"netns"`
	Networks map[string]json.RawMessage `json:"Networks"`
}

// CreateAndStart creates the container and issues a start. Engine rejections
// are propagated with the engine's status code and body verbatim.
func (b *PodmanBackend) CreateAndStart(ctx context.Context, spec *SessionSpec) error {
	client := b.client()

	body := createRequest{
		Image:   b.cfg.SessionImage,
		Name:    spec.Name,
		Command: spec.Command,
		Env:     spec.Env,
		Remove:  true,
		Netns:   map[string]string{"nsmode": "bridge"},
		Networks: map[string]json.RawMessage{
			b.cfg.SessionNetwork: json.RawMessage("{}"),
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return apperrors.Internal("encoding container create request", err)
	}

	status, respBody, err := b.post(ctx, client, libpodBase+"/containers/create", payload)
	if err != nil {
		return apperrors.Internal("container engine unreachable", err)
	}
	logger.Provisioner().Debug().
		Int("status", status).
		Str("body", string(respBody)).
		Msg("container create result")
	if status < 200 || status >= 300 {
		return apperrors.ProvisionFailed(status, string(respBody))
	}

	status, respBody, err = b.post(ctx, client, fmt.Sprintf("%s/containers/%s/start", libpodBase, spec.Name), nil)
	if err != nil {
		return apperrors.Internal("container engine unreachable", err)
	}
	// 304 means already started, which is as good as started.
	if (status < 200 || status >= 300) && status != http.StatusNotModified {
		return apperrors.ProvisionFailed(status, string(respBody))
	}

	return nil
}

// client builds a short-lived HTTP client dialing the engine socket. The
// request URL's host is a placeholder; the socket is the real destination.
func (b *PodmanBackend) client() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", b.socketPath)
			},
		},
	}
}

func (b *PodmanBackend) post(ctx context.Context, client *http.Client, path string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://podman"+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}
