package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/webconsole/appservice/internal/apperrors"
	"github.com/webconsole/appservice/internal/config"
	"github.com/webconsole/appservice/internal/identity"
	"github.com/webconsole/appservice/internal/logger"
)

// playbookTask is one task of the generated connector playbook.
type playbookTask struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// playbookPlay is the single play of the generated connector playbook.
type playbookPlay struct {
	Name        string         `yaml:"name"`
	Hosts       string         `yaml:"hosts"`
	GatherFacts bool           `yaml:"gather_facts"`
	Tasks       []playbookTask `yaml:"tasks"`
}

// playbook serves the Ansible playbook a host agent runs to join its
// session: it pipes the local console bridge into the session's host-side
// WebSocket. Systems only — the playbook is the host's half of the session.
func (h *ControlHandler) playbook(c *gin.Context, id string) {
	if !identity.FromContext(c).HasScope(identity.ScopeSystem) {
		appErr := apperrors.ScopeMissing(string(identity.ScopeSystem))
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}

	sess := h.registry.Get(id)
	if sess == nil {
		c.String(http.StatusNotFound, "session not found\r\n")
		return
	}

	bridgeURL := fmt.Sprintf("wss://%s%s/sessions/%s/ws", h.gatewayHost, config.RouteHost, sess.ID)
	plays := []playbookPlay{
		{
			Name:        "Connect host to Web Console session",
			Hosts:       "localhost",
			GatherFacts: false,
			Tasks: []playbookTask{
				{
					Name:    "Pipe the console bridge into the session WebSocket",
					Command: fmt.Sprintf("websocat -b -k %s cmd:cockpit-bridge", bridgeURL),
				},
			},
		},
	}

	payload, err := yaml.Marshal(plays)
	if err != nil {
		logger.HTTP().Error().Err(err).Str("session", id).Msg("playbook generation failed")
		appErr := apperrors.Internal("generating playbook", err)
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}

	c.Data(http.StatusOK, "text/yaml; charset=utf-8", payload)
}
