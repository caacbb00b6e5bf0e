// Package handlers provides the HTTP surface of the appservice: the session
// control API and the two reverse-proxy surfaces.
//
// This file implements the control API.
//
// Endpoints (under /api/webconsole/v1):
//   - GET  /ping                                liveness, no auth
//   - POST /sessions/new                        provision a session (users only)
//   - GET  /sessions/{id}/status                current lifecycle status
//   - GET  /sessions/{id}/wait-running          block until the host connects
//   - GET  /sessions/{id}/playbook              connector playbook (systems only)
//   - GET  /sessions/inventory/{inventory_id}   session lookup by inventory id (systems only)
//
// Only users may create sessions; systems (host agents) query status, wait,
// and fetch their connector playbook. Everything except ping requires an
// authenticated principal.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/webconsole/appservice/internal/apperrors"
	"github.com/webconsole/appservice/internal/identity"
	"github.com/webconsole/appservice/internal/provisioner"
	"github.com/webconsole/appservice/internal/registry"
)

// ControlHandler serves the session control API.
type ControlHandler struct {
	registry    *registry.Registry
	provisioner *provisioner.Provisioner
	gatewayHost string
}

// NewControlHandler creates the control API handler. gatewayHost is the
// public host sessions are reached through, used in generated playbooks.
func NewControlHandler(reg *registry.Registry, prov *provisioner.Provisioner, gatewayHost string) *ControlHandler {
	return &ControlHandler{
		registry:    reg,
		provisioner: prov,
		gatewayHost: gatewayHost,
	}
}

// RegisterRoutes registers the control API on the given group.
//
// The sessions subtree is served through a single parametrized route and
// dispatched in sessionGet: the inventory lookup path puts a literal where
// the session id otherwise lives, which the router's radix tree cannot
// express as sibling routes.
func (h *ControlHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/ping", h.Ping)

	authed := group.Group("", identity.RequireScopes(identity.ScopeAuthenticated))
	authed.POST("/sessions/new", identity.RequireScopes(identity.ScopeUser), h.NewSession)
	authed.GET("/sessions/:id/:op", h.sessionGet)
}

// Ping answers the gateway's liveness probe.
func (h *ControlHandler) Ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

// newSessionRequest is the optional creation body.
type newSessionRequest struct {
	// InventoryID links the session to a host-inventory entry so the host
	// agent can find it later.
	InventoryID string `json:"inventory_id"`
}

// NewSession provisions a session container and returns its id.
func (h *ControlHandler) NewSession(c *gin.Context) {
	var req newSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	id, err := h.provisioner.Provision(c.Request.Context(), req.InventoryID)
	if err != nil {
		appErr := apperrors.AsAppError(err)
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id})
}

// sessionGet dispatches the GET operations of the sessions subtree.
func (h *ControlHandler) sessionGet(c *gin.Context) {
	id := c.Param("id")
	op := c.Param("op")

	// /sessions/inventory/{inventory_id}: the "id" segment is the literal
	// route name, the "op" segment carries the inventory id.
	if id == "inventory" {
		h.inventoryLookup(c, op)
		return
	}

	switch op {
	case "status":
		h.status(c, id)
	case "wait-running":
		h.waitRunning(c, id)
	case "playbook":
		h.playbook(c, id)
	default:
		c.String(http.StatusNotFound, "no route found in multiplexer\r\n")
	}
}

// status returns the session's lifecycle status as a plain string.
func (h *ControlHandler) status(c *gin.Context, id string) {
	sess := h.registry.Get(id)
	if sess == nil {
		c.String(http.StatusNotFound, "session not found\r\n")
		return
	}
	c.String(http.StatusOK, string(sess.Status))
}

// waitRunning blocks until the session reaches running. The wait rides the
// request context: an aborted client cancels and removes its wait.
func (h *ControlHandler) waitRunning(c *gin.Context, id string) {
	err := h.registry.WaitRunning(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Client went away; nothing left to answer.
			c.Abort()
			return
		}
		appErr := apperrors.AsAppError(err)
		c.String(appErr.StatusCode, "%s\r\n", appErr.Message)
		return
	}
	c.String(http.StatusOK, string(registry.StatusRunning))
}

// inventoryLookup resolves the newest live session for an inventory id.
// Host agents poll this to discover that a console was requested for them.
func (h *ControlHandler) inventoryLookup(c *gin.Context, inventoryID string) {
	if !identity.FromContext(c).HasScope(identity.ScopeSystem) {
		appErr := apperrors.ScopeMissing(string(identity.ScopeSystem))
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}

	sess := h.registry.FindByInventory(inventoryID)
	if sess == nil {
		c.String(http.StatusNotFound, "no session for inventory\r\n")
		return
	}
	c.String(http.StatusOK, sess.ID)
}
