// ABOUTME: Agent and connection handlers: list and filter live agents, manage the UI selection.
// ABOUTME: The registry is push-fed, so refresh is accepted but changes nothing.

package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/2389/coven-fleet/internal/agent"
)

// Connection returns the push-channel phase and the latest stats snapshot.
// GET /api/connection
func (h *Handler) Connection(c echo.Context) error {
	out := map[string]any{
		"phase":     h.ingest.Phase(),
		"connected": h.ingest.Connected(),
	}
	if stats, ok := h.ingest.Stats(); ok {
		out["stats"] = stats
	}
	return c.JSON(http.StatusOK, out)
}

// ListAgents returns live agents, optionally filtered by role and status.
// GET /api/agents?role=worker&status=idle
func (h *Handler) ListAgents(c echo.Context) error {
	preds := []agent.Predicate{agent.All}

	if role := c.QueryParam("role"); role != "" {
		r := agent.Role(role)
		if r != agent.RoleLeader && r != agent.RoleWorker {
			return c.JSON(http.StatusBadRequest, errorBody("unknown role: "+role))
		}
		preds = append(preds, agent.ByRole(r))
	}
	if status := c.QueryParam("status"); status != "" {
		s := agent.Status(status)
		switch s {
		case agent.StatusIdle, agent.StatusBusy, agent.StatusOffline, agent.StatusError:
		default:
			return c.JSON(http.StatusBadRequest, errorBody("unknown status: "+status))
		}
		preds = append(preds, agent.ByStatus(s))
	}

	agents := h.registry.Filter(agent.And(preds...))
	out := map[string]any{
		"agents": agents,
		"count":  len(agents),
	}
	if sel, ok := h.registry.Selected(); ok {
		out["selected"] = sel.ID
	}
	return c.JSON(http.StatusOK, out)
}

type selectAgentRequest struct {
	ID string `json:"id"`
}

// SelectAgent marks an agent as the current selection.
// POST /api/agents/select
func (h *Handler) SelectAgent(c echo.Context) error {
	var req selectAgentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	if req.ID == "" {
		return c.JSON(http.StatusBadRequest, errorBody("id is required"))
	}

	if err := h.registry.Select(req.ID); err != nil {
		if errors.Is(err, agent.ErrAgentNotFound) {
			return c.JSON(http.StatusNotFound, errorBody(err.Error()))
		}
		return err
	}

	sel, _ := h.registry.Selected()
	return c.JSON(http.StatusOK, sel)
}

// ClearAgentSelection drops the current selection.
// DELETE /api/agents/select
func (h *Handler) ClearAgentSelection(c echo.Context) error {
	h.registry.ClearSelection()
	return c.NoContent(http.StatusNoContent)
}

// RefreshAgents is accepted for UI parity and leaves the registry untouched.
// POST /api/agents/refresh
func (h *Handler) RefreshAgents(c echo.Context) error {
	h.registry.Refresh()
	return c.JSON(http.StatusOK, map[string]any{
		"count": h.registry.Len(),
	})
}
