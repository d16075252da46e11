// ABOUTME: Target handlers: roster listing, on-demand probes, and restart.
// ABOUTME: Restart always answers with a RestartResult; unknown targets add a 404.

package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/2389/coven-fleet/internal/fleet"
)

// ListTargets returns the roster in configuration order.
// GET /api/targets
func (h *Handler) ListTargets(c echo.Context) error {
	return c.JSON(http.StatusOK, targetsBody(h.prober.Targets()))
}

// PingAll probes every target concurrently and returns the settled roster.
// POST /api/targets/ping
func (h *Handler) PingAll(c echo.Context) error {
	return c.JSON(http.StatusOK, targetsBody(h.prober.ProbeAll(c.Request().Context())))
}

// PingTarget probes one target.
// POST /api/targets/:id/ping
func (h *Handler) PingTarget(c echo.Context) error {
	t, err := h.prober.ProbeOne(c.Request().Context(), c.Param("id"))
	if errors.Is(err, fleet.ErrTargetNotFound) {
		return c.JSON(http.StatusNotFound, errorBody(err.Error()))
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

// RestartTarget runs the stop, settle, start, re-probe sequence.
// POST /api/targets/:id/restart
func (h *Handler) RestartTarget(c echo.Context) error {
	res := h.prober.Restart(c.Request().Context(), c.Param("id"))
	if res.Error == fleet.ErrTargetNotFound.Error() {
		return c.JSON(http.StatusNotFound, res)
	}
	return c.JSON(http.StatusOK, res)
}

func targetsBody(targets []fleet.Target) map[string]any {
	return map[string]any{
		"targets": targets,
		"count":   len(targets),
	}
}
