// ABOUTME: Tool and invocation handlers: catalog listing, pending selection, execute, cancel, history.
// ABOUTME: Execute waits for the terminal record unless called with wait=false.

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/2389/coven-fleet/internal/invoke"
)

// ListTools returns the merged catalog.
// GET /api/tools
func (h *Handler) ListTools(c echo.Context) error {
	list := h.catalog.List()
	return c.JSON(http.StatusOK, map[string]any{
		"tools": list,
		"count": len(list),
	})
}

// RefreshTools reloads the remote half of the catalog.
// POST /api/tools/refresh
func (h *Handler) RefreshTools(c echo.Context) error {
	if h.remote == nil {
		return c.JSON(http.StatusBadRequest, errorBody("no remote tool endpoint configured"))
	}
	if err := h.catalog.Load(c.Request().Context(), h.remote); err != nil {
		h.logger.Warn("tool catalog refresh failed", "error", err)
		return c.JSON(http.StatusBadGateway, errorBody(err.Error()))
	}
	return h.ListTools(c)
}

type selectToolRequest struct {
	Tool string `json:"tool"`
}

// SelectTool sets the pending tool. Selecting clears any previous args.
// POST /api/invocation/select
func (h *Handler) SelectTool(c echo.Context) error {
	var req selectToolRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}

	h.engine.Select(req.Tool)
	return c.JSON(http.StatusOK, h.pending())
}

type setArgRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// SetArg sets one pending argument.
// PUT /api/invocation/args
func (h *Handler) SetArg(c echo.Context) error {
	var req setArgRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	if req.Key == "" {
		return c.JSON(http.StatusBadRequest, errorBody("key is required"))
	}

	h.engine.SetArg(req.Key, req.Value)
	return c.JSON(http.StatusOK, h.pending())
}

// ResetArgs clears the pending arguments.
// DELETE /api/invocation/args
func (h *Handler) ResetArgs(c echo.Context) error {
	h.engine.ResetArgs()
	return c.JSON(http.StatusOK, h.pending())
}

// Execute runs the pending tool. With wait=false it returns the running
// record immediately with 202.
// POST /api/invocation/execute?wait=false
func (h *Handler) Execute(c echo.Context) error {
	wait := true
	if v := c.QueryParam("wait"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody("wait must be a boolean"))
		}
		wait = b
	}

	var (
		exec invoke.Execution
		err  error
	)
	if wait {
		exec, err = h.engine.Execute(c.Request().Context())
	} else {
		exec, err = h.engine.Start(c.Request().Context())
	}

	switch {
	case errors.Is(err, invoke.ErrNoToolSelected):
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, invoke.ErrBusy):
		return c.JSON(http.StatusConflict, errorBody(err.Error()))
	case err != nil:
		return err
	}

	if !wait {
		return c.JSON(http.StatusAccepted, exec)
	}
	return c.JSON(http.StatusOK, exec)
}

// Cancel aborts the running execution.
// POST /api/invocation/cancel
func (h *Handler) Cancel(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{
		"cancelled": h.engine.Cancel(),
	})
}

// Current returns the pending selection and the running execution, if any.
// GET /api/invocation/current
func (h *Handler) Current(c echo.Context) error {
	out := h.pending()
	if exec, ok := h.engine.Current(); ok {
		out["current"] = exec
	}
	return c.JSON(http.StatusOK, out)
}

// ListExecutions returns the history, newest first.
// GET /api/executions
func (h *Handler) ListExecutions(c echo.Context) error {
	history := h.engine.History()
	return c.JSON(http.StatusOK, map[string]any{
		"executions": history,
		"count":      len(history),
	})
}

// ClearExecutions empties the history in memory and in the store.
// DELETE /api/executions
func (h *Handler) ClearExecutions(c echo.Context) error {
	if err := h.engine.ClearHistory(c.Request().Context()); err != nil {
		h.logger.Error("failed to clear execution history", "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody("failed to clear history"))
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) pending() map[string]any {
	return map[string]any{
		"tool":    h.engine.Selected(),
		"args":    h.engine.Args(),
		"running": h.engine.Running(),
	}
}
