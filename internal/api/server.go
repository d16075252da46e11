// ABOUTME: Control API server: echo routes over the registry, invocation engine, and prober.
// ABOUTME: Every failure is a JSON {"error": ...} body; panics are recovered into 500s.

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/2389/coven-fleet/internal/agent"
	"github.com/2389/coven-fleet/internal/auth"
	"github.com/2389/coven-fleet/internal/broadcast"
	"github.com/2389/coven-fleet/internal/fleet"
	"github.com/2389/coven-fleet/internal/ingest"
	"github.com/2389/coven-fleet/internal/invoke"
	"github.com/2389/coven-fleet/internal/tools"
)

// Deps are the components the API reads and drives.
type Deps struct {
	Registry *agent.Registry
	Ingest   *ingest.Ingest
	Catalog  *tools.Catalog
	Remote   tools.Lister // optional; nil disables catalog refresh
	Engine   *invoke.Engine
	Prober   *fleet.Prober
	Events   *broadcast.Broadcaster
	MCP      http.Handler // optional; mounted at /mcp

	// Verifier enables bearer-token auth on everything but /health.
	Verifier auth.TokenVerifier
	Logger   *slog.Logger
}

// Handler serves the control API.
type Handler struct {
	registry  *agent.Registry
	ingest    *ingest.Ingest
	catalog   *tools.Catalog
	remote    tools.Lister
	engine    *invoke.Engine
	prober    *fleet.Prober
	events    *broadcast.Broadcaster
	mcp       http.Handler
	logger    *slog.Logger
	keepalive time.Duration
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:  d.Registry,
		ingest:    d.Ingest,
		catalog:   d.Catalog,
		remote:    d.Remote,
		engine:    d.Engine,
		prober:    d.Prober,
		events:    d.Events,
		mcp:       d.MCP,
		logger:    logger.With("component", "api"),
		keepalive: 15 * time.Second,
	}
}

// NewServer builds the echo instance with middleware and routes.
func NewServer(d Deps) *echo.Echo {
	h := NewHandler(d)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = h.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.logger.Debug("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"subject", auth.SubjectFrom(c.Request().Context()),
			)
			return nil
		},
	}))
	if d.Verifier != nil {
		e.Use(auth.Middleware(d.Verifier, "/health"))
	}

	h.RegisterRoutes(e)
	return e
}

// RegisterRoutes registers all API routes on e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	if h.mcp != nil {
		e.Match([]string{http.MethodPost, http.MethodGet, http.MethodDelete}, "/mcp", echo.WrapHandler(h.mcp))
	}

	g := e.Group("/api")
	g.GET("/connection", h.Connection)
	g.GET("/events", h.Events)

	g.GET("/agents", h.ListAgents)
	g.POST("/agents/select", h.SelectAgent)
	g.DELETE("/agents/select", h.ClearAgentSelection)
	g.POST("/agents/refresh", h.RefreshAgents)

	g.GET("/tools", h.ListTools)
	g.POST("/tools/refresh", h.RefreshTools)

	g.POST("/invocation/select", h.SelectTool)
	g.PUT("/invocation/args", h.SetArg)
	g.DELETE("/invocation/args", h.ResetArgs)
	g.POST("/invocation/execute", h.Execute)
	g.POST("/invocation/cancel", h.Cancel)
	g.GET("/invocation/current", h.Current)
	g.GET("/executions", h.ListExecutions)
	g.DELETE("/executions", h.ClearExecutions)

	g.GET("/targets", h.ListTargets)
	g.POST("/targets/ping", h.PingAll)
	g.POST("/targets/:id/ping", h.PingTarget)
	g.POST("/targets/:id/restart", h.RestartTarget)
}

// Health reports liveness of the control plane itself.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"connection": h.ingest.Phase(),
	})
}

func (h *Handler) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	} else {
		h.logger.Error("unhandled api error", "path", c.Path(), "error", err)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, errorBody(msg))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
