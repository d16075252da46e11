// ABOUTME: Process wiring for coven-fleet: builds every component from config and runs them together.
// ABOUTME: Owns the control API listener (TCP or tailnet) and the ordered shutdown of all resources.

package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/2389/coven-fleet/internal/agent"
	"github.com/2389/coven-fleet/internal/api"
	"github.com/2389/coven-fleet/internal/auth"
	"github.com/2389/coven-fleet/internal/broadcast"
	"github.com/2389/coven-fleet/internal/builtins"
	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/dedupe"
	"github.com/2389/coven-fleet/internal/fleet"
	"github.com/2389/coven-fleet/internal/ingest"
	"github.com/2389/coven-fleet/internal/invoke"
	"github.com/2389/coven-fleet/internal/mcp"
	"github.com/2389/coven-fleet/internal/policy"
	"github.com/2389/coven-fleet/internal/store"
	"github.com/2389/coven-fleet/internal/telemetry"
	"github.com/2389/coven-fleet/internal/tools"
)

// dedupeMaxEntries bounds the push-channel duplicate cache.
const dedupeMaxEntries = 100_000

// shutdownTimeout bounds graceful shutdown after Run's context ends.
const shutdownTimeout = 5 * time.Second

// Core holds the wired orchestration components.
type Core struct {
	config     *config.Config
	configPath string
	logger     *slog.Logger

	store    store.HistoryStore
	registry *agent.Registry
	ingest   *ingest.Ingest
	client   *ingest.Client // nil when ingest.url is unset
	catalog  *tools.Catalog
	remote   *tools.MCPClient // nil when tools.endpoint is unset
	engine   *invoke.Engine
	prober   *fleet.Prober
	events   *broadcast.Broadcaster
	handler  http.Handler

	telemetry   telemetry.Shutdown
	tsnetServer *tsnet.Server

	closeOnce sync.Once
	closeErr  error
}

// New builds every component from cfg and restores the execution history.
// configPath is watched for roster changes when fleet.watch_config is set.
// Nothing is started until Run.
func New(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) (*Core, error) {
	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, err
	}

	s, err := initStore(cfg)
	if err != nil {
		_ = shutdownTelemetry(ctx)
		return nil, err
	}

	c, err := build(ctx, cfg, s, logger)
	if err != nil {
		_ = s.Close()
		_ = shutdownTelemetry(ctx)
		return nil, err
	}
	c.configPath = configPath
	c.telemetry = shutdownTelemetry
	return c, nil
}

// initStore opens the history database. COVEN_FLEET_DB_PATH overrides database.path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_FLEET_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func build(ctx context.Context, cfg *config.Config, s store.HistoryStore, logger *slog.Logger) (*Core, error) {
	events := broadcast.New(logger.With("component", "broadcaster"))

	registry, writer := agent.NewRegistry(logger.With("component", "agent-registry"))
	in := ingest.New(ingest.Config{
		Writer:    writer,
		Publisher: events,
		Dedupe:    dedupe.New(cfg.Ingest.DedupeTTL, dedupeMaxEntries),
		Logger:    logger,
	})

	var client *ingest.Client
	if cfg.Ingest.URL != "" {
		client = ingest.NewClient(ingest.ClientConfig{
			URL:          cfg.Ingest.URL,
			Token:        cfg.Ingest.Token,
			ReconnectMin: cfg.Ingest.ReconnectMin,
			ReconnectMax: cfg.Ingest.ReconnectMax,
			ReadTimeout:  cfg.Ingest.ReadTimeout,
		}, in, logger)
	}

	catalog := tools.NewCatalog(logger.With("component", "tool-catalog"))
	routerCfg := tools.RouterConfig{
		Catalog: catalog,
		Logger:  logger.With("component", "tool-router"),
		Timeout: cfg.Tools.Timeout,
	}
	var remote *tools.MCPClient
	if cfg.Tools.Endpoint != "" {
		remote = tools.NewMCPClient(tools.MCPClientConfig{
			Endpoint: cfg.Tools.Endpoint,
			Logger:   logger,
		})
		routerCfg.Remote = remote
	}

	gate, err := policy.Load(ctx, cfg.Policy.Path)
	if err != nil {
		return nil, fmt.Errorf("loading tool policy: %w", err)
	}

	router := tools.NewRouter(routerCfg)
	engine := invoke.New(invoke.Config{
		Invoker:   router,
		Store:     s,
		Gate:      gate,
		Publisher: events,
		Logger:    logger,
	})
	if err := engine.LoadHistory(ctx); err != nil {
		return nil, err
	}

	prober, err := fleet.New(fleet.Config{
		Targets:      cfg.Fleet.Targets,
		ProbeTimeout: cfg.Fleet.ProbeTimeout,
		SettleDelay:  cfg.Fleet.SettleDelay,
		StopTimeout:  cfg.Fleet.StopTimeout,
		MaxParallel:  cfg.Fleet.MaxParallel,
		CatalogSize:  catalog.Len,
		Publisher:    events,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating prober: %w", err)
	}

	if err := catalog.RegisterBuiltinPack(builtins.FleetPack(registry, prober, in)); err != nil {
		return nil, fmt.Errorf("registering fleet pack: %w", err)
	}

	mcpServer, err := mcp.NewServer(mcp.Config{
		Catalog: catalog,
		Invoker: router,
		Gate:    gate,
		Name:    cfg.Telemetry.ServiceName,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	deps := api.Deps{
		Registry: registry,
		Ingest:   in,
		Catalog:  catalog,
		Engine:   engine,
		Prober:   prober,
		Events:   events,
		MCP:      mcpServer,
		Logger:   logger,
	}
	if remote != nil {
		deps.Remote = remote
	}
	if cfg.Auth.JWTSecret != "" {
		deps.Verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("control API auth enabled (JWT)")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	return &Core{
		config:   cfg,
		logger:   logger.With("component", "core"),
		store:    s,
		registry: registry,
		ingest:   in,
		client:   client,
		catalog:  catalog,
		remote:   remote,
		engine:   engine,
		prober:   prober,
		events:   events,
		handler:  api.NewServer(deps),
	}, nil
}

// Registry returns the live agent registry.
func (c *Core) Registry() *agent.Registry { return c.registry }

// Engine returns the tool invocation engine.
func (c *Core) Engine() *invoke.Engine { return c.engine }

// Prober returns the health prober.
func (c *Core) Prober() *fleet.Prober { return c.prober }

// Catalog returns the tool catalog.
func (c *Core) Catalog() *tools.Catalog { return c.catalog }

// Handler returns the control API handler.
func (c *Core) Handler() http.Handler { return c.handler }

// Run starts the push-channel client, the probe loop, the roster watcher and
// the control API, and blocks until ctx is cancelled or the API server fails.
// All resources are released before it returns.
func (c *Core) Run(ctx context.Context) error {
	ln, err := c.listen(ctx)
	if err != nil {
		_ = c.Close(context.Background())
		return err
	}

	srv := &http.Server{
		Handler:           c.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Event streams only end when their subscription closes; Shutdown would
	// otherwise wait on them until its deadline.
	srv.RegisterOnShutdown(c.events.Close)

	c.logger.Info("=== COVEN FLEET STARTED ===",
		"addr", ln.Addr().String(),
		"targets", len(c.prober.Targets()),
		"tools", c.catalog.Len(),
		"history", len(c.engine.History()),
	)

	g, gctx := errgroup.WithContext(ctx)

	if c.client != nil {
		g.Go(func() error { return c.client.Run(gctx) })
	} else {
		c.logger.Warn("ingest.url not set - agent registry stays empty")
	}

	if c.remote != nil {
		g.Go(func() error {
			if err := c.catalog.Load(gctx, c.remote); err != nil {
				c.logger.Warn("initial tool catalog load failed", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if c.config.Fleet.ProbeInterval > 0 {
			c.prober.Run(gctx, c.config.Fleet.ProbeInterval)
		} else {
			c.prober.ProbeAll(gctx)
		}
		return nil
	})

	if c.config.Fleet.WatchConfig && c.configPath != "" {
		g.Go(func() error {
			if err := c.prober.Watch(gctx, c.configPath, loadTargets); err != nil {
				c.logger.Warn("roster watcher unavailable", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		c.logger.Info("context canceled, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	serverErr := g.Wait()

	// ctx is already done here, so shutdown gets a fresh deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := c.Close(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return closeErr
}

// loadTargets reads only the roster from a changed config file.
func loadTargets(path string) ([]config.TargetConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg.Fleet.Targets, nil
}

// Close stops the running execution and releases every resource. It is safe
// to call more than once.
func (c *Core) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.logger.Info("shutting down coven-fleet")

		var errs []error
		errs = appendCloseError(errs, "invocation shutdown", c.engine.Shutdown(ctx))
		c.events.Close()

		if c.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", c.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", c.store.Close())
		if c.telemetry != nil {
			errs = appendCloseError(errs, "telemetry shutdown", c.telemetry(ctx))
		}

		if len(errs) > 0 {
			c.closeErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return c.closeErr
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// listen opens the control API listener on the tailnet or on server.http_addr.
func (c *Core) listen(ctx context.Context) (net.Listener, error) {
	if c.config.Tailscale.Enabled {
		if c.config.Server.HTTPAddr != "" {
			c.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", c.config.Server.HTTPAddr,
			)
		}
		return c.listenTailscale(ctx)
	}

	ln, err := net.Listen("tcp", c.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}
