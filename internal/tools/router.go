// ABOUTME: Routes tool invocations to builtin handlers or the remote MCP endpoint.
// ABOUTME: Applies a per-call timeout and logs dispatch in both directions.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout is the default timeout for tool execution.
const DefaultTimeout = 30 * time.Second

// Caller executes a remote tool.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Router dispatches invocations. It satisfies the invocation engine's Invoker.
type Router struct {
	catalog *Catalog
	remote  Caller
	logger  *slog.Logger
	timeout time.Duration
}

// RouterConfig contains configuration options for the Router.
type RouterConfig struct {
	Catalog *Catalog
	Remote  Caller // nil when no remote endpoint is configured
	Logger  *slog.Logger
	Timeout time.Duration
}

// NewRouter creates a new Router with the given configuration.
func NewRouter(cfg RouterConfig) *Router {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		catalog: cfg.Catalog,
		remote:  cfg.Remote,
		logger:  logger,
		timeout: timeout,
	}
}

// Invoke runs the named tool. Builtins are tried first; anything else goes
// to the remote endpoint. Returns ErrToolNotFound when the tool is neither a
// builtin nor reachable remotely.
func (r *Router) Invoke(ctx context.Context, toolName string, args map[string]any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if builtin := r.catalog.Builtin(toolName); builtin != nil {
		r.logger.Info("→ dispatching to builtin", "tool_name", toolName)

		input, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encoding arguments: %w", err)
		}
		result, err := builtin.Handler(ctx, input)
		if err != nil {
			r.logger.Warn("builtin tool error", "tool_name", toolName, "error", err)
			return nil, err
		}

		r.logger.Info("← builtin responded", "tool_name", toolName)
		return result, nil
	}

	if r.remote == nil {
		r.logger.Debug("tool not found and no remote endpoint", "tool_name", toolName)
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}

	r.logger.Info("→ routed to remote endpoint", "tool_name", toolName)
	result, err := r.remote.CallTool(ctx, toolName, args)
	if err != nil {
		r.logger.Warn("remote tool call failed",
			"tool_name", toolName,
			"timeout", r.timeout,
			"error", err,
		)
		return nil, err
	}

	r.logger.Info("← remote responded", "tool_name", toolName)
	return result, nil
}
