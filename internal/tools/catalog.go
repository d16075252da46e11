// ABOUTME: Thread-safe catalog of tools advertised by the fleet plus in-process builtins.
// ABOUTME: Remote entries are replaced wholesale by Load; builtins are registered once.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrToolNotFound indicates the requested tool is not known.
var ErrToolNotFound = errors.New("tool not found")

// ErrToolCollision indicates a tool name already exists.
var ErrToolCollision = errors.New("tool name collision")

// Tool sources.
const (
	SourceBuiltin = "builtin"
	SourceRemote  = "remote"
)

// Tool describes one invocable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Source      string          `json:"source"`
	PackID      string          `json:"pack_id,omitempty"`
}

// Lister fetches the remote tool list.
type Lister interface {
	ListTools(ctx context.Context) ([]MCPToolInfo, error)
}

// Catalog maintains the known tools.
type Catalog struct {
	mu       sync.RWMutex
	remote   map[string]Tool
	builtins map[string]*BuiltinTool
	logger   *slog.Logger
}

// NewCatalog creates an empty Catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		remote:   make(map[string]Tool),
		builtins: make(map[string]*BuiltinTool),
		logger:   logger,
	}
}

// RegisterBuiltinPack registers in-process tools.
// Returns ErrToolCollision if any name is already registered as a builtin.
func (c *Catalog) RegisterBuiltinPack(pack *BuiltinPack) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tool := range pack.Tools {
		if _, exists := c.builtins[tool.Definition.Name]; exists {
			return fmt.Errorf("%w: tool '%s' already registered as builtin", ErrToolCollision, tool.Definition.Name)
		}
	}

	for _, tool := range pack.Tools {
		tool.Definition.Source = SourceBuiltin
		tool.Definition.PackID = pack.ID
		c.builtins[tool.Definition.Name] = tool
		// builtins shadow remote tools of the same name
		delete(c.remote, tool.Definition.Name)
	}

	c.logger.Info("=== BUILTIN PACK REGISTERED ===",
		"pack_id", pack.ID,
		"tool_count", len(pack.Tools),
	)
	return nil
}

// Load replaces the remote tools with the lister's current list.
// On error the previous catalog is kept. Remote tools shadowed by a builtin
// are skipped.
func (c *Catalog) Load(ctx context.Context, lister Lister) error {
	infos, err := lister.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("listing remote tools: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]Tool, len(infos))
	for _, info := range infos {
		if info.Name == "" {
			continue
		}
		if _, shadowed := c.builtins[info.Name]; shadowed {
			c.logger.Warn("remote tool shadowed by builtin", "tool_name", info.Name)
			continue
		}
		next[info.Name] = Tool{
			Name:        info.Name,
			Description: info.Description,
			InputSchema: info.InputSchema,
			Source:      SourceRemote,
		}
	}
	c.remote = next

	c.logger.Info("tool catalog loaded",
		"remote_tools", len(c.remote),
		"builtin_tools", len(c.builtins),
	)
	return nil
}

// Builtin returns a builtin tool by name, or nil if not found.
func (c *Catalog) Builtin(name string) *BuiltinTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.builtins[name]
}

// Get returns the tool with the given name.
func (c *Catalog) Get(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if b, ok := c.builtins[name]; ok {
		return b.Definition, true
	}
	t, ok := c.remote[name]
	return t, ok
}

// List returns every tool sorted by name.
func (c *Catalog) List() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Tool, 0, len(c.remote)+len(c.builtins))
	for _, b := range c.builtins {
		out = append(out, b.Definition)
	}
	for _, t := range c.remote {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of known tools. It is the advertised catalog size
// used as a liveness metric.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.remote) + len(c.builtins)
}
