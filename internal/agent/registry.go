// ABOUTME: In-memory registry of autonomous agents announced over the push channel.
// ABOUTME: Readers get snapshots; only the Writer handle handed to ingest can mutate it.

package agent

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// Role is the announced role of an agent.
type Role string

const (
	RoleLeader Role = "leader"
	RoleWorker Role = "worker"
)

// Status is the agent-reported status. Any status may follow any other;
// the authoritative state machine lives in the remote agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// LiveAgent is one announced agent.
type LiveAgent struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Role          Role      `json:"role"`
	Status        Status    `json:"status"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Stale reports whether no heartbeat arrived within window before now.
// It never changes registry state; silence does not imply offline.
func (a LiveAgent) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(a.LastHeartbeat) > window
}

func (a LiveAgent) clone() LiveAgent {
	if a.Capabilities != nil {
		a.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return a
}

// Predicate selects agents in Filter.
type Predicate func(LiveAgent) bool

// All matches every agent.
func All(LiveAgent) bool { return true }

// ByRole matches agents with the given role.
func ByRole(role Role) Predicate {
	return func(a LiveAgent) bool { return a.Role == role }
}

// ByStatus matches agents with the given status.
func ByStatus(status Status) Predicate {
	return func(a LiveAgent) bool { return a.Status == status }
}

// And matches agents satisfying every predicate.
func And(preds ...Predicate) Predicate {
	return func(a LiveAgent) bool {
		for _, p := range preds {
			if !p(a) {
				return false
			}
		}
		return true
	}
}

// Registry holds the live agents and the UI's current agent selection.
type Registry struct {
	agents   map[string]LiveAgent
	selected string
	mu       sync.RWMutex
	logger   *slog.Logger
}

// Writer is the only mutation path into a Registry.
type Writer struct {
	r *Registry
}

// NewRegistry creates an empty Registry and the Writer that feeds it.
func NewRegistry(logger *slog.Logger) (*Registry, *Writer) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		agents: make(map[string]LiveAgent),
		logger: logger,
	}
	return r, &Writer{r: r}
}

// Filter returns a snapshot of agents matching pred, ordered by id.
func (r *Registry) Filter(pred Predicate) []LiveAgent {
	if pred == nil {
		pred = All
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]LiveAgent, 0, len(r.agents))
	for _, a := range r.agents {
		if pred(a) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns a snapshot of every agent.
func (r *Registry) List() []LiveAgent {
	return r.Filter(All)
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (LiveAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return LiveAgent{}, false
	}
	return a.clone(), true
}

// Len returns the number of agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Refresh is a no-op. The push channel is the sole source of truth, so a
// user-triggered refresh has nothing to poll.
func (r *Registry) Refresh() {
	r.logger.Debug("agent refresh requested; push channel is authoritative")
}

// Select marks id as the UI's current agent.
func (r *Registry) Select(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return ErrAgentNotFound
	}
	r.selected = id
	return nil
}

// Selected returns the current selection, if any.
func (r *Registry) Selected() (LiveAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.selected == "" {
		return LiveAgent{}, false
	}
	a, ok := r.agents[r.selected]
	if !ok {
		return LiveAgent{}, false
	}
	return a.clone(), true
}

// ClearSelection drops the current selection.
func (r *Registry) ClearSelection() {
	r.mu.Lock()
	r.selected = ""
	r.mu.Unlock()
}

// Upsert inserts or replaces an agent (last write wins).
func (w *Writer) Upsert(a LiveAgent) {
	r := w.r
	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.agents[a.ID]
	r.agents[a.ID] = a.clone()

	if existed {
		r.logger.Debug("agent re-registered", "agent_id", a.ID, "role", a.Role, "status", a.Status)
		return
	}
	r.logger.Info("=== AGENT REGISTERED ===",
		"agent_id", a.ID,
		"name", a.Name,
		"role", a.Role,
		"status", a.Status,
		"total_agents", len(r.agents),
	)
}

// Heartbeat updates LastHeartbeat only. Returns false if the agent is absent.
func (w *Writer) Heartbeat(id string, ts time.Time) bool {
	r := w.r
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return false
	}
	a.LastHeartbeat = ts
	r.agents[id] = a
	return true
}

// SetStatus overwrites an agent's status. Returns false if the agent is absent.
func (w *Writer) SetStatus(id string, status Status) bool {
	r := w.r
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return false
	}
	a.Status = status
	r.agents[id] = a
	return true
}

// Remove deletes an agent and clears the selection if it pointed at it.
// Returns false if the agent is absent.
func (w *Writer) Remove(id string) bool {
	r := w.r
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return false
	}
	delete(r.agents, id)
	if r.selected == id {
		r.selected = ""
	}

	r.logger.Info("=== AGENT DEREGISTERED ===",
		"agent_id", id,
		"name", a.Name,
		"total_agents", len(r.agents),
	)
	return true
}
