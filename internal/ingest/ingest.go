// ABOUTME: Applies push-channel events to the agent registry and tracks the connection phase.
// ABOUTME: Every handler is idempotent and tolerates unknown agents; nothing here blocks callers.

package ingest

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/2389/coven-fleet/internal/agent"
	"github.com/2389/coven-fleet/internal/broadcast"
	"github.com/2389/coven-fleet/internal/dedupe"
)

// Phase is the state of the push-channel session.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
)

// Publisher receives change notices.
type Publisher interface {
	Publish(n broadcast.Notice)
}

// Stats is the latest aggregate stats snapshot from the coordinating backend.
type Stats struct {
	Values     map[string]any `json:"values"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Ingest owns the registry writer and the connection phase.
type Ingest struct {
	writer    *agent.Writer
	publisher Publisher
	seen      *dedupe.Cache
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	phase Phase
	stats *Stats
}

// Config wires an Ingest.
type Config struct {
	Writer    *agent.Writer
	Publisher Publisher     // optional
	Dedupe    *dedupe.Cache // optional
	Logger    *slog.Logger
}

// New creates an Ingest in the disconnected phase.
func New(cfg Config) *Ingest {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingest{
		writer:    cfg.Writer,
		publisher: cfg.Publisher,
		seen:      cfg.Dedupe,
		logger:    logger.With("component", "ingest"),
		now:       time.Now,
		phase:     PhaseDisconnected,
	}
}

// SetPhase records a transport state change.
func (in *Ingest) SetPhase(p Phase) {
	in.mu.Lock()
	old := in.phase
	in.phase = p
	in.mu.Unlock()

	if old == p {
		return
	}
	in.logger.Info("push channel phase changed", "from", old, "to", p)
	in.publish(broadcast.Notice{Topic: broadcast.TopicConnection, Kind: string(p), Data: p})
}

// Phase returns the current phase.
func (in *Ingest) Phase() Phase {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.phase
}

// Connected reports whether the phase is connected.
func (in *Ingest) Connected() bool {
	return in.Phase() == PhaseConnected
}

// OnAgentRegistered upserts an agent. A zero LastHeartbeat is stamped with now.
func (in *Ingest) OnAgentRegistered(a agent.LiveAgent) {
	if a.LastHeartbeat.IsZero() {
		a.LastHeartbeat = in.now()
	}
	in.writer.Upsert(a)
	in.publish(broadcast.Notice{Topic: broadcast.TopicAgents, Kind: "registered", ID: a.ID, Data: a})
}

// OnAgentHeartbeat refreshes LastHeartbeat. Unknown ids are ignored.
func (in *Ingest) OnAgentHeartbeat(id string, ts time.Time) {
	if ts.IsZero() {
		ts = in.now()
	}
	if !in.writer.Heartbeat(id, ts) {
		in.logger.Debug("heartbeat for unknown agent", "agent_id", id)
		return
	}
	in.publish(broadcast.Notice{Topic: broadcast.TopicAgents, Kind: "heartbeat", ID: id})
}

// OnAgentStatusChange overwrites an agent's status. old is informational
// and never validated. Unknown ids are ignored.
func (in *Ingest) OnAgentStatusChange(id string, old, next agent.Status) {
	if !in.writer.SetStatus(id, next) {
		in.logger.Debug("status change for unknown agent", "agent_id", id, "status", next)
		return
	}
	in.logger.Debug("agent status changed", "agent_id", id, "from", old, "to", next)
	in.publish(broadcast.Notice{Topic: broadcast.TopicAgents, Kind: "status_changed", ID: id, Data: next})
}

// OnAgentDeregistered removes an agent and any selection pointing at it.
func (in *Ingest) OnAgentDeregistered(id string) {
	if !in.writer.Remove(id) {
		in.logger.Debug("deregistration for unknown agent", "agent_id", id)
		return
	}
	in.publish(broadcast.Notice{Topic: broadcast.TopicAgents, Kind: "deregistered", ID: id})
}

// OnStatsUpdated retains the latest stats snapshot.
func (in *Ingest) OnStatsUpdated(values map[string]any) {
	s := &Stats{Values: maps.Clone(values), ReceivedAt: in.now()}

	in.mu.Lock()
	in.stats = s
	in.mu.Unlock()

	in.publish(broadcast.Notice{Topic: broadcast.TopicAgents, Kind: "stats", Data: *s})
}

// Stats returns the latest stats snapshot, if any arrived.
func (in *Ingest) Stats() (Stats, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if in.stats == nil {
		return Stats{}, false
	}
	return Stats{Values: maps.Clone(in.stats.Values), ReceivedAt: in.stats.ReceivedAt}, true
}

// Apply dispatches one envelope. It returns ErrMalformed or ErrUnknownType
// for envelopes it drops; callers only log those. A duplicate id within the
// dedupe window is skipped and reported as applied.
func (in *Ingest) Apply(env Envelope) error {
	if in.seen != nil && in.seen.Seen(env.ID) {
		in.logger.Debug("duplicate envelope skipped", "id", env.ID, "type", env.Type)
		return nil
	}

	switch env.Type {
	case TypeAgentRegistered:
		var p registeredPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		if p.Agent == nil {
			return fmt.Errorf("%w: registration without agent", ErrMalformed)
		}
		a, err := p.Agent.toLiveAgent()
		if err != nil {
			return err
		}
		in.OnAgentRegistered(a)

	case TypeAgentHeartbeat:
		var p heartbeatPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		if p.ID == "" {
			return fmt.Errorf("%w: heartbeat without id", ErrMalformed)
		}
		in.OnAgentHeartbeat(p.ID, time.Time(p.Timestamp))

	case TypeAgentStatusChanged:
		var p statusChangedPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		if p.ID == "" {
			return fmt.Errorf("%w: status change without id", ErrMalformed)
		}
		next, err := parseStatus(p.NewStatus)
		if err != nil {
			return err
		}
		in.OnAgentStatusChange(p.ID, agent.Status(p.OldStatus), next)

	case TypeAgentDeregistered:
		var p deregisteredPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		if p.ID == "" {
			return fmt.Errorf("%w: deregistration without id", ErrMalformed)
		}
		in.OnAgentDeregistered(p.ID)

	case TypeStatsUpdated:
		var values map[string]any
		if err := decodePayload(env.Payload, &values); err != nil {
			return err
		}
		in.OnStatsUpdated(values)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	return nil
}

func (in *Ingest) publish(n broadcast.Notice) {
	if in.publisher != nil {
		in.publisher.Publish(n)
	}
}
