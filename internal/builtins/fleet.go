// ABOUTME: Fleet pack: in-process tools that report on agents, targets and the push channel.
// ABOUTME: Answered by the control plane itself, so they work while every backend is down.

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/coven-fleet/internal/agent"
	"github.com/2389/coven-fleet/internal/fleet"
	"github.com/2389/coven-fleet/internal/ingest"
	"github.com/2389/coven-fleet/internal/tools"
)

// PackID is the id of the fleet pack.
const PackID = "builtin:fleet"

// Agents is the read side of the agent registry.
type Agents interface {
	Filter(pred agent.Predicate) []agent.LiveAgent
}

// Targets is the prober surface the pack uses.
type Targets interface {
	Targets() []fleet.Target
	ProbeOne(ctx context.Context, id string) (fleet.Target, error)
}

// Connection reports the push-channel state.
type Connection interface {
	Phase() ingest.Phase
	Stats() (ingest.Stats, bool)
}

// FleetPack creates the fleet pack.
func FleetPack(agents Agents, targets Targets, conn Connection) *tools.BuiltinPack {
	h := &fleetHandlers{agents: agents, targets: targets, conn: conn}
	return &tools.BuiltinPack{
		ID: PackID,
		Tools: []*tools.BuiltinTool{
			{
				Definition: tools.Tool{
					Name:        "fleet_status",
					Description: "Summarize push-channel state and target health",
					InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
				},
				Handler: h.Status,
			},
			{
				Definition: tools.Tool{
					Name:        "fleet_agents",
					Description: "List live agents, optionally filtered by role and status",
					InputSchema: json.RawMessage(`{"type":"object","properties":{"role":{"type":"string","enum":["leader","worker"]},"status":{"type":"string","enum":["idle","busy","offline","error"]}}}`),
				},
				Handler: h.Agents,
			},
			{
				Definition: tools.Tool{
					Name:        "fleet_ping",
					Description: "Probe one target now and return its health",
					InputSchema: json.RawMessage(`{"type":"object","properties":{"target_id":{"type":"string"}},"required":["target_id"]}`),
				},
				Handler: h.Ping,
			},
			{
				Definition: tools.Tool{
					Name:        "echo",
					Description: "Return the given message",
					InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
				},
				Handler: h.Echo,
			},
		},
	}
}

type fleetHandlers struct {
	agents  Agents
	targets Targets
	conn    Connection
}

// Status reports the connection phase, the latest stats, and a count of
// targets per status.
func (h *fleetHandlers) Status(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	counts := map[fleet.Status]int{}
	targets := h.targets.Targets()
	for _, t := range targets {
		counts[t.Status]++
	}

	out := map[string]any{
		"connection": h.conn.Phase(),
		"agents":     len(h.agents.Filter(agent.All)),
		"targets":    len(targets),
		"by_status":  counts,
	}
	if stats, ok := h.conn.Stats(); ok {
		out["stats"] = stats.Values
	}
	return json.Marshal(out)
}

type agentsInput struct {
	Role   string `json:"role"`
	Status string `json:"status"`
}

// Agents lists live agents.
func (h *fleetHandlers) Agents(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in agentsInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}

	preds := []agent.Predicate{agent.All}
	if in.Role != "" {
		preds = append(preds, agent.ByRole(agent.Role(in.Role)))
	}
	if in.Status != "" {
		preds = append(preds, agent.ByStatus(agent.Status(in.Status)))
	}
	agents := h.agents.Filter(agent.And(preds...))

	return json.Marshal(map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

type pingInput struct {
	TargetID string `json:"target_id"`
}

// Ping probes one target.
func (h *fleetHandlers) Ping(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in pingInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if in.TargetID == "" {
		return nil, errors.New("target_id is required")
	}

	t, err := h.targets.ProbeOne(ctx, in.TargetID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", in.TargetID, err)
	}
	return json.Marshal(t)
}

type echoInput struct {
	Message string `json:"message"`
}

// Echo returns its input message.
func (h *fleetHandlers) Echo(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in echoInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"message": in.Message})
}

// decode accepts empty input as an empty object.
func decode(input json.RawMessage, v any) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}
