// Package agent holds the live registry of autonomous agents.
//
// # Overview
//
// Agents announce themselves over the push channel consumed by the ingest
// package. The Registry is the in-memory picture of those announcements,
// keyed by agent id. It is read by the control API and the builtin tools;
// it is written only through the Writer handle returned by NewRegistry,
// which the process wiring hands to ingest alone.
//
//	reg, w := agent.NewRegistry(logger)
//	w.Upsert(agent.LiveAgent{ID: "w-1", Role: agent.RoleWorker, Status: agent.StatusIdle})
//	idle := reg.Filter(agent.ByStatus(agent.StatusIdle))
//
// # Status
//
// Status is flat: any status may follow any other. The registry never flips
// an agent to offline on silence, and never evicts it; only a deregistration
// removes an entry. LiveAgent.Stale is a read-side helper for presentation.
//
// # Selection
//
// The registry also holds the UI's current agent selection so that removal
// and selection clearing happen under one lock. A selection can never point
// at an agent that is no longer registered.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Readers receive copies.
package agent
