// Package builtins provides the tool packs answered in-process.
//
// # Fleet Pack
//
// The fleet pack (builtin:fleet) reports on the orchestration core itself:
//
//   - fleet_status: push-channel phase, agent count, targets per status
//   - fleet_agents: live agents, filtered by role and status
//   - fleet_ping: probe one target now
//   - echo: return the given message
//
// # Registration
//
//	catalog.RegisterBuiltinPack(builtins.FleetPack(registry, prober, ingest))
//
// Builtins are dispatched before the remote tool endpoint and shadow any
// remote tool with the same name. Their count is the liveness metric of
// builtin targets.
package builtins
