// Package core wires the coven-fleet components into one process.
//
// New builds the store, registry, ingest, catalog, policy gate, invocation
// engine and prober from a config.Config and restores the persisted
// execution history. Run starts the push-channel client, the probe loop, the
// optional roster watcher and the control API listener, then blocks until
// its context ends. Close releases everything in dependency order and may be
// called more than once.
//
// The control API, with the MCP endpoint for external agents mounted at
// /mcp, listens on server.http_addr, or on a tsnet node when
// tailscale.enabled is set.
package core
