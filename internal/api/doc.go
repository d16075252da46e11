// Package api serves the coven-fleet control API over HTTP.
//
// # Overview
//
// The API is a thin echo layer over the orchestration components. It reads
// from the agent registry, the tool catalog, the invocation engine and the
// prober, and forwards user actions (select, execute, cancel, ping, restart)
// to them. It holds no state of its own.
//
// # Routes
//
//	GET    /health
//	POST   /mcp                        MCP JSON-RPC (when mounted)
//	DELETE /mcp
//	GET    /api/connection
//	GET    /api/events?topics=agents,targets
//	GET    /api/agents?role=&status=
//	POST   /api/agents/select          {"id": "..."}
//	DELETE /api/agents/select
//	POST   /api/agents/refresh
//	GET    /api/tools
//	POST   /api/tools/refresh
//	POST   /api/invocation/select      {"tool": "..."}
//	PUT    /api/invocation/args        {"key": "...", "value": ...}
//	DELETE /api/invocation/args
//	POST   /api/invocation/execute?wait=true|false
//	POST   /api/invocation/cancel
//	GET    /api/invocation/current
//	GET    /api/executions
//	DELETE /api/executions
//	GET    /api/targets
//	POST   /api/targets/ping
//	POST   /api/targets/:id/ping
//	POST   /api/targets/:id/restart
//
// # Errors
//
// Failures are JSON bodies of the form {"error": "message"}. Handler panics
// are recovered by middleware. A restart always answers with {"ok", "error"}
// so callers see the same shape the prober returns.
//
// # Auth
//
// When a verifier is configured every route except /health requires an
// Authorization: Bearer token.
package api
