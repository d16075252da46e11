// Package tools resolves and dispatches tool invocations for the fleet.
//
// # Catalog
//
// The Catalog lists every invocable tool: remote tools advertised by the
// tool-execution core through MCP tools/list, plus builtin tools that run in
// this process. Builtins shadow remote tools of the same name.
//
//	catalog := tools.NewCatalog(logger)
//	_ = catalog.RegisterBuiltinPack(builtins.FleetPack(deps))
//	_ = catalog.Load(ctx, mcpClient)
//
// # Router
//
// Router.Invoke tries builtins first, then forwards to the remote endpoint
// with MCP tools/call. Every call runs under a per-call timeout.
//
// # Error Taxonomy
//
//   - transport failure or a JSON-RPC error object: protocol error
//   - a tools/call result with isError set: error wrapping ErrToolFailed
//   - neither builtin nor remote endpoint: ErrToolNotFound
//
// The invocation engine collapses all of these into one failed execution.
package tools
