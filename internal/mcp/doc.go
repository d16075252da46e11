// Package mcp exposes the fleet's builtin tools over the Model Context
// Protocol so external agents can query fleet state the same way the
// operator does.
//
// # Transport
//
// The server implements the Streamable HTTP transport without
// server-initiated streams:
//
//   - POST /mcp carries JSON-RPC 2.0 messages (initialize, ping, tools/list, tools/call)
//   - DELETE /mcp ends a session
//
// initialize returns an Mcp-Session-Id header which every later request
// must echo. Unknown sessions get 404 and the client initializes again.
//
// # Tools
//
// Only builtin tools are listed and callable. Every call passes the same
// policy gate as the invocation engine; a block is reported as an isError
// result, not a protocol error. Calls made here do not enter the execution
// history.
//
// # Authentication
//
// The endpoint is mounted on the control API, so the bearer-token middleware
// applies when a jwt_secret is configured. A session is bound to the subject
// that opened it and only that subject may delete it.
package mcp
