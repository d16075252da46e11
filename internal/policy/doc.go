// Package policy gates tool invocations with an OPA/rego policy.
//
// A policy module must live in package tool_policy and define decision,
// either as a string or as an object with decision and reason keys. The
// input document is {"tool_name": ..., "args": {...}}. Blocked invocations
// end as failed executions carrying the reason.
package policy
