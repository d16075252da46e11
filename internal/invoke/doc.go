// Package invoke runs tool invocations against the fleet.
//
// # Lifecycle
//
// The engine holds a pending selection (tool name plus argument bag) and at
// most one running execution:
//
//	none → running → success | error
//
// Select clears the argument bag. Execute waits for the terminal record;
// Start returns the running record and finishes in the background. While an
// execution runs, both return ErrBusy. Cancel aborts the call and still
// records a terminal "cancelled" error.
//
// # Failures
//
// A transport failure, a protocol error, an application error reported by
// the tool, a policy block and an invoker panic all end as one StatusError
// record with a message. The mapping lives in a single function, outcome.
//
// # History
//
// Terminal records are prepended to a history capped at HistoryLimit
// entries. The capped list is written to the store before the new state is
// published. ClearHistory clears the store first and the in-memory list only
// after the store succeeded.
package invoke
