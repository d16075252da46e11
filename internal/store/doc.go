// Package store persists the tool execution history.
//
// # Model
//
// The history is a capped, ordered list of terminal executions, newest
// first. It is loaded once at startup and rewritten as a whole after every
// completed execution and every clear, so the store never holds a partial
// list:
//
//   - ReplaceHistory: delete and re-insert inside one transaction
//   - LoadHistory: read back in position order
//   - ClearHistory: delete inside one transaction
//
// # Implementations
//
// SQLiteStore uses modernc.org/sqlite (pure Go, no cgo) with WAL journaling
// and the tool_executions table:
//
//	store, err := store.NewSQLiteStore("~/.local/share/coven/fleet.db")
//
// MemoryStore keeps records in memory and can inject write failures; tests
// use it to exercise persistence error paths.
package store
