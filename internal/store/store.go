// ABOUTME: HistoryStore interface and record type for durable execution history
// ABOUTME: The history is a capped ordered list, newest first, rewritten as a whole

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned when the store is used after Close
var ErrClosed = errors.New("store closed")

// ExecutionRecord is one terminal tool execution as persisted.
// Position 0 is the newest entry.
type ExecutionRecord struct {
	ID         string
	ToolName   string
	Args       map[string]any
	Status     string // "success" or "error"
	StartTime  time.Time
	EndTime    time.Time
	DurationMs int64
	Result     json.RawMessage // verbatim tool payload, nil on error
	Error      string
}

// HistoryStore persists the capped execution history.
type HistoryStore interface {
	// ReplaceHistory rewrites the whole history in one transaction.
	ReplaceHistory(ctx context.Context, records []ExecutionRecord) error

	// LoadHistory returns the persisted history, newest first.
	LoadHistory(ctx context.Context) ([]ExecutionRecord, error)

	// ClearHistory deletes every record in one transaction.
	ClearHistory(ctx context.Context) error

	Close() error
}
