// ABOUTME: In-memory HistoryStore for tests and ephemeral runs
// ABOUTME: Supports injected failures to exercise persistence error paths

package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-memory HistoryStore.
type MemoryStore struct {
	mu      sync.Mutex
	records []ExecutionRecord
	closed  bool

	// FailWith, when set, is returned by every write.
	FailWith error

	// Writes counts successful ReplaceHistory and ClearHistory calls.
	Writes int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// ReplaceHistory stores a deep copy of records.
func (m *MemoryStore) ReplaceHistory(ctx context.Context, records []ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.FailWith != nil {
		return m.FailWith
	}

	m.records = copyRecords(records)
	m.Writes++
	return nil
}

// LoadHistory returns a deep copy of the stored records.
func (m *MemoryStore) LoadHistory(ctx context.Context) ([]ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	return copyRecords(m.records), nil
}

// ClearHistory drops every record.
func (m *MemoryStore) ClearHistory(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.FailWith != nil {
		return m.FailWith
	}

	m.records = nil
	m.Writes++
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func copyRecords(in []ExecutionRecord) []ExecutionRecord {
	if in == nil {
		return nil
	}
	out := make([]ExecutionRecord, len(in))
	for i, r := range in {
		if r.Args != nil {
			// round-trip through JSON for a deep copy of nested values
			if b, err := json.Marshal(r.Args); err == nil {
				var args map[string]any
				if json.Unmarshal(b, &args) == nil {
					r.Args = args
				}
			}
		}
		if r.Result != nil {
			r.Result = append(json.RawMessage(nil), r.Result...)
		}
		out[i] = r
	}
	return out
}
