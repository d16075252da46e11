// ABOUTME: Tests for the SQLite history store
// ABOUTME: Covers schema creation, ordered round trip, replace, clear, and reopen

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dbPath
}

func record(i int) ExecutionRecord {
	start := time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC)
	return ExecutionRecord{
		ID:         fmt.Sprintf("exec_%02d", i),
		ToolName:   "echo",
		Args:       map[string]any{"x": float64(i), "nested": map[string]any{"ok": true}},
		Status:     "success",
		StartTime:  start,
		EndTime:    start.Add(15 * time.Millisecond),
		DurationMs: 15,
		Result:     json.RawMessage(fmt.Sprintf(`{"x":%d}`, i)),
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestSQLiteStore_EmptyHistory(t *testing.T) {
	s, _ := newTestStore(t)

	got, err := s.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteStore_RoundTripPreservesOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	failed := ExecutionRecord{
		ID:         "exec_err",
		ToolName:   "broken",
		Args:       map[string]any{},
		Status:     "error",
		StartTime:  time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2026, 3, 1, 13, 0, 1, 0, time.UTC),
		DurationMs: 1000,
		Error:      "connection refused",
	}
	want := []ExecutionRecord{failed, record(2), record(1)}

	require.NoError(t, s.ReplaceHistory(ctx, want))

	got, err := s.LoadHistory(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "exec_err", got[0].ID)
	assert.Nil(t, got[0].Result)
	assert.Equal(t, "connection refused", got[0].Error)
	assert.Equal(t, "exec_02", got[1].ID)
	assert.JSONEq(t, `{"x":2}`, string(got[1].Result))
	assert.Equal(t, map[string]any{"x": float64(2), "nested": map[string]any{"ok": true}}, got[1].Args)
	assert.True(t, got[1].StartTime.Equal(want[1].StartTime))
	assert.True(t, got[1].EndTime.Equal(want[1].EndTime))
	assert.Equal(t, int64(15), got[1].DurationMs)
}

func TestSQLiteStore_ReplaceOverwrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceHistory(ctx, []ExecutionRecord{record(1), record(2)}))
	require.NoError(t, s.ReplaceHistory(ctx, []ExecutionRecord{record(3)}))

	got, err := s.LoadHistory(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "exec_03", got[0].ID)
}

func TestSQLiteStore_ReplaceRollsBackOnDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceHistory(ctx, []ExecutionRecord{record(1)}))

	err := s.ReplaceHistory(ctx, []ExecutionRecord{record(2), record(2)})
	require.Error(t, err)

	got, err := s.LoadHistory(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1, "failed replace must leave previous history intact")
	assert.Equal(t, "exec_01", got[0].ID)
}

func TestSQLiteStore_ClearSurvivesReopen(t *testing.T) {
	s, dbPath := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceHistory(ctx, []ExecutionRecord{record(1), record(2)}))
	require.NoError(t, s.ClearHistory(ctx))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.LoadHistory(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteStore_HistorySurvivesReopen(t *testing.T) {
	s, dbPath := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceHistory(ctx, []ExecutionRecord{record(2), record(1)}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.LoadHistory(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "exec_02", got[0].ID)
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.ReplaceHistory(ctx, []ExecutionRecord{record(1)}))
	got, err := s.LoadHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	recs := []ExecutionRecord{record(1)}
	require.NoError(t, m.ReplaceHistory(ctx, recs))
	recs[0].Args["x"] = "mutated"

	got, err := m.LoadHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(1), got[0].Args["x"])

	m.FailWith = assert.AnError
	assert.ErrorIs(t, m.ClearHistory(ctx), assert.AnError)
	m.FailWith = nil

	require.NoError(t, m.ClearHistory(ctx))
	assert.Equal(t, 2, m.Writes)

	require.NoError(t, m.Close())
	_, err = m.LoadHistory(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
