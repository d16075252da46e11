// ABOUTME: Tests for the tool invocation engine.
// ABOUTME: Covers lifecycle, history cap and persistence, busy rejection, cancel, and policy blocks.

package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-fleet/internal/broadcast"
	"github.com/2389/coven-fleet/internal/policy"
	"github.com/2389/coven-fleet/internal/store"
	"github.com/2389/coven-fleet/internal/tools"
)

type invokeFunc func(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	fn    invokeFunc
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, name, args)
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func echoInvoker() *fakeInvoker {
	return &fakeInvoker{fn: func(_ context.Context, _ string, args map[string]any) (json.RawMessage, error) {
		return json.Marshal(args)
	}}
}

// blockingInvoker waits for release or ctx.
func blockingInvoker(release <-chan struct{}) *fakeInvoker {
	return &fakeInvoker{fn: func(ctx context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		select {
		case <-release:
			return json.RawMessage(`"released"`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
}

type recordingPublisher struct {
	mu      sync.Mutex
	notices []broadcast.Notice
	onPub   func(broadcast.Notice)
}

func (p *recordingPublisher) Publish(n broadcast.Notice) {
	if p.onPub != nil {
		p.onPub(n)
	}
	p.mu.Lock()
	p.notices = append(p.notices, n)
	p.mu.Unlock()
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.notices))
	for i, n := range p.notices {
		out[i] = n.Kind
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, inv Invoker, st store.HistoryStore) *Engine {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	return New(Config{Invoker: inv, Store: st, Logger: quietLogger()})
}

func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool { return !e.Running() }, time.Second, 5*time.Millisecond)
}

func TestExecuteEchoSuccess(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, echoInvoker(), st)

	e.Select("echo")
	e.SetArg("x", 1)

	exec, err := e.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, exec.Status)
	assert.Regexp(t, `^exec_[0-9a-f-]{36}$`, exec.ID)
	require.NotNil(t, exec.DurationMs)
	assert.GreaterOrEqual(t, *exec.DurationMs, int64(0))
	assert.JSONEq(t, `{"x":1}`, string(exec.Result))
	assert.Empty(t, exec.Error)

	history := e.History()
	require.Len(t, history, 1)
	assert.Equal(t, exec, history[0])

	current, ok := e.Current()
	require.True(t, ok)
	assert.Equal(t, exec, current)

	persisted, err := st.LoadHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, exec.ID, persisted[0].ID)
}

func TestExecuteFailureRecordsError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"transport error", errors.New("dial tcp 127.0.0.1:1: connection refused")},
		{"application error", fmt.Errorf("%w: disk full", tools.ErrToolFailed)},
		{"empty message", errors.New("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &fakeInvoker{fn: func(context.Context, string, map[string]any) (json.RawMessage, error) {
				return nil, tt.err
			}}
			e := newTestEngine(t, inv, nil)
			e.Select("write")

			exec, err := e.Execute(context.Background())
			require.NoError(t, err, "failures are records, not errors")

			assert.Equal(t, StatusError, exec.Status)
			assert.NotEmpty(t, exec.Error)
			assert.Nil(t, exec.Result)

			history := e.History()
			require.Len(t, history, 1)
			assert.Equal(t, StatusError, history[0].Status)

			current, _ := e.Current()
			assert.Equal(t, history[0], current)
		})
	}
}

func TestExecuteRequiresSelection(t *testing.T) {
	e := newTestEngine(t, echoInvoker(), nil)

	_, err := e.Execute(context.Background())
	assert.ErrorIs(t, err, ErrNoToolSelected)

	_, err = e.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoToolSelected)
	assert.Empty(t, e.History())
}

func TestSelectResetsArgs(t *testing.T) {
	e := newTestEngine(t, echoInvoker(), nil)

	e.Select("first")
	e.SetArg("a", "1")
	e.SetArg("b", 2)
	assert.Len(t, e.Args(), 2)

	e.Select("second")
	assert.Empty(t, e.Args())
	assert.Equal(t, "second", e.Selected())

	e.SetArg("c", true)
	e.ResetArgs()
	assert.Empty(t, e.Args())
}

func TestArgsSnapshotIsCopy(t *testing.T) {
	e := newTestEngine(t, echoInvoker(), nil)
	e.Select("echo")
	e.SetArg("x", 1)

	args := e.Args()
	args["x"] = 2

	assert.Equal(t, 1, e.Args()["x"])
}

func TestHistoryCap(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, echoInvoker(), st)
	e.Select("echo")

	var ids []string
	for i := 0; i < HistoryLimit+1; i++ {
		e.SetArg("i", i)
		exec, err := e.Execute(context.Background())
		require.NoError(t, err)
		ids = append(ids, exec.ID)
	}

	history := e.History()
	require.Len(t, history, HistoryLimit)
	assert.Equal(t, ids[HistoryLimit], history[0].ID, "newest first")
	assert.Equal(t, ids[1], history[HistoryLimit-1].ID, "oldest evicted")

	persisted, err := st.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Len(t, persisted, HistoryLimit)
}

func TestBusyRejectsSecondExecution(t *testing.T) {
	release := make(chan struct{})
	inv := blockingInvoker(release)
	e := newTestEngine(t, inv, nil)
	e.Select("slow")

	first, err := e.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, first.Status)

	current, ok := e.Current()
	require.True(t, ok)
	assert.Equal(t, StatusRunning, current.Status)

	_, err = e.Start(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	_, err = e.Execute(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	waitIdle(t, e)

	history := e.History()
	require.Len(t, history, 1)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, StatusSuccess, history[0].Status)
	assert.Equal(t, 1, inv.callCount())
}

func TestCancelProducesTerminalRecord(t *testing.T) {
	e := newTestEngine(t, blockingInvoker(make(chan struct{})), nil)
	e.Select("slow")

	assert.False(t, e.Cancel(), "nothing running yet")

	_, err := e.Start(context.Background())
	require.NoError(t, err)
	require.True(t, e.Cancel())
	waitIdle(t, e)

	history := e.History()
	require.Len(t, history, 1)
	assert.Equal(t, StatusError, history[0].Status)
	assert.Equal(t, "cancelled", history[0].Error)

	current, _ := e.Current()
	assert.Equal(t, StatusError, current.Status)
}

func TestCancelWithInvokerIgnoringContext(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)
	inv := &fakeInvoker{fn: func(context.Context, string, map[string]any) (json.RawMessage, error) {
		<-stuck
		return json.RawMessage(`"late"`), nil
	}}
	e := newTestEngine(t, inv, nil)
	e.Select("stuck")

	_, err := e.Start(context.Background())
	require.NoError(t, err)
	e.Cancel()
	waitIdle(t, e)

	history := e.History()
	require.Len(t, history, 1)
	assert.Equal(t, "cancelled", history[0].Error)
}

func TestStartIsDetachedFromCallerContext(t *testing.T) {
	release := make(chan struct{})
	e := newTestEngine(t, blockingInvoker(release), nil)
	e.Select("slow")

	ctx, cancel := context.WithCancel(context.Background())
	_, err := e.Start(ctx)
	require.NoError(t, err)
	cancel()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, e.Running(), "request context cancel must not abort a started execution")

	close(release)
	waitIdle(t, e)
	assert.Equal(t, StatusSuccess, e.History()[0].Status)
}

func TestExecuteContextCancelRecordsError(t *testing.T) {
	e := newTestEngine(t, blockingInvoker(make(chan struct{})), nil)
	e.Select("slow")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	exec, err := e.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusError, exec.Status)
	assert.Contains(t, exec.Error, "deadline exceeded")
	assert.Len(t, e.History(), 1)
}

func TestShutdownWaitsForRecord(t *testing.T) {
	e := newTestEngine(t, blockingInvoker(make(chan struct{})), nil)
	require.NoError(t, e.Shutdown(context.Background()), "idle shutdown")

	e.Select("slow")
	_, err := e.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, e.Shutdown(context.Background()))
	assert.False(t, e.Running())
	assert.Equal(t, "cancelled", e.History()[0].Error)
}

func TestPersistedBeforePublished(t *testing.T) {
	st := store.NewMemoryStore()
	var persistedAtPublish int
	pub := &recordingPublisher{}
	pub.onPub = func(n broadcast.Notice) {
		if n.Kind == "finished" {
			recs, _ := st.LoadHistory(context.Background())
			persistedAtPublish = len(recs)
		}
	}

	e := New(Config{Invoker: echoInvoker(), Store: st, Publisher: pub, Logger: quietLogger()})
	e.Select("echo")
	_, err := e.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, persistedAtPublish)
	assert.Equal(t, []string{"started", "finished"}, pub.kinds())
}

func TestPersistFailureKeepsInMemoryRecord(t *testing.T) {
	st := store.NewMemoryStore()
	st.FailWith = errors.New("disk full")
	e := newTestEngine(t, echoInvoker(), st)
	e.Select("echo")

	_, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Len(t, e.History(), 1)
}

func TestClearHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	e := newTestEngine(t, echoInvoker(), st)
	e.Select("echo")
	for i := 0; i < 3; i++ {
		_, err := e.Execute(context.Background())
		require.NoError(t, err)
	}
	require.NoError(t, e.ClearHistory(context.Background()))
	assert.Empty(t, e.History())
	require.NoError(t, st.Close())

	// simulate a process restart
	reopened, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	restarted := newTestEngine(t, echoInvoker(), reopened)
	require.NoError(t, restarted.LoadHistory(context.Background()))
	assert.Empty(t, restarted.History())
}

func TestHistorySurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	e := newTestEngine(t, echoInvoker(), st)
	e.Select("echo")
	e.SetArg("x", 1)
	exec, err := e.Execute(context.Background())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	reopened, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	restarted := newTestEngine(t, echoInvoker(), reopened)
	require.NoError(t, restarted.LoadHistory(context.Background()))

	history := restarted.History()
	require.Len(t, history, 1)
	assert.Equal(t, exec.ID, history[0].ID)
	assert.Equal(t, StatusSuccess, history[0].Status)
	assert.JSONEq(t, string(exec.Result), string(history[0].Result))
	assert.Equal(t, *exec.DurationMs, *history[0].DurationMs)
}

func TestClearHistoryFailureLeavesMemory(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, echoInvoker(), st)
	e.Select("echo")
	_, err := e.Execute(context.Background())
	require.NoError(t, err)

	st.FailWith = errors.New("read-only filesystem")
	err = e.ClearHistory(context.Background())
	require.Error(t, err)
	assert.Len(t, e.History(), 1)
}

type staticGate struct {
	decision policy.Decision
	err      error
}

func (g staticGate) Evaluate(context.Context, string, map[string]any) (policy.Decision, error) {
	return g.decision, g.err
}

func TestPolicyBlockEndsAsError(t *testing.T) {
	tests := []struct {
		name     string
		gate     staticGate
		wantErr  string
		wantCall bool
	}{
		{"allow", staticGate{decision: policy.Decision{Action: policy.ActionAllow}}, "", true},
		{"block with reason", staticGate{decision: policy.Decision{Action: policy.ActionBlock, Reason: "read-only hours"}}, "blocked by policy: read-only hours", false},
		{"block without reason", staticGate{decision: policy.Decision{Action: policy.ActionBlock}}, "blocked by policy", false},
		{"evaluation error", staticGate{err: errors.New("rego failure")}, "policy: rego failure", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := echoInvoker()
			e := New(Config{Invoker: inv, Store: store.NewMemoryStore(), Gate: tt.gate, Logger: quietLogger()})
			e.Select("echo")

			exec, err := e.Execute(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantErr, exec.Error)
			assert.Equal(t, tt.wantCall, inv.callCount() == 1)
		})
	}
}

func TestPolicyEngineIntegration(t *testing.T) {
	gate, err := policy.NewEngine(context.Background(), `
package tool_policy

default decision = "allow"

decision = "block" {
	input.tool_name == "fleet.restart"
}
`)
	require.NoError(t, err)

	e := New(Config{Invoker: echoInvoker(), Store: store.NewMemoryStore(), Gate: gate, Logger: quietLogger()})
	e.Select("fleet.restart")
	exec, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusError, exec.Status)
}

func TestInvokerPanicBecomesError(t *testing.T) {
	inv := &fakeInvoker{fn: func(context.Context, string, map[string]any) (json.RawMessage, error) {
		panic("boom")
	}}
	e := newTestEngine(t, inv, nil)
	e.Select("explode")

	exec, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusError, exec.Status)
	assert.Contains(t, exec.Error, "boom")
	assert.False(t, e.Running())
}

func TestOutcomeMapping(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	running := Execution{ID: "exec_1", ToolName: "echo", Status: StatusRunning, StartTime: start}

	ok := outcome(running, json.RawMessage(`{"a":1}`), nil, start.Add(250*time.Millisecond))
	assert.Equal(t, StatusSuccess, ok.Status)
	assert.Equal(t, int64(250), *ok.DurationMs)
	assert.True(t, ok.Terminal())

	failed := outcome(running, json.RawMessage(`{"ignored":true}`), errors.New("nope"), start.Add(time.Second))
	assert.Equal(t, StatusError, failed.Status)
	assert.Equal(t, "nope", failed.Error)
	assert.Nil(t, failed.Result)

	skewed := outcome(running, nil, nil, start.Add(-time.Second))
	assert.Equal(t, int64(0), *skewed.DurationMs, "clock skew clamps to zero")

	assert.False(t, running.Terminal())
}
