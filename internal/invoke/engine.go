// ABOUTME: Tool invocation engine: pending selection, one running execution, bounded history.
// ABOUTME: Terminal records are persisted before they are published to subscribers.

package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-fleet/internal/broadcast"
	"github.com/2389/coven-fleet/internal/policy"
	"github.com/2389/coven-fleet/internal/store"
)

// HistoryLimit is the maximum number of executions kept in history.
const HistoryLimit = 50

// persistTimeout bounds one history write.
const persistTimeout = 10 * time.Second

// ErrNoToolSelected is returned by Execute and Start when no tool is selected.
var ErrNoToolSelected = errors.New("no tool selected")

// ErrBusy is returned by Execute and Start while another execution is running.
var ErrBusy = errors.New("an execution is already running")

// ErrCancelled is the error recorded for a user-cancelled execution.
var ErrCancelled = errors.New("cancelled")

// Invoker dispatches one tool call to the fleet.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]any) (json.RawMessage, error)
}

// Gate decides whether an invocation may run.
type Gate interface {
	Evaluate(ctx context.Context, toolName string, args map[string]any) (policy.Decision, error)
}

// Publisher receives change notices.
type Publisher interface {
	Publish(n broadcast.Notice)
}

// Config wires an Engine.
type Config struct {
	Invoker   Invoker
	Store     store.HistoryStore
	Gate      Gate      // optional
	Publisher Publisher // optional
	Logger    *slog.Logger
	Tracer    trace.Tracer // optional, defaults to the global provider
}

// Engine runs tool invocations one at a time.
type Engine struct {
	invoker   Invoker
	store     store.HistoryStore
	gate      Gate
	publisher Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	// persistMu serializes history writers so the durable copy and the
	// in-memory list change in the same order.
	persistMu sync.Mutex

	mu       sync.RWMutex
	selected string
	args     map[string]any
	current  *Execution
	history  []Execution
	cancel   context.CancelCauseFunc
	done     chan struct{}
}

// New creates an Engine with an empty history. Call LoadHistory to restore
// the persisted list.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/2389/coven-fleet/internal/invoke")
	}
	return &Engine{
		invoker:   cfg.Invoker,
		store:     cfg.Store,
		gate:      cfg.Gate,
		publisher: cfg.Publisher,
		logger:    logger.With("component", "invoke"),
		tracer:    tracer,
		now:       time.Now,
		args:      make(map[string]any),
	}
}

// LoadHistory replaces the in-memory history with the persisted one.
func (e *Engine) LoadHistory(ctx context.Context) error {
	records, err := e.store.LoadHistory(ctx)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	history := make([]Execution, 0, min(len(records), HistoryLimit))
	for i, rec := range records {
		if i == HistoryLimit {
			break
		}
		history = append(history, fromRecord(rec))
	}

	e.mu.Lock()
	e.history = history
	e.mu.Unlock()

	e.logger.Info("execution history loaded", "count", len(history))
	return nil
}

// Select sets the target tool and clears any pending arguments.
func (e *Engine) Select(toolName string) {
	e.mu.Lock()
	e.selected = toolName
	e.args = make(map[string]any)
	e.mu.Unlock()

	e.logger.Debug("tool selected", "tool_name", toolName)
}

// Selected returns the selected tool name, or "" if none.
func (e *Engine) Selected() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.selected
}

// SetArg sets one pending argument. Values are not validated.
func (e *Engine) SetArg(key string, value any) {
	e.mu.Lock()
	e.args[key] = value
	e.mu.Unlock()
}

// ResetArgs clears the pending arguments.
func (e *Engine) ResetArgs() {
	e.mu.Lock()
	e.args = make(map[string]any)
	e.mu.Unlock()
}

// Args returns a copy of the pending arguments.
func (e *Engine) Args() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.args)
}

// Current returns the current execution: the running one, or the last
// terminal record. ok is false before the first execution.
func (e *Engine) Current() (Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.current == nil {
		return Execution{}, false
	}
	return e.current.clone(), true
}

// Running reports whether an execution is in flight.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.done != nil
}

// History returns a copy of the history, newest first.
func (e *Engine) History() []Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Execution, len(e.history))
	for i, h := range e.history {
		out[i] = h.clone()
	}
	return out
}

// Execute runs the selected tool and waits for the terminal record.
// Cancelling ctx aborts the call; the record still reaches history.
func (e *Engine) Execute(ctx context.Context) (Execution, error) {
	exec, done, err := e.start(ctx)
	if err != nil {
		return Execution{}, err
	}
	<-done

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, h := range e.history {
		if h.ID == exec.ID {
			return h.clone(), nil
		}
	}
	if e.current != nil && e.current.ID == exec.ID {
		return e.current.clone(), nil
	}
	return exec, nil
}

// Start runs the selected tool in the background and returns the running
// record. The call is detached from ctx cancellation; use Cancel to abort it.
func (e *Engine) Start(ctx context.Context) (Execution, error) {
	exec, _, err := e.start(context.WithoutCancel(ctx))
	return exec, err
}

func (e *Engine) start(ctx context.Context) (Execution, <-chan struct{}, error) {
	e.mu.Lock()
	if e.selected == "" {
		e.mu.Unlock()
		return Execution{}, nil, ErrNoToolSelected
	}
	if e.done != nil {
		running := e.current.ID
		e.mu.Unlock()
		return Execution{}, nil, fmt.Errorf("%w: %s", ErrBusy, running)
	}

	exec := Execution{
		ID:        "exec_" + uuid.New().String(),
		ToolName:  e.selected,
		Args:      maps.Clone(e.args),
		Status:    StatusRunning,
		StartTime: e.now(),
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	running := exec.clone()
	e.current = &running
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	e.logger.Info("→ execution started",
		"execution_id", exec.ID,
		"tool_name", exec.ToolName,
	)
	e.publish("started", exec)

	go e.run(runCtx, exec, done)

	return exec.clone(), done, nil
}

// Cancel aborts the in-flight execution. It returns false when nothing is running.
func (e *Engine) Cancel() bool {
	e.mu.RLock()
	cancel := e.cancel
	e.mu.RUnlock()

	if cancel == nil {
		return false
	}
	cancel(ErrCancelled)
	return true
}

// Shutdown cancels any in-flight execution and waits for its record to land.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	cancel, done := e.cancel, e.done
	e.mu.RUnlock()

	if cancel == nil {
		return nil
	}
	cancel(ErrCancelled)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context, exec Execution, done chan struct{}) {
	ctx, span := e.tracer.Start(ctx, "invoke.execute", trace.WithAttributes(
		attribute.String("tool.name", exec.ToolName),
		attribute.String("execution.id", exec.ID),
	))
	defer span.End()

	type dispatched struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan dispatched, 1)
	go func() {
		result, err := e.dispatch(ctx, exec)
		ch <- dispatched{result, err}
	}()

	// An invoker that ignores ctx must not hold the slot after a cancel.
	var (
		result json.RawMessage
		err    error
	)
	select {
	case d := <-ch:
		result, err = d.result, d.err
		if err != nil && errors.Is(context.Cause(ctx), ErrCancelled) {
			err = ErrCancelled
		}
	case <-ctx.Done():
		err = context.Cause(ctx)
	}

	final := outcome(exec, result, err, e.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, final.Error)
	}
	span.SetAttributes(attribute.Int64("execution.duration_ms", *final.DurationMs))

	e.finish(final, done)
}

// dispatch runs the policy gate and the invoker. Panics in the invoker are
// reported as errors.
func (e *Engine) dispatch(ctx context.Context, exec Execution) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("invoker panicked", "execution_id", exec.ID, "panic", r)
			result, err = nil, fmt.Errorf("invoker panic: %v", r)
		}
	}()

	if e.gate != nil {
		d, err := e.gate.Evaluate(ctx, exec.ToolName, exec.Args)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		if !d.Allowed() {
			if d.Reason != "" {
				return nil, fmt.Errorf("blocked by policy: %s", d.Reason)
			}
			return nil, errors.New("blocked by policy")
		}
	}

	return e.invoker.Invoke(ctx, exec.ToolName, exec.Args)
}

// finish prepends the terminal record to history, persists the capped list,
// then makes it visible and publishes it.
func (e *Engine) finish(final Execution, done chan struct{}) {
	e.persistMu.Lock()

	e.mu.RLock()
	next := make([]Execution, 0, min(len(e.history)+1, HistoryLimit))
	next = append(next, final)
	for _, h := range e.history {
		if len(next) == HistoryLimit {
			break
		}
		next = append(next, h)
	}
	e.mu.RUnlock()

	if err := e.persist(next); err != nil {
		e.logger.Error("failed to persist execution history",
			"execution_id", final.ID,
			"error", err,
		)
	}

	e.mu.Lock()
	e.history = next
	current := final.clone()
	e.current = &current
	cancel := e.cancel
	e.cancel = nil
	e.done = nil
	e.mu.Unlock()

	e.persistMu.Unlock()
	if cancel != nil {
		cancel(nil)
	}

	if final.Status == StatusError {
		e.logger.Warn("← execution failed",
			"execution_id", final.ID,
			"tool_name", final.ToolName,
			"duration_ms", *final.DurationMs,
			"error", final.Error,
		)
	} else {
		e.logger.Info("← execution succeeded",
			"execution_id", final.ID,
			"tool_name", final.ToolName,
			"duration_ms", *final.DurationMs,
		)
	}
	e.publish("finished", final)
	close(done)
}

func (e *Engine) persist(history []Execution) error {
	records := make([]store.ExecutionRecord, len(history))
	for i, h := range history {
		records[i] = toRecord(h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return e.store.ReplaceHistory(ctx, records)
}

// ClearHistory empties the durable copy first, then the in-memory list. If
// the durable clear fails the in-memory history is left untouched.
func (e *Engine) ClearHistory(ctx context.Context) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	if err := e.store.ClearHistory(ctx); err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}

	e.mu.Lock()
	e.history = nil
	e.mu.Unlock()

	e.logger.Info("execution history cleared")
	e.publish("cleared", nil)
	return nil
}

func (e *Engine) publish(kind string, data any) {
	if e.publisher == nil {
		return
	}
	n := broadcast.Notice{Topic: broadcast.TopicExecutions, Kind: kind}
	if exec, ok := data.(Execution); ok {
		n.ID = exec.ID
		n.Data = exec.clone()
	}
	e.publisher.Publish(n)
}
