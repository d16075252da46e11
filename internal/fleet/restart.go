// ABOUTME: Restart orchestration: stop, settle, start, then re-probe one target.
// ABOUTME: Start runs only after an explicit successful stop; every failure becomes an error status.

package fleet

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-fleet/internal/broadcast"
	"github.com/2389/coven-fleet/internal/config"
)

// Restart stops and starts one target, then probes it. Failures are
// returned in the result and recorded as the target's error status.
// An unknown target or a target without a controller is refused without
// touching its status.
func (p *Prober) Restart(ctx context.Context, id string) RestartResult {
	p.mu.RLock()
	e, ok := p.entries[id]
	var ctrl Controller
	var ctrlErr error
	if ok {
		ctrl, ctrlErr = e.ctrl, e.ctrlErr
	}
	p.mu.RUnlock()

	switch {
	case !ok:
		return RestartResult{Error: ErrTargetNotFound.Error()}
	case ctrlErr != nil:
		return RestartResult{Error: fmt.Sprintf("%s: %v", ErrNoController, ctrlErr)}
	case ctrl == nil:
		return RestartResult{Error: ErrNoController.Error()}
	}

	ctx, span := p.tracer.Start(ctx, "fleet.restart", trace.WithAttributes(attribute.String("target.id", id)))
	defer span.End()

	spec, ok := p.setConnecting(id)
	if !ok {
		return RestartResult{Error: ErrTargetNotFound.Error()}
	}
	p.logger.Info("=== TARGET RESTART ===", "target", id)
	p.publish(broadcast.Notice{Topic: broadcast.TopicTargets, Kind: "restarting", ID: id})

	if err := p.cycle(ctx, ctrl); err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("target restart failed", "target", id, "error", err)
		p.fail(spec, err)
		return RestartResult{Error: err.Error()}
	}

	t, err := p.ProbeOne(ctx, id)
	if err != nil {
		return RestartResult{Error: err.Error()}
	}
	p.logger.Info("target restarted", "target", id, "status", t.Status)
	return RestartResult{OK: true}
}

// cycle runs stop, settle, start. Only an explicit (true, nil) stop proceeds.
func (p *Prober) cycle(ctx context.Context, ctrl Controller) error {
	ok, err := p.step(ctx, "stop", ctrl.Stop)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("stop did not report success")
	}

	timer := p.after(p.settleDelay)
	select {
	case <-ctx.Done():
		return fmt.Errorf("restart cancelled: %w", ctx.Err())
	case <-timer:
	}

	ok, err = p.step(ctx, "start", ctrl.Start)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("start did not report success")
	}
	return nil
}

// step runs one controller call under the stop timeout. A timeout is a
// failure, never an implied success.
func (p *Prober) step(ctx context.Context, name string, fn func(context.Context) (bool, error)) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.stopTimeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%s panicked: %v", name, r)}
			}
		}()
		ok, err := fn(ctx)
		done <- result{ok: ok, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, fmt.Errorf("%s timed out after %s", name, p.stopTimeout)
		}
		return r.ok, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, fmt.Errorf("%s timed out after %s", name, p.stopTimeout)
		}
		return false, fmt.Errorf("%s cancelled: %w", name, ctx.Err())
	}
}

// fail records err as the target's error status.
func (p *Prober) fail(spec config.TargetConfig, err error) {
	p.mu.RLock()
	var prev Target
	if e, ok := p.entries[spec.ID]; ok {
		prev = e.state.clone()
	}
	p.mu.RUnlock()

	next := newTarget(spec, true)
	next.LastPing = prev.LastPing
	next.Status = StatusError
	next.Error = err.Error()
	p.settle(spec, next)
}
