// ABOUTME: Health prober owning the target roster: single probes, concurrent sweeps, and periodic runs.
// ABOUTME: Every probe sets connecting first and always resolves to connected, disconnected, or error.

package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-fleet/internal/broadcast"
	"github.com/2389/coven-fleet/internal/config"
)

// Publisher receives change notices.
type Publisher interface {
	Publish(n broadcast.Notice)
}

// Config wires a Prober.
type Config struct {
	Targets      []config.TargetConfig
	ProbeTimeout time.Duration
	SettleDelay  time.Duration
	StopTimeout  time.Duration

	// MaxParallel bounds concurrent probes in ProbeAll. Zero means unbounded.
	MaxParallel int

	// CatalogSize answers builtin probes. Builtin targets report error without it.
	CatalogSize func() int

	HTTPClient *http.Client // optional
	Publisher  Publisher    // optional
	Logger     *slog.Logger
	Tracer     trace.Tracer // optional, defaults to the global provider
}

type entry struct {
	spec    config.TargetConfig
	state   Target
	ctrl    Controller
	ctrlErr error
}

// Prober owns the target roster.
type Prober struct {
	probeTimeout time.Duration
	settleDelay  time.Duration
	stopTimeout  time.Duration
	maxParallel  int
	catalogSize  func() int
	httpClient   *http.Client
	publisher    Publisher
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
	after        func(time.Duration) <-chan time.Time
	checks       map[string]checkFunc
	connections  connectionsFunc

	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
}

// New creates a Prober with the configured roster. Targets start disconnected.
func New(cfg Config) (*Prober, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/2389/coven-fleet/internal/fleet")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	p := &Prober{
		probeTimeout: orDefault(cfg.ProbeTimeout, config.DefaultProbeTimeout),
		settleDelay:  orDefault(cfg.SettleDelay, config.DefaultSettleDelay),
		stopTimeout:  orDefault(cfg.StopTimeout, config.DefaultStopTimeout),
		maxParallel:  cfg.MaxParallel,
		catalogSize:  cfg.CatalogSize,
		httpClient:   client,
		publisher:    cfg.Publisher,
		logger:       logger.With("component", "fleet"),
		tracer:       tracer,
		now:          time.Now,
		after:        time.After,
		connections:  psnet.ConnectionsWithContext,
		entries:      make(map[string]*entry),
	}
	p.checks = p.defaultChecks()

	if err := p.ReplaceTargets(cfg.Targets); err != nil {
		return nil, err
	}
	return p, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// ReplaceTargets swaps the roster. Targets whose configuration is unchanged
// keep their current status; new or changed targets start disconnected.
func (p *Prober) ReplaceTargets(specs []config.TargetConfig) error {
	next := make(map[string]*entry, len(specs))
	order := make([]string, 0, len(specs))

	for _, spec := range specs {
		if spec.ID == "" {
			return errors.New("target without id")
		}
		if _, dup := next[spec.ID]; dup {
			return fmt.Errorf("duplicate target id %q", spec.ID)
		}
		if _, ok := p.checks[spec.Kind]; !ok {
			return fmt.Errorf("target %s: unknown kind %q", spec.ID, spec.Kind)
		}
		ctrl, ctrlErr := newController(spec.Control, p.httpClient)
		if ctrlErr != nil {
			p.logger.Warn("target restart unavailable", "target", spec.ID, "error", ctrlErr)
		}
		next[spec.ID] = &entry{
			spec:    spec,
			ctrl:    ctrl,
			ctrlErr: ctrlErr,
			state:   newTarget(spec, ctrl != nil),
		}
		order = append(order, spec.ID)
	}

	p.mu.Lock()
	kept := 0
	for id, e := range next {
		if old, ok := p.entries[id]; ok && reflect.DeepEqual(old.spec, e.spec) {
			e.state = old.state
			kept++
		}
	}
	p.entries = next
	p.order = order
	p.mu.Unlock()

	p.logger.Info("=== TARGET ROSTER LOADED ===", "targets", len(order), "unchanged", kept)
	p.publish(broadcast.Notice{Topic: broadcast.TopicTargets, Kind: "roster", Data: p.Targets()})
	return nil
}

// SetController replaces the restart controller of one target.
func (p *Prober) SetController(id string, c Controller) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return ErrTargetNotFound
	}
	e.ctrl, e.ctrlErr = c, nil
	e.state.Restartable = c != nil
	return nil
}

// Targets returns a snapshot of the roster in configuration order.
func (p *Prober) Targets() []Target {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Target, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.entries[id].state.clone())
	}
	return out
}

// Get returns one target.
func (p *Prober) Get(id string) (Target, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.entries[id]
	if !ok {
		return Target{}, false
	}
	return e.state.clone(), true
}

// setConnecting marks id in flight and returns its configuration.
func (p *Prober) setConnecting(id string) (config.TargetConfig, bool) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return config.TargetConfig{}, false
	}
	e.state.Status = StatusConnecting
	spec := e.spec
	snap := e.state.clone()
	p.mu.Unlock()

	p.publish(broadcast.Notice{Topic: broadcast.TopicTargets, Kind: "connecting", ID: id, Data: snap})
	return spec, true
}

// settle replaces the state of id with next, unless the roster entry was
// replaced while the probe was in flight.
func (p *Prober) settle(spec config.TargetConfig, next Target) Target {
	p.mu.Lock()
	if e, ok := p.entries[spec.ID]; ok && reflect.DeepEqual(e.spec, spec) {
		next.Restartable = e.ctrl != nil
		e.state = next
	}
	p.mu.Unlock()

	p.publish(broadcast.Notice{Topic: broadcast.TopicTargets, Kind: string(next.Status), ID: next.ID, Data: next.clone()})
	return next.clone()
}

// ProbeOne checks one target and returns its resolved state. The only error
// is ErrTargetNotFound; probe failures are reported in the returned Target.
func (p *Prober) ProbeOne(ctx context.Context, id string) (Target, error) {
	spec, ok := p.setConnecting(id)
	if !ok {
		return Target{}, ErrTargetNotFound
	}

	ctx, span := p.tracer.Start(ctx, "fleet.probe", trace.WithAttributes(
		attribute.String("target.id", spec.ID),
		attribute.String("target.kind", spec.Kind),
	))
	defer span.End()

	start := p.now()
	err := p.check(ctx, spec)
	end := p.now()
	elapsed := end.Sub(start).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}

	next := newTarget(spec, false)
	next.LastPing = &end
	next.ResponseTimeMs = &elapsed

	switch {
	case err == nil:
		next.Status = StatusConnected
		p.attachMetric(ctx, spec, &next)
	case absent(err):
		next.Status = StatusDisconnected
		next.Error = err.Error()
		p.logger.Debug("target absent", "target", spec.ID, "error", err)
	default:
		next.Status = StatusError
		next.Error = err.Error()
		span.SetStatus(codes.Error, next.Error)
		p.logger.Warn("target probe failed", "target", spec.ID, "error", err)
	}

	span.SetAttributes(
		attribute.String("target.status", string(next.Status)),
		attribute.Int64("target.response_time_ms", elapsed),
	)
	return p.settle(spec, next), nil
}

// check runs the strategy for spec under the probe timeout. A strategy that
// ignores its context or panics still resolves.
func (p *Prober) check(ctx context.Context, spec config.TargetConfig) error {
	fn, ok := p.checks[spec.Kind]
	if !ok {
		return fmt.Errorf("unknown kind %q", spec.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe panicked: %v", r)
			}
		}()
		done <- fn(ctx, spec)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: no answer within %s", ErrUnreachable, p.probeTimeout)
		}
		return fmt.Errorf("%w: probe cancelled", ErrUnreachable)
	}
}

// attachMetric reads the metric of a healthy target into t. Failures are
// logged and leave the metric unset.
func (p *Prober) attachMetric(ctx context.Context, spec config.TargetConfig, t *Target) {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	v, err := func() (v float64, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("metric panicked: %v", r)
			}
		}()
		return p.readMetric(ctx, spec)
	}()
	if err != nil {
		if !errors.Is(err, errNoMetric) {
			p.logger.Debug("target metric unavailable", "target", spec.ID, "error", err)
		}
		return
	}

	t.MetricValue = &v
	if spec.Kind == config.KindBuiltin || spec.Metric.Kind == "tools" {
		n := int(v)
		t.ToolCount = &n
	}
}

// ProbeAll probes every target concurrently and returns one resolved state
// per target. Probes share no deadline; each has its own timeout.
func (p *Prober) ProbeAll(ctx context.Context) []Target {
	p.mu.RLock()
	ids := append([]string(nil), p.order...)
	p.mu.RUnlock()

	results := make([]Target, len(ids))
	found := make([]bool, len(ids))

	var g errgroup.Group
	if p.maxParallel > 0 {
		g.SetLimit(p.maxParallel)
	}
	for i, id := range ids {
		g.Go(func() error {
			t, err := p.ProbeOne(ctx, id)
			if err == nil {
				results[i], found[i] = t, true
			}
			return nil
		})
	}
	_ = g.Wait()

	out := results[:0]
	for i, t := range results {
		if found[i] {
			out = append(out, t)
		}
	}
	return out
}

// Run sweeps the roster immediately and then every interval until ctx ends.
func (p *Prober) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	p.logger.Info("periodic probing started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Prober) sweep(ctx context.Context) {
	counts := map[Status]int{}
	for _, t := range p.ProbeAll(ctx) {
		counts[t.Status]++
	}
	p.logger.Debug("probe sweep finished",
		"connected", counts[StatusConnected],
		"disconnected", counts[StatusDisconnected],
		"error", counts[StatusError],
	)
}

func (p *Prober) publish(n broadcast.Notice) {
	if p.publisher != nil {
		p.publisher.Publish(n)
	}
}
