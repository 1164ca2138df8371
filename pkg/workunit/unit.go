// Package workunit runs units of work under a timeout with a uniform
// lifecycle: lazy one-time setup, a bounded pool for blocking work, typed
// outcomes, and per-unit request metrics.
package workunit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"worldcore/pkg/audit"
	"worldcore/pkg/config"
	"worldcore/pkg/logx"
	"worldcore/pkg/metrics"
	"worldcore/pkg/outcome"
)

// Result is what a handler produces on success.
type Result struct {
	Value      any
	Confidence float64 // zero means 1
	Metadata   map[string]any
}

// Handler performs one unit of work. It must return promptly once ctx is
// done. Blocking calls that cannot observe ctx belong on pool.
type Handler func(ctx context.Context, pool *Pool, payload any) (Result, error)

// Config bounds a unit.
type Config struct {
	Timeout    time.Duration
	MaxWorkers int
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.UnitOfWorkConfig) Config {
	return Config{Timeout: c.Timeout(), MaxWorkers: c.MaxWorkers}
}

// Unit wraps a handler.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Unit struct {
	name    string
	handler Handler
	cfg     Config
	setup   func(ctx context.Context) error
	sink    audit.Sink
	logger  *logx.Logger

	mu          sync.Mutex
	initialized bool
	pool        *Pool

	requests *prometheus.CounterVec
	active   prometheus.Gauge
	duration prometheus.Observer
}

// Option configures a Unit.
type Option func(*options)

type options struct {
	setup    func(ctx context.Context) error
	sink     audit.Sink
	registry *metrics.Registry
	logger   *logx.Logger
}

// WithSetup runs fn once, lazily, before the first execution.
func WithSetup(fn func(ctx context.Context) error) Option {
	return func(o *options) { o.setup = fn }
}

// WithSink records every outcome in sink.
func WithSink(sink audit.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithRegistry records unit metrics in reg.
func WithRegistry(reg *metrics.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithLogger sets the unit logger.
func WithLogger(l *logx.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a unit. Nothing is set up until the first Execute or Init.
func New(name string, h Handler, cfg Config, opts ...Option) (*Unit, error) {
	if name == "" {
		return nil, errors.New("unit name is required")
	}
	if h == nil {
		return nil, errors.New("unit handler is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("unit %s: timeout must be positive, got %s", name, cfg.Timeout)
	}
	if cfg.MaxWorkers < 1 {
		return nil, fmt.Errorf("unit %s: max workers must be at least 1, got %d", name, cfg.MaxWorkers)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logx.NewLogger("workunit")
	}
	reg := metrics.OrNew(o.registry)

	return &Unit{
		name:    name,
		handler: h,
		cfg:     cfg,
		setup:   o.setup,
		sink:    o.sink,
		logger:  o.logger,
		requests: reg.CounterVec("workunit_requests_total",
			"Unit-of-work executions by result.", "unit", "status").MustCurryWith(prometheus.Labels{"unit": name}),
		active: reg.GaugeVec("workunit_active",
			"Unit-of-work executions in progress.", "unit").WithLabelValues(name),
		duration: reg.HistogramVec("workunit_duration_seconds",
			"Unit-of-work execution time.", nil, "unit").WithLabelValues(name),
	}, nil
}

// Name returns the unit name.
func (u *Unit) Name() string {
	return u.name
}

// Init performs one-time setup. Calling it again after success is a no-op;
// after a failure the next call retries.
func (u *Unit) Init(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.initialized {
		return nil
	}
	if u.setup != nil {
		if err := u.setup(ctx); err != nil {
			return fmt.Errorf("unit %s setup: %w", u.name, err)
		}
	}
	u.pool = NewPool(u.cfg.MaxWorkers)
	u.initialized = true
	logx.Debug(ctx, "workunit", "%s initialized with %d workers", u.name, u.cfg.MaxWorkers)
	return nil
}

// Initialized reports whether setup has run since the last teardown.
func (u *Unit) Initialized() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.initialized
}

type handlerResult struct {
	res Result
	err error
}

// Execute runs the handler against the configured timeout. When the timeout
// fires first the handler's context is cancelled and Execute returns a
// TimedOut outcome at once without waiting for the handler to exit.
func (u *Unit) Execute(ctx context.Context, payload any) outcome.Outcome {
	start := time.Now()
	u.active.Inc()
	defer u.active.Dec()

	o := u.run(ctx, payload, start)

	u.requests.WithLabelValues(o.Status.MetricLabel()).Inc()
	u.duration.Observe(o.Elapsed.Seconds())
	if o.Status != outcome.Completed {
		u.logger.Warn("%s %s after %s: %v", u.name, o.Status, o.Elapsed.Round(time.Millisecond), o.Err)
	}
	if u.sink != nil {
		u.sink.Record("workunit", u.name, o)
	}
	return o
}

func (u *Unit) run(ctx context.Context, payload any, start time.Time) outcome.Outcome {
	if err := u.Init(ctx); err != nil {
		return outcome.Failure(err, time.Since(start))
	}
	u.mu.Lock()
	pool := u.pool
	u.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerResult{err: fmt.Errorf("unit %s panicked: %v", u.name, p)}
			}
		}()
		res, err := u.handler(runCtx, pool, payload)
		done <- handlerResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		elapsed := time.Since(start)
		if r.err != nil {
			if u.deadlineFired(ctx, runCtx) {
				return outcome.Timeout(r.err, elapsed)
			}
			return outcome.Failure(r.err, elapsed)
		}
		o := outcome.Success(r.res.Value, elapsed)
		if r.res.Confidence != 0 {
			o.Confidence = r.res.Confidence
		}
		o.Metadata = r.res.Metadata
		return o

	case <-runCtx.Done():
		elapsed := time.Since(start)
		if u.deadlineFired(ctx, runCtx) {
			return outcome.Timeout(fmt.Errorf("unit %s timed out after %s: %w", u.name, u.cfg.Timeout, runCtx.Err()), elapsed)
		}
		return outcome.Failure(ctx.Err(), elapsed)
	}
}

// deadlineFired reports whether runCtx ended because of the unit's own
// timeout rather than the caller's context.
func (u *Unit) deadlineFired(parent, runCtx context.Context) bool {
	return parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
}

// Teardown closes the worker pool and marks the unit uninitialized. Work
// already handed to the pool finishes in the background. Safe to call twice.
func (u *Unit) Teardown() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pool != nil {
		u.pool.Close()
		u.pool = nil
	}
	u.initialized = false
}
