// Package batch coalesces independently submitted requests into batches.
//
// A batch is flushed as soon as BatchSize requests are pending ("size"
// flush), by a background loop every FlushTimeout when anything is pending
// ("timeout" flush), and once more when the batcher stops ("stop" flush).
// The processor sees requests oldest first and returns one result per request
// in the same order.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"worldcore/pkg/config"
	"worldcore/pkg/logx"
	"worldcore/pkg/metrics"
)

// Flush triggers, used as metric labels.
const (
	TriggerSize    = "size"
	TriggerTimeout = "timeout"
	TriggerStop    = "stop"
)

var (
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("batcher stopped")
	// ErrResultTimeout is returned when a caller waits longer than the result timeout.
	ErrResultTimeout = errors.New("timed out waiting for batch result")
	// ErrResultCount is returned to every request of a batch whose processor
	// returned the wrong number of results.
	ErrResultCount = errors.New("batch processor returned wrong number of results")
)

// Result is the outcome of one request in a batch.
type Result[Res any] struct {
	Value Res
	Err   error
}

// Processor handles one batch. It must return len(reqs) results in request
// order; returning an error fails every request in the batch.
type Processor[Req, Res any] func(ctx context.Context, reqs []Req) ([]Result[Res], error)

// PerItem adapts a single-request function into a Processor that isolates
// errors per request.
func PerItem[Req, Res any](fn func(ctx context.Context, req Req) (Res, error)) Processor[Req, Res] {
	return func(ctx context.Context, reqs []Req) ([]Result[Res], error) {
		out := make([]Result[Res], len(reqs))
		for i, r := range reqs {
			v, err := fn(ctx, r)
			out[i] = Result[Res]{Value: v, Err: err}
		}
		return out, nil
	}
}

// Config tunes a Batcher.
type Config struct {
	BatchSize    int
	FlushTimeout time.Duration
	// ResultTimeoutMultiplier bounds how long Submit waits: FlushTimeout times this. Zero means 3.
	ResultTimeoutMultiplier float64
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.BatcherConfig) Config {
	return Config{
		BatchSize:               c.BatchSize,
		FlushTimeout:            c.FlushTimeout(),
		ResultTimeoutMultiplier: c.ResultTimeoutMultiplier,
	}
}

// ResultTimeout returns the longest a caller waits for its result.
func (c Config) ResultTimeout() time.Duration {
	m := c.ResultTimeoutMultiplier
	if m == 0 {
		m = config.DefaultResultTimeoutMultiplier
	}
	return time.Duration(float64(c.FlushTimeout) * m)
}

func (c Config) validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.FlushTimeout <= 0 {
		return fmt.Errorf("flush timeout must be positive, got %s", c.FlushTimeout)
	}
	if c.ResultTimeoutMultiplier != 0 && c.ResultTimeoutMultiplier < 1 {
		return fmt.Errorf("result timeout multiplier must be at least 1, got %g", c.ResultTimeoutMultiplier)
	}
	return nil
}

// Stats is a snapshot of batcher activity.
type Stats struct {
	Pending        int   `json:"pending"`
	SizeFlushes    int64 `json:"size_flushes"`
	TimeoutFlushes int64 `json:"timeout_flushes"`
	StopFlushes    int64 `json:"stop_flushes"`
	Processed      int64 `json:"processed"`
	Running        bool  `json:"running"`
}

type request[Req, Res any] struct {
	id      string
	payload Req
	result  chan Result[Res] // buffered; written exactly once
}

// Batcher coalesces requests of type Req into batches answered with Res.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Batcher[Req, Res any] struct {
	name   string
	proc   Processor[Req, Res]
	cfg    Config
	logger *logx.Logger

	mu      sync.Mutex
	pending []*request[Req, Res]
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	stats   Stats

	inflight sync.WaitGroup // size flushes running outside Submit

	flushes  *prometheus.CounterVec
	sizes    prometheus.Observer
	requests *prometheus.CounterVec
}

// Option configures a Batcher.
type Option func(*options)

type options struct {
	name     string
	registry *metrics.Registry
	logger   *logx.Logger
}

// WithName labels the batcher's metrics and logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithRegistry records batcher metrics in reg.
func WithRegistry(reg *metrics.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithLogger sets the batcher logger.
func WithLogger(l *logx.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a batcher. Call Start to enable timeout flushes.
func New[Req, Res any](proc Processor[Req, Res], cfg Config, opts ...Option) (*Batcher[Req, Res], error) {
	if proc == nil {
		return nil, errors.New("batch processor is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := options{name: "default"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logx.NewLogger("batch")
	}
	reg := metrics.OrNew(o.registry)

	return &Batcher[Req, Res]{
		name:   o.name,
		proc:   proc,
		cfg:    cfg,
		logger: o.logger,
		flushes: reg.CounterVec("batch_flushes_total",
			"Batch flushes by trigger.", "batcher", "trigger").MustCurryWith(prometheus.Labels{"batcher": o.name}),
		sizes: reg.HistogramVec("batch_size",
			"Requests per flushed batch.", []float64{1, 2, 4, 8, 16, 32, 64, 128},
			"batcher").WithLabelValues(o.name),
		requests: reg.CounterVec("batch_requests_total",
			"Batched requests by result.", "batcher", "status").MustCurryWith(prometheus.Labels{"batcher": o.name}),
	}, nil
}

// Start launches the timeout flush loop, which runs until Stop.
func (b *Batcher[Req, Res]) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	if b.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	b.stats.Running = true

	go b.loop(loopCtx, b.done)
	return nil
}

func (b *Batcher[Req, Res]) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.cfg.FlushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if batch := b.take(); len(batch) > 0 {
				b.process(context.WithoutCancel(ctx), batch, TriggerTimeout)
			}
		}
	}
}

// Stop cancels the flush loop, waits for it, and flushes everything still
// pending. Later submissions fail with ErrStopped. Stop is idempotent.
func (b *Batcher[Req, Res]) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.running = false
	b.stats.Running = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	for {
		batch := b.take()
		if len(batch) == 0 {
			break
		}
		b.process(ctx, batch, TriggerStop)
	}

	flushed := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Submit queues req and waits for its result, the result timeout, or ctx.
func (b *Batcher[Req, Res]) Submit(ctx context.Context, req Req) (Res, error) {
	var zero Res
	r := &request[Req, Res]{
		id:      uuid.NewString(),
		payload: req,
		result:  make(chan Result[Res], 1),
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return zero, ErrStopped
	}
	b.pending = append(b.pending, r)
	var batch []*request[Req, Res]
	if len(b.pending) >= b.cfg.BatchSize {
		batch = b.drainLocked()
		// Registered under the lock so Stop cannot miss this flush.
		b.inflight.Add(1)
	}
	b.mu.Unlock()

	if batch != nil {
		go func() {
			defer b.inflight.Done()
			b.process(context.WithoutCancel(ctx), batch, TriggerSize)
		}()
	}

	timer := time.NewTimer(b.cfg.ResultTimeout())
	defer timer.Stop()

	select {
	case res := <-r.result:
		return res.Value, res.Err
	case <-timer.C:
		b.logger.Warn("%s: request %s got no result within %s", b.name, r.id, b.cfg.ResultTimeout())
		return zero, ErrResultTimeout
	case <-ctx.Done():
		return zero, ctx.Err() //nolint:wrapcheck // caller's own context error
	}
}

// Stats returns a snapshot of batcher activity.
func (b *Batcher[Req, Res]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = len(b.pending)
	return s
}

func (b *Batcher[Req, Res]) take() []*request[Req, Res] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked()
}

// drainLocked removes up to BatchSize of the oldest pending requests. Called under lock.
func (b *Batcher[Req, Res]) drainLocked() []*request[Req, Res] {
	n := min(len(b.pending), b.cfg.BatchSize)
	if n == 0 {
		return nil
	}
	batch := make([]*request[Req, Res], n)
	copy(batch, b.pending[:n])
	b.pending = append(b.pending[:0], b.pending[n:]...)
	return batch
}

func (b *Batcher[Req, Res]) process(ctx context.Context, batch []*request[Req, Res], trigger string) {
	b.flushes.WithLabelValues(trigger).Inc()
	b.sizes.Observe(float64(len(batch)))
	b.count(trigger, len(batch))
	logx.Debug(ctx, "batch", "%s: %s flush of %d requests", b.name, trigger, len(batch))

	payloads := make([]Req, len(batch))
	for i, r := range batch {
		payloads[i] = r.payload
	}

	results, err := b.call(ctx, payloads)
	if err == nil && len(results) != len(batch) {
		err = fmt.Errorf("%w: got %d for %d requests", ErrResultCount, len(results), len(batch))
	}
	if err != nil {
		b.logger.Error("%s: batch of %d failed: %v", b.name, len(batch), err)
		for _, r := range batch {
			r.result <- Result[Res]{Err: err}
		}
		b.requests.WithLabelValues("failure").Add(float64(len(batch)))
		return
	}

	for i, r := range batch {
		status := "success"
		if results[i].Err != nil {
			status = "failure"
		}
		b.requests.WithLabelValues(status).Inc()
		r.result <- results[i]
	}
}

func (b *Batcher[Req, Res]) call(ctx context.Context, payloads []Req) (results []Result[Res], err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("batch processor panicked: %v", p)
		}
	}()
	return b.proc(ctx, payloads)
}

func (b *Batcher[Req, Res]) count(trigger string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch trigger {
	case TriggerSize:
		b.stats.SizeFlushes++
	case TriggerTimeout:
		b.stats.TimeoutFlushes++
	case TriggerStop:
		b.stats.StopFlushes++
	}
	b.stats.Processed += int64(n)
}
