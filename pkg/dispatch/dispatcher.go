// Package dispatch routes events to per-tier FIFO queues and runs their
// handlers. The Instant tier runs several workers behind a weighted
// semaphore; every other tier is served by a single worker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"worldcore/pkg/audit"
	"worldcore/pkg/config"
	"worldcore/pkg/logx"
	"worldcore/pkg/metrics"
	"worldcore/pkg/outcome"
)

var (
	// ErrNotRunning is returned when submitting to a dispatcher that is not started.
	ErrNotRunning = errors.New("dispatcher is not running")
	// ErrQueueFull is returned by TrySubmit when the tier queue has no room.
	ErrQueueFull = errors.New("dispatch queue is full")
	// ErrStopped resolves tickets of events discarded at shutdown.
	ErrStopped = errors.New("dispatcher stopped")
)

// Handler processes one event payload. Returned errors are logged and
// reported on the event's ticket; they never stop the worker.
type Handler func(ctx context.Context, payload any) error

// Event is one queued unit of work. It is discarded after its handler returns.
type Event struct {
	ID         string
	Type       string
	Payload    any
	Tier       Tier
	Handler    Handler
	EnqueuedAt time.Time

	ticket *Ticket
}

// Ticket reports the terminal outcome of a submitted event.
type Ticket struct {
	EventID string
	Tier    Tier

	once    sync.Once
	done    chan struct{}
	outcome outcome.Outcome
}

func newTicket(id string, tier Tier) *Ticket {
	return &Ticket{EventID: id, Tier: tier, done: make(chan struct{})}
}

// Done is closed once the outcome is available.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the event finishes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (outcome.Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return outcome.Outcome{}, ctx.Err() //nolint:wrapcheck // context error propagated as-is
	}
}

func (t *Ticket) resolve(o outcome.Outcome) {
	t.once.Do(func() {
		t.outcome = o
		close(t.done)
	})
}

// Config configures a Dispatcher.
type Config struct {
	InstantConcurrencyLimit int
	InstantWorkers          int // 0 means InstantConcurrencyLimit
	QueueSize               int
	DefaultTier             Tier
	EventTiers              map[string]Tier
	InstantEventTypes       []string
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.DispatcherConfig) (Config, error) {
	def := Normal
	if c.DefaultTier != "" {
		t, err := ParseTier(c.DefaultTier)
		if err != nil {
			return Config{}, fmt.Errorf("default tier: %w", err)
		}
		def = t
	}
	tiers := make(map[string]Tier, len(c.EventTiers))
	for eventType, name := range c.EventTiers {
		t, err := ParseTier(name)
		if err != nil {
			return Config{}, fmt.Errorf("event type %s: %w", eventType, err)
		}
		tiers[eventType] = t
	}
	return Config{
		InstantConcurrencyLimit: c.InstantConcurrencyLimit,
		InstantWorkers:          c.InstantWorkers,
		QueueSize:               c.QueueSize,
		DefaultTier:             def,
		EventTiers:              tiers,
		InstantEventTypes:       append([]string(nil), c.InstantEventTypes...),
	}, nil
}

func (c *Config) validate() error {
	if c.InstantConcurrencyLimit < 1 {
		return fmt.Errorf("instant concurrency limit must be at least 1, got %d", c.InstantConcurrencyLimit)
	}
	if c.InstantWorkers == 0 {
		c.InstantWorkers = c.InstantConcurrencyLimit
	}
	if c.InstantWorkers < 1 {
		return fmt.Errorf("instant workers must be at least 1, got %d", c.InstantWorkers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	}
	if !c.DefaultTier.valid() {
		return fmt.Errorf("invalid default tier %s", c.DefaultTier)
	}
	for eventType, t := range c.EventTiers {
		if !t.valid() {
			return fmt.Errorf("event type %s: invalid tier %s", eventType, t)
		}
	}
	return nil
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRegistry records dispatcher metrics in reg.
func WithRegistry(reg *metrics.Registry) Option {
	return func(d *Dispatcher) { d.registry = reg }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *logx.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithSink records every terminal event outcome in sink.
func WithSink(sink audit.Sink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// Dispatcher classifies events and runs them on per-tier workers.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Dispatcher struct {
	cfg     Config
	instant map[string]struct{}
	queues  map[Tier]chan *Event
	sem     *semaphore.Weighted

	registry *metrics.Registry
	logger   *logx.Logger
	sink     audit.Sink

	mu      sync.RWMutex
	running bool
	quit    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup // workers
	senders sync.WaitGroup // Submit calls between admission and enqueue

	inflight atomic.Int64

	events     *prometheus.CounterVec
	depth      *prometheus.GaugeVec
	instantNow prometheus.Gauge
	queueWait  *prometheus.HistogramVec
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(cfg Config, opts ...Option) (*Dispatcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("dispatcher config: %w", err)
	}

	d := &Dispatcher{
		cfg:     cfg,
		instant: make(map[string]struct{}, len(cfg.InstantEventTypes)),
		queues:  make(map[Tier]chan *Event, len(Tiers)),
		sem:     semaphore.NewWeighted(int64(cfg.InstantConcurrencyLimit)),
	}
	for _, t := range cfg.InstantEventTypes {
		d.instant[t] = struct{}{}
	}
	for _, t := range Tiers {
		d.queues[t] = make(chan *Event, cfg.QueueSize)
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logx.NewLogger("dispatch")
	}

	reg := metrics.OrNew(d.registry)
	d.events = reg.CounterVec("dispatch_events_total", "Dispatched events by tier and result.", "tier", "status")
	d.depth = reg.GaugeVec("dispatch_queue_depth", "Events waiting in each tier queue.", "tier")
	d.instantNow = reg.GaugeVec("dispatch_instant_inflight", "Instant handlers currently running.").WithLabelValues()
	d.queueWait = reg.HistogramVec("dispatch_queue_wait_seconds", "Time events spend queued before their handler starts.", nil, "tier")
	return d, nil
}

// Classify returns the tier for an event type: the instant set first, then
// the configured table, then the default tier.
func (d *Dispatcher) Classify(eventType string) Tier {
	if _, ok := d.instant[eventType]; ok {
		return Instant
	}
	if t, ok := d.cfg.EventTiers[eventType]; ok {
		return t
	}
	return d.cfg.DefaultTier
}

// Start launches the tier workers. They run until Stop; ctx only supplies
// values, its cancellation does not stop the workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher is already running")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.quit = make(chan struct{})
	d.running = true

	for i := 0; i < d.cfg.InstantWorkers; i++ {
		d.wg.Add(1)
		go d.instantWorker(runCtx)
	}
	for _, t := range Tiers[1:] {
		d.wg.Add(1)
		go d.tierWorker(runCtx, t)
	}

	d.logger.Info("Started dispatcher: %d instant workers (limit %d), queue size %d",
		d.cfg.InstantWorkers, d.cfg.InstantConcurrencyLimit, d.cfg.QueueSize)
	return nil
}

// Stop cancels the workers and waits for them, bounded by ctx. Events still
// queued are discarded and their tickets resolve with ErrStopped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.quit)
	d.cancel()
	d.mu.Unlock()

	d.logger.Info("Stopping dispatcher")

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		d.senders.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		d.logger.Info("Dispatcher stopped successfully")
	case <-ctx.Done():
		d.logger.Warn("Dispatcher stop timed out")
		err = ctx.Err()
	}

	if n := d.discardQueued(); n > 0 {
		d.logger.Warn("Discarded %d queued events at shutdown", n)
	}
	return err
}

// Submit classifies and enqueues an event, blocking while its tier queue is full.
func (d *Dispatcher) Submit(ctx context.Context, eventType string, payload any, h Handler) (*Ticket, error) {
	return d.enqueue(ctx, eventType, payload, h, true)
}

// TrySubmit is Submit without blocking: a full queue yields ErrQueueFull.
func (d *Dispatcher) TrySubmit(eventType string, payload any, h Handler) (*Ticket, error) {
	return d.enqueue(context.Background(), eventType, payload, h, false)
}

func (d *Dispatcher) enqueue(ctx context.Context, eventType string, payload any, h Handler, block bool) (*Ticket, error) {
	if h == nil {
		return nil, fmt.Errorf("event %s: handler is required", eventType)
	}

	d.mu.RLock()
	if !d.running {
		d.mu.RUnlock()
		return nil, ErrNotRunning
	}
	d.senders.Add(1)
	quit := d.quit
	d.mu.RUnlock()
	defer d.senders.Done()

	tier := d.Classify(eventType)
	ev := &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Payload:    payload,
		Tier:       tier,
		Handler:    h,
		EnqueuedAt: time.Now(),
	}
	ev.ticket = newTicket(ev.ID, tier)
	q := d.queues[tier]

	if block {
		select {
		case q <- ev:
		case <-quit:
			return nil, ErrNotRunning
		case <-ctx.Done():
			return nil, ctx.Err() //nolint:wrapcheck // context error propagated as-is
		}
	} else {
		select {
		case q <- ev:
		default:
			return nil, fmt.Errorf("%w: %s tier holds %d events", ErrQueueFull, tier, cap(q))
		}
	}

	d.depth.WithLabelValues(tier.String()).Set(float64(len(q)))
	logx.Debug(ctx, "dispatch", "queued %s event %s (%s)", tier, ev.ID, eventType)
	return ev.ticket, nil
}

func (d *Dispatcher) instantWorker(ctx context.Context) {
	defer d.wg.Done()
	q := d.queues[Instant]

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q:
			d.depth.WithLabelValues(Instant.String()).Set(float64(len(q)))
			if err := d.sem.Acquire(ctx, 1); err != nil {
				d.discard(ev)
				return
			}
			d.inflight.Add(1)
			d.instantNow.Inc()
			d.run(ctx, ev)
			d.instantNow.Dec()
			d.inflight.Add(-1)
			d.sem.Release(1)
		}
	}
}

func (d *Dispatcher) tierWorker(ctx context.Context, tier Tier) {
	defer d.wg.Done()
	q := d.queues[tier]

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q:
			d.depth.WithLabelValues(tier.String()).Set(float64(len(q)))
			if ctx.Err() != nil {
				d.discard(ev)
				return
			}
			d.run(ctx, ev)
		}
	}
}

// run invokes the handler and resolves the event's ticket.
func (d *Dispatcher) run(ctx context.Context, ev *Event) {
	start := time.Now()
	wait := start.Sub(ev.EnqueuedAt)
	d.queueWait.WithLabelValues(ev.Tier.String()).Observe(wait.Seconds())

	err := d.call(ctx, ev)
	elapsed := time.Since(start)

	var o outcome.Outcome
	if err != nil {
		d.logger.Error("%s handler for %s event %s failed: %v", ev.Tier, ev.Type, ev.ID, err)
		o = outcome.Failure(err, elapsed)
	} else {
		o = outcome.Success(nil, elapsed)
	}
	o.Metadata = map[string]any{
		"event_id":   ev.ID,
		"tier":       ev.Tier.String(),
		"queue_wait": wait.String(),
	}
	d.finish(ev, o)
}

func (d *Dispatcher) call(ctx context.Context, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return ev.Handler(ctx, ev.Payload)
}

func (d *Dispatcher) discard(ev *Event) {
	d.finish(ev, outcome.Failure(ErrStopped, time.Since(ev.EnqueuedAt)))
}

func (d *Dispatcher) finish(ev *Event, o outcome.Outcome) {
	d.events.WithLabelValues(ev.Tier.String(), o.Status.MetricLabel()).Inc()
	if d.sink != nil {
		d.sink.Record("dispatch", ev.Type, o)
	}
	ev.ticket.resolve(o)
}

func (d *Dispatcher) discardQueued() int {
	n := 0
	for _, t := range Tiers {
		q := d.queues[t]
	drain:
		for {
			select {
			case ev := <-q:
				d.discard(ev)
				n++
			default:
				break drain
			}
		}
		d.depth.WithLabelValues(t.String()).Set(0)
	}
	return n
}

// Stats returns a snapshot of dispatcher state.
func (d *Dispatcher) Stats() map[string]any {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()

	stats := map[string]any{
		"running":          running,
		"instant_inflight": d.inflight.Load(),
		"instant_limit":    d.cfg.InstantConcurrencyLimit,
		"instant_workers":  d.cfg.InstantWorkers,
	}
	for _, t := range Tiers {
		q := d.queues[t]
		stats[t.String()+"_queue_length"] = len(q)
		stats[t.String()+"_queue_capacity"] = cap(q)
		if cap(q) > 0 && float64(len(q))/float64(cap(q)) > 0.8 {
			d.logger.Warn("%s queue utilization high: %d/%d", t, len(q), cap(q))
		}
	}
	return stats
}
