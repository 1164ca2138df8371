// Package failover routes generation calls through an ordered chain of
// interchangeable providers.
//
// Each call starts at the chain's current provider and falls through the rest
// in their original order. A provider that fails MaxFailures times in a row
// permanently loses its place: the current index moves past it and only a
// successful recovery check of the primary (index 0) moves it back. Errors
// that another provider cannot fix (bad credentials, unknown model, content
// rejection) are returned at once without trying the rest of the chain.
package failover

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"worldcore/pkg/config"
	"worldcore/pkg/llm"
	"worldcore/pkg/llmerrors"
	"worldcore/pkg/logx"
	"worldcore/pkg/metrics"
)

var (
	// ErrNoProviders is returned when a chain is built without providers.
	ErrNoProviders = errors.New("failover chain requires at least one provider")
	// ErrNameMismatch is returned when provider and name lists differ in length.
	ErrNameMismatch = errors.New("provider and name lists must have equal length")
	// ErrChainExhausted is matched by every ExhaustedError.
	ErrChainExhausted = errors.New("all providers in failover chain failed")
)

// ExhaustedError reports that every provider failed for one call.
type ExhaustedError struct {
	ChainLength int
	Errors      []error // one per provider tried, in order
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("all %d providers in failover chain failed", e.ChainLength)
	if n := len(e.Errors); n > 0 {
		msg += fmt.Sprintf(" (last error: %v)", e.Errors[n-1])
	}
	return msg
}

// Is makes errors.Is(err, ErrChainExhausted) true.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrChainExhausted
}

// Unwrap exposes the per-provider errors.
func (e *ExhaustedError) Unwrap() []error {
	return e.Errors
}

// Config tunes failover behavior.
type Config struct {
	MaxFailures       int     // consecutive failures before a provider is switched away from
	RecoveryCheckRate float64 // probability per call of re-trying the primary after a switch
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailures:       config.DefaultMaxFailures,
		RecoveryCheckRate: config.DefaultRecoveryCheckRate,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxFailures < 1 {
		return fmt.Errorf("max_failures must be at least 1, got %d", c.MaxFailures)
	}
	if c.RecoveryCheckRate < 0 || c.RecoveryCheckRate > 1 {
		return fmt.Errorf("recovery_check_rate must be within [0, 1], got %g", c.RecoveryCheckRate)
	}
	return nil
}

// Stats is a snapshot of chain state.
type Stats struct {
	CurrentProvider   string         `json:"current_provider"`
	CurrentIndex      int            `json:"current_index"`
	Failures          map[string]int `json:"failures"`
	ChainLength       int            `json:"chain_length"`
	MaxFailures       int            `json:"max_failures"`
	RecoveryCheckRate float64        `json:"recovery_check_rate"`
}

// Chain is an ordered failover chain. It implements llm.Provider, so it can
// be used anywhere a single provider is expected.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Chain struct {
	name      string
	providers []llm.Provider
	names     []string
	cfg       Config
	random    func() float64
	logger    *logx.Logger

	mu       sync.Mutex
	current  int
	failures []int

	calls      *prometheus.CounterVec
	switches   *prometheus.CounterVec
	recoveries *prometheus.CounterVec
	index      prometheus.Gauge
}

// Option configures a Chain.
type Option func(*Chain)

// WithRand replaces the source of recovery-check randomness. fn must return
// values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(c *Chain) { c.random = fn }
}

// WithRegistry records chain metrics in reg.
func WithRegistry(reg *metrics.Registry) Option {
	return func(c *Chain) { c.bindMetrics(reg) }
}

// WithLogger sets the chain logger.
func WithLogger(l *logx.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// WithName sets the name the chain reports as an llm.Provider.
func WithName(name string) Option {
	return func(c *Chain) { c.name = name }
}

// New validates its arguments and builds a chain. providers[i] is displayed as names[i].
func New(providers []llm.Provider, names []string, cfg Config, opts ...Option) (*Chain, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if len(providers) != len(names) {
		return nil, fmt.Errorf("%w: %d providers, %d names", ErrNameMismatch, len(providers), len(names))
	}
	for i, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("provider %d (%s) is nil", i, names[i])
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Chain{
		name:      "failover",
		providers: append([]llm.Provider(nil), providers...),
		names:     append([]string(nil), names...),
		cfg:       cfg,
		random:    rand.Float64,
		logger:    logx.NewLogger("failover"),
		failures:  make([]int, len(providers)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.calls == nil {
		c.bindMetrics(nil)
	}
	c.index.Set(0)
	return c, nil
}

func (c *Chain) bindMetrics(reg *metrics.Registry) {
	reg = metrics.OrNew(reg)
	c.calls = reg.CounterVec("failover_calls_total",
		"Provider attempts made by the failover chain.", "provider", "status")
	c.switches = reg.CounterVec("failover_switches_total",
		"Changes of the chain's current provider.", "from", "to")
	c.recoveries = reg.CounterVec("failover_recovery_checks_total",
		"Recovery checks of the primary provider.", "result")
	c.index = reg.GaugeVec("failover_current_index",
		"Index of the chain's current provider.").WithLabelValues()
}

// Name implements llm.Provider.
func (c *Chain) Name() string {
	return c.name
}

// Generate sends a single prompt through the chain.
func (c *Chain) Generate(ctx context.Context, prompt string, opts llm.Options) (llm.Response, error) {
	return llm.Generate(ctx, c, prompt, opts)
}

// Chat sends a conversation through the chain.
func (c *Chain) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (llm.Response, error) {
	return llm.Chat(ctx, c, messages, opts)
}

// Structured asks the chain for a JSON object matching schema.
func (c *Chain) Structured(ctx context.Context, prompt string, schema llm.Schema, opts llm.Options) (llm.Response, error) {
	return llm.Structured(ctx, c, prompt, schema, opts)
}

// Complete implements llm.Provider with failover.
func (c *Chain) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if resp, ok := c.tryRecovery(ctx, req); ok {
		return resp, nil
	}

	start := c.currentIndex()
	errs := make([]error, 0, len(c.providers)-start)
	for i := start; i < len(c.providers); i++ {
		if err := ctx.Err(); err != nil {
			return llm.Response{}, err //nolint:wrapcheck // caller's own context error
		}

		resp, err := c.providers[i].Complete(ctx, req)
		if err == nil {
			c.recordSuccess(i)
			return c.annotate(resp, i), nil
		}

		if ctx.Err() != nil {
			return llm.Response{}, ctx.Err() //nolint:wrapcheck // caller's own context error
		}
		if !llmerrors.IsRetryable(err) {
			c.calls.WithLabelValues(c.names[i], "rejected").Inc()
			c.logger.Error("%s returned non-retriable error, not failing over: %v", c.names[i], err)
			return llm.Response{}, err
		}

		c.recordFailure(i, err)
		errs = append(errs, fmt.Errorf("%s: %w", c.names[i], err))
	}

	return llm.Response{}, &ExhaustedError{ChainLength: len(c.providers), Errors: errs}
}

// tryRecovery re-tries the primary when the chain has moved past it. A failed
// check changes no counters.
func (c *Chain) tryRecovery(ctx context.Context, req llm.Request) (llm.Response, bool) {
	if c.currentIndex() == 0 || c.cfg.RecoveryCheckRate <= 0 || c.random() >= c.cfg.RecoveryCheckRate {
		return llm.Response{}, false
	}

	resp, err := c.providers[0].Complete(ctx, req)
	if err != nil {
		c.recoveries.WithLabelValues("failed").Inc()
		logx.Debug(ctx, "failover", "recovery check of %s failed: %v", c.names[0], err)
		return llm.Response{}, false
	}

	c.recoveries.WithLabelValues("recovered").Inc()
	c.calls.WithLabelValues(c.names[0], "success").Inc()

	c.mu.Lock()
	from := c.current
	c.current = 0
	c.failures[0] = 0
	c.mu.Unlock()

	if from != 0 {
		c.switches.WithLabelValues(c.names[from], c.names[0]).Inc()
		c.index.Set(0)
		c.logger.Info("%s recovered, switching back from %s", c.names[0], c.names[from])
	}
	return c.annotate(resp, 0), true
}

func (c *Chain) recordSuccess(i int) {
	c.calls.WithLabelValues(c.names[i], "success").Inc()
	c.mu.Lock()
	c.failures[i] = 0
	c.mu.Unlock()
}

// recordFailure counts a failure and, once the provider at the current index
// reaches the threshold, advances the index. The last provider is never
// switched away from.
func (c *Chain) recordFailure(i int, err error) {
	c.calls.WithLabelValues(c.names[i], "failure").Inc()

	c.mu.Lock()
	c.failures[i]++
	count := c.failures[i]
	switched := count >= c.cfg.MaxFailures && c.current == i && i < len(c.providers)-1
	if switched {
		c.current = i + 1
	}
	c.mu.Unlock()

	if !switched {
		c.logger.Warn("%s failed (%d/%d): %v", c.names[i], count, c.cfg.MaxFailures, err)
		return
	}
	c.switches.WithLabelValues(c.names[i], c.names[i+1]).Inc()
	c.index.Set(float64(i + 1))
	c.logger.Warn("%s failed %d times, switching to %s", c.names[i], count, c.names[i+1])
}

func (c *Chain) annotate(resp llm.Response, i int) llm.Response {
	md := make(map[string]any, len(resp.Metadata)+2)
	for k, v := range resp.Metadata {
		md[k] = v
	}
	md["provider"] = c.names[i]
	md["provider_index"] = i
	resp.Metadata = md
	return resp
}

func (c *Chain) currentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Stats returns a snapshot of the chain state.
func (c *Chain) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	failures := make(map[string]int, len(c.names))
	for i, name := range c.names {
		failures[name] = c.failures[i]
	}
	return Stats{
		CurrentProvider:   c.names[c.current],
		CurrentIndex:      c.current,
		Failures:          failures,
		ChainLength:       len(c.providers),
		MaxFailures:       c.cfg.MaxFailures,
		RecoveryCheckRate: c.cfg.RecoveryCheckRate,
	}
}

// String describes the chain for logs.
func (c *Chain) String() string {
	s := c.Stats()
	return "failover[" + s.CurrentProvider + "@" + strconv.Itoa(s.CurrentIndex) + "/" + strconv.Itoa(s.ChainLength) + "]"
}
