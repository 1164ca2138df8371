// Package kernel owns the shared runtime of the dispatch core: metrics,
// budgets, the provider failover chain, the prompt batcher, the priority
// dispatcher and the outcome audit log. It is built once in main and passed
// to whatever needs it; nothing here is global.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"worldcore/pkg/audit"
	"worldcore/pkg/batch"
	"worldcore/pkg/config"
	"worldcore/pkg/dispatch"
	"worldcore/pkg/failover"
	"worldcore/pkg/limiter"
	"worldcore/pkg/llm"
	"worldcore/pkg/logx"
	"worldcore/pkg/metrics"
	"worldcore/pkg/providers"
	"worldcore/pkg/workunit"
)

// auditCloseTimeout bounds the final audit drain when Stop's context is already done.
const auditCloseTimeout = 5 * time.Second

// Kernel manages the lifecycle of the shared components.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Kernel struct {
	Config   *config.Config
	Logger   *logx.Logger
	Registry *metrics.Registry

	Budgets    *limiter.Limiter
	Chain      *failover.Chain
	Batcher    *batch.Batcher[string, string] // nil unless batcher.enabled
	Dispatcher *dispatch.Dispatcher
	Audit      *audit.Store // nil unless audit.db_path is set

	sink audit.Sink

	mu      sync.Mutex
	units   []*workunit.Unit
	running bool
}

// Option configures a Kernel.
type Option func(*options)

type options struct {
	registry  *metrics.Registry
	client    *http.Client
	providers []llm.Provider
	names     []string
}

// WithRegistry uses reg instead of a fresh registry.
func WithRegistry(reg *metrics.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithHTTPClient is used by providers that talk plain HTTP.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithProviders replaces the configured failover providers.
func WithProviders(ps []llm.Provider, names []string) Option {
	return func(o *options) {
		o.providers = ps
		o.names = names
	}
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logx.SetDebug(cfg.Log.Debug, cfg.Log.Domains)

	k := &Kernel{
		Config:   cfg,
		Logger:   logx.NewLogger("kernel"),
		Registry: metrics.OrNew(o.registry),
		Budgets:  limiter.NewLimiter(cfg.Failover.Providers),
	}
	if err := k.initialize(&o); err != nil {
		k.Budgets.Close()
		if k.Audit != nil {
			_ = k.Audit.Close(context.Background())
		}
		return nil, err
	}
	k.Logger.Info("Kernel services initialized: %s", k.Chain)
	return k, nil
}

func (k *Kernel) initialize(o *options) error {
	cfg := k.Config

	if cfg.Audit.DBPath != "" {
		store, err := audit.Open(cfg.Audit.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		k.Audit = store
		k.sink = store
	}

	ps, names := o.providers, o.names
	if ps == nil {
		factoryOpts := []providers.FactoryOption{
			providers.WithRegistry(k.Registry),
			providers.WithBudgets(k.Budgets),
			providers.WithFallbackLines(cfg.Fallback.Lines),
		}
		if o.client != nil {
			factoryOpts = append(factoryOpts, providers.WithHTTPClient(o.client))
		}
		var err error
		ps, names, err = providers.NewFactory(factoryOpts...).NewAll(cfg.Failover.Providers)
		if err != nil {
			return fmt.Errorf("failed to create providers: %w", err)
		}
	}

	var err error
	k.Chain, err = failover.New(ps, names, failover.Config{
		MaxFailures:       cfg.Failover.MaxFailures,
		RecoveryCheckRate: cfg.Failover.RecoveryCheckRate,
	}, failover.WithRegistry(k.Registry))
	if err != nil {
		return fmt.Errorf("failed to create failover chain: %w", err)
	}

	if cfg.Batcher.Enabled {
		proc := batch.PromptProcessor(k.Chain, batch.PromptOptions{})
		k.Batcher, err = batch.New(proc, batch.ConfigFrom(cfg.Batcher),
			batch.WithName("prompts"), batch.WithRegistry(k.Registry))
		if err != nil {
			return fmt.Errorf("failed to create batcher: %w", err)
		}
	}

	dcfg, err := dispatch.ConfigFrom(cfg.Dispatcher)
	if err != nil {
		return fmt.Errorf("invalid dispatcher configuration: %w", err)
	}
	dopts := []dispatch.Option{dispatch.WithRegistry(k.Registry)}
	if k.sink != nil {
		dopts = append(dopts, dispatch.WithSink(k.sink))
	}
	k.Dispatcher, err = dispatch.NewDispatcher(dcfg, dopts...)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	return nil
}

// Start launches the dispatcher workers and the batcher flush loop.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return fmt.Errorf("kernel already running")
	}

	k.Logger.Info("Starting kernel services...")
	if k.Batcher != nil {
		if err := k.Batcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start batcher: %w", err)
		}
	}
	if err := k.Dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	k.running = true
	k.Logger.Info("Kernel services started successfully")
	return nil
}

// Stop shuts down in dependency order: the dispatcher first so no handler is
// left using the batcher, then the batcher and units together, then the audit
// log once nothing can record into it.
func (k *Kernel) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	k.running = false
	units := k.units
	k.units = nil
	k.mu.Unlock()

	k.Logger.Info("Stopping kernel services...")
	var errs []error

	if err := k.Dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}

	g, gctx := errgroup.WithContext(ctx)
	if k.Batcher != nil {
		g.Go(func() error {
			if err := k.Batcher.Stop(gctx); err != nil {
				return fmt.Errorf("batcher: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		for _, u := range units {
			u.Teardown()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	k.Budgets.Close()

	if k.Audit != nil {
		closeCtx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			closeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), auditCloseTimeout)
			defer cancel()
		}
		if err := k.Audit.Close(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("audit: %w", err))
		}
		if n := k.Audit.Dropped(); n > 0 {
			k.Logger.Warn("Audit log dropped %d records", n)
		}
	}

	if err := errors.Join(errs...); err != nil {
		k.Logger.Error("Kernel stopped with errors: %v", err)
		return err
	}
	k.Logger.Info("Kernel services stopped")
	return nil
}

// NewUnit creates a unit of work bound to the kernel's timeout, metrics and
// audit log. The kernel tears it down on Stop.
func (k *Kernel) NewUnit(name string, h workunit.Handler, opts ...workunit.Option) (*workunit.Unit, error) {
	base := []workunit.Option{workunit.WithRegistry(k.Registry)}
	if k.sink != nil {
		base = append(base, workunit.WithSink(k.sink))
	}
	u, err := workunit.New(name, h, workunit.ConfigFrom(k.Config.UnitOfWork), append(base, opts...)...)
	if err != nil {
		return nil, err //nolint:wrapcheck // already names the unit
	}

	k.mu.Lock()
	k.units = append(k.units, u)
	k.mu.Unlock()
	return u, nil
}

// Submit hands an event to the dispatcher.
func (k *Kernel) Submit(ctx context.Context, eventType string, payload any, h dispatch.Handler) (*dispatch.Ticket, error) {
	return k.Dispatcher.Submit(ctx, eventType, payload, h) //nolint:wrapcheck // dispatcher errors are sentinels
}

// Generate answers a single prompt, through the batcher when it is enabled
// and straight through the failover chain otherwise.
func (k *Kernel) Generate(ctx context.Context, prompt string) (string, error) {
	if k.Batcher != nil {
		return k.Batcher.Submit(ctx, prompt) //nolint:wrapcheck // batch errors are returned as produced
	}
	resp, err := k.Chain.Generate(ctx, prompt, llm.Options{})
	if err != nil {
		return "", err //nolint:wrapcheck // chain errors already name the providers
	}
	return resp.Text, nil
}

// Stats returns a snapshot of every component.
func (k *Kernel) Stats() map[string]any {
	k.mu.Lock()
	running := k.running
	units := len(k.units)
	k.mu.Unlock()

	stats := map[string]any{
		"running":    running,
		"units":      units,
		"dispatcher": k.Dispatcher.Stats(),
		"failover":   k.Chain.Stats(),
		"budgets":    k.Budgets.Statuses(),
	}
	if k.Batcher != nil {
		stats["batcher"] = k.Batcher.Stats()
	}
	if k.Audit != nil {
		stats["audit_dropped"] = k.Audit.Dropped()
	}
	return stats
}

// Handler serves /metrics, /healthz and /stats.
func (k *Kernel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", k.Registry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		k.mu.Lock()
		running := k.running
		k.mu.Unlock()
		if !running {
			http.Error(w, "stopped", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(k.Stats()); err != nil {
			k.Logger.Warn("failed to encode stats: %v", err)
		}
	})
	return mux
}
