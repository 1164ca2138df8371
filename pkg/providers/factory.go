package providers

import (
	"fmt"
	"net/http"
	"time"

	"worldcore/pkg/config"
	"worldcore/pkg/limiter"
	"worldcore/pkg/llm"
	"worldcore/pkg/llm/middleware/budget"
	llmmetrics "worldcore/pkg/llm/middleware/metrics"
	"worldcore/pkg/llm/middleware/ratelimit"
	"worldcore/pkg/llm/middleware/timeout"
	"worldcore/pkg/metrics"
	"worldcore/pkg/providers/internal/llmimpl/anthropic"
	"worldcore/pkg/providers/internal/llmimpl/google"
	"worldcore/pkg/providers/internal/llmimpl/ollama"
	"worldcore/pkg/providers/internal/llmimpl/openai"
	"worldcore/pkg/tokens"
)

// rateLimitWait bounds how long a call waits for local rate-limit capacity
// before it is reported as throttled.
const rateLimitWait = 5 * time.Second

// Factory builds providers with their middleware chains. Metric vectors,
// the tokenizer and the spend budgets are shared by every provider it builds.
type Factory struct {
	counter  *tokens.Counter
	registry *metrics.Registry
	recorder *llmmetrics.Recorder
	budgets  *limiter.Limiter
	fallback []string
	client   *http.Client
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithRegistry records provider metrics in reg.
func WithRegistry(reg *metrics.Registry) FactoryOption {
	return func(f *Factory) { f.registry = reg }
}

// WithBudgets enforces daily spend budgets.
func WithBudgets(budgets *limiter.Limiter) FactoryOption {
	return func(f *Factory) { f.budgets = budgets }
}

// WithFallbackLines sets the lines served by local providers.
func WithFallbackLines(lines []string) FactoryOption {
	return func(f *Factory) { f.fallback = lines }
}

// WithHTTPClient sets the HTTP client used for Ollama.
func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *Factory) { f.client = c }
}

// WithCounter shares a token counter.
func WithCounter(c *tokens.Counter) FactoryOption {
	return func(f *Factory) { f.counter = c }
}

// NewFactory creates a provider factory.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{}
	for _, opt := range opts {
		opt(f)
	}
	if f.counter == nil {
		f.counter = tokens.NewCounter()
	}
	f.registry = metrics.OrNew(f.registry)
	f.recorder = llmmetrics.NewRecorder(f.registry)
	if len(f.fallback) == 0 {
		f.fallback = config.DefaultFallbackLines
	}
	return f
}

// New builds one provider wrapped as
//
//	metrics -> budget -> rate limit -> timeout -> backend
func (f *Factory) New(cfg config.ProviderConfig) (llm.Provider, error) {
	s, err := f.sender(cfg)
	if err != nil {
		return nil, err
	}
	base := newBackend(cfg, s, f.counter)

	mws := []llm.Middleware{llmmetrics.Middleware(f.recorder, cfg.Model)}
	if f.budgets != nil {
		mws = append(mws, budget.Middleware(f.budgets, cfg.Model, f.counter))
	}
	if cfg.TokensPerMinute > 0 || cfg.MaxConcurrency > 0 {
		bucket := ratelimit.NewTokenBucketLimiter(cfg.Name, ratelimit.Config{
			TokensPerMinute: cfg.TokensPerMinute,
			MaxConcurrency:  cfg.MaxConcurrency,
			MaxWait:         rateLimitWait,
		})
		mws = append(mws, ratelimit.Middleware(bucket, f.counter, f.registry))
	}
	mws = append(mws, timeout.Middleware(cfg.Timeout()))

	return llm.Chain(base, mws...), nil
}

// NewAll builds the providers of a failover chain in order, returning them
// with their names.
func (f *Factory) NewAll(cfgs []config.ProviderConfig) ([]llm.Provider, []string, error) {
	providers := make([]llm.Provider, 0, len(cfgs))
	names := make([]string, 0, len(cfgs))
	for i := range cfgs {
		p, err := f.New(cfgs[i])
		if err != nil {
			return nil, nil, fmt.Errorf("provider %q: %w", cfgs[i].Name, err)
		}
		providers = append(providers, p)
		names = append(names, cfgs[i].Name)
	}
	return providers, names, nil
}

func (f *Factory) sender(cfg config.ProviderConfig) (sender, error) {
	switch cfg.Type {
	case config.ProviderAnthropic:
		return anthropic.New(cfg.APIKey, cfg.Model), nil
	case config.ProviderOpenAI:
		return openai.New(cfg.APIKey, cfg.Model), nil
	case config.ProviderGoogle:
		return google.New(cfg.APIKey, cfg.Model), nil
	case config.ProviderOllama:
		return ollama.New(cfg.Host, cfg.Model, f.client)
	case config.ProviderLocal:
		return NewLocal(f.fallback), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
}
