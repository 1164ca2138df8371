// Package config loads and validates the dispatch core configuration.
//
// Configuration is read from a JSON or YAML file, `${VAR}` references are
// expanded from the environment, WORLDCORE_* variables override individual
// fields, then defaults are applied and the result is validated.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider types understood by the provider factory.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
	ProviderLocal     = "local"
)

// Priority tier names accepted in dispatcher configuration.
const (
	TierInstant = "instant"
	TierHigh    = "high"
	TierNormal  = "normal"
	TierLow     = "low"
)

// Defaults.
const (
	DefaultTimeoutSeconds          = 30.0
	DefaultMaxWorkers              = 4
	DefaultMaxFailures             = 3
	DefaultRecoveryCheckRate       = 0.1
	DefaultBatchSize               = 8
	DefaultFlushTimeoutSeconds     = 0.5
	DefaultResultTimeoutMultiplier = 3.0
	DefaultInstantConcurrency      = 4
	DefaultQueueSize               = 256
	DefaultProviderTimeoutSeconds  = 60.0
	DefaultProviderMaxTokens       = 1024
	DefaultOllamaHost              = "http://localhost:11434"
	DefaultMetricsListenAddr       = ":9464"

	// EnvPrefix prefixes every environment override, e.g. WORLDCORE_BATCHER_BATCH_SIZE.
	EnvPrefix = "WORLDCORE_"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete configuration of a dispatch core process.
type Config struct {
	UnitOfWork UnitOfWorkConfig `json:"unit_of_work" yaml:"unit_of_work"`
	Failover   FailoverConfig   `json:"failover" yaml:"failover"`
	Batcher    BatcherConfig    `json:"batcher" yaml:"batcher"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Audit      AuditConfig      `json:"audit" yaml:"audit"`
	Log        LogConfig        `json:"log" yaml:"log"`
	Fallback   FallbackConfig   `json:"fallback" yaml:"fallback"`
}

// UnitOfWorkConfig bounds a single unit of work.
type UnitOfWorkConfig struct {
	TimeoutSeconds float64 `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxWorkers     int     `json:"max_workers" yaml:"max_workers"` // blocking-work pool size
}

// Timeout returns the unit-of-work timeout as a duration.
func (c UnitOfWorkConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

// FailoverConfig configures the provider failover chain. Providers are tried in list order.
type FailoverConfig struct {
	MaxFailures       int              `json:"max_failures" yaml:"max_failures"`
	RecoveryCheckRate float64          `json:"recovery_check_rate" yaml:"recovery_check_rate"`
	Providers         []ProviderConfig `json:"providers" yaml:"providers"`
}

// ProviderConfig describes one backend in the failover chain.
type ProviderConfig struct {
	Name            string  `json:"name" yaml:"name"`
	Type            string  `json:"type" yaml:"type"` // anthropic | openai | google | ollama | local
	Model           string  `json:"model" yaml:"model"`
	APIKey          string  `json:"api_key" yaml:"api_key"`
	Host            string  `json:"host" yaml:"host"` // ollama only
	TimeoutSeconds  float64 `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxTokens       int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature     float64 `json:"temperature" yaml:"temperature"`
	TokensPerMinute int     `json:"tokens_per_minute" yaml:"tokens_per_minute"` // 0 disables rate limiting
	MaxConcurrency  int     `json:"max_concurrency" yaml:"max_concurrency"`
	DailyBudgetUSD  float64 `json:"daily_budget_usd" yaml:"daily_budget_usd"` // 0 disables the budget
}

// Timeout returns the per-call provider timeout.
func (p ProviderConfig) Timeout() time.Duration {
	return seconds(p.TimeoutSeconds)
}

// BatcherConfig configures request coalescing.
type BatcherConfig struct {
	Enabled                 bool    `json:"enabled" yaml:"enabled"`
	BatchSize               int     `json:"batch_size" yaml:"batch_size"`
	FlushTimeoutSeconds     float64 `json:"flush_timeout_seconds" yaml:"flush_timeout_seconds"`
	ResultTimeoutMultiplier float64 `json:"result_timeout_multiplier" yaml:"result_timeout_multiplier"`
}

// FlushTimeout returns the background flush interval.
func (c BatcherConfig) FlushTimeout() time.Duration {
	return seconds(c.FlushTimeoutSeconds)
}

// DispatcherConfig configures the priority dispatcher.
type DispatcherConfig struct {
	InstantConcurrencyLimit int               `json:"instant_concurrency_limit" yaml:"instant_concurrency_limit"`
	InstantWorkers          int               `json:"instant_workers" yaml:"instant_workers"` // 0 = same as the limit
	QueueSize               int               `json:"queue_size" yaml:"queue_size"`
	DefaultTier             string            `json:"default_tier" yaml:"default_tier"`
	EventTiers              map[string]string `json:"event_tiers" yaml:"event_tiers"`
	InstantEventTypes       []string          `json:"instant_event_types" yaml:"instant_event_types"`
}

// MetricsConfig configures the metrics endpoint and the query client.
type MetricsConfig struct {
	ListenAddr    string `json:"listen_addr" yaml:"listen_addr"`
	PrometheusURL string `json:"prometheus_url" yaml:"prometheus_url"`
}

// AuditConfig configures the outcome audit log. An empty path disables it.
type AuditConfig struct {
	DBPath string `json:"db_path" yaml:"db_path"`
}

// LogConfig mirrors the DEBUG / DEBUG_DOMAINS environment switches.
type LogConfig struct {
	Debug   bool     `json:"debug" yaml:"debug"`
	Domains []string `json:"domains" yaml:"domains"`
}

// FallbackConfig holds the lines served by the local provider.
type FallbackConfig struct {
	Lines []string `json:"lines" yaml:"lines"`
}

// DefaultFallbackLines are used when no fallback lines are configured.
//
//nolint:gochecknoglobals // static defaults
var DefaultFallbackLines = []string{
	"The world is quiet for a moment.",
	"I need a moment to think about that.",
	"Let us speak of this later, traveler.",
}

// Default returns a configuration with every default applied and a single
// local provider, suitable for tests and offline runs.
func Default() *Config {
	cfg := &Config{
		Failover: FailoverConfig{
			Providers: []ProviderConfig{{Name: "local", Type: ProviderLocal}},
		},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.UnitOfWork.TimeoutSeconds == 0 {
		cfg.UnitOfWork.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if cfg.UnitOfWork.MaxWorkers == 0 {
		cfg.UnitOfWork.MaxWorkers = DefaultMaxWorkers
	}

	if cfg.Failover.MaxFailures == 0 {
		cfg.Failover.MaxFailures = DefaultMaxFailures
	}
	if cfg.Failover.RecoveryCheckRate == 0 {
		cfg.Failover.RecoveryCheckRate = DefaultRecoveryCheckRate
	}
	for i := range cfg.Failover.Providers {
		p := &cfg.Failover.Providers[i]
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		if p.Type == "" && p.Model != "" {
			if provider, err := GetModelProvider(p.Model); err == nil {
				p.Type = provider
			}
		}
		if p.Name == "" {
			p.Name = p.Type
		}
		if p.TimeoutSeconds == 0 {
			p.TimeoutSeconds = DefaultProviderTimeoutSeconds
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = DefaultProviderMaxTokens
		}
		if p.Type == ProviderOllama && p.Host == "" {
			p.Host = DefaultOllamaHost
		}
	}

	if cfg.Batcher.BatchSize == 0 {
		cfg.Batcher.BatchSize = DefaultBatchSize
	}
	if cfg.Batcher.FlushTimeoutSeconds == 0 {
		cfg.Batcher.FlushTimeoutSeconds = DefaultFlushTimeoutSeconds
	}
	if cfg.Batcher.ResultTimeoutMultiplier == 0 {
		cfg.Batcher.ResultTimeoutMultiplier = DefaultResultTimeoutMultiplier
	}

	if cfg.Dispatcher.InstantConcurrencyLimit == 0 {
		cfg.Dispatcher.InstantConcurrencyLimit = DefaultInstantConcurrency
	}
	if cfg.Dispatcher.InstantWorkers == 0 {
		cfg.Dispatcher.InstantWorkers = cfg.Dispatcher.InstantConcurrencyLimit
	}
	if cfg.Dispatcher.QueueSize == 0 {
		cfg.Dispatcher.QueueSize = DefaultQueueSize
	}
	if cfg.Dispatcher.DefaultTier == "" {
		cfg.Dispatcher.DefaultTier = TierNormal
	}
	cfg.Dispatcher.DefaultTier = strings.ToLower(cfg.Dispatcher.DefaultTier)
	for eventType, tier := range cfg.Dispatcher.EventTiers {
		cfg.Dispatcher.EventTiers[eventType] = strings.ToLower(strings.TrimSpace(tier))
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = DefaultMetricsListenAddr
	}
	if len(cfg.Fallback.Lines) == 0 {
		cfg.Fallback.Lines = append([]string(nil), DefaultFallbackLines...)
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	return validateConfig(c)
}

func validateConfig(cfg *Config) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.UnitOfWork.TimeoutSeconds < 0 {
		add("unit_of_work.timeout_seconds must be positive")
	}
	if cfg.UnitOfWork.MaxWorkers < 1 {
		add("unit_of_work.max_workers must be at least 1")
	}

	if cfg.Failover.MaxFailures < 1 {
		add("failover.max_failures must be at least 1")
	}
	if cfg.Failover.RecoveryCheckRate < 0 || cfg.Failover.RecoveryCheckRate > 1 {
		add("failover.recovery_check_rate must be within [0, 1]")
	}
	if len(cfg.Failover.Providers) == 0 {
		add("failover.providers must not be empty")
	}
	seen := make(map[string]bool, len(cfg.Failover.Providers))
	for i := range cfg.Failover.Providers {
		p := &cfg.Failover.Providers[i]
		switch p.Type {
		case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
			if p.Model == "" {
				add("failover.providers[%d] (%s): model is required", i, p.Name)
			}
		case ProviderLocal:
		default:
			add("failover.providers[%d]: unknown type %q", i, p.Type)
		}
		if seen[p.Name] {
			add("failover.providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.TokensPerMinute < 0 || p.MaxConcurrency < 0 || p.DailyBudgetUSD < 0 {
			add("failover.providers[%d] (%s): limits must not be negative", i, p.Name)
		}
	}

	if cfg.Batcher.BatchSize < 1 {
		add("batcher.batch_size must be at least 1")
	}
	if cfg.Batcher.FlushTimeoutSeconds <= 0 {
		add("batcher.flush_timeout_seconds must be positive")
	}
	if cfg.Batcher.ResultTimeoutMultiplier < 1 {
		add("batcher.result_timeout_multiplier must be at least 1")
	}

	if cfg.Dispatcher.InstantConcurrencyLimit < 1 {
		add("dispatcher.instant_concurrency_limit must be at least 1")
	}
	if cfg.Dispatcher.InstantWorkers < 1 {
		add("dispatcher.instant_workers must be at least 1")
	}
	if cfg.Dispatcher.QueueSize < 1 {
		add("dispatcher.queue_size must be at least 1")
	}
	if !isTier(cfg.Dispatcher.DefaultTier) {
		add("dispatcher.default_tier: unknown tier %q", cfg.Dispatcher.DefaultTier)
	}
	for eventType, tier := range cfg.Dispatcher.EventTiers {
		if !isTier(tier) {
			add("dispatcher.event_tiers[%s]: unknown tier %q", eventType, tier)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func isTier(name string) bool {
	switch name {
	case TierInstant, TierHigh, TierNormal, TierLow:
		return true
	default:
		return false
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
