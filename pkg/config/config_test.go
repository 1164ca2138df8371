package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
unit_of_work:
  timeout_seconds: 12
  max_workers: 2
failover:
  max_failures: 2
  recovery_check_rate: 0.25
  providers:
    - name: primary
      type: anthropic
      model: claude-sonnet-4-5
      api_key: ${TEST_WORLDCORE_KEY}
    - name: backup
      model: gemini-2.5-flash
    - name: fallback
      type: local
batcher:
  enabled: true
  batch_size: 5
  flush_timeout_seconds: 0.2
dispatcher:
  instant_concurrency_limit: 3
  event_tiers:
    quest_update: High
    economy_tick: low
  instant_event_types: [npc_dialogue, combat_bark]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_WORLDCORE_KEY", "sk-test")
	cfg, err := Load(writeFile(t, "worldcore.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 12*time.Second, cfg.UnitOfWork.Timeout())
	assert.Equal(t, 2, cfg.UnitOfWork.MaxWorkers)
	assert.Equal(t, 2, cfg.Failover.MaxFailures)
	assert.InDelta(t, 0.25, cfg.Failover.RecoveryCheckRate, 1e-9)

	require.Len(t, cfg.Failover.Providers, 3)
	assert.Equal(t, "sk-test", cfg.Failover.Providers[0].APIKey)
	assert.Equal(t, ProviderGoogle, cfg.Failover.Providers[1].Type, "type inferred from model")
	assert.Equal(t, ProviderLocal, cfg.Failover.Providers[2].Type)
	assert.Equal(t, DefaultProviderTimeoutSeconds, cfg.Failover.Providers[0].TimeoutSeconds)

	assert.True(t, cfg.Batcher.Enabled)
	assert.Equal(t, 200*time.Millisecond, cfg.Batcher.FlushTimeout())
	assert.Equal(t, DefaultResultTimeoutMultiplier, cfg.Batcher.ResultTimeoutMultiplier)

	assert.Equal(t, 3, cfg.Dispatcher.InstantConcurrencyLimit)
	assert.Equal(t, 3, cfg.Dispatcher.InstantWorkers, "workers default to the limit")
	assert.Equal(t, TierHigh, cfg.Dispatcher.EventTiers["quest_update"])
	assert.Equal(t, TierNormal, cfg.Dispatcher.DefaultTier)
	assert.Equal(t, []string{"npc_dialogue", "combat_bark"}, cfg.Dispatcher.InstantEventTypes)
	assert.NotEmpty(t, cfg.Fallback.Lines)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "worldcore.json", `{
		"failover": {"providers": [{"name": "local", "type": "local"}]},
		"batcher": {"batch_size": 3, "result_timeout_multiplier": 5}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Batcher.BatchSize)
	assert.InDelta(t, 5.0, cfg.Batcher.ResultTimeoutMultiplier, 1e-9)
	assert.Equal(t, DefaultMaxFailures, cfg.Failover.MaxFailures)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WORLDCORE_FAILOVER_MAX_FAILURES", "7")
	t.Setenv("WORLDCORE_BATCHER_FLUSH_TIMEOUT_SECONDS", "1.5")
	t.Setenv("WORLDCORE_BATCHER_ENABLED", "true")
	t.Setenv("WORLDCORE_FAILOVER_PROVIDERS_0_MODEL", "claude-haiku-4-5")
	t.Setenv("WORLDCORE_DISPATCHER_INSTANT_EVENT_TYPES", "npc_dialogue, combat_bark")

	cfg, err := Parse([]byte(`{"failover":{"providers":[{"name":"p","type":"anthropic","model":"claude-sonnet-4-5"}]}}`), FormatJSON)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Failover.MaxFailures)
	assert.InDelta(t, 1.5, cfg.Batcher.FlushTimeoutSeconds, 1e-9)
	assert.True(t, cfg.Batcher.Enabled)
	assert.Equal(t, "claude-haiku-4-5", cfg.Failover.Providers[0].Model)
	assert.Equal(t, []string{"npc_dialogue", "combat_bark"}, cfg.Dispatcher.InstantEventTypes)
}

func TestUnsetVariableLeftInPlace(t *testing.T) {
	assert.Equal(t, "key=${WORLDCORE_SURELY_UNSET_VAR}", expandEnv("key=${WORLDCORE_SURELY_UNSET_VAR}"))
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"no providers", `{}`},
		{"unknown provider type", `{"failover":{"providers":[{"name":"x","type":"carrier-pigeon"}]}}`},
		{"missing model", `{"failover":{"providers":[{"name":"x","type":"openai"}]}}`},
		{"duplicate names", `{"failover":{"providers":[{"name":"x","type":"local"},{"name":"x","type":"local"}]}}`},
		{"bad recovery rate", `{"failover":{"recovery_check_rate":1.5,"providers":[{"type":"local"}]}}`},
		{"bad tier", `{"failover":{"providers":[{"type":"local"}]},"dispatcher":{"event_tiers":{"a":"urgent"}}}`},
		{"bad multiplier", `{"failover":{"providers":[{"type":"local"}]},"batcher":{"result_timeout_multiplier":0.5}}`},
		{"negative budget", `{"failover":{"providers":[{"type":"local","daily_budget_usd":-1}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json), FormatJSON)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultInstantConcurrency, cfg.Dispatcher.InstantWorkers)
	assert.Equal(t, DefaultMetricsListenAddr, cfg.Metrics.ListenAddr)
}

func TestCalculateCost(t *testing.T) {
	cost := CalculateCost("claude-sonnet-4-5", 1_000_000, 1_000_000)
	assert.InDelta(t, 18.0, cost, 1e-9)
	assert.Zero(t, CalculateCost("some-new-model", 1000, 1000))
}

func TestGetModelInfo(t *testing.T) {
	info, known := GetModelInfo("gpt-4o")
	assert.True(t, known)
	assert.Equal(t, ProviderOpenAI, info.Provider)

	info, known = GetModelInfo("llama3.3:70b")
	assert.False(t, known)
	assert.Equal(t, ProviderOllama, info.Provider)

	_, err := GetModelProvider("mystery")
	assert.Error(t, err)
}
