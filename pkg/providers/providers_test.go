package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldcore/pkg/config"
	"worldcore/pkg/llm"
	"worldcore/pkg/llmerrors"
	"worldcore/pkg/metrics"
)

type fakeSender struct {
	text string
	err  error
	last llm.Request
}

func (f *fakeSender) Send(_ context.Context, req llm.Request) (string, error) {
	f.last = req
	return f.text, f.err
}

func testBackend(s sender) *Backend {
	return newBackend(config.ProviderConfig{
		Name:        "primary",
		Model:       "gpt-4o",
		MaxTokens:   256,
		Temperature: 0.7,
	}, s, nil)
}

func TestBackendAccountsUsage(t *testing.T) {
	s := &fakeSender{text: "The gate opens at dawn."}
	b := testBackend(s)

	resp, err := llm.Generate(context.Background(), b, "When does the gate open?", llm.Options{})
	require.NoError(t, err)

	assert.Equal(t, "primary", resp.Provider)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Positive(t, resp.PromptTokens)
	assert.Positive(t, resp.CompletionTokens)
	assert.Positive(t, resp.Cost)
	assert.Equal(t, 256, s.last.Options.MaxTokens)
	assert.InDelta(t, 0.7, s.last.Options.Temperature, 1e-9)
}

func TestBackendClassifiesErrors(t *testing.T) {
	b := testBackend(&fakeSender{err: errors.New("POST /v1/responses: status code: 401 Unauthorized")})

	_, err := llm.Generate(context.Background(), b, "hi", llm.Options{})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeAuth))
	assert.False(t, llmerrors.IsRetryable(err))

	var llmErr *llmerrors.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, "primary", llmErr.Provider)
}

func TestBackendRejectsEmptyText(t *testing.T) {
	b := testBackend(&fakeSender{text: "   "})

	_, err := llm.Generate(context.Background(), b, "hi", llm.Options{})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse))
	assert.True(t, llmerrors.IsRetryable(err))
}

func TestBackendStructured(t *testing.T) {
	schema := llm.Schema{
		"type":       "object",
		"properties": map[string]any{"mood": map[string]any{"type": "string"}},
		"required":   []any{"mood"},
	}

	s := &fakeSender{text: "Sure! ```json\n{\"mood\": \"wary\"}\n```"}
	resp, err := llm.Structured(context.Background(), testBackend(s), "How does the guard feel?", schema, llm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "wary", resp.Data["mood"])
	require.NotEmpty(t, s.last.Messages)
	assert.Equal(t, llm.RoleSystem, s.last.Messages[0].Role)

	_, err = llm.Structured(context.Background(), testBackend(&fakeSender{text: `{"feeling": 1}`}), "x", schema, llm.Options{})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeInvalidOutput))
}

func TestLocalIsDeterministic(t *testing.T) {
	l := NewLocal([]string{"a", "b", "c", "d"})
	req := llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello there"}}}

	first, err := l.Send(context.Background(), req)
	require.NoError(t, err)
	for range 5 {
		again, err := l.Send(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Contains(t, []string{"a", "b", "c", "d"}, first)
}

func TestLocalHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocal(nil).Send(ctx, llm.Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalStructuredSatisfiesSchema(t *testing.T) {
	schema := llm.Schema{
		"type": "object",
		"properties": map[string]any{
			"reply":   map[string]any{"type": "string"},
			"emotion": map[string]any{"type": "string", "enum": []any{"neutral", "angry"}},
			"trust":   map[string]any{"type": "integer", "minimum": 0},
			"gift":    map[string]any{"type": "boolean"},
			"items":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"target": map[string]any{
				"type":       "object",
				"properties": map[string]any{"id": map[string]any{"type": "string"}},
				"required":   []any{"id"},
			},
			"optional": map[string]any{"type": "string"},
		},
		"required": []any{"reply", "emotion", "trust", "gift", "items", "target"},
	}

	p := newBackend(config.ProviderConfig{Name: "local"}, NewLocal([]string{"Hm."}), nil)
	resp, err := llm.Structured(context.Background(), p, "talk", schema, llm.Options{})
	require.NoError(t, err)

	assert.Equal(t, "Hm.", resp.Data["reply"])
	assert.Equal(t, "neutral", resp.Data["emotion"])
	assert.Equal(t, false, resp.Data["gift"])
	assert.Equal(t, map[string]any{"id": "Hm."}, resp.Data["target"])
	assert.NotContains(t, resp.Data, "optional")
	assert.Zero(t, resp.Cost)
}

func TestLocalStructuredHonorsLowerBounds(t *testing.T) {
	schema := llm.Schema{
		"type": "object",
		"properties": map[string]any{
			"answers": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string"},
				"minItems": 3,
				"maxItems": 3,
			},
			"name": map[string]any{"type": "string", "minLength": 5},
		},
		"required": []any{"answers", "name"},
	}

	p := newBackend(config.ProviderConfig{Name: "local"}, NewLocal([]string{"Hm."}), nil)
	resp, err := llm.Structured(context.Background(), p, "talk", schema, llm.Options{})
	require.NoError(t, err)

	assert.Equal(t, []any{"Hm.", "Hm.", "Hm."}, resp.Data["answers"])
	assert.Equal(t, "Hm...", resp.Data["name"])
}

func TestFactoryBuildsEveryType(t *testing.T) {
	f := NewFactory()
	for _, cfg := range []config.ProviderConfig{
		{Name: "claude", Type: config.ProviderAnthropic, Model: "claude-sonnet-4-5", APIKey: "k", TimeoutSeconds: 10},
		{Name: "gpt", Type: config.ProviderOpenAI, Model: "gpt-4o", APIKey: "k", TokensPerMinute: 1000},
		{Name: "gemini", Type: config.ProviderGoogle, Model: "gemini-2.5-flash", APIKey: "k"},
		{Name: "llama", Type: config.ProviderOllama, Model: "llama3.1:8b", Host: config.DefaultOllamaHost},
		{Name: "fallback", Type: config.ProviderLocal},
	} {
		p, err := f.New(cfg)
		require.NoError(t, err, cfg.Name)
		assert.Equal(t, cfg.Name, p.Name())
	}

	_, err := f.New(config.ProviderConfig{Name: "x", Type: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unsupported provider type")
}

func TestFactoryRecordsMetrics(t *testing.T) {
	reg := metrics.NewRegistry()
	f := NewFactory(WithRegistry(reg), WithFallbackLines([]string{"Hello."}))

	providers, names, err := f.NewAll([]config.ProviderConfig{{Name: "fallback", Type: config.ProviderLocal}})
	require.NoError(t, err)
	assert.Equal(t, []string{"fallback"}, names)

	resp, err := llm.Generate(context.Background(), providers[0], "hi", llm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "Hello.", resp.Text)

	requests := reg.CounterVec("llm_requests_total", "", "provider", "model", "status", "error_type")
	assert.Equal(t, 1.0, testutil.ToFloat64(requests.WithLabelValues("fallback", "", "success", "")))
}
