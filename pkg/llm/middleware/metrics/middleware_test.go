package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"worldcore/internal/mocks"
	"worldcore/pkg/llm"
	"worldcore/pkg/llmerrors"
	"worldcore/pkg/metrics"
)

func TestMiddlewareRecordsSuccessAndFailure(t *testing.T) {
	reg := metrics.NewRegistry()
	rec := NewRecorder(reg)

	p := mocks.NewMockProvider("primary")
	p.OnComplete(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		return llm.Response{Text: "hi", PromptTokens: 12, CompletionTokens: 3, Cost: 0.002}, nil
	})
	wrapped := llm.Chain(p, Middleware(rec, "gpt-4o"))

	_, _ = llm.Generate(context.Background(), wrapped, "x", llm.Options{})
	p.FailWith(llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key"))
	_, _ = llm.Generate(context.Background(), wrapped, "x", llm.Options{})

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.requests.WithLabelValues("primary", "gpt-4o", "success", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.requests.WithLabelValues("primary", "gpt-4o", "error", "auth")))
	assert.Equal(t, 12.0, testutil.ToFloat64(rec.tokens.WithLabelValues("primary", "gpt-4o", "prompt")))
	assert.Equal(t, 3.0, testutil.ToFloat64(rec.tokens.WithLabelValues("primary", "gpt-4o", "completion")))
	assert.InDelta(t, 0.002, testutil.ToFloat64(rec.costs.WithLabelValues("primary", "gpt-4o")), 1e-12)
	assert.Equal(t, 2, testutil.CollectAndCount(rec.duration))
}
