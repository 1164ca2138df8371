// Package metrics records per-provider request, token, cost and latency metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"worldcore/pkg/llm"
	"worldcore/pkg/llmerrors"
	"worldcore/pkg/metrics"
)

// Recorder holds the provider metric vectors.
type Recorder struct {
	requests *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	costs    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewRecorder registers the provider metrics in reg.
func NewRecorder(reg *metrics.Registry) *Recorder {
	reg = metrics.OrNew(reg)
	return &Recorder{
		requests: reg.CounterVec("llm_requests_total",
			"Provider calls by provider, model, status and error type.",
			"provider", "model", "status", "error_type"),
		tokens: reg.CounterVec("llm_tokens_total",
			"Tokens used by provider calls.",
			"provider", "model", "type"),
		costs: reg.CounterVec("llm_cost_usd_total",
			"Cost in USD of provider calls.",
			"provider", "model"),
		duration: reg.HistogramVec("llm_request_duration_seconds",
			"Provider call latency in seconds.",
			[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			"provider", "model"),
	}
}

// ObserveRequest records one finished provider call.
func (r *Recorder) ObserveRequest(provider, model string, resp llm.Response, err error, elapsed time.Duration) {
	status, errorType := "success", ""
	if err != nil {
		status, errorType = "error", llmerrors.TypeOf(err).String()
	}
	r.requests.WithLabelValues(provider, model, status, errorType).Inc()
	r.duration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
	if err != nil {
		return
	}
	r.tokens.WithLabelValues(provider, model, "prompt").Add(float64(resp.PromptTokens))
	r.tokens.WithLabelValues(provider, model, "completion").Add(float64(resp.CompletionTokens))
	if resp.Cost > 0 {
		r.costs.WithLabelValues(provider, model).Add(resp.Cost)
	}
}

// Middleware records metrics for every call to the wrapped provider.
func Middleware(recorder *Recorder, model string) llm.Middleware {
	return func(next llm.Provider) llm.Provider {
		return llm.WrapProvider(next.Name(), func(ctx context.Context, req llm.Request) (llm.Response, error) {
			start := time.Now()
			resp, err := next.Complete(ctx, req)
			recorder.ObserveRequest(next.Name(), model, resp, err, time.Since(start))
			return resp, err
		})
	}
}
