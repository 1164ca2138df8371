package ratelimit

import (
	"context"

	"worldcore/pkg/llm"
	"worldcore/pkg/metrics"
	"worldcore/pkg/tokens"
)

// DefaultCompletionTokens is reserved for the response when a request sets no MaxTokens.
const DefaultCompletionTokens = 512

// Middleware throttles the wrapped provider with limiter. Each call reserves
// its estimated prompt tokens plus its completion allowance.
func Middleware(limiter *TokenBucketLimiter, counter *tokens.Counter, reg *metrics.Registry) llm.Middleware {
	if counter == nil {
		counter = tokens.NewCounter()
	}
	throttles := metrics.OrNew(reg).CounterVec("llm_throttle_total",
		"Provider calls rejected by the local rate limiter.", "provider")

	return func(next llm.Provider) llm.Provider {
		return llm.WrapProvider(next.Name(), func(ctx context.Context, req llm.Request) (llm.Response, error) {
			completion := req.Options.MaxTokens
			if completion <= 0 {
				completion = DefaultCompletionTokens
			}
			estimate := counter.CountAll(messageContents(req)...) + completion

			release, err := limiter.Acquire(ctx, estimate)
			if err != nil {
				throttles.WithLabelValues(next.Name()).Inc()
				return llm.Response{}, err
			}
			defer release()

			return next.Complete(ctx, req)
		})
	}
}

func messageContents(req llm.Request) []string {
	out := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		out = append(out, m.Content)
	}
	return out
}
