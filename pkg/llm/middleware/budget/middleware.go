// Package budget stops calling a provider once its daily spend budget is used up.
package budget

import (
	"context"

	"worldcore/pkg/config"
	"worldcore/pkg/limiter"
	"worldcore/pkg/llm"
	"worldcore/pkg/llmerrors"
	"worldcore/pkg/tokens"
)

// Middleware reserves the worst-case cost of each call (prompt tokens plus the
// full completion allowance) against the provider's budget and settles the
// reservation with the actual cost afterwards. An exhausted budget surfaces as
// a rate-limit error so a failover chain moves to the next provider.
func Middleware(budgets *limiter.Limiter, model string, counter *tokens.Counter) llm.Middleware {
	if counter == nil {
		counter = tokens.NewCounter()
	}

	return func(next llm.Provider) llm.Provider {
		if budgets.Budget(next.Name()) == nil {
			return next
		}
		return llm.WrapProvider(next.Name(), func(ctx context.Context, req llm.Request) (llm.Response, error) {
			maxTokens := req.Options.MaxTokens
			if maxTokens <= 0 {
				info, _ := config.GetModelInfo(model)
				maxTokens = info.MaxOutputTokens
			}
			promptTokens := 0
			for _, m := range req.Messages {
				promptTokens += counter.Count(m.Content)
			}
			estimate := config.CalculateCost(model, promptTokens, maxTokens)

			if err := budgets.ReserveBudget(next.Name(), estimate); err != nil {
				e := llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "daily budget exhausted")
				e.Provider = next.Name()
				return llm.Response{}, e
			}

			resp, err := next.Complete(ctx, req)
			actual := 0.0
			if err == nil {
				actual = resp.Cost
			}
			budgets.Settle(next.Name(), estimate, actual)
			return resp, err
		})
	}
}
