// Package timeout provides a per-call deadline for providers.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"worldcore/pkg/llm"
	"worldcore/pkg/llmerrors"
)

// Middleware bounds every call to the wrapped provider by duration. A call cut
// short by this deadline, rather than by the caller, is reported as a transient
// error so a failover chain moves on to the next provider.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.Provider) llm.Provider {
		if duration <= 0 {
			return next
		}
		return llm.WrapProvider(next.Name(), func(ctx context.Context, req llm.Request) (llm.Response, error) {
			timeoutCtx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()

			resp, err := next.Complete(timeoutCtx, req)
			if err != nil && ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
				e := llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err,
					fmt.Sprintf("provider call exceeded %s", duration))
				e.Provider = next.Name()
				return resp, e
			}
			return resp, err
		})
	}
}
