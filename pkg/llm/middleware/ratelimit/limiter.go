// Package ratelimit throttles provider calls with a token bucket plus a
// concurrency cap. A call that cannot be admitted within its wait budget fails
// with a rate-limit error instead of queueing, so a failover chain can move on.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"worldcore/pkg/llmerrors"
	"worldcore/pkg/logx"
)

// BufferFactor keeps the bucket slightly below the provider's published limit
// to absorb token estimation error.
const BufferFactor = 0.9

const pollInterval = 50 * time.Millisecond

// Config defines rate limiting for one provider.
type Config struct {
	TokensPerMinute int           // 0 disables the token bucket
	MaxConcurrency  int           // 0 disables the concurrency cap
	MaxWait         time.Duration // how long Acquire may wait before giving up
}

// Stats is a snapshot of limiter state.
type Stats struct {
	Provider        string `json:"provider"`
	AvailableTokens int    `json:"available_tokens"`
	MaxCapacity     int    `json:"max_capacity"`
	ActiveRequests  int    `json:"active_requests"`
	MaxConcurrency  int    `json:"max_concurrency"`
	TokenLimitHits  int64  `json:"token_limit_hits"`
	ConcurrencyHits int64  `json:"concurrency_hits"`
	Rejections      int64  `json:"rejections"`
}

// TokenBucketLimiter combines a continuously refilled token bucket with a
// concurrency limit.
//
//nolint:govet // fieldalignment: layout optimized for readability
type TokenBucketLimiter struct {
	mu sync.Mutex

	provider string
	now      func() time.Time

	availableTokens float64
	refillPerSecond float64
	maxCapacity     float64
	lastRefill      time.Time

	activeRequests int
	maxConcurrency int
	maxWait        time.Duration

	tokenLimitHits  int64
	concurrencyHits int64
	rejections      int64

	logger *logx.Logger
}

// NewTokenBucketLimiter creates a limiter for a provider with a full bucket.
func NewTokenBucketLimiter(provider string, cfg Config) *TokenBucketLimiter {
	capacity := float64(cfg.TokensPerMinute) * BufferFactor
	l := &TokenBucketLimiter{
		provider:        provider,
		now:             time.Now,
		availableTokens: capacity,
		refillPerSecond: capacity / 60,
		maxCapacity:     capacity,
		maxConcurrency:  cfg.MaxConcurrency,
		maxWait:         cfg.MaxWait,
		logger:          logx.NewLogger("ratelimit"),
	}
	l.lastRefill = l.now()
	return l
}

// Acquire takes tokens and a concurrency slot, waiting at most MaxWait (or
// until ctx is done). The returned release function must be called once the
// call finishes. Tokens are not refunded.
func (l *TokenBucketLimiter) Acquire(ctx context.Context, tokens int) (func(), error) {
	deadline := l.now().Add(l.maxWait)
	firstAttempt := true

	for {
		l.mu.Lock()
		l.refill()

		if l.maxCapacity > 0 && float64(tokens) > l.maxCapacity {
			l.rejections++
			l.mu.Unlock()
			return nil, l.rejection(fmt.Sprintf("request needs %d tokens, bucket holds at most %.0f", tokens, l.maxCapacity))
		}

		hasTokens := l.maxCapacity == 0 || l.availableTokens >= float64(tokens)
		hasSlot := l.maxConcurrency == 0 || l.activeRequests < l.maxConcurrency

		if hasTokens && hasSlot {
			if l.maxCapacity > 0 {
				l.availableTokens -= float64(tokens)
			}
			l.activeRequests++
			l.mu.Unlock()

			var once sync.Once
			return func() { once.Do(l.release) }, nil
		}

		if firstAttempt {
			if !hasTokens {
				l.tokenLimitHits++
			}
			if !hasSlot {
				l.concurrencyHits++
			}
			firstAttempt = false
		}

		if !l.now().Before(deadline) {
			l.rejections++
			reason := fmt.Sprintf("no capacity within %s (need %d tokens, have %.0f, active %d/%d)",
				l.maxWait, tokens, l.availableTokens, l.activeRequests, l.maxConcurrency)
			l.mu.Unlock()
			return nil, l.rejection(reason)
		}
		l.mu.Unlock()

		wait := pollInterval
		if remaining := deadline.Sub(l.now()); remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err() //nolint:wrapcheck // context error propagated as-is
		case <-timer.C:
		}
	}
}

func (l *TokenBucketLimiter) rejection(reason string) error {
	l.logger.Debug("%s throttled: %s", l.provider, reason)
	e := llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "local rate limit: "+reason)
	e.Provider = l.provider
	return e
}

func (l *TokenBucketLimiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeRequests > 0 {
		l.activeRequests--
	}
}

// refill adds tokens for the time elapsed since the last refill. Called under lock.
func (l *TokenBucketLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.lastRefill = now
	if elapsed <= 0 || l.maxCapacity == 0 {
		return
	}
	l.availableTokens += elapsed * l.refillPerSecond
	if l.availableTokens > l.maxCapacity {
		l.availableTokens = l.maxCapacity
	}
}

// Stats returns current limiter statistics.
func (l *TokenBucketLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()

	return Stats{
		Provider:        l.provider,
		AvailableTokens: int(l.availableTokens),
		MaxCapacity:     int(l.maxCapacity),
		ActiveRequests:  l.activeRequests,
		MaxConcurrency:  l.maxConcurrency,
		TokenLimitHits:  l.tokenLimitHits,
		ConcurrencyHits: l.concurrencyHits,
		Rejections:      l.rejections,
	}
}
