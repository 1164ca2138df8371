// Package limiter enforces per-provider daily spend budgets.
package limiter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"worldcore/pkg/config"
)

var (
	// ErrBudgetExceeded is returned when a provider's daily budget is spent.
	ErrBudgetExceeded = errors.New("daily budget exceeded")
	// ErrUnknownProvider is returned for providers without a configured budget.
	ErrUnknownProvider = errors.New("provider not configured")
)

// Limiter tracks daily spend for several providers and resets it at local midnight.
type Limiter struct {
	providers  map[string]*ProviderBudget
	resetTimer *time.Timer
	mu         sync.RWMutex
}

// ProviderBudget enforces the daily budget of one provider.
type ProviderBudget struct {
	mu          sync.Mutex
	name        string
	maxPerDay   float64
	spent       float64 // settled spend
	reserved    float64 // in-flight estimates
	lastResetAt time.Time
}

// Status is a snapshot of one provider's budget.
type Status struct {
	Provider  string    `json:"provider"`
	MaxPerDay float64   `json:"max_per_day_usd"`
	Spent     float64   `json:"spent_usd"`
	Reserved  float64   `json:"reserved_usd"`
	ResetAt   time.Time `json:"last_reset_at"`
}

// NewLimiter creates budgets for every provider with a positive daily budget.
func NewLimiter(providers []config.ProviderConfig) *Limiter {
	l := &Limiter{
		providers: make(map[string]*ProviderBudget),
	}
	now := time.Now()
	for i := range providers {
		p := &providers[i]
		if p.DailyBudgetUSD <= 0 {
			continue
		}
		l.providers[p.Name] = &ProviderBudget{
			name:        p.Name,
			maxPerDay:   p.DailyBudgetUSD,
			lastResetAt: now,
		}
	}

	l.scheduleDailyReset()
	return l
}

// Budget returns the budget for a provider, or nil if it has none.
func (l *Limiter) Budget(provider string) *ProviderBudget {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.providers[provider]
}

// ReserveBudget holds estimatedUSD against the provider's budget.
func (l *Limiter) ReserveBudget(provider string, estimatedUSD float64) error {
	b := l.Budget(provider)
	if b == nil {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return b.Reserve(estimatedUSD)
}

// Settle replaces a reservation with the actual cost.
func (l *Limiter) Settle(provider string, reservedUSD, actualUSD float64) {
	if b := l.Budget(provider); b != nil {
		b.Settle(reservedUSD, actualUSD)
	}
}

// Statuses returns a snapshot of every budget sorted by provider.
func (l *Limiter) Statuses() []Status {
	l.mu.RLock()
	budgets := make([]*ProviderBudget, 0, len(l.providers))
	for _, b := range l.providers {
		budgets = append(budgets, b)
	}
	l.mu.RUnlock()

	out := make([]Status, 0, len(budgets))
	for _, b := range budgets {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// ResetDaily clears the spend of every provider.
func (l *Limiter) ResetDaily() {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, b := range l.providers {
		b.ResetDaily()
	}
}

// Close stops the daily reset timer.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resetTimer != nil {
		l.resetTimer.Stop()
		l.resetTimer = nil
	}
}

func (l *Limiter) scheduleDailyReset() {
	now := time.Now()
	nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())

	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetTimer = time.AfterFunc(time.Until(nextMidnight), func() {
		l.ResetDaily()
		l.scheduleDailyReset()
	})
}

// Reserve holds estimatedUSD. It fails once settled plus reserved spend would
// exceed the daily maximum.
func (b *ProviderBudget) Reserve(estimatedUSD float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.spent+b.reserved+estimatedUSD > b.maxPerDay {
		return fmt.Errorf("%w: %s spent $%.4f of $%.2f", ErrBudgetExceeded, b.name, b.spent, b.maxPerDay)
	}
	b.reserved += estimatedUSD
	return nil
}

// Settle releases reservedUSD and books actualUSD.
func (b *ProviderBudget) Settle(reservedUSD, actualUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reserved -= reservedUSD
	if b.reserved < 0 {
		b.reserved = 0
	}
	b.spent += actualUSD
}

// ResetDaily clears settled spend. In-flight reservations are kept.
func (b *ProviderBudget) ResetDaily() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spent = 0
	b.lastResetAt = time.Now()
}

// Status returns a snapshot of the budget.
func (b *ProviderBudget) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Provider:  b.name,
		MaxPerDay: b.maxPerDay,
		Spent:     b.spent,
		Reserved:  b.reserved,
		ResetAt:   b.lastResetAt,
	}
}
