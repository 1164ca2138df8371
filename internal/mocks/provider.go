package mocks

import (
	"context"
	"sync"
	"sync/atomic"

	"worldcore/pkg/llm"
)

// MockProvider implements llm.Provider for testing.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockProvider struct {
	// CompleteFunc is called when Complete is invoked. Override to customize behavior.
	CompleteFunc func(ctx context.Context, req llm.Request) (llm.Response, error)

	name     string
	calls    []llm.Request
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	mu       sync.Mutex
}

// NewMockProvider creates a mock that answers "Mock response".
func NewMockProvider(name string) *MockProvider {
	m := &MockProvider{name: name}
	m.RespondWith("Mock response")
	return m
}

// Name implements llm.Provider.
func (m *MockProvider) Name() string {
	return m.name
}

// Complete implements llm.Provider.
func (m *MockProvider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	fn := m.CompleteFunc
	m.mu.Unlock()

	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	return fn(ctx, req)
}

// --- Configuration methods ---

// OnComplete sets a custom handler for Complete calls.
func (m *MockProvider) OnComplete(fn func(ctx context.Context, req llm.Request) (llm.Response, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteFunc = fn
}

// RespondWith configures Complete to return the specified text.
func (m *MockProvider) RespondWith(text string) {
	m.OnComplete(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		return llm.Response{Text: text, Provider: m.name}, nil
	})
}

// FailWith configures Complete to return the specified error.
func (m *MockProvider) FailWith(err error) {
	m.OnComplete(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		return llm.Response{}, err
	})
}

// BlockUntil makes Complete wait for release or context cancellation before answering text.
func (m *MockProvider) BlockUntil(release <-chan struct{}, text string) {
	m.OnComplete(func(ctx context.Context, _ llm.Request) (llm.Response, error) {
		select {
		case <-release:
			return llm.Response{Text: text, Provider: m.name}, nil
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	})
}

// --- Verification methods ---

// Calls returns a copy of every request received.
func (m *MockProvider) Calls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Complete calls.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// MaxConcurrent returns the highest number of simultaneous Complete calls observed.
func (m *MockProvider) MaxConcurrent() int {
	return int(m.maxSeen.Load())
}

// Reset clears recorded calls.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.maxSeen.Store(0)
}
