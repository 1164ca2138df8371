package failover

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"worldcore/internal/mocks"
	"worldcore/pkg/llm"
	"worldcore/pkg/llmerrors"
	"worldcore/pkg/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errUpstream = llmerrors.NewError(llmerrors.ErrorTypeTransient, "upstream unavailable")

func newMocks(names ...string) ([]llm.Provider, []*mocks.MockProvider) {
	providers := make([]llm.Provider, len(names))
	ms := make([]*mocks.MockProvider, len(names))
	for i, n := range names {
		ms[i] = mocks.NewMockProvider(n)
		ms[i].RespondWith("from " + n)
		providers[i] = ms[i]
	}
	return providers, ms
}

func never() float64 { return 1 }

func always() float64 { return 0 }

func TestNewValidation(t *testing.T) {
	providers, _ := newMocks("a", "b")

	_, err := New(nil, nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNoProviders)

	_, err = New(providers, []string{"a"}, DefaultConfig())
	assert.ErrorIs(t, err, ErrNameMismatch)

	_, err = New(providers, []string{"a", "b"}, Config{MaxFailures: 0, RecoveryCheckRate: 0.1})
	assert.Error(t, err)

	_, err = New(providers, []string{"a", "b"}, Config{MaxFailures: 1, RecoveryCheckRate: 1.5})
	assert.Error(t, err)

	c, err := New(providers, []string{"a", "b"}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, c.Stats().ChainLength)
}

func TestFailoverOrder(t *testing.T) {
	providers, ms := newMocks("p0", "p1", "p2", "p3")
	ms[0].FailWith(errUpstream)
	ms[1].FailWith(errUpstream)

	c, err := New(providers, []string{"p0", "p1", "p2", "p3"}, Config{MaxFailures: 5}, WithRand(never))
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), "hello", llm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "from p2", resp.Text)
	assert.Equal(t, "p2", resp.Metadata["provider"])
	assert.Equal(t, 2, resp.Metadata["provider_index"])

	total := 0
	for _, m := range ms {
		total += m.CallCount()
	}
	assert.Equal(t, 3, total)
	assert.Zero(t, ms[3].CallCount())

	stats := c.Stats()
	assert.Equal(t, 1, stats.Failures["p0"])
	assert.Equal(t, 1, stats.Failures["p1"])
	assert.Equal(t, 0, stats.CurrentIndex)
}

func TestPermanentSwitch(t *testing.T) {
	reg := metrics.NewRegistry()
	providers, ms := newMocks("primary", "backup")
	ms[0].FailWith(errUpstream)

	c, err := New(providers, []string{"primary", "backup"}, Config{MaxFailures: 3}, WithRand(never), WithRegistry(reg))
	require.NoError(t, err)

	for range 3 {
		_, err := c.Generate(context.Background(), "x", llm.Options{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, c.Stats().CurrentIndex)
	assert.Equal(t, "backup", c.Stats().CurrentProvider)
	assert.Equal(t, 3, ms[0].CallCount())

	// The primary heals but without a recovery check the chain stays on backup.
	ms[0].RespondWith("from primary")
	for range 10 {
		resp, err := c.Generate(context.Background(), "x", llm.Options{})
		require.NoError(t, err)
		assert.Equal(t, "from backup", resp.Text)
	}
	assert.Equal(t, 3, ms[0].CallCount())
	assert.Equal(t, 1, c.Stats().CurrentIndex)

	switches := reg.CounterVec("failover_switches_total", "", "from", "to")
	assert.Equal(t, 1.0, testutil.ToFloat64(switches.WithLabelValues("primary", "backup")))
}

func TestRecovery(t *testing.T) {
	reg := metrics.NewRegistry()
	providers, ms := newMocks("primary", "backup")
	ms[0].FailWith(errUpstream)

	rate := never
	c, err := New(providers, []string{"primary", "backup"}, Config{MaxFailures: 1, RecoveryCheckRate: 1},
		WithRand(func() float64 { return rate() }), WithRegistry(reg))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "x", llm.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, c.Stats().CurrentIndex)

	// A failed recovery check touches no counter.
	rate = always
	resp, err := c.Generate(context.Background(), "x", llm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Text)
	assert.Equal(t, 1, c.Stats().Failures["primary"])
	assert.Equal(t, 0, c.Stats().Failures["backup"])

	ms[0].RespondWith("from primary")
	ms[1].Reset()
	resp, err = c.Generate(context.Background(), "x", llm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "from primary", resp.Text)
	assert.Zero(t, ms[1].CallCount())

	stats := c.Stats()
	assert.Equal(t, 0, stats.CurrentIndex)
	assert.Equal(t, 0, stats.Failures["primary"])

	rate = never
	for range 3 {
		resp, err = c.Generate(context.Background(), "x", llm.Options{})
		require.NoError(t, err)
		assert.Equal(t, "from primary", resp.Text)
	}

	checks := reg.CounterVec("failover_recovery_checks_total", "", "result")
	assert.Equal(t, 1.0, testutil.ToFloat64(checks.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(checks.WithLabelValues("recovered")))
}

func TestNonRetriableErrorPropagates(t *testing.T) {
	providers, ms := newMocks("primary", "backup")
	authErr := llmerrors.NewError(llmerrors.ErrorTypeAuth, "invalid api key")
	ms[0].FailWith(authErr)

	c, err := New(providers, []string{"primary", "backup"}, DefaultConfig(), WithRand(never))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "x", llm.Options{})
	require.ErrorIs(t, err, authErr)
	assert.Zero(t, ms[1].CallCount())
	assert.Equal(t, 0, c.Stats().Failures["primary"])
}

func TestExhaustedChain(t *testing.T) {
	providers, ms := newMocks("a", "b", "c")
	for _, m := range ms {
		m.FailWith(errUpstream)
	}

	c, err := New(providers, []string{"a", "b", "c"}, DefaultConfig(), WithRand(never))
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "x"}}, llm.Options{})
	require.ErrorIs(t, err, ErrChainExhausted)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.ChainLength)
	assert.Len(t, exhausted.Errors, 3)
	assert.Contains(t, err.Error(), "all 3 providers")
	assert.True(t, errors.Is(err, errUpstream))
}

func TestLastProviderIsNeverSwitchedAway(t *testing.T) {
	providers, ms := newMocks("a", "b")
	ms[0].FailWith(errUpstream)
	ms[1].FailWith(errUpstream)

	c, err := New(providers, []string{"a", "b"}, Config{MaxFailures: 1}, WithRand(never))
	require.NoError(t, err)

	for range 4 {
		_, err := c.Generate(context.Background(), "x", llm.Options{})
		require.ErrorIs(t, err, ErrChainExhausted)
	}
	assert.Equal(t, 1, c.Stats().CurrentIndex)
	assert.Equal(t, 4, c.Stats().Failures["b"])
}

func TestCancelledContextStopsChain(t *testing.T) {
	providers, ms := newMocks("a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	ms[0].OnComplete(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		cancel()
		return llm.Response{}, errUpstream
	})

	c, err := New(providers, []string{"a", "b"}, DefaultConfig(), WithRand(never))
	require.NoError(t, err)

	_, err = c.Generate(ctx, "x", llm.Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ms[1].CallCount())
	assert.Equal(t, 0, c.Stats().Failures["a"])
}

func TestConcurrentFailuresSwitchOnce(t *testing.T) {
	reg := metrics.NewRegistry()
	providers, ms := newMocks("a", "b", "c")
	ms[0].FailWith(errUpstream)

	c, err := New(providers, []string{"a", "b", "c"}, Config{MaxFailures: 3}, WithRand(never), WithRegistry(reg))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Generate(context.Background(), "x", llm.Options{})
			assert.NoError(t, err)
			assert.Equal(t, "from b", resp.Text)
		}()
	}
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, 1, stats.CurrentIndex)
	assert.Equal(t, 0, stats.Failures["b"])
	assert.Zero(t, ms[2].CallCount())

	switches := reg.CounterVec("failover_switches_total", "", "from", "to")
	assert.Equal(t, 1.0, testutil.ToFloat64(switches.WithLabelValues("a", "b")))
}

func TestChainIsAProvider(t *testing.T) {
	providers, _ := newMocks("a")
	c, err := New(providers, []string{"a"}, DefaultConfig(), WithName("dialogue"))
	require.NoError(t, err)

	var p llm.Provider = c
	assert.Equal(t, "dialogue", p.Name())
	assert.Equal(t, "failover[a@0/1]", c.String())
}
