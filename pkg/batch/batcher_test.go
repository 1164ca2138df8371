package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"worldcore/pkg/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is a processor that doubles its inputs and remembers every batch.
type recorder struct {
	mu      sync.Mutex
	batches [][]int
}

func (r *recorder) process(_ context.Context, reqs []int) ([]Result[int], error) {
	r.mu.Lock()
	r.batches = append(r.batches, append([]int(nil), reqs...))
	r.mu.Unlock()

	out := make([]Result[int], len(reqs))
	for i, v := range reqs {
		out[i] = Result[int]{Value: v * 2}
	}
	return out, nil
}

func (r *recorder) calls() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]int(nil), r.batches...)
}

func stop(t *testing.T, b interface{ Stop(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))
}

// submitInOrder submits each payload from its own goroutine, waiting until
// the previous one is pending so submission order is deterministic.
func submitInOrder(t *testing.T, b *Batcher[int, int], payloads []int) ([]int, []error) {
	t.Helper()
	results := make([]int, len(payloads))
	errs := make([]error, len(payloads))

	var wg sync.WaitGroup
	for i, p := range payloads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = b.Submit(context.Background(), p)
		}()
		if i < len(payloads)-1 {
			require.Eventually(t, func() bool { return b.Stats().Pending == i+1 }, time.Second, time.Millisecond)
		}
	}
	wg.Wait()
	return results, errs
}

func TestNewValidation(t *testing.T) {
	var rec recorder
	_, err := New[int, int](nil, Config{BatchSize: 1, FlushTimeout: time.Second})
	assert.Error(t, err)
	_, err = New(rec.process, Config{BatchSize: 0, FlushTimeout: time.Second})
	assert.Error(t, err)
	_, err = New(rec.process, Config{BatchSize: 1})
	assert.Error(t, err)
	_, err = New(rec.process, Config{BatchSize: 1, FlushTimeout: time.Second, ResultTimeoutMultiplier: 0.5})
	assert.Error(t, err)
}

func TestResultTimeoutDefaultsToThreeFlushIntervals(t *testing.T) {
	assert.Equal(t, 3*time.Second, Config{FlushTimeout: time.Second}.ResultTimeout())
	assert.Equal(t, 5*time.Second, Config{FlushTimeout: time.Second, ResultTimeoutMultiplier: 5}.ResultTimeout())
}

func TestSizeFlush(t *testing.T) {
	reg := metrics.NewRegistry()
	var rec recorder
	b, err := New(rec.process, Config{BatchSize: 4, FlushTimeout: time.Hour}, WithName("npc"), WithRegistry(reg))
	require.NoError(t, err)
	defer stop(t, b)

	results, errs := submitInOrder(t, b, []int{1, 2, 3, 4})

	for i := range errs {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, []int{2, 4, 6, 8}, results)
	assert.Equal(t, [][]int{{1, 2, 3, 4}}, rec.calls())

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.SizeFlushes)
	assert.Zero(t, stats.TimeoutFlushes)
	assert.Zero(t, stats.Pending)

	flushes := reg.CounterVec("batch_flushes_total", "", "batcher", "trigger")
	assert.Equal(t, 1.0, testutil.ToFloat64(flushes.WithLabelValues("npc", TriggerSize)))
}

func TestTimeoutFlush(t *testing.T) {
	var rec recorder
	b, err := New(rec.process, Config{BatchSize: 10, FlushTimeout: 20 * time.Millisecond, ResultTimeoutMultiplier: 50})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer stop(t, b)

	v, err := b.Submit(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	assert.Equal(t, [][]int{{21}}, rec.calls())
	assert.Equal(t, int64(1), b.Stats().TimeoutFlushes)
	assert.Zero(t, b.Stats().SizeFlushes)
}

func TestTimeoutFlushOutlivesStartContext(t *testing.T) {
	var rec recorder
	b, err := New(rec.process, Config{BatchSize: 10, FlushTimeout: 20 * time.Millisecond, ResultTimeoutMultiplier: 50})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))
	cancel()
	defer stop(t, b)

	v, err := b.Submit(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 8, v)
	assert.Equal(t, int64(1), b.Stats().TimeoutFlushes)
}

func TestProcessorErrorFailsWholeBatch(t *testing.T) {
	boom := errors.New("backend down")
	calls := 0
	b, err := New(func(_ context.Context, _ []int) ([]Result[int], error) {
		calls++
		return nil, boom
	}, Config{BatchSize: 3, FlushTimeout: time.Hour})
	require.NoError(t, err)
	defer stop(t, b)

	_, errs := submitInOrder(t, b, []int{1, 2, 3})
	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 1, calls)
}

func TestWrongResultCountFailsBatch(t *testing.T) {
	b, err := New(func(_ context.Context, _ []int) ([]Result[int], error) {
		return []Result[int]{{Value: 1}}, nil
	}, Config{BatchSize: 2, FlushTimeout: time.Hour})
	require.NoError(t, err)
	defer stop(t, b)

	_, errs := submitInOrder(t, b, []int{1, 2})
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrResultCount)
	}
}

func TestProcessorPanicFailsBatch(t *testing.T) {
	b, err := New(func(_ context.Context, _ []int) ([]Result[int], error) {
		panic("bad batch")
	}, Config{BatchSize: 1, FlushTimeout: time.Hour})
	require.NoError(t, err)
	defer stop(t, b)

	_, err = b.Submit(context.Background(), 1)
	assert.ErrorContains(t, err, "panicked")
}

func TestPerItemIsolatesErrors(t *testing.T) {
	proc := PerItem(func(_ context.Context, v int) (string, error) {
		if v < 0 {
			return "", fmt.Errorf("negative: %d", v)
		}
		return fmt.Sprint(v), nil
	})
	b, err := New(proc, Config{BatchSize: 2, FlushTimeout: time.Hour})
	require.NoError(t, err)
	defer stop(t, b)

	var wg sync.WaitGroup
	var okErr, badErr error
	var okVal string
	wg.Add(2)
	go func() { defer wg.Done(); okVal, okErr = b.Submit(context.Background(), 7) }()
	go func() { defer wg.Done(); _, badErr = b.Submit(context.Background(), -1) }()
	wg.Wait()

	require.NoError(t, okErr)
	assert.Equal(t, "7", okVal)
	assert.ErrorContains(t, badErr, "negative")
}

func TestStopFlushesPending(t *testing.T) {
	var rec recorder
	b, err := New(rec.process, Config{BatchSize: 10, FlushTimeout: time.Hour})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	var wg sync.WaitGroup
	results := make([]int, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := b.Submit(context.Background(), i+1)
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	require.Eventually(t, func() bool { return b.Stats().Pending == 2 }, time.Second, time.Millisecond)

	stop(t, b)
	wg.Wait()

	assert.ElementsMatch(t, []int{2, 4}, results)
	assert.Equal(t, int64(1), b.Stats().StopFlushes)
	assert.False(t, b.Stats().Running)

	_, err = b.Submit(context.Background(), 3)
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, b.Stop(context.Background()))
	assert.ErrorIs(t, b.Start(context.Background()), ErrStopped)
}

func TestCallerGivesUpAfterResultTimeout(t *testing.T) {
	release := make(chan struct{})
	b, err := New(func(_ context.Context, reqs []int) ([]Result[int], error) {
		<-release
		return make([]Result[int], len(reqs)), nil
	}, Config{BatchSize: 1, FlushTimeout: 10 * time.Millisecond, ResultTimeoutMultiplier: 2})
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Submit(context.Background(), 1)
	assert.ErrorIs(t, err, ErrResultTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	close(release)
	stop(t, b)
}

func TestSubmitHonorsContext(t *testing.T) {
	var rec recorder
	b, err := New(rec.process, Config{BatchSize: 10, FlushTimeout: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = b.Submit(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned request is still answered by the final flush.
	stop(t, b)
	assert.Equal(t, [][]int{{1}}, rec.calls())
}
