package workunit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(3)
	var running, peak atomic.Int32

	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Run(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 3, p.Size())
}

func TestPoolRunHonorsContext(t *testing.T) {
	p := NewPool(1)
	release := make(chan struct{})

	started := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Run(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	p.Close()
	p.Wait()
}

func TestPoolClosed(t *testing.T) {
	p := NewPool(1)
	p.Close()
	err := p.Run(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrPoolClosed)

	_, err = Do(context.Background(), p, func(context.Context) (string, error) { return "x", nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}
