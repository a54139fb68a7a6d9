package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepPoolBoundsConcurrency(t *testing.T) {
	pool := NewStepPool(2)
	t.Cleanup(pool.Shutdown)

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		err := pool.Submit(context.Background(), func(context.Context) error {
			defer wg.Done()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.EqualValues(t, 6, pool.Stats().Completed)
}

func TestStepPoolSubmitAfterShutdown(t *testing.T) {
	pool := NewStepPool(1)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestStepPoolSubmitRespectsCancellation(t *testing.T) {
	pool := NewStepPool(1)
	t.Cleanup(pool.Shutdown)

	release := make(chan struct{})
	err := pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pool.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
}

func TestStepPoolRecoversLaunchPanic(t *testing.T) {
	pool := NewStepPool(1)

	err := pool.Submit(context.Background(), func(context.Context) error {
		panic("launch bug")
	})
	require.NoError(t, err)
	err = pool.Submit(context.Background(), func(context.Context) error {
		return errors.New("soft failure")
	})
	require.NoError(t, err)
	pool.Shutdown()

	stats := pool.Stats()
	assert.EqualValues(t, 1, stats.Panics)
	assert.EqualValues(t, 2, stats.Failed)
	assert.EqualValues(t, 0, stats.InFlight)
}
