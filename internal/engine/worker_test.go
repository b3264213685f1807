package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsAndCounts(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran atomic.Int32
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		ran.Add(1)
		return nil
	}))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		return errors.New("smtp down")
	}))
	pool.Wait()

	assert.Equal(t, int32(1), ran.Load())
	m := pool.Metrics()
	assert.Equal(t, 2, m.Size)
	assert.Equal(t, int64(1), m.Finished)
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(0), m.Busy)
	assert.Equal(t, 2, pool.Available())
}

func TestWorkerPool_NeverExceedsSize(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	var current, peak atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(size))
	assert.Equal(t, int64(10), pool.Metrics().Finished)
}

func TestWorkerPool_SubmitWaitsForSlot(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))
	assert.Equal(t, 0, pool.Available())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}

func TestWorkerPool_PanicReachesReleaseHook(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	got := make(chan error, 1)
	pool.OnRelease(func(err error) { got <- err })

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	}))

	select {
	case err := <-got:
		var pe *PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "boom", pe.Value)
	case <-time.After(time.Second):
		t.Fatal("release hook not called")
	}

	pool.Wait()
	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
}

func TestWorkerPool_ShutdownRejectsWork(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}
