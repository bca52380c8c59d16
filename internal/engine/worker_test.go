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

// peakTracker records the highest number of simultaneously running tasks.
type peakTracker struct {
	current atomic.Int64
	peak    atomic.Int64
}

func (p *peakTracker) task(hold time.Duration) func(context.Context) error {
	return func(context.Context) error {
		n := p.current.Add(1)
		for {
			old := p.peak.Load()
			if n <= old || p.peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(hold)
		p.current.Add(-1)
		return nil
	}
}

func TestWorkerPool_Limits(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		tasks    int
		wantPeak func(t *testing.T, peak int64)
	}{
		{"bounded", 3, 12, func(t *testing.T, peak int64) { assert.LessOrEqual(t, peak, int64(3)) }},
		{"single slot", 1, 5, func(t *testing.T, peak int64) { assert.Equal(t, int64(1), peak) }},
		{"unbounded", 0, 8, func(t *testing.T, peak int64) { assert.Greater(t, peak, int64(1)) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pool := NewWorkerPool(tc.size)
			defer pool.Shutdown()

			var pt peakTracker
			for range tc.tasks {
				require.NoError(t, pool.Submit(t.Context(), pt.task(20*time.Millisecond), nil))
			}
			pool.Wait()

			tc.wantPeak(t, pt.peak.Load())
			assert.Equal(t, int64(tc.tasks), pool.Metrics().Completed)
		})
	}
}

func TestWorkerPool_SubmitBlocksWhileFull(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(t.Context(), func(context.Context) error {
		<-release
		return nil
	}, nil))

	submitted := make(chan error, 1)
	go func() {
		submitted <- pool.Submit(context.Background(), func(context.Context) error { return nil }, nil)
	}()

	select {
	case <-submitted:
		t.Fatal("second submit returned while the only slot was held")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second submit never acquired the slot")
	}
}

func TestWorkerPool_CancelWhileWaiting(t *testing.T) {
	pool := NewWorkerPool(1)
	release := make(chan struct{})
	defer func() {
		close(release)
		pool.Shutdown()
	}()

	require.NoError(t, pool.Submit(t.Context(), func(context.Context) error {
		<-release
		return nil
	}, nil))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerPool_PanicIsRecovered(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var (
		mu  sync.Mutex
		got error
	)
	require.NoError(t, pool.Submit(t.Context(), func(context.Context) error {
		panic("boom")
	}, func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	}))
	require.NoError(t, pool.Submit(t.Context(), func(context.Context) error {
		return errors.New("plain failure")
	}, nil))
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	var pe *PanicError
	require.True(t, errors.As(got, &pe))
	assert.Equal(t, "boom", pe.Value)
	assert.Contains(t, got.Error(), "boom")

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(2), m.Failed)
	assert.Zero(t, m.Active)
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(2)

	var finished atomic.Bool
	require.NoError(t, pool.Submit(t.Context(), func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	}, nil))

	pool.Shutdown()
	assert.True(t, finished.Load(), "shutdown waits for running work")

	err := pool.Submit(t.Context(), func(context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrPoolShutdown)

	pool.Shutdown()
}
