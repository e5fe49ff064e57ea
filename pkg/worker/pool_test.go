package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nmerrors "github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/metric"
)

type testWork struct {
	id    int
	block chan struct{}
	fail  bool
	panic bool
}

func testProcessor(count *int64) func(context.Context, testWork) error {
	return func(_ context.Context, work testWork) error {
		if work.block != nil {
			<-work.block
		}
		atomic.AddInt64(count, 1)
		if work.panic {
			panic("boom")
		}
		if work.fail {
			return errors.New("simulated error")
		}
		return nil
	}
}

func TestNewPool(t *testing.T) {
	var n int64
	processor := testProcessor(&n)

	pool := NewPool(5, 100, processor)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 100, pool.queueSize)

	pool = NewPool(0, 100, processor)
	assert.Equal(t, 10, pool.workers, "zero workers should default")

	pool = NewPool(5, 0, processor)
	assert.Equal(t, 1000, pool.queueSize, "zero queue size should default")
}

func TestNewPool_NilProcessor(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewPool[testWork](5, 100, nil)
	})
}

func TestPool_Lifecycle(t *testing.T) {
	var n int64
	pool := NewPool(2, 10, testProcessor(&n))

	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolNotStarted)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}

	// Stop drains queued work before returning
	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(5), atomic.LoadInt64(&n))

	assert.ErrorIs(t, pool.Submit(testWork{id: 99}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second), "stop is idempotent")
}

func TestPool_QueueFull(t *testing.T) {
	var n int64
	pool := NewPool(1, 2, testProcessor(&n))
	require.NoError(t, pool.Start(context.Background()))

	block := make(chan struct{})

	// One item held by the worker, two in the queue, the rest dropped
	require.NoError(t, pool.Submit(testWork{block: block}))
	require.Eventually(t, func() bool { return len(pool.workChan) == 0 }, time.Second, time.Millisecond)

	require.NoError(t, pool.Submit(testWork{block: block}))
	require.NoError(t, pool.Submit(testWork{block: block}))
	assert.ErrorIs(t, pool.Submit(testWork{block: block}), ErrQueueFull)
	assert.ErrorIs(t, pool.Submit(testWork{block: block}), ErrQueueFull)

	close(block)
	require.NoError(t, pool.Stop(5*time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.Submitted)
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Equal(t, int64(3), stats.Processed)
}

func TestPool_ProcessingErrorsAndPanics(t *testing.T) {
	var n int64
	var recovered atomic.Value

	pool := NewPool(2, 20, testProcessor(&n), WithPanicHandler(func(w testWork, r any) {
		recovered.Store(r)
	}))
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(testWork{id: i, fail: i%2 == 0}))
	}
	require.NoError(t, pool.Submit(testWork{id: 10, panic: true}))
	require.NoError(t, pool.Submit(testWork{id: 11}))

	require.NoError(t, pool.Stop(5*time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(12), stats.Processed)
	assert.Equal(t, int64(6), stats.Failed)
	assert.Equal(t, int64(1), stats.Panicked)
	assert.Equal(t, "boom", recovered.Load())
}

func TestPool_ContextCancellation(t *testing.T) {
	var n int64
	pool := NewPool(2, 10, testProcessor(&n))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))

	block := make(chan struct{})
	require.NoError(t, pool.Submit(testWork{block: block}))

	cancel()
	close(block)

	require.NoError(t, pool.Stop(5*time.Second))
}

func TestPool_StopTimeout(t *testing.T) {
	var n int64
	pool := NewPool(1, 2, testProcessor(&n))
	require.NoError(t, pool.Start(context.Background()))

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, pool.Submit(testWork{block: block}))

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolStopped)
}

func TestPool_ConcurrentSubmissions(t *testing.T) {
	var n int64
	pool := NewPool(5, 100, testProcessor(&n))
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	const submitters, perSubmitter = 10, 10

	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perSubmitter; j++ {
				assert.NoError(t, pool.Submit(testWork{id: id*perSubmitter + j}))
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(submitters*perSubmitter), atomic.LoadInt64(&n))
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	var n int64
	pool := NewPool(1, 10, testProcessor(&n), WithMetricsRegistry[testWork](registry, "test_pool"))
	require.NotNil(t, pool.metrics)

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))
	require.NoError(t, pool.Stop(5*time.Second))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["test_pool_submitted_total"])
	assert.True(t, names["test_pool_processed_total"])

	// A second pool with the same prefix cannot register and runs without metrics
	second := NewPool(1, 10, testProcessor(&n), WithMetricsRegistry[testWork](registry, "test_pool"))
	assert.Nil(t, second.metrics)
}

func TestPool_SentinelErrors(t *testing.T) {
	sentinels := []error{
		ErrPoolNotStarted,
		ErrPoolStopped,
		ErrPoolAlreadyStarted,
		ErrQueueFull,
		ErrNilProcessor,
		ErrStopTimeout,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j {
				assert.NotErrorIs(t, a, b)
			}
		}
	}

	assert.ErrorIs(t, ErrPoolNotStarted, nmerrors.ErrNotStarted)
	assert.ErrorIs(t, ErrPoolStopped, nmerrors.ErrAlreadyStopped)
	assert.ErrorIs(t, ErrPoolAlreadyStarted, nmerrors.ErrAlreadyStarted)
	assert.ErrorIs(t, ErrQueueFull, nmerrors.ErrResourceExhausted)
	assert.ErrorIs(t, ErrNilProcessor, nmerrors.ErrMissingConfig)
	assert.ErrorIs(t, ErrStopTimeout, nmerrors.ErrShuttingDown)
}
