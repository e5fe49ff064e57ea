package worker

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodemesh/metric"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestExecutor_RunsTasks(t *testing.T) {
	exec := NewExecutor(4, 100)
	require.NoError(t, exec.Start(context.Background()))

	var n int64
	for i := 0; i < 50; i++ {
		require.NoError(t, exec.Execute(func(context.Context) {
			atomic.AddInt64(&n, 1)
		}))
	}

	require.NoError(t, exec.Stop(5*time.Second))
	assert.Equal(t, int64(50), atomic.LoadInt64(&n))
	assert.Equal(t, int64(50), exec.Stats().Processed)
}

func TestExecutor_RecoversPanics(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	exec := NewExecutor(1, 10, WithExecutorLogger(logger))
	require.NoError(t, exec.Start(context.Background()))

	var after int64
	require.NoError(t, exec.Execute(func(context.Context) { panic("listener exploded") }))
	require.NoError(t, exec.Execute(func(context.Context) { atomic.AddInt64(&after, 1) }))

	require.NoError(t, exec.Stop(5*time.Second))

	assert.Equal(t, int64(1), atomic.LoadInt64(&after), "worker survives a panicking task")
	assert.Equal(t, int64(1), exec.Stats().Panicked)
	assert.Contains(t, logs.String(), "task panicked")
	assert.Contains(t, logs.String(), "listener exploded")
}

func TestExecutor_Rejections(t *testing.T) {
	exec := NewExecutor(1, 1)

	assert.ErrorIs(t, exec.Execute(func(context.Context) {}), ErrPoolNotStarted)
	assert.NoError(t, exec.Execute(nil), "nil task is ignored")

	require.NoError(t, exec.Start(context.Background()))
	require.NoError(t, exec.Stop(time.Second))

	assert.ErrorIs(t, exec.Execute(func(context.Context) {}), ErrPoolStopped)
}

func TestExecutor_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	exec := NewExecutor(1, 10, WithExecutorMetrics(registry, "executor"))
	require.NoError(t, exec.Start(context.Background()))
	require.NoError(t, exec.Execute(func(context.Context) {}))
	require.NoError(t, exec.Stop(5*time.Second))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "executor_processed_total" {
			found = true
		}
	}
	assert.True(t, found)
}
