package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/nodemesh/metric"
)

// Task is a unit of work run by an Executor
type Task func(ctx context.Context)

// Executor is the shared worker pool every nodemesh component schedules
// asynchronous work on. It is constructed and owned by the caller and passed
// to components explicitly.
type Executor struct {
	pool   *Pool[Task]
	logger *slog.Logger
}

// ExecutorOption configures an Executor
type ExecutorOption func(*executorOptions)

type executorOptions struct {
	logger        *slog.Logger
	registry      metric.MetricsRegistrar
	metricsPrefix string
}

// WithExecutorLogger sets the logger used for recovered panics
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(o *executorOptions) {
		o.logger = logger
	}
}

// WithExecutorMetrics registers the pool metrics under prefix
func WithExecutorMetrics(registry metric.MetricsRegistrar, prefix string) ExecutorOption {
	return func(o *executorOptions) {
		o.registry = registry
		o.metricsPrefix = prefix
	}
}

// NewExecutor creates an executor backed by a Pool of workers goroutines and
// a queue of queueSize pending tasks.
func NewExecutor(workers, queueSize int, opts ...ExecutorOption) *Executor {
	o := executorOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "executor")
	}

	e := &Executor{logger: o.logger}

	poolOpts := []Option[Task]{
		WithPanicHandler(func(_ Task, r any) {
			e.logger.Warn("task panicked", "panic", r)
		}),
	}
	if o.registry != nil && o.metricsPrefix != "" {
		poolOpts = append(poolOpts, WithMetricsRegistry[Task](o.registry, o.metricsPrefix))
	}

	e.pool = NewPool(workers, queueSize, func(ctx context.Context, task Task) error {
		task(ctx)
		return nil
	}, poolOpts...)

	return e
}

// Start launches the workers. Tasks observe ctx.
func (e *Executor) Start(ctx context.Context) error {
	return e.pool.Start(ctx)
}

// Stop refuses new tasks and waits up to timeout for queued ones to finish
func (e *Executor) Stop(timeout time.Duration) error {
	return e.pool.Stop(timeout)
}

// Execute schedules task without blocking. It fails with ErrQueueFull,
// ErrPoolNotStarted or ErrPoolStopped when the task cannot be accepted.
func (e *Executor) Execute(task Task) error {
	if task == nil {
		return nil
	}
	return e.pool.Submit(task)
}

// Stats returns the underlying pool statistics
func (e *Executor) Stats() PoolStats {
	return e.pool.Stats()
}
