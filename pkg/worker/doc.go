// Package worker provides a generic, thread-safe worker pool and the shared
// Executor used for all asynchronous work in a node.
//
// The pool runs a fixed number of goroutines reading from a bounded channel.
// Submit never blocks: a full queue returns ErrQueueFull and counts the item
// as dropped. Statistics are always tracked with atomics; Prometheus metrics
// are optional and registered through metric.MetricsRegistrar.
//
//	pool := worker.NewPool[Job](5, 100, func(ctx context.Context, job Job) error {
//	    return handle(ctx, job)
//	})
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// A processor panic is recovered, counted as a failure and reported to the
// WithPanicHandler callback. The worker keeps running.
//
// Executor wraps Pool[Task] for fire-and-forget closures. Transport decoding,
// asynchronous listener invocation and promise continuations are all
// scheduled on one Executor that the embedding program constructs and owns:
//
//	exec := worker.NewExecutor(10, 1000, worker.WithExecutorLogger(logger))
//	exec.Start(ctx)
//	defer exec.Stop(10 * time.Second)
//
//	err := exec.Execute(func(ctx context.Context) { ... })
//
// Stop closes the queue, lets in-flight and queued work drain and returns
// ErrStopTimeout if that takes longer than the timeout. It does not cancel
// running tasks; cancel the Start context for that.
package worker
