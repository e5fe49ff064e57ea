// Package worker provides a generic worker pool and the shared executor
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/metric"
)

// Pool rejections. Each matches the general lifecycle or resource error of
// the errors package as well, so callers outside this package can classify
// them.
var (
	ErrPoolNotStarted     = fmt.Errorf("worker pool: %w", errors.ErrNotStarted)
	ErrPoolStopped        = fmt.Errorf("worker pool: %w", errors.ErrAlreadyStopped)
	ErrPoolAlreadyStarted = fmt.Errorf("worker pool: %w", errors.ErrAlreadyStarted)
	ErrQueueFull          = fmt.Errorf("worker pool queue full: %w", errors.ErrResourceExhausted)
	ErrNilProcessor       = fmt.Errorf("worker pool processor: %w", errors.ErrMissingConfig)
	ErrStopTimeout        = fmt.Errorf("worker pool stop: %w", errors.ErrShuttingDown)
)

// Pool represents a generic worker pool that can process any work type T
type Pool[T any] struct {
	// Configuration
	workers   int
	queueSize int
	processor func(context.Context, T) error
	onPanic   func(T, any)

	// Runtime state
	workChan chan T
	done     chan struct{}
	metrics  *Metrics
	wg       *sync.WaitGroup

	// Lifecycle management
	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	submitted int64
	processed int64
	failed    int64
	dropped   int64
	panicked  int64

	// Metrics configuration
	metricsRegistry metric.MetricsRegistrar
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for worker pool monitoring
type Metrics struct {
	queueDepth     prometheus.Gauge
	utilization    prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry configures the pool to register metrics with the node's registry
func WithMetricsRegistry[T any](registry metric.MetricsRegistrar, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithPanicHandler is called with the work item and recovered value when the
// processor panics. The item is counted as failed either way.
func WithPanicHandler[T any](fn func(work T, recovered any)) Option[T] {
	return func(p *Pool[T]) {
		p.onPanic = fn
	}
}

// NewPool creates a new generic worker pool with optional configuration
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10 // Default worker count
	}
	if queueSize <= 0 {
		queueSize = 1000 // Default queue size
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		pool.initializeMetrics()
	}

	return pool
}

// initializeMetrics creates and registers metrics with the node's registry.
// Registration failures leave the pool running without metrics.
func (p *Pool[T]) initializeMetrics() {
	prefix := p.metricsPrefix

	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Current worker pool queue depth",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_utilization",
			Help: "Worker pool utilization (0-1)",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Total work items submitted",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_processed_total",
			Help: "Total work items processed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Total work items that failed processing",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Total work items dropped due to full queue",
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent processing work items",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"status"}),
	}

	const serviceName = "worker_pool"
	r := p.metricsRegistry
	for _, err := range []error{
		r.RegisterGauge(serviceName, prefix+"_queue_depth", m.queueDepth),
		r.RegisterGauge(serviceName, prefix+"_utilization", m.utilization),
		r.RegisterCounter(serviceName, prefix+"_submitted_total", m.submitted),
		r.RegisterCounter(serviceName, prefix+"_processed_total", m.processed),
		r.RegisterCounter(serviceName, prefix+"_failed_total", m.failed),
		r.RegisterCounter(serviceName, prefix+"_dropped_total", m.dropped),
		r.RegisterHistogramVec(serviceName, prefix+"_processing_duration_seconds", m.processingTime),
	} {
		if err != nil {
			return
		}
	}

	p.metrics = m
}

// Submit submits work to the pool. Returns error if queue is full.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start starts the worker pool
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.wg = &sync.WaitGroup{}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	if p.metrics != nil {
		p.wg.Add(1)
		go p.metricsUpdater(ctx)
	}

	p.started = true
	return nil
}

// Stop refuses new work and waits up to timeout for queued work to drain
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	close(p.done)
	wg := p.wg
	p.lifecycleMu.Unlock()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-finished:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
		Panicked:   atomic.LoadInt64(&p.panicked),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Panicked   int64 `json:"panicked"`
}

// worker processes work items from the queue until it is closed and drained
func (p *Pool[T]) worker(ctx context.Context, _ int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			start := time.Now()
			err := p.process(ctx, work)
			duration := time.Since(start)

			atomic.AddInt64(&p.processed, 1)
			if err != nil {
				atomic.AddInt64(&p.failed, 1)
			}

			if p.metrics != nil {
				p.metrics.processed.Inc()
				status := "success"
				if err != nil {
					p.metrics.failed.Inc()
					status = "error"
				}
				p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
			}
		}
	}
}

// process runs the processor with panic containment
func (p *Pool[T]) process(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.panicked, 1)
			if p.onPanic != nil {
				p.onPanic(work, r)
			}
			err = errors.Recovered("worker", r)
		}
	}()
	return p.processor(ctx, work)
}

// metricsUpdater periodically updates utilization and queue depth metrics
func (p *Pool[T]) metricsUpdater(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			queueDepth := float64(len(p.workChan))
			p.metrics.queueDepth.Set(queueDepth)
			p.metrics.utilization.Set(queueDepth / float64(p.queueSize))
		}
	}
}
