package broker

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/nodemesh/backend"
	"github.com/c360/nodemesh/codec"
	"github.com/c360/nodemesh/config"
	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/eventbus"
	"github.com/c360/nodemesh/health"
	"github.com/c360/nodemesh/metric"
	"github.com/c360/nodemesh/natsclient"
	"github.com/c360/nodemesh/payload"
	"github.com/c360/nodemesh/pkg/tlsutil"
	"github.com/c360/nodemesh/pkg/worker"
	"github.com/c360/nodemesh/promise"
	"github.com/c360/nodemesh/registry"
	"github.com/c360/nodemesh/transport"
)

// DefaultStopTimeout bounds executor draining when Stop gets a context
// without deadline
const DefaultStopTimeout = 5 * time.Second

// Broker owns one node: its executor, codec, backend, transport and registry
type Broker struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry

	exec      *worker.Executor
	codec     codec.Codec
	backend   transport.Backend
	transport *transport.Transport
	registry  *registry.Registry
	server    *metric.Server

	onFailure transport.FailureHook
	hub       *backend.Hub
	health    *health.Monitor

	backendDown atomic.Bool
	started     atomic.Bool
	stopped     atomic.Bool
	serverWG    sync.WaitGroup
}

// Option configures a Broker
type Option func(*Broker)

// WithLogger sets the base logger every component derives from
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetricsRegistry shares a metrics registry instead of creating one
func WithMetricsRegistry(reg *metric.MetricsRegistry) Option {
	return func(b *Broker) {
		b.metrics = reg
	}
}

// WithHub attaches the memory transporter to a shared hub, so brokers in
// one process can reach each other
func WithHub(hub *backend.Hub) Option {
	return func(b *Broker) {
		b.hub = hub
	}
}

// WithBackend overrides the backend selected by the configuration
func WithBackend(be transport.Backend) Option {
	return func(b *Broker) {
		b.backend = be
	}
}

// WithFailureHook receives transport decode and delivery failures in
// addition to the broker's own logging
func WithFailureHook(hook transport.FailureHook) Option {
	return func(b *Broker) {
		b.onFailure = hook
	}
}

// New validates cfg and builds every component. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Broker, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Broker", "New", "config check")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:    cfg.Clone(),
		logger: slog.Default(),
		health: health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = metric.NewMetricsRegistry()
	}
	nodeLogger := b.logger.With("node_id", b.cfg.NodeID)
	core := b.metrics.CoreMetrics()

	b.exec = worker.NewExecutor(b.cfg.Executor.Workers, b.cfg.Executor.QueueSize,
		worker.WithExecutorLogger(nodeLogger.With("component", "executor")),
		worker.WithExecutorMetrics(b.metrics, "executor"),
	)

	var err error
	if b.codec, err = codec.FromConfig(b.cfg.Serializer, nodeLogger.With("component", "codec")); err != nil {
		return nil, err
	}

	if b.backend == nil {
		if b.backend, err = b.newBackend(nodeLogger); err != nil {
			return nil, err
		}
	}

	b.registry, err = registry.New(b.cfg.NodeID, b.exec,
		registry.WithLogger(nodeLogger.With("component", "registry")),
		registry.WithMetrics(core),
		registry.WithRequestTimeout(b.cfg.RequestTimeout.Std()),
		registry.WithAsyncLocalInvocation(b.cfg.AsyncLocalInvocation),
	)
	if err != nil {
		return nil, err
	}

	b.transport, err = transport.New(b.cfg.NodeID, b.backend, b.codec, b.exec,
		transport.WithPrefix(b.cfg.Prefix),
		transport.WithLogger(nodeLogger.With("component", "transport")),
		transport.WithMetrics(core),
		transport.WithFailureHook(b.failed),
		transport.WithRegistry(b.registry),
		transport.WithHeartbeat(b.cfg.HeartbeatInterval.Std(), b.cfg.HeartbeatTimeout.Std()),
		transport.WithInfoProvider(b.registry.Info),
		transport.WithNodeConnected(b.registry.NodeConnected),
		transport.WithNodeDisconnected(b.registry.NodeDisconnected),
		transport.WithCPUSampler(newCPUSampler(b.metrics.PrometheusRegistry()).Sample),
	)
	if err != nil {
		return nil, err
	}
	b.registry.Attach(b.transport)

	if b.cfg.Metrics.Enabled {
		b.server = metric.NewServer(b.cfg.Metrics.Port, b.cfg.Metrics.Path, b.metrics)
		b.server.SetHealthFunc(b.Health)
		serverTLS, err := tlsutil.LoadServer(b.cfg.Metrics.TLS)
		if err != nil {
			return nil, err
		}
		b.server.SetTLSConfig(serverTLS)
	}

	return b, nil
}

func (b *Broker) newBackend(logger *slog.Logger) (transport.Backend, error) {
	switch b.cfg.Transporter.Type {
	case config.TransporterNATS:
		n := b.cfg.Transporter.NATS
		opts := []natsclient.ClientOption{
			natsclient.WithSlogLogger(logger),
			natsclient.WithMaxReconnects(n.MaxReconnects),
			natsclient.WithMetrics(b.metrics.CoreMetrics()),
		}
		if n.ReconnectWait > 0 {
			opts = append(opts, natsclient.WithReconnectWait(n.ReconnectWait.Std()))
		}
		if n.Username != "" {
			opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
		}
		if n.Token != "" {
			opts = append(opts, natsclient.WithToken(n.Token))
		}
		tlsConfig, err := tlsutil.LoadClient(n.TLS)
		if err != nil {
			return nil, err
		}
		if tlsConfig != nil {
			opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
		}
		name := n.Name
		if name == "" {
			name = b.cfg.NodeID
		}
		opts = append(opts, natsclient.WithName(name))

		client, err := natsclient.NewClient(strings.Join(n.URLs, ","), opts...)
		if err != nil {
			return nil, err
		}
		return natsclient.NewBackend(client,
			natsclient.WithBackendLogger(logger.With("component", "nats-backend")),
			natsclient.WithHealthObserver(b.backendHealth)), nil

	default:
		hub := b.hub
		if hub == nil {
			hub = backend.NewHub()
		}
		return hub.Backend(b.cfg.NodeID,
			backend.WithLogger(logger.With("component", "memory-backend"))), nil
	}
}

func (b *Broker) failed(connectionID any, err error) {
	b.logger.Debug("Transport failure", "node_id", b.cfg.NodeID, "connection", connectionID, "error", err)
	if errors.IsTransportFailure(err) {
		b.recordFailure(err)
	}
	if b.onFailure != nil {
		b.onFailure(connectionID, err)
	}
}

// Start launches the executor, the metrics endpoint when enabled, and connects
// the transport
func (b *Broker) Start(ctx context.Context) error {
	if b.stopped.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Broker", "Start", "state check")
	}
	if !b.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Broker", "Start", "state check")
	}

	// workers outlive the caller's context, Stop drains them
	if err := b.exec.Start(context.WithoutCancel(ctx)); err != nil {
		b.started.Store(false)
		return errors.Wrap(err, "Broker", "Start", "start executor")
	}

	if b.server != nil {
		b.serverWG.Add(1)
		go func() {
			defer b.serverWG.Done()
			if err := b.server.Start(); err != nil {
				b.logger.Error("Metrics server failed", "error", err)
			}
		}()
		b.logger.Info("Metrics server listening", "address", b.server.Address())
	}

	if err := b.transport.Start(ctx); err != nil {
		_ = b.exec.Stop(DefaultStopTimeout)
		b.started.Store(false)
		return err
	}

	b.logger.Info("Broker started",
		"node_id", b.cfg.NodeID,
		"transporter", b.cfg.Transporter.Type,
		"codec", strings.Join(codec.Chain(b.codec), "/"))
	return nil
}

// Stop disconnects the transport, fails pending calls, drains the executor
// and shuts the metrics endpoint down. It is safe to call more than once.
func (b *Broker) Stop(ctx context.Context) error {
	if !b.stopped.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := b.transport.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	b.registry.Close()

	if b.started.Load() {
		timeout := DefaultStopTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := b.exec.Stop(timeout); err != nil {
			errs = append(errs, errors.Wrap(err, "Broker", "Stop", "drain executor"))
		}
	}

	if b.server != nil {
		if err := b.server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		b.serverWG.Wait()
	}

	b.logger.Info("Broker stopped", "node_id", b.cfg.NodeID)
	return stderrors.Join(errs...)
}

// NodeID returns the local node ID
func (b *Broker) NodeID() string { return b.cfg.NodeID }

// Config returns a copy of the broker configuration
func (b *Broker) Config() *config.Config { return b.cfg.Clone() }

// Registry returns the service registry
func (b *Broker) Registry() *registry.Registry { return b.registry }

// Transport returns the node transport
func (b *Broker) Transport() *transport.Transport { return b.transport }

// Executor returns the shared executor
func (b *Broker) Executor() *worker.Executor { return b.exec }

// Metrics returns the metrics registry
func (b *Broker) Metrics() *metric.MetricsRegistry { return b.metrics }

// AddAction registers a local action
func (b *Broker) AddAction(name string, fn registry.Action) error {
	return b.registry.AddAction(name, fn)
}

// Call invokes action on nodeID, or on any node offering it when nodeID is
// empty. A zero timeout uses the configured request timeout.
func (b *Broker) Call(ctx context.Context, nodeID, action string, params payload.Value, timeout time.Duration) *promise.Promise[payload.Value] {
	return b.registry.Call(ctx, nodeID, action, params, timeout)
}

// On subscribes listener to events matching pattern within group
func (b *Broker) On(pattern, group string, listener eventbus.Listener) (*eventbus.LocalEndpoint, error) {
	return b.registry.On(pattern, group, listener)
}

// Emit delivers an event to one listener per group
func (b *Broker) Emit(name string, data payload.Value) int {
	return b.registry.Emit(name, data)
}

// Broadcast delivers an event to every listener
func (b *Broker) Broadcast(name string, data payload.Value) int {
	return b.registry.Broadcast(name, data)
}

// Ping measures the round trip to nodeID
func (b *Broker) Ping(ctx context.Context, nodeID string) *promise.Promise[time.Duration] {
	return b.transport.Ping(ctx, nodeID)
}

// Nodes returns the currently known remote nodes
func (b *Broker) Nodes() []transport.NodeInfo {
	return b.transport.Nodes().Nodes()
}

// WaitForNode blocks until nodeID has announced itself or ctx is done
func (b *Broker) WaitForNode(ctx context.Context, nodeID string) (transport.NodeInfo, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if info, ok := b.transport.Nodes().Node(nodeID); ok {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return transport.NodeInfo{}, errors.WrapTransient(ctx.Err(), "Broker", "WaitForNode", "wait for "+nodeID)
		case <-ticker.C:
		}
	}
}
