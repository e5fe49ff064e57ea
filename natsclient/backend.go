package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/pkg/retry"
	"github.com/c360/nodemesh/transport"
)

// Backend runs a transport over a NATS connection. Every transport channel
// maps one to one onto a NATS subject.
type Backend struct {
	client *Client
	retry  retry.Config
	logger *slog.Logger

	onHealth func(healthy bool)

	mu       sync.Mutex
	hooks    transport.Hooks
	channels map[string]struct{}
	closed   atomic.Bool
}

// BackendOption configures a Backend
type BackendOption func(*Backend)

// WithConnectRetry sets the backoff used for the initial connection
func WithConnectRetry(cfg retry.Config) BackendOption {
	return func(b *Backend) {
		b.retry = cfg
	}
}

// WithBackendLogger sets the logger for the backend
func WithBackendLogger(logger *slog.Logger) BackendOption {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithHealthObserver sets fn to be told when the NATS connection turns
// healthy or unhealthy. It is not called after Close.
func WithHealthObserver(fn func(healthy bool)) BackendOption {
	return func(b *Backend) {
		b.onHealth = fn
	}
}

// NewBackend wraps client as a transport backend
func NewBackend(client *Client, opts ...BackendOption) *Backend {
	b := &Backend{
		client:   client,
		retry:    retry.Persistent(),
		logger:   slog.Default().With("component", "nats-backend"),
		channels: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Client returns the underlying client
func (b *Backend) Client() *Client {
	return b.client
}

// Connect dials the servers, retrying with backoff, and reports the
// connection to hooks. Later connection changes are reported as they happen.
func (b *Backend) Connect(ctx context.Context, hooks transport.Hooks) error {
	if hooks == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Backend", "Connect", "hooks check")
	}
	if b.closed.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Backend", "Connect", "state check")
	}

	b.mu.Lock()
	if b.hooks != nil {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Backend", "Connect", "state check")
	}
	b.hooks = hooks
	b.mu.Unlock()

	b.client.OnConnectionChange(
		func(err error) {
			if h := b.activeHooks(); h != nil {
				b.logger.Warn("NATS connection lost", "error", err)
				h.OnDisconnected(err)
			}
		},
		func() {
			if h := b.activeHooks(); h != nil {
				b.logger.Info("NATS connection restored", "url", b.client.URL())
				h.OnConnected()
			}
		},
	)

	b.client.OnHealthChange(func(healthy bool) {
		if b.closed.Load() {
			return
		}
		b.logger.Debug("NATS health changed", "healthy", healthy)
		if b.onHealth != nil {
			b.onHealth(healthy)
		}
	})

	cfg := b.retry
	cfg.OnRetry = func(attempt int, err error) {
		b.logger.Warn("NATS connect failed, retrying", "attempt", attempt, "error", err)
	}
	if err := b.client.ConnectWithRetry(ctx, cfg); err != nil {
		return errors.WrapTransient(err, "Backend", "Connect", "connect")
	}

	hooks.OnConnected()
	return nil
}

// Subscribe subscribes to channel and confirms once the server has
// acknowledged the subscription. The client keeps subscriptions across
// reconnects, so subscribing again only confirms.
func (b *Backend) Subscribe(ctx context.Context, channel string) error {
	hooks := b.activeHooks()
	if hooks == nil {
		return errors.ErrNoConnection
	}

	// handler contexts must outlive the subscribing task
	subCtx := context.WithoutCancel(ctx)
	connID := b.client.URL()
	err := b.client.Subscribe(subCtx, channel, func(_ context.Context, data []byte) {
		if h := b.activeHooks(); h != nil {
			h.OnMessage(channel, data, connID)
		}
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.channels[channel] = struct{}{}
	b.mu.Unlock()

	if err := b.client.Flush(ctx); err != nil {
		return errors.WrapTransient(err, "Backend", "Subscribe", "flush "+channel)
	}

	hooks.OnSubscribed(channel)
	return nil
}

// Publish sends data on channel
func (b *Backend) Publish(ctx context.Context, channel string, data []byte) error {
	if b.closed.Load() {
		return errors.ErrAlreadyStopped
	}
	return b.client.Publish(ctx, channel, data)
}

// Close drops the transport's subscriptions, then drains and closes the
// connection
func (b *Backend) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	b.hooks = nil
	channels := b.channels
	b.channels = make(map[string]struct{})
	b.mu.Unlock()

	for channel := range channels {
		if err := b.client.Unsubscribe(channel); err != nil {
			b.logger.Debug("Unsubscribe failed", "channel", channel, "error", err)
		}
	}
	return b.client.Close(ctx)
}

// Channels returns the channels subscribed through this backend
func (b *Backend) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.channels))
	for channel := range b.channels {
		out = append(out, channel)
	}
	return out
}

func (b *Backend) activeHooks() transport.Hooks {
	if b.closed.Load() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hooks
}
