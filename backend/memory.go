package backend

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/transport"
)

// DefaultQueueSize is the per-backend delivery buffer
const DefaultQueueSize = 1024

// Hub is an in-process pub/sub bus shared by Memory backends. Every message
// published on a channel is delivered to every backend subscribed to it,
// the publisher included.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Memory]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Memory]struct{})}
}

// Backend creates a backend attached to the hub. connID is passed to
// OnMessage as the connection identifier.
func (h *Hub) Backend(connID string, opts ...Option) *Memory {
	m := &Memory{
		hub:       h,
		connID:    connID,
		queueSize: DefaultQueueSize,
		logger:    slog.Default().With("component", "memory-backend", "conn_id", connID),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Channels returns the channels with at least one subscriber, sorted
func (h *Hub) Channels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subs))
	for ch := range h.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) add(channel string, m *Memory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*Memory]struct{})
		h.subs[channel] = set
	}
	set[m] = struct{}{}
}

func (h *Hub) removeAll(m *Memory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, set := range h.subs {
		delete(set, m)
		if len(set) == 0 {
			delete(h.subs, ch)
		}
	}
}

// subscribers copies the subscriber set so delivery runs outside the lock
func (h *Hub) subscribers(channel string) []*Memory {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.subs[channel]
	out := make([]*Memory, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}

// Option configures a Memory backend
type Option func(*Memory)

// WithQueueSize sets the delivery buffer of the backend
func WithQueueSize(n int) Option {
	return func(m *Memory) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Memory) {
		if logger != nil {
			m.logger = logger
		}
	}
}

type eventKind int

const (
	eventConnected eventKind = iota
	eventDisconnected
	eventSubscribed
	eventMessage
)

type event struct {
	kind    eventKind
	channel string
	data    []byte
	err     error
}

// Memory is a transport.Backend on a Hub. Hooks are invoked from a single
// delivery goroutine per backend, in the order events were queued.
type Memory struct {
	hub       *Hub
	connID    string
	queueSize int
	logger    *slog.Logger

	mu     sync.Mutex
	hooks  transport.Hooks
	queue  chan event
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
	online atomic.Bool
}

// Connect starts the delivery goroutine and reports the connection
func (m *Memory) Connect(_ context.Context, hooks transport.Hooks) error {
	if hooks == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Memory", "Connect", "hooks check")
	}
	if m.closed.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Memory", "Connect", "state check")
	}

	m.mu.Lock()
	if m.queue != nil {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Memory", "Connect", "state check")
	}
	m.hooks = hooks
	m.queue = make(chan event, m.queueSize)
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.deliver()

	m.online.Store(true)
	m.enqueue(context.Background(), event{kind: eventConnected})
	return nil
}

// Subscribe registers channel on the hub
func (m *Memory) Subscribe(ctx context.Context, channel string) error {
	if err := m.usable("Subscribe"); err != nil {
		return err
	}
	m.hub.add(channel, m)
	m.enqueue(ctx, event{kind: eventSubscribed, channel: channel})
	return nil
}

// Publish fans data out to every subscriber of channel. Each subscriber gets
// its own copy.
func (m *Memory) Publish(ctx context.Context, channel string, data []byte) error {
	if err := m.usable("Publish"); err != nil {
		return err
	}
	for _, sub := range m.hub.subscribers(channel) {
		if !sub.online.Load() {
			continue
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		if err := sub.enqueue(ctx, event{kind: eventMessage, channel: channel, data: cp}); err != nil {
			return errors.WrapTransient(err, "Memory", "Publish", "deliver to "+sub.connID)
		}
	}
	return nil
}

// Disconnect drops every subscription and reports the loss of the
// connection with err.
func (m *Memory) Disconnect(err error) {
	if !m.online.CompareAndSwap(true, false) {
		return
	}
	m.hub.removeAll(m)
	m.enqueue(context.Background(), event{kind: eventDisconnected, err: err})
}

// Reconnect reports the connection as usable again after Disconnect
func (m *Memory) Reconnect() {
	if m.closed.Load() || !m.online.CompareAndSwap(false, true) {
		return
	}
	m.enqueue(context.Background(), event{kind: eventConnected})
}

// Close detaches from the hub and stops the delivery goroutine. Queued
// events not yet delivered are discarded.
func (m *Memory) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.online.Store(false)
	m.hub.removeAll(m)

	m.mu.Lock()
	started := m.done != nil
	if started {
		close(m.done)
	}
	m.mu.Unlock()
	if !started {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Memory", "Close", "delivery drain")
	}
}

func (m *Memory) usable(method string) error {
	if m.closed.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Memory", method, "state check")
	}
	if !m.online.Load() {
		return errors.WrapTransient(errors.ErrNoConnection, "Memory", method, "state check")
	}
	return nil
}

func (m *Memory) enqueue(ctx context.Context, ev event) error {
	if m.closed.Load() {
		return nil
	}
	select {
	case m.queue <- ev:
		return nil
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) deliver() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.queue:
			m.dispatch(ev)
		}
	}
}

func (m *Memory) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("Hook panicked", "error", errors.Recovered("memory-backend", r))
		}
	}()
	switch ev.kind {
	case eventConnected:
		m.hooks.OnConnected()
	case eventDisconnected:
		m.hooks.OnDisconnected(ev.err)
	case eventSubscribed:
		m.hooks.OnSubscribed(ev.channel)
	case eventMessage:
		m.hooks.OnMessage(ev.channel, ev.data, m.connID)
	}
}
