package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/nodemesh/codec"
	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/metric"
	"github.com/c360/nodemesh/payload"
	"github.com/c360/nodemesh/pkg/worker"
)

// State is the connection state of a Transport
type State int32

// Transport states
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Default timing
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 15 * time.Second
)

// Executor runs transport work. *worker.Executor satisfies it.
type Executor interface {
	Execute(task worker.Task) error
}

// FailureHook receives every decode and transport failure
type FailureHook func(connectionID any, err error)

// Transport runs the node protocol over a Backend: it owns the channel table,
// the connection state machine, control packet handling and the node table.
type Transport struct {
	nodeID     string
	instanceID string
	prefix     string
	backend    Backend
	codec      codec.Codec
	exec       Executor
	logger     *slog.Logger
	metrics    *metric.Metrics
	now        func() time.Time

	channels *Channels
	nodes    *NodeTable

	state   atomic.Int32
	started atomic.Bool
	closing atomic.Bool

	// subscriptions confirmed on the current connection
	confirmed atomic.Int32

	regMu    sync.RWMutex
	registry Registry

	onFailure          FailureHook
	onNodeConnected    func(NodeInfo)
	onNodeDisconnected func(info NodeInfo, unexpected bool)
	infoProvider       func() payload.Value
	cpuSampler         func() float64

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	discoverReplies *limiterSet
	discoverProbes  *limiterSet

	pings sync.Map // ping id -> *pendingPing

	ctx        context.Context
	cancel     context.CancelFunc
	timersOnce sync.Once
	timers     sync.WaitGroup
}

// Option configures a Transport
type Option func(*Transport)

// WithPrefix sets the channel namespace
func WithPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics enables packet and node metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// WithFailureHook sets the callback receiving decode and transport failures
func WithFailureHook(hook FailureHook) Option {
	return func(t *Transport) {
		if hook != nil {
			t.onFailure = hook
		}
	}
}

// WithRegistry sets the consumer of EVENT, REQ and RES packets
func WithRegistry(r Registry) Option {
	return func(t *Transport) {
		t.registry = r
	}
}

// WithHeartbeat sets the heartbeat period and the silence after which a
// remote node is considered gone.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(t *Transport) {
		if interval > 0 {
			t.heartbeatInterval = interval
		}
		if timeout > 0 {
			t.heartbeatTimeout = timeout
		}
	}
}

// WithInfoProvider sets the source of the fields announced in INFO packets
func WithInfoProvider(fn func() payload.Value) Option {
	return func(t *Transport) {
		t.infoProvider = fn
	}
}

// WithNodeConnected sets the callback fired when a node is first seen
func WithNodeConnected(fn func(NodeInfo)) Option {
	return func(t *Transport) {
		t.onNodeConnected = fn
	}
}

// WithNodeDisconnected sets the callback fired when a node leaves. unexpected
// is true when the node timed out instead of sending DISCONNECT.
func WithNodeDisconnected(fn func(info NodeInfo, unexpected bool)) Option {
	return func(t *Transport) {
		t.onNodeDisconnected = fn
	}
}

// WithDiscoverRate limits DISCOVER replies and probes per remote node
func WithDiscoverRate(limit rate.Limit, burst int) Option {
	return func(t *Transport) {
		t.discoverReplies = newLimiterSet(limit, burst)
		t.discoverProbes = newLimiterSet(limit, burst)
	}
}

// WithCPUSampler sets the source of the cpu field in HEARTBEAT packets
func WithCPUSampler(fn func() float64) Option {
	return func(t *Transport) {
		t.cpuSampler = fn
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates a Transport for nodeID. Channels are computed at Start.
func New(nodeID string, backend Backend, c codec.Codec, exec Executor, opts ...Option) (*Transport, error) {
	if nodeID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Transport", "New", "node id check")
	}
	if backend == nil || c == nil || exec == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Transport", "New", "dependency check")
	}

	t := &Transport{
		nodeID:            nodeID,
		instanceID:        uuid.NewString(),
		prefix:            DefaultPrefix,
		backend:           backend,
		codec:             c,
		exec:              exec,
		logger:            slog.Default().With("component", "transport"),
		now:               time.Now,
		onFailure:         func(any, error) {},
		heartbeatInterval: DefaultHeartbeatInterval,
		heartbeatTimeout:  DefaultHeartbeatTimeout,
		discoverReplies:   newLimiterSet(rate.Every(time.Second), 3),
		discoverProbes:    newLimiterSet(rate.Every(time.Second), 3),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.nodes = NewNodeTable(t.now)
	t.logger = t.logger.With("node_id", nodeID)
	return t, nil
}

// NodeID returns the local node ID
func (t *Transport) NodeID() string { return t.nodeID }

// InstanceID returns the random ID of this process incarnation
func (t *Transport) InstanceID() string { return t.instanceID }

// State returns the connection state
func (t *Transport) State() State { return State(t.state.Load()) }

// Channels returns the channel table, nil before Start
func (t *Transport) Channels() *Channels { return t.channels }

// Nodes returns the remote node table
func (t *Transport) Nodes() *NodeTable { return t.nodes }

// SetRegistry replaces the consumer of EVENT, REQ and RES packets
func (t *Transport) SetRegistry(r Registry) {
	t.regMu.Lock()
	t.registry = r
	t.regMu.Unlock()
}

func (t *Transport) currentRegistry() Registry {
	t.regMu.RLock()
	defer t.regMu.RUnlock()
	return t.registry
}

// Start computes the channel table and connects the backend. Subscriptions
// and timers start once the backend reports the connection.
func (t *Transport) Start(ctx context.Context) error {
	if t.closing.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Transport", "Start", "state check")
	}
	if !t.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Transport", "Start", "state check")
	}

	t.channels = NewChannels(t.prefix, t.nodeID)
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.setState(StateConnecting)

	t.logger.Info("Transport starting", "prefix", t.prefix)
	if err := t.backend.Connect(ctx, hooks{t}); err != nil {
		t.setState(StateDisconnected)
		t.cancel()
		t.started.Store(false)
		return errors.WrapTransient(err, "Transport", "Start", "backend connect")
	}
	return nil
}

// Stop announces DISCONNECT when connected, stops the timers, refuses new
// inbound work and closes the backend. Tasks already queued on the executor
// still run; the executor belongs to the caller.
func (t *Transport) Stop(ctx context.Context) error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	if !t.started.Load() {
		return nil
	}

	if t.State() == StateConnected {
		if err := t.send(ctx, CmdDisconnect, t.channels.Disconnect, NewPacket()); err != nil {
			t.logger.Warn("Failed to announce disconnect", "error", err)
		}
	}

	t.cancel()
	t.timers.Wait()
	t.rejectPings(errors.ErrShuttingDown)

	err := t.backend.Close(ctx)
	t.setState(StateDisconnected)
	t.logger.Info("Transport stopped")
	if err != nil {
		return errors.WrapTransient(err, "Transport", "Stop", "backend close")
	}
	return nil
}

func (t *Transport) setState(s State) {
	t.state.Store(int32(s))
	t.recordState(s)
}

func (t *Transport) transition(from, to State) bool {
	if !t.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	t.recordState(to)
	return true
}

func (t *Transport) recordState(s State) {
	if t.metrics != nil {
		t.metrics.RecordTransportState(int(s))
	}
}

// connected handles the backend reporting a usable connection. A reconnect
// after a drop passes through Connecting again.
func (t *Transport) connected() {
	if t.closing.Load() {
		return
	}
	t.transition(StateDisconnected, StateConnecting)
	if !t.transition(StateConnecting, StateConnected) {
		return
	}
	t.confirmed.Store(0)
	t.logger.Info("Transport connected")

	if err := t.exec.Execute(t.subscribeAll); err != nil {
		t.fail(nil, errors.NewTransportFailure("subscribe", "", err))
	}
	t.timersOnce.Do(t.startTimers)
}

// subscribeAll issues every subscription in order from a single task
func (t *Transport) subscribeAll(ctx context.Context) {
	for _, ch := range t.channels.Subscriptions() {
		if err := t.backend.Subscribe(ctx, ch); err != nil {
			t.fail(nil, errors.NewTransportFailure("subscribe", ch, err))
		}
	}
}

func (t *Transport) disconnected(err error) {
	if !t.transition(StateConnected, StateDisconnected) {
		t.transition(StateConnecting, StateDisconnected)
	}
	if t.closing.Load() {
		return
	}
	if err != nil {
		t.logger.Warn("Transport disconnected", "error", err)
		t.fail(nil, errors.NewTransportFailure("connection", "", err))
		return
	}
	t.logger.Info("Transport disconnected")
}

// subscribed announces this node once the DISCOVER broadcast channel is live
// and asks the others to announce themselves once every channel is.
func (t *Transport) subscribed(channel string) {
	if t.closing.Load() {
		return
	}
	t.logger.Debug("Subscribed", "channel", channel)
	if channel == t.channels.DiscoverBroadcast {
		t.Publish(CmdInfo, "", t.infoPacket())
	}
	if int(t.confirmed.Add(1)) == len(t.channels.Subscriptions()) {
		t.Publish(CmdDiscover, "", NewPacket())
	}
}

// receive schedules decoding of an inbound message on the executor
func (t *Transport) receive(channel string, data []byte, connectionID any) {
	if t.closing.Load() {
		return
	}
	err := t.exec.Execute(func(context.Context) {
		t.handle(channel, data, connectionID)
	})
	if err != nil {
		t.logger.Warn("Inbound message rejected", "channel", channel, "error", err)
		t.fail(connectionID, errors.NewTransportFailure("receive", channel, err))
	}
}

func (t *Transport) handle(channel string, data []byte, connectionID any) {
	cmd, ok := t.channels.Classify(channel)
	if !ok {
		t.logger.Debug("Dropping message on unknown channel", "channel", channel)
		return
	}
	if t.metrics != nil {
		t.metrics.RecordPacketReceived(cmd.String())
	}

	p, err := t.codec.Decode(data)
	if err == nil && p.Field("ver").Str() != ProtocolVersion {
		err = errors.NewDecodeError("packet", fmt.Errorf("%w: got %q, want %q",
			errors.ErrVersionMismatch, p.Field("ver").Str(), ProtocolVersion))
	}
	if err != nil {
		t.logger.Warn("Dropping undecodable message", "channel", channel, "error", err)
		if t.metrics != nil {
			t.metrics.RecordDecodeError(cmd.String())
		}
		t.fail(connectionID, err)
		return
	}

	if cmd.IsControl() {
		t.control(cmd, p)
		return
	}

	reg := t.currentRegistry()
	if reg == nil {
		t.logger.Debug("Dropping packet without registry", "command", cmd.String())
		return
	}
	defer func() {
		if r := recover(); r != nil {
			herr := errors.Recovered("registry", r)
			t.logger.Warn("Registry failed on packet", "command", cmd.String(), "error", herr)
			if t.metrics != nil {
				t.metrics.RecordHandlerError(cmd.String())
			}
		}
	}()
	reg.Receive(cmd, p)
}

// Publish sends p to nodeID, or broadcasts when nodeID is empty. The packet
// is stamped with ver and sender. Encoding and sending happen on the
// executor; failures are reported to the failure hook only.
func (t *Transport) Publish(cmd Command, nodeID string, p payload.Value) {
	channel := Channel(t.prefix, cmd, nodeID)
	if t.closing.Load() {
		t.fail(nil, errors.NewTransportFailure("publish", channel, errors.ErrShuttingDown))
		return
	}
	if t.State() != StateConnected {
		t.fail(nil, errors.NewTransportFailure("publish", channel, errors.ErrNotStarted))
		return
	}
	err := t.exec.Execute(func(ctx context.Context) {
		if err := t.send(ctx, cmd, channel, p); err != nil {
			t.fail(nil, err)
		}
	})
	if err != nil {
		t.fail(nil, errors.NewTransportFailure("publish", channel, err))
	}
}

// send encodes and publishes synchronously
func (t *Transport) send(ctx context.Context, cmd Command, channel string, p payload.Value) error {
	data, err := t.codec.Encode(t.stamp(p))
	if err != nil {
		return errors.NewTransportFailure("encode", channel, err)
	}
	if err := t.backend.Publish(ctx, channel, data); err != nil {
		return errors.NewTransportFailure("publish", channel, err)
	}
	if t.metrics != nil {
		t.metrics.RecordPacketPublished(cmd.String())
	}
	return nil
}

func (t *Transport) stamp(p payload.Value) payload.Value {
	return p.With("ver", payload.String(ProtocolVersion)).With("sender", payload.String(t.nodeID))
}

func (t *Transport) fail(connectionID any, err error) {
	var tf *errors.TransportFailure
	if t.metrics != nil && stderrors.As(err, &tf) {
		t.metrics.RecordTransportError(tf.Op)
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("Failure hook panicked", "error", errors.Recovered("failure hook", r))
		}
	}()
	t.onFailure(connectionID, err)
}

// NewPacket returns an empty packet; ver and sender are stamped on publish
func NewPacket() payload.Value {
	return payload.NewMap()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
