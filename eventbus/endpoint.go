package eventbus

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/c360/nodemesh/config"
	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/metric"
	"github.com/c360/nodemesh/payload"
	"github.com/c360/nodemesh/pkg/worker"
	"github.com/c360/nodemesh/transport"
)

// Listener handles the data of a delivered event
type Listener func(data payload.Value) error

// Executor runs asynchronous deliveries. *worker.Executor satisfies it.
type Executor interface {
	Execute(task worker.Task) error
}

// Publisher sends packets to other nodes. *transport.Transport satisfies it.
type Publisher interface {
	Publish(cmd transport.Command, nodeID string, p payload.Value)
}

// Event is one emitted or broadcast event
type Event struct {
	Name      string
	Data      payload.Value
	Groups    []string
	Broadcast bool
	Sender    string
}

// Packet builds the EVENT packet carrying ev
func (ev Event) Packet() payload.Value {
	groups := make([]payload.Value, len(ev.Groups))
	for i, g := range ev.Groups {
		groups[i] = payload.String(g)
	}
	return payload.Map(
		payload.F("event", payload.String(ev.Name)),
		payload.F("data", ev.Data),
		payload.F("groups", payload.List(groups...)),
		payload.F("broadcast", payload.Bool(ev.Broadcast)),
	)
}

// EventFromPacket reads an EVENT packet
func EventFromPacket(p payload.Value) Event {
	broadcast, _ := p.Field("broadcast").AsBool()
	return Event{
		Name:      p.Field("event").Str(),
		Data:      p.Field("data"),
		Groups:    p.Field("groups").Strings(),
		Broadcast: broadcast,
		Sender:    p.Field("sender").Str(),
	}
}

// Endpoint receives events for one group on one node
type Endpoint interface {
	// Group is the balancing group, usually the owning service name
	Group() string

	// NodeID is the owning node, empty for local endpoints
	NodeID() string

	// Deliver hands ev to the endpoint. It never blocks on the listener in
	// asynchronous mode and never returns listener failures.
	Deliver(ev Event)
}

// LocalEndpoint invokes an in-process listener under the local dispatch
// policy: inline on the caller, or on the shared executor when
// asynchronous local invocation is enabled.
type LocalEndpoint struct {
	group    string
	listener Listener
	logger   *slog.Logger
	metrics  *metric.Metrics

	async atomic.Bool
	exec  Executor
}

// LocalOption configures a LocalEndpoint
type LocalOption func(*LocalEndpoint)

// WithAsync sets the dispatch policy used until Start resolves it from
// configuration.
func WithAsync(async bool) LocalOption {
	return func(e *LocalEndpoint) {
		e.async.Store(async)
	}
}

// WithEndpointLogger sets the logger
func WithEndpointLogger(logger *slog.Logger) LocalOption {
	return func(e *LocalEndpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEndpointMetrics counts listener failures
func WithEndpointMetrics(m *metric.Metrics) LocalOption {
	return func(e *LocalEndpoint) {
		e.metrics = m
	}
}

// NewLocalEndpoint creates an endpoint for listener in group
func NewLocalEndpoint(group string, listener Listener, opts ...LocalOption) *LocalEndpoint {
	e := &LocalEndpoint{
		group:    group,
		listener: listener,
		logger:   slog.Default().With("component", "eventbus"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start resolves the dispatch policy from cfg and keeps exec only when
// deliveries are asynchronous. A nil cfg keeps the configured policy.
func (e *LocalEndpoint) Start(cfg *config.Config, exec Executor) error {
	if cfg != nil {
		e.async.Store(cfg.AsyncLocalInvocation)
	}
	if !e.async.Load() {
		return nil
	}
	if exec == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "LocalEndpoint", "Start", "executor check")
	}
	e.exec = exec
	return nil
}

// Group returns the balancing group
func (e *LocalEndpoint) Group() string { return e.group }

// NodeID is empty for local endpoints
func (e *LocalEndpoint) NodeID() string { return "" }

// Async reports whether deliveries run on the executor
func (e *LocalEndpoint) Async() bool { return e.async.Load() && e.exec != nil }

// Deliver invokes the listener. Failures and panics are logged at warn and
// never reach the caller.
func (e *LocalEndpoint) Deliver(ev Event) {
	if !e.Async() {
		e.invoke(ev)
		return
	}
	err := e.exec.Execute(func(_ context.Context) {
		e.invoke(ev)
	})
	if err != nil {
		e.logger.Warn("Unable to schedule local listener", "event", ev.Name, "group", e.group, "error", err)
		e.recordFailure(ev.Name)
	}
}

func (e *LocalEndpoint) invoke(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("Local listener panicked", "event", ev.Name, "group", e.group,
				"error", errors.Recovered("listener", r))
			e.recordFailure(ev.Name)
		}
	}()
	if err := e.listener(ev.Data); err != nil {
		e.logger.Warn("Unable to invoke local listener", "event", ev.Name, "group", e.group,
			"error", &errors.HandlerError{Handler: "listener", Err: err})
		e.recordFailure(ev.Name)
	}
}

func (e *LocalEndpoint) recordFailure(event string) {
	if e.metrics != nil {
		e.metrics.RecordHandlerError(event)
	}
}

// RemoteEndpoint forwards events to the EVENT channel of the owning node
type RemoteEndpoint struct {
	nodeID    string
	group     string
	publisher Publisher
}

// NewRemoteEndpoint creates an endpoint for group on nodeID
func NewRemoteEndpoint(nodeID, group string, publisher Publisher) *RemoteEndpoint {
	return &RemoteEndpoint{nodeID: nodeID, group: group, publisher: publisher}
}

// Group returns the balancing group
func (e *RemoteEndpoint) Group() string { return e.group }

// NodeID returns the owning node
func (e *RemoteEndpoint) NodeID() string { return e.nodeID }

// Deliver publishes ev to the owning node
func (e *RemoteEndpoint) Deliver(ev Event) {
	e.publisher.Publish(transport.CmdEvent, e.nodeID, ev.Packet())
}
