package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/eventbus"
	"github.com/c360/nodemesh/metric"
	"github.com/c360/nodemesh/payload"
	"github.com/c360/nodemesh/pkg/worker"
	"github.com/c360/nodemesh/promise"
	"github.com/c360/nodemesh/transport"
)

// DefaultRequestTimeout bounds a Call made without an explicit timeout
const DefaultRequestTimeout = 10 * time.Second

// Action handles a request and returns its response data
type Action func(ctx context.Context, params payload.Value) (payload.Value, error)

// Transport is the part of *transport.Transport the registry uses
type Transport interface {
	Publish(cmd transport.Command, nodeID string, p payload.Value)
	Nodes() *transport.NodeTable
}

// Executor runs actions. *worker.Executor satisfies it.
type Executor interface {
	Execute(task worker.Task) error
}

type pendingCall struct {
	nodeID   string
	action   string
	resolver *promise.Resolver[payload.Value]
}

// Registry owns local actions, outstanding calls and event listeners of one
// node. It consumes the EVENT, REQ and RES packets of a Transport.
type Registry struct {
	nodeID  string
	exec    Executor
	bus     *eventbus.Bus
	logger  *slog.Logger
	metrics *metric.Metrics

	requestTimeout time.Duration
	asyncLocal     bool

	mu      sync.RWMutex
	actions map[string]Action
	tr      Transport

	pending sync.Map // correlation id -> *pendingCall
	closed  atomic.Bool
	cursor  atomic.Uint64
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records call durations and listener failures
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithRequestTimeout sets the timeout of calls made without one
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.requestTimeout = d
		}
	}
}

// WithAsyncLocalInvocation sets the dispatch policy of listeners added with On
func WithAsyncLocalInvocation(async bool) Option {
	return func(r *Registry) {
		r.asyncLocal = async
	}
}

// New creates a registry for nodeID running actions on exec
func New(nodeID string, exec Executor, opts ...Option) (*Registry, error) {
	if nodeID == "" || exec == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Registry", "New", "dependency check")
	}
	r := &Registry{
		nodeID:         nodeID,
		exec:           exec,
		logger:         slog.Default().With("component", "registry"),
		requestTimeout: DefaultRequestTimeout,
		actions:        make(map[string]Action),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.bus = eventbus.NewBus(nodeID, eventbus.WithExecutor(exec), eventbus.WithLogger(r.logger))
	return r, nil
}

// Attach connects the registry to the transport it publishes on
func (r *Registry) Attach(t Transport) {
	r.mu.Lock()
	r.tr = t
	r.mu.Unlock()
}

func (r *Registry) currentTransport() Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tr
}

// Bus returns the event bus of this node
func (r *Registry) Bus() *eventbus.Bus { return r.bus }

// AddAction registers a local action
func (r *Registry) AddAction(name string, fn Action) error {
	if name == "" || fn == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Registry", "AddAction", "action check")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("action %q already registered", name), "Registry", "AddAction", "action check")
	}
	r.actions[name] = fn
	return nil
}

// RemoveAction unregisters a local action
func (r *Registry) RemoveAction(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.actions[name]
	delete(r.actions, name)
	return ok
}

func (r *Registry) action(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[name]
	return fn, ok
}

// Services returns the local action names, sorted
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns the INFO fields announcing the actions and event listeners
// of this node.
func (r *Registry) Info() payload.Value {
	names := r.Services()
	services := make([]payload.Value, len(names))
	for i, n := range names {
		services[i] = payload.String(n)
	}
	subs := r.bus.LocalSubscriptions()
	events := make([]payload.Value, len(subs))
	for i, s := range subs {
		events[i] = payload.Map(
			payload.F("name", payload.String(s.Pattern)),
			payload.F("group", payload.String(s.Group)),
		)
	}
	return payload.Map(
		payload.F("services", payload.List(services...)),
		payload.F("events", payload.List(events...)),
	)
}

// On registers a local listener for pattern in group under the configured
// dispatch policy.
func (r *Registry) On(pattern, group string, listener eventbus.Listener) (*eventbus.LocalEndpoint, error) {
	ep := eventbus.NewLocalEndpoint(group, listener,
		eventbus.WithAsync(r.asyncLocal),
		eventbus.WithEndpointLogger(r.logger),
		eventbus.WithEndpointMetrics(r.metrics),
	)
	if err := ep.Start(nil, r.exec); err != nil {
		return nil, errors.Wrap(err, "Registry", "On", "endpoint start")
	}
	r.bus.Register(pattern, ep)
	return ep, nil
}

// Emit sends an event to one listener per group, local or remote
func (r *Registry) Emit(name string, data payload.Value) int {
	return r.bus.Emit(name, data)
}

// Broadcast sends an event to every listener, local or remote
func (r *Registry) Broadcast(name string, data payload.Value) int {
	return r.bus.Broadcast(name, data)
}

// NodeConnected registers remote endpoints for the events a node announced
func (r *Registry) NodeConnected(info transport.NodeInfo) {
	tr := r.currentTransport()
	if tr == nil {
		return
	}
	r.bus.RemoveNode(info.ID)
	events := info.Info.Field("events")
	for _, ev := range events.Items() {
		name := ev.Field("name").Str()
		if name == "" {
			continue
		}
		r.bus.Register(name, eventbus.NewRemoteEndpoint(info.ID, ev.Field("group").Str(), tr))
	}
}

// NodeDisconnected drops the endpoints of a node and fails its calls
func (r *Registry) NodeDisconnected(info transport.NodeInfo, unexpected bool) {
	r.bus.RemoveNode(info.ID)
	r.pending.Range(func(key, v any) bool {
		pc := v.(*pendingCall)
		if pc.nodeID != info.ID {
			return true
		}
		if _, ok := r.pending.LoadAndDelete(key); ok {
			pc.resolver.Reject(fmt.Errorf("%w: %s left while %s was running", errors.ErrNodeNotFound, info.ID, pc.action))
		}
		return true
	})
	if unexpected {
		r.logger.Warn("Node lost", "node", info.ID)
	}
}

// Call invokes action on nodeID. An empty nodeID runs the action locally when
// registered here, and otherwise on a node announcing it. The returned cell
// rejects with errors.ErrRequestTimeout when no response arrives within
// timeout, or the default request timeout when timeout is zero.
func (r *Registry) Call(ctx context.Context, nodeID, action string, params payload.Value, timeout time.Duration) *promise.Promise[payload.Value] {
	if r.closed.Load() {
		return promise.Rejected[payload.Value](errors.ErrShuttingDown)
	}
	if timeout <= 0 {
		timeout = r.requestTimeout
	}

	target, err := r.route(nodeID, action)
	if err != nil {
		return promise.Rejected[payload.Value](err)
	}

	started := time.Now()
	var cell *promise.Promise[payload.Value]
	var id string
	if target == r.nodeID {
		cell = r.callLocal(ctx, action, params, timeout)
	} else {
		id, cell = r.callRemote(target, action, params, timeout)
	}

	out := promise.WithTimeout(cell, timeout,
		fmt.Errorf("%w: %s on %s after %s", errors.ErrRequestTimeout, action, target, timeout))

	stop := context.AfterFunc(ctx, func() {
		if id != "" {
			r.pending.Delete(id)
		}
		out.Fail(ctx.Err())
	})
	go r.track(cell, out, id, action, started, stop)
	return out
}

// route picks the node that runs action
func (r *Registry) route(nodeID, action string) (string, error) {
	if nodeID != "" {
		return nodeID, nil
	}
	if _, ok := r.action(action); ok {
		return r.nodeID, nil
	}
	tr := r.currentTransport()
	if tr == nil {
		return "", fmt.Errorf("%w: %s", errors.ErrActionNotFound, action)
	}
	candidates := tr.Nodes().WithService(action)
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: %s", errors.ErrActionNotFound, action)
	}
	n := r.cursor.Add(1) - 1
	return candidates[n%uint64(len(candidates))], nil
}

func (r *Registry) callLocal(ctx context.Context, action string, params payload.Value, timeout time.Duration) *promise.Promise[payload.Value] {
	cell, res := promise.Pending[payload.Value]()
	err := r.exec.Execute(func(context.Context) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		v, err := r.invoke(callCtx, action, params)
		if err != nil {
			res.Reject(err)
			return
		}
		res.Resolve(v)
	})
	if err != nil {
		res.Reject(errors.WrapTransient(err, "Registry", "Call", "schedule local action"))
	}
	return cell
}

func (r *Registry) callRemote(nodeID, action string, params payload.Value, timeout time.Duration) (string, *promise.Promise[payload.Value]) {
	cell, res := promise.Pending[payload.Value]()
	tr := r.currentTransport()
	if tr == nil {
		res.Reject(errors.WrapInvalid(errors.ErrNotStarted, "Registry", "Call", "transport check"))
		return "", cell
	}

	id := uuid.NewString()
	r.pending.Store(id, &pendingCall{nodeID: nodeID, action: action, resolver: res})
	tr.Publish(transport.CmdRequest, nodeID, payload.Map(
		payload.F("id", payload.String(id)),
		payload.F("action", payload.String(action)),
		payload.F("params", params),
		payload.F("timeout", payload.Int(timeout.Milliseconds())),
	))
	return id, cell
}

// track clears the pending entry and records the call once out completes.
// A cell left pending by a timeout or cancellation fails with the same error,
// which releases the timeout timer.
func (r *Registry) track(cell, out *promise.Promise[payload.Value], id, action string, started time.Time, stop func() bool) {
	<-out.Done()
	stop()
	if err := out.Err(); err != nil {
		cell.Fail(err)
	}
	if id != "" {
		r.pending.Delete(id)
	}
	if r.metrics != nil {
		status := "success"
		if out.IsRejected() {
			status = "error"
		}
		r.metrics.RecordRequestDuration(action, status, time.Since(started))
	}
}

// invoke runs a local action, converting panics into handler errors
func (r *Registry) invoke(ctx context.Context, name string, params payload.Value) (out payload.Value, err error) {
	fn, ok := r.action(name)
	if !ok {
		return payload.Null(), fmt.Errorf("%w: %s", errors.ErrActionNotFound, name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Recovered("action "+name, rec)
		}
	}()
	return fn(ctx, params)
}

// Receive handles an EVENT, REQ or RES packet from the transport
func (r *Registry) Receive(cmd transport.Command, p payload.Value) {
	switch cmd {
	case transport.CmdRequest:
		r.request(p)
	case transport.CmdResponse:
		r.response(p)
	case transport.CmdEvent:
		r.bus.Receive(eventbus.EventFromPacket(p))
	}
}

func (r *Registry) request(p payload.Value) {
	sender := p.Field("sender").Str()
	id := p.Field("id").Str()
	action := p.Field("action").Str()
	if sender == "" || id == "" {
		r.logger.Warn("Dropping malformed request", "sender", sender, "id", id)
		return
	}

	timeout := r.requestTimeout
	if ms, ok := p.Field("timeout").AsInt(); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	err := r.exec.Execute(func(ctx context.Context) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		data, err := r.invoke(callCtx, action, p.Field("params"))
		r.respond(sender, id, data, err)
	})
	if err != nil {
		r.logger.Warn("Unable to schedule request", "action", action, "sender", sender, "error", err)
		r.respond(sender, id, payload.Null(), errors.WrapTransient(err, "Registry", "Receive", "schedule request"))
	}
}

func (r *Registry) respond(nodeID, id string, data payload.Value, err error) {
	tr := r.currentTransport()
	if tr == nil {
		return
	}
	res := payload.Map(
		payload.F("id", payload.String(id)),
		payload.F("success", payload.Bool(err == nil)),
	)
	if err != nil {
		r.logger.Debug("Action failed", "id", id, "error", err)
		res = res.With("error", errorPacket(r.nodeID, err))
	} else {
		res = res.With("data", data)
	}
	tr.Publish(transport.CmdResponse, nodeID, res)
}

func (r *Registry) response(p payload.Value) {
	id := p.Field("id").Str()
	v, ok := r.pending.LoadAndDelete(id)
	if !ok {
		r.logger.Debug("Dropping response without pending call", "id", id)
		return
	}
	pc := v.(*pendingCall)
	if success, _ := p.Field("success").AsBool(); success {
		pc.resolver.Resolve(p.Field("data"))
		return
	}
	pc.resolver.Reject(remoteErrorFrom(p.Field("sender").Str(), pc.action, p))
}

// Close rejects every outstanding call and refuses new ones
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.pending.Range(func(key, v any) bool {
		if _, ok := r.pending.LoadAndDelete(key); ok {
			v.(*pendingCall).resolver.Reject(errors.ErrShuttingDown)
		}
		return true
	})
}

// Pending returns the number of outstanding remote calls
func (r *Registry) Pending() int {
	n := 0
	r.pending.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
