package eventbus

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/c360/nodemesh/payload"
)

// Bus routes events to registered endpoints. Patterns are exact event names
// or prefixes ending in "*" ("user.*", "*").
type Bus struct {
	nodeID string
	exec   Executor
	logger *slog.Logger

	mu       sync.RWMutex
	patterns map[string][]Endpoint

	// round robin position per event and group
	cursors sync.Map
}

// BusOption configures a Bus
type BusOption func(*Bus)

// WithExecutor sets the executor transport-sourced events are scheduled on
func WithExecutor(exec Executor) BusOption {
	return func(b *Bus) {
		b.exec = exec
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates a bus for the local node
func NewBus(nodeID string, opts ...BusOption) *Bus {
	b := &Bus{
		nodeID:   nodeID,
		logger:   slog.Default().With("component", "eventbus"),
		patterns: make(map[string][]Endpoint),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds ep for events matching pattern
func (b *Bus) Register(pattern string, ep Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.patterns[pattern] = append(b.patterns[pattern], ep)
}

// Unregister removes ep from pattern. It reports whether ep was registered.
func (b *Bus) Unregister(pattern string, ep Endpoint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	eps := b.patterns[pattern]
	for i, e := range eps {
		if e == ep {
			b.setLocked(pattern, append(eps[:i:i], eps[i+1:]...))
			return true
		}
	}
	return false
}

// RemoveNode drops every remote endpoint of nodeID and returns how many
// were removed.
func (b *Bus) RemoveNode(nodeID string) int {
	if nodeID == "" {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for pattern, eps := range b.patterns {
		kept := eps[:0:0]
		for _, e := range eps {
			if e.NodeID() == nodeID {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		b.setLocked(pattern, kept)
	}
	return removed
}

func (b *Bus) setLocked(pattern string, eps []Endpoint) {
	if len(eps) == 0 {
		delete(b.patterns, pattern)
		return
	}
	b.patterns[pattern] = eps
}

// LocalPatterns returns the patterns with at least one local endpoint, sorted
func (b *Bus) LocalPatterns() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for pattern, eps := range b.patterns {
		for _, e := range eps {
			if e.NodeID() == "" {
				out = append(out, pattern)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Subscription is one pattern and group pair served on this node
type Subscription struct {
	Pattern string
	Group   string
}

// LocalSubscriptions returns the pattern and group of every local endpoint
// sorted by pattern then group, without duplicates.
func (b *Bus) LocalSubscriptions() []Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[Subscription]bool)
	var out []Subscription
	for pattern, eps := range b.patterns {
		for _, e := range eps {
			s := Subscription{Pattern: pattern, Group: e.Group()}
			if e.NodeID() != "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pattern != out[j].Pattern {
			return out[i].Pattern < out[j].Pattern
		}
		return out[i].Group < out[j].Group
	})
	return out
}

// Match reports whether pattern selects the event name
func Match(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

// endpoints returns the endpoints matching name grouped by group. Group
// order follows first registration.
func (b *Bus) endpoints(name string, localOnly bool) ([]string, map[string][]Endpoint) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	patterns := make([]string, 0, len(b.patterns))
	for p := range b.patterns {
		if Match(p, name) {
			patterns = append(patterns, p)
		}
	}
	sort.Strings(patterns)

	var order []string
	groups := make(map[string][]Endpoint)
	for _, p := range patterns {
		for _, e := range b.patterns[p] {
			if localOnly && e.NodeID() != "" {
				continue
			}
			if _, seen := groups[e.Group()]; !seen {
				order = append(order, e.Group())
			}
			groups[e.Group()] = append(groups[e.Group()], e)
		}
	}
	return order, groups
}

func (b *Bus) pick(name, group string, eps []Endpoint) Endpoint {
	if len(eps) == 1 {
		return eps[0]
	}
	v, _ := b.cursors.LoadOrStore(name+"\x00"+group, new(atomic.Uint64))
	n := v.(*atomic.Uint64).Add(1) - 1
	return eps[n%uint64(len(eps))]
}

// Emit delivers the event to one endpoint of every group. Remote picks are
// merged into one packet per node. It returns the number of groups reached.
func (b *Bus) Emit(name string, data payload.Value) int {
	order, groups := b.endpoints(name, false)
	remote := newRemoteBatch()
	for _, g := range order {
		ep := b.pick(name, g, groups[g])
		if ep.NodeID() == "" {
			ep.Deliver(Event{Name: name, Data: data, Groups: []string{g}, Sender: b.nodeID})
			continue
		}
		remote.add(ep, g)
	}
	remote.flush(Event{Name: name, Data: data, Sender: b.nodeID})
	return len(order)
}

// Broadcast delivers the event to every endpoint. Each remote node receives
// one packet. It returns the number of endpoints reached.
func (b *Bus) Broadcast(name string, data payload.Value) int {
	order, groups := b.endpoints(name, false)
	remote := newRemoteBatch()
	n := 0
	for _, g := range order {
		for _, ep := range groups[g] {
			n++
			if ep.NodeID() == "" {
				ep.Deliver(Event{Name: name, Data: data, Broadcast: true, Sender: b.nodeID})
				continue
			}
			remote.add(ep, "")
		}
	}
	remote.flush(Event{Name: name, Data: data, Broadcast: true, Sender: b.nodeID})
	return n
}

// BroadcastLocal delivers the event to every local endpoint
func (b *Bus) BroadcastLocal(name string, data payload.Value) int {
	ev := Event{Name: name, Data: data, Broadcast: true, Sender: b.nodeID}
	return b.deliverLocal(ev)
}

// Receive delivers an event that arrived from another node to the local
// endpoints it addresses. Delivery is scheduled on the executor.
func (b *Bus) Receive(ev Event) {
	if b.exec == nil {
		b.deliverLocal(ev)
		return
	}
	err := b.exec.Execute(func(context.Context) {
		b.deliverLocal(ev)
	})
	if err != nil {
		b.logger.Warn("Unable to schedule remote event", "event", ev.Name, "sender", ev.Sender, "error", err)
	}
}

// deliverLocal hands ev to local endpoints: all of them for broadcasts, one
// per addressed group otherwise. An emit without groups reaches every group.
func (b *Bus) deliverLocal(ev Event) int {
	order, groups := b.endpoints(ev.Name, true)
	if ev.Broadcast {
		n := 0
		for _, g := range order {
			for _, ep := range groups[g] {
				ep.Deliver(ev)
				n++
			}
		}
		return n
	}

	wanted := order
	if len(ev.Groups) > 0 {
		wanted = ev.Groups
	}
	n := 0
	for _, g := range wanted {
		eps := groups[g]
		if len(eps) == 0 {
			continue
		}
		b.pick(ev.Name, g, eps).Deliver(ev)
		n++
	}
	if n == 0 {
		b.logger.Debug("No local listener for event", "event", ev.Name, "sender", ev.Sender)
	}
	return n
}

// remoteBatch collects remote deliveries so every node gets one packet
type remoteBatch struct {
	order  []string
	byNode map[string]*remoteTarget
}

type remoteTarget struct {
	ep     Endpoint
	groups []string
}

func newRemoteBatch() *remoteBatch {
	return &remoteBatch{byNode: make(map[string]*remoteTarget)}
}

func (r *remoteBatch) add(ep Endpoint, group string) {
	t, ok := r.byNode[ep.NodeID()]
	if !ok {
		t = &remoteTarget{ep: ep}
		r.byNode[ep.NodeID()] = t
		r.order = append(r.order, ep.NodeID())
	}
	if group != "" {
		t.groups = append(t.groups, group)
	}
}

func (r *remoteBatch) flush(ev Event) {
	for _, node := range r.order {
		t := r.byNode[node]
		out := ev
		out.Groups = t.groups
		t.ep.Deliver(out)
	}
}
