package transport

import (
	"sort"
	"sync"
	"time"

	"github.com/c360/nodemesh/payload"
)

// NodeInfo describes a remote node as learned from INFO and HEARTBEAT packets
type NodeInfo struct {
	ID       string
	Services []string
	Metadata payload.Value
	Info     payload.Value
	LastSeen time.Time
	Latency  time.Duration
	CPU      float64
	Online   bool
}

// NodeTable tracks remote nodes. Safe for concurrent use.
type NodeTable struct {
	mu    sync.RWMutex
	nodes map[string]*NodeInfo
	now   func() time.Time
}

// NewNodeTable creates an empty table using now as its clock
func NewNodeTable(now func() time.Time) *NodeTable {
	if now == nil {
		now = time.Now
	}
	return &NodeTable{
		nodes: make(map[string]*NodeInfo),
		now:   now,
	}
}

// servicesOf extracts service names from an INFO "services" list. Entries
// are either names or maps with a "name" field.
func servicesOf(info payload.Value) []string {
	list := info.Field("services")
	names := make([]string, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		item := list.Index(i)
		if s, ok := item.AsString(); ok {
			names = append(names, s)
			continue
		}
		if s, ok := item.Field("name").AsString(); ok {
			names = append(names, s)
		}
	}
	return names
}

// Upsert records an INFO packet from id. It reports whether the node was
// unknown before.
func (t *NodeTable) Upsert(id string, info payload.Value) (NodeInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, exists := t.nodes[id]
	if !exists {
		n = &NodeInfo{ID: id}
		t.nodes[id] = n
	}
	n.Services = servicesOf(info)
	n.Metadata = info.Field("metadata")
	n.Info = info
	n.LastSeen = t.now()
	n.Online = true
	return *n, !exists
}

// Touch refreshes the liveness of id. It reports false for unknown nodes.
func (t *NodeTable) Touch(id string, cpu float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	n.LastSeen = t.now()
	n.CPU = cpu
	n.Online = true
	return true
}

// SetLatency stores the last measured round trip to id
func (t *NodeTable) SetLatency(id string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n, ok := t.nodes[id]; ok {
		n.Latency = d
	}
}

// Remove deletes id and returns its last known state
func (t *NodeTable) Remove(id string) (NodeInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	delete(t.nodes, id)
	n.Online = false
	return *n, true
}

// Expire removes every node not seen within timeout and returns them
func (t *NodeTable) Expire(timeout time.Duration) []NodeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-timeout)
	var expired []NodeInfo
	for id, n := range t.nodes {
		if n.LastSeen.Before(cutoff) {
			n.Online = false
			expired = append(expired, *n)
			delete(t.nodes, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// Node returns the state of id
func (t *NodeTable) Node(id string) (NodeInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return *n, true
}

// Nodes returns every known node sorted by ID
func (t *NodeTable) Nodes() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]NodeInfo, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithService returns the IDs of nodes announcing service, sorted
func (t *NodeTable) WithService(service string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, n := range t.nodes {
		for _, s := range n.Services {
			if s == service {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of known nodes
func (t *NodeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}
