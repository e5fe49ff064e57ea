package transport

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/payload"
	"github.com/c360/nodemesh/promise"
)

// control handles DISCOVER, INFO, HEARTBEAT, DISCONNECT, PING and PONG
func (t *Transport) control(cmd Command, p payload.Value) {
	sender := p.Field("sender").Str()
	if sender == "" || sender == t.nodeID {
		return
	}

	switch cmd {
	case CmdDiscover:
		if !t.discoverReplies.allow(sender) {
			t.logger.Debug("Discover reply rate limited", "sender", sender)
			return
		}
		t.Publish(CmdInfo, sender, t.infoPacket())

	case CmdInfo:
		info, isNew := t.nodes.Upsert(sender, p)
		if isNew {
			t.logger.Info("Node connected", "node", sender, "services", len(info.Services))
			t.recordNodes()
			if t.onNodeConnected != nil {
				t.onNodeConnected(info)
			}
		}

	case CmdHeartbeat:
		cpu, _ := p.Field("cpu").AsNumber()
		if t.nodes.Touch(sender, cpu) {
			return
		}
		// heartbeat from a node we never got INFO from
		if t.discoverProbes.allow(sender) {
			t.Publish(CmdDiscover, sender, NewPacket())
		}

	case CmdDisconnect:
		info, ok := t.nodes.Remove(sender)
		t.forget(sender)
		if !ok {
			return
		}
		t.logger.Info("Node disconnected", "node", sender)
		t.recordNodes()
		if t.onNodeDisconnected != nil {
			t.onNodeDisconnected(info, false)
		}

	case CmdPing:
		pong := payload.Map(
			payload.F("id", p.Field("id")),
			payload.F("time", p.Field("time")),
			payload.F("arrived", payload.Int(t.now().UnixMicro())),
		)
		t.Publish(CmdPong, sender, pong)

	case CmdPong:
		sent, ok := p.Field("time").AsInt()
		if !ok {
			return
		}
		latency := time.Duration(t.now().UnixMicro()-sent) * time.Microsecond
		if latency < 0 {
			latency = 0
		}
		t.nodes.SetLatency(sender, latency)
		if v, ok := t.pings.LoadAndDelete(p.Field("id").Str()); ok {
			v.(*pendingPing).complete(latency)
		}
	}
}

// infoPacket builds the INFO announcement of this node
func (t *Transport) infoPacket() payload.Value {
	p := payload.Map(
		payload.F("services", payload.List()),
		payload.F("instanceID", payload.String(t.instanceID)),
		payload.F("hostname", payload.String(hostname())),
		payload.F("client", payload.Map(
			payload.F("type", payload.String("go")),
			payload.F("langVersion", payload.String(runtime.Version())),
		)),
	)
	if t.infoProvider != nil {
		p = p.Merge(t.infoProvider())
	}
	return p
}

func (t *Transport) recordNodes() {
	if t.metrics != nil {
		t.metrics.RecordNodesOnline(t.nodes.Len())
	}
}

func (t *Transport) forget(nodeID string) {
	t.discoverReplies.remove(nodeID)
	t.discoverProbes.remove(nodeID)
}

type pendingPing struct {
	resolver *promise.Resolver[time.Duration]
	stop     func() bool
}

func (pp *pendingPing) complete(d time.Duration) {
	pp.stop()
	pp.resolver.Resolve(d)
}

func (pp *pendingPing) fail(err error) {
	pp.stop()
	pp.resolver.Reject(err)
}

// Ping measures the round trip to nodeID. The returned cell resolves with the
// latency when the PONG arrives, and rejects with the context error when ctx
// ends first. Without a deadline on ctx the ping gives up after the heartbeat
// timeout with errors.ErrRequestTimeout.
func (t *Transport) Ping(ctx context.Context, nodeID string) *promise.Promise[time.Duration] {
	if t.closing.Load() {
		return promise.Rejected[time.Duration](errors.ErrShuttingDown)
	}
	if t.State() != StateConnected {
		return promise.Rejected[time.Duration](errors.ErrNotStarted)
	}

	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeoutCause(ctx, t.heartbeatTimeout, errors.ErrRequestTimeout)
	}

	id := uuid.NewString()
	p, r := promise.Pending[time.Duration]()
	pp := &pendingPing{resolver: r}
	unwatch := context.AfterFunc(ctx, func() {
		if _, ok := t.pings.LoadAndDelete(id); ok {
			r.Reject(context.Cause(ctx))
		}
		cancel()
	})
	pp.stop = func() bool {
		stopped := unwatch()
		cancel()
		return stopped
	}
	t.pings.Store(id, pp)
	if err := context.Cause(ctx); err != nil {
		if _, ok := t.pings.LoadAndDelete(id); ok {
			pp.fail(err)
		}
		return p
	}

	t.Publish(CmdPing, nodeID, payload.Map(
		payload.F("id", payload.String(id)),
		payload.F("time", payload.Int(t.now().UnixMicro())),
	))
	return p
}

func (t *Transport) rejectPings(err error) {
	t.pings.Range(func(key, v any) bool {
		if _, ok := t.pings.LoadAndDelete(key); ok {
			v.(*pendingPing).fail(err)
		}
		return true
	})
}

// startTimers runs the heartbeat and node expiry loops for the transport
// lifetime.
func (t *Transport) startTimers() {
	t.timers.Add(2)
	go t.every(t.heartbeatInterval, t.heartbeat)
	go t.every(t.heartbeatInterval, t.checkNodes)
}

func (t *Transport) every(interval time.Duration, fn func()) {
	defer t.timers.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (t *Transport) heartbeat() {
	if t.State() != StateConnected {
		return
	}
	cpu := 0.0
	if t.cpuSampler != nil {
		cpu = t.cpuSampler()
	}
	t.Publish(CmdHeartbeat, "", payload.Map(payload.F("cpu", payload.Number(cpu))))
}

// checkNodes removes nodes silent for longer than the heartbeat timeout
func (t *Transport) checkNodes() {
	expired := t.nodes.Expire(t.heartbeatTimeout)
	if len(expired) == 0 {
		return
	}
	for _, info := range expired {
		t.forget(info.ID)
		t.logger.Warn("Node timed out", "node", info.ID, "last_seen", info.LastSeen)
		if t.onNodeDisconnected != nil {
			t.onNodeDisconnected(info, true)
		}
	}
	t.recordNodes()
}

// maxLimiters bounds the limiters kept for distinct senders. Sender IDs come
// off the wire, so the least recently seen are evicted.
const maxLimiters = 4096

// limiterSet holds one token bucket per remote node
type limiterSet struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	// lru.New only fails for a non-positive size
	limiters, _ := lru.New[string, *rate.Limiter](maxLimiters)
	return &limiterSet{
		limit:    limit,
		burst:    burst,
		limiters: limiters,
	}
}

func (s *limiterSet) allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters.Add(key, l)
	}
	return l.Allow()
}

func (s *limiterSet) remove(key string) {
	s.limiters.Remove(key)
}

func (s *limiterSet) len() int {
	return s.limiters.Len()
}
