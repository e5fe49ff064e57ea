package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/nodemesh/health"
	"github.com/c360/nodemesh/payload"
	"github.com/c360/nodemesh/transport"
)

// ActionNodeHealth answers the node's aggregated health
const ActionNodeHealth = "$node.health"

// queueDegradedRatio is the executor queue fill at which the node reports
// degraded
const queueDegradedRatio = 0.9

// Health aggregates transport, backend and executor status for this node
func (b *Broker) Health() health.Status {
	switch state := b.transport.State(); state {
	case transport.StateConnected:
		b.health.UpdateHealthy("transport", state.String())
	case transport.StateConnecting:
		b.health.UpdateDegraded("transport", state.String())
	default:
		b.health.UpdateUnhealthy("transport", state.String())
	}

	// a lost connection holds until the backend reports it back; a single
	// failure fades once a heartbeat timeout passes without another
	if b.backendDown.Load() {
		b.health.UpdateUnhealthy("backend", "connection lost")
	} else if st, ok := b.health.Get("backend"); !ok || st.IsUnhealthy() ||
		(st.IsDegraded() && time.Since(st.Timestamp) > b.cfg.HeartbeatTimeout.Std()) {
		b.health.UpdateHealthy("backend", "OK")
	}

	stats := b.exec.Stats()
	msg := fmt.Sprintf("%d/%d queued", stats.QueueDepth, stats.QueueSize)
	if stats.QueueSize > 0 && float64(stats.QueueDepth) >= queueDegradedRatio*float64(stats.QueueSize) {
		b.health.UpdateDegraded("executor", msg)
	} else {
		b.health.UpdateHealthy("executor", msg)
	}

	return b.health.Aggregate(b.cfg.NodeID)
}

// backendHealth follows the backend's own view of its connection
func (b *Broker) backendHealth(healthy bool) {
	if b.backendDown.Swap(!healthy) != !healthy {
		b.logger.Info("Backend health changed", "node_id", b.cfg.NodeID, "healthy", healthy)
	}
}

func (b *Broker) recordFailure(err error) {
	b.health.UpdateDegraded("backend", health.Sanitize(err.Error()))
}

func (b *Broker) nodeHealth(context.Context, payload.Value) (payload.Value, error) {
	return healthValue(b.Health()), nil
}

func healthValue(s health.Status) payload.Value {
	fields := []payload.Field{
		payload.F("component", payload.String(s.Component)),
		payload.F("status", payload.String(s.Status)),
		payload.F("healthy", payload.Bool(s.Healthy)),
		payload.F("message", payload.String(s.Message)),
	}
	if len(s.SubStatuses) > 0 {
		parts := make([]payload.Value, len(s.SubStatuses))
		for i, sub := range s.SubStatuses {
			parts[i] = healthValue(sub)
		}
		fields = append(fields, payload.F("parts", payload.List(parts...)))
	}
	return payload.Map(fields...)
}
