package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nodemesh"

// Metrics contains the transport-level metrics shared by every node
type Metrics struct {
	PacketsReceived  *prometheus.CounterVec
	PacketsPublished *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	HandlerErrors    *prometheus.CounterVec
	TransportErrors  *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	NodesOnline      prometheus.Gauge
	TransportState   prometheus.Gauge
	BackendConnected prometheus.Gauge
	BackendRTT       prometheus.Gauge
}

// NewMetrics creates the core transport metrics
func NewMetrics() *Metrics {
	return &Metrics{
		PacketsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "packets_received_total",
				Help:      "Total number of packets received, by command",
			},
			[]string{"command"},
		),

		PacketsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "packets_published_total",
				Help:      "Total number of packets published, by command",
			},
			[]string{"command"},
		),

		DecodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "decode_errors_total",
				Help:      "Total number of inbound packets dropped because they could not be decoded",
			},
			[]string{"command"},
		),

		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "eventbus",
				Name:      "handler_errors_total",
				Help:      "Total number of listener invocations that failed or panicked",
			},
			[]string{"event"},
		),

		TransportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "failures_total",
				Help:      "Total number of backend publish/subscribe failures",
			},
			[]string{"operation"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "request_duration_seconds",
				Help:      "Remote action call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action", "status"},
		),

		NodesOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "nodes_online",
				Help:      "Number of remote nodes currently considered alive",
			},
		),

		TransportState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "state",
				Help:      "Transport connection state (0=disconnected, 1=connecting, 2=connected)",
			},
		),

		BackendConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "connected",
				Help:      "Backend connection status (0=disconnected, 1=connected)",
			},
		),

		BackendRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "rtt_milliseconds",
				Help:      "Backend round-trip time in milliseconds",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.PacketsReceived,
		c.PacketsPublished,
		c.DecodeErrors,
		c.HandlerErrors,
		c.TransportErrors,
		c.RequestDuration,
		c.NodesOnline,
		c.TransportState,
		c.BackendConnected,
		c.BackendRTT,
	}
}

// RecordPacketReceived increments the received counter for command
func (c *Metrics) RecordPacketReceived(command string) {
	c.PacketsReceived.WithLabelValues(command).Inc()
}

// RecordPacketPublished increments the published counter for command
func (c *Metrics) RecordPacketPublished(command string) {
	c.PacketsPublished.WithLabelValues(command).Inc()
}

// RecordDecodeError increments the decode error counter for command
func (c *Metrics) RecordDecodeError(command string) {
	c.DecodeErrors.WithLabelValues(command).Inc()
}

// RecordHandlerError increments the listener failure counter
func (c *Metrics) RecordHandlerError(event string) {
	c.HandlerErrors.WithLabelValues(event).Inc()
}

// RecordTransportError increments the backend failure counter
func (c *Metrics) RecordTransportError(operation string) {
	c.TransportErrors.WithLabelValues(operation).Inc()
}

// RecordRequestDuration records a remote call
func (c *Metrics) RecordRequestDuration(action, status string, duration time.Duration) {
	c.RequestDuration.WithLabelValues(action, status).Observe(duration.Seconds())
}

// RecordNodesOnline sets the number of live remote nodes
func (c *Metrics) RecordNodesOnline(n int) {
	c.NodesOnline.Set(float64(n))
}

// RecordTransportState sets the transport state gauge
func (c *Metrics) RecordTransportState(state int) {
	c.TransportState.Set(float64(state))
}

// RecordBackendStatus updates backend connection status
func (c *Metrics) RecordBackendStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.BackendConnected.Set(value)
}

// RecordBackendRTT updates backend round-trip time
func (c *Metrics) RecordBackendRTT(rtt time.Duration) {
	c.BackendRTT.Set(float64(rtt.Milliseconds()))
}
