// Package metric provides Prometheus-based metrics collection and an HTTP
// server for nodemesh nodes.
//
// The registry owns a private prometheus.Registry with the core transport
// metrics already registered (packets received and published per command,
// decode errors, online node count, transport state, backend health) plus Go
// runtime and process collectors. Components register their own collectors
// through MetricsRegistrar; the worker pool registers its queue and
// throughput metrics this way.
//
// Basic usage:
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        logger.Error("metrics server failed", "error", err)
//	    }
//	}()
//	defer server.Stop(context.Background())
//
//	registry.CoreMetrics().RecordPacketReceived("INFO")
//
// Duplicate registrations under the same component and metric name are
// reported as invalid errors. Any other prometheus registration failure is
// fatal.
package metric
