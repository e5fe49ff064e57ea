package metric

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/health"
)

// Server represents the metrics HTTP server
type Server struct {
	port     int
	path     string
	server   *http.Server
	listener net.Listener
	registry *MetricsRegistry
	healthFn func() health.Status
	tls      *tls.Config
	mu       sync.Mutex // protects server, listener and healthFn
}

// NewServer creates a new metrics server with the provided registry
func NewServer(port int, path string, registry *MetricsRegistry) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}

	return &Server{
		port:     port,
		path:     path,
		registry: registry,
	}
}

// SetHealthFunc makes /health report fn as JSON, with status 503 while it is
// unhealthy. Without it /health answers a plain OK.
func (s *Server) SetHealthFunc(fn func() health.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthFn = fn
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	fn := s.healthFn
	s.mu.Unlock()

	if fn == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}

	status := fn()
	w.Header().Set("Content-Type", "application/json")
	if status.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// SetTLSConfig serves over TLS when cfg is non-nil. Call before Start.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tls = cfg
}

// Handler builds the mux served by Start
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	))

	mux.HandleFunc("/health", s.serveHealth)

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, `<html>
<head><title>nodemesh Metrics</title></head>
<body>
<h1>nodemesh Metrics Server</h1>
<p><a href="%s">Metrics</a></p>
<p><a href="/health">Health</a></p>
</body>
</html>`, s.path)
	})

	return mux
}

// Start starts the metrics HTTP server. It blocks until the server is stopped.
func (s *Server) Start() error {
	s.mu.Lock()

	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "cannot start server that is already running")
	}

	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"Server", "Start", "metrics registry not provided")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("listen on port %d", s.port))
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("serve on port %d", s.port))
	}
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server")
	}
	return nil
}

// Address returns the server address
func (s *Server) Address() string {
	s.mu.Lock()
	scheme := "http"
	if s.tls != nil {
		scheme = "https"
	}
	s.mu.Unlock()
	return fmt.Sprintf("%s://localhost:%d%s", scheme, s.port, s.path)
}
