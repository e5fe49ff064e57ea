// Package natsclient provides a client for managing NATS connections with circuit breaker pattern.
package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/metric"
	"github.com/c360/nodemesh/pkg/retry"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// last health reported to the observer
const (
	healthUnknown int32 = iota
	healthUp
	healthDown
)

// Error messages
var (
	ErrNotConnected      = errors.ErrNoConnection
	ErrCircuitOpen       = errors.ErrCircuitOpen
	ErrConnectionTimeout = errors.ErrConnectionTimeout
)

// Status holds runtime status information for the NATS manager
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// Client manages NATS connections with circuit breaker pattern
type Client struct {
	urls     []string
	status   atomic.Value // stores ConnectionStatus
	failures atomic.Int32
	logger   Logger
	metrics  *metric.Metrics

	// NATS connection
	conn *nats.Conn
	subs map[string]*nats.Subscription

	// Circuit breaker
	lastFailure      atomic.Value // stores time.Time
	backoff          atomic.Value // stores time.Duration
	circuitFailures  atomic.Int32 // failures in current circuit round
	circuitThreshold int32        // failures before opening circuit
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Authentication - sensitive fields cleared on close
	username string
	password string
	token    string

	// TLS
	tlsEnabled  bool
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string
	tlsConfig   *tls.Config

	// Client identification
	clientName  string
	compression bool

	// Callbacks
	onDisconnect   func(error)
	onReconnect    func()
	onHealthChange func(bool)

	// Health watch
	healthInterval time.Duration
	healthDone     chan struct{}
	lastHealth     atomic.Int32 // healthUnknown, healthUp or healthDown

	// Synchronization
	mu      sync.RWMutex
	closeMu sync.Mutex  // Ensures Close() is called only once
	closed  atomic.Bool // Track if client is closed
}

// NewClient creates a new NATS client with optional configuration. url may
// list several servers separated by commas.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		urls:   splitURLs(url),
		logger: newSlogLogger(nil),
		subs:   make(map[string]*nats.Subscription),
		// Sensible defaults
		maxReconnects:    -1, // infinite by default
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}
	if len(c.urls) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "url check")
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	c.logger.Debugf("Created NATS client for %s", c.URL())

	return c, nil
}

func splitURLs(url string) []string {
	var out []string
	for _, u := range strings.Split(url, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// URL returns the NATS server URLs, comma separated
func (m *Client) URL() string {
	return strings.Join(m.urls, ",")
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// GetConnection returns the current NATS connection
func (m *Client) GetConnection() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// setStatus updates the connection status
func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
	if m.metrics != nil {
		m.metrics.RecordBackendStatus(status == StatusConnected)
	}
}

// IsHealthy returns true if the connection is healthy
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the current failure count
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current backoff duration
func (m *Client) Backoff() time.Duration {
	return m.backoff.Load().(time.Duration)
}

// recordFailure records a connection failure and manages circuit breaker
func (m *Client) recordFailure() {
	totalFailures := m.failures.Add(1)
	m.lastFailure.Store(time.Now())

	circuitFailures := m.circuitFailures.Add(1)

	m.logger.Debugf("Recorded failure %d (circuit failures: %d)", totalFailures, circuitFailures)

	if circuitFailures < m.circuitThreshold {
		return
	}

	currentStatus := m.Status()
	currentBackoff := m.backoff.Load().(time.Duration)
	newBackoff := currentBackoff * 2
	if newBackoff > m.maxBackoff {
		newBackoff = m.maxBackoff
	}

	if currentStatus == StatusCircuitOpen {
		// failures continued while open
		m.backoff.Store(newBackoff)
		m.circuitFailures.Store(0)
		m.logger.Printf("Circuit breaker still open, increased backoff to %v", newBackoff)
		return
	}

	// only one goroutine opens the circuit
	if m.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
		m.backoff.Store(newBackoff)
		m.logger.Printf("Circuit breaker opened after %d failures, backing off for %v", circuitFailures, currentBackoff)
		m.circuitFailures.Store(0)
		time.AfterFunc(currentBackoff, m.testCircuit)
	}
}

// resetCircuit resets the circuit breaker state
func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	m.lastFailure.Store(time.Time{})

	if m.Status() == StatusCircuitOpen {
		m.setStatus(StatusDisconnected)
	}
}

// testCircuit half-opens the circuit so the next Connect may try again
func (m *Client) testCircuit() {
	if m.Status() == StatusCircuitOpen {
		m.logger.Debugf("Circuit breaker test: moving from open to disconnected")
		m.setStatus(StatusDisconnected)
	}
}

// WaitForConnection waits for the connection to be established
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-ticker.C:
			if m.IsHealthy() {
				return nil
			}
		}
	}
}

// MaxReconnects returns the maximum number of reconnection attempts
func (m *Client) MaxReconnects() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxReconnects
}

// ReconnectWait returns the wait duration between reconnection attempts
func (m *Client) ReconnectWait() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconnectWait
}

// ConnectionOptions returns the NATS connection options
func (m *Client) ConnectionOptions() []nats.Option {
	return m.buildConnectionOptions()
}

// buildConnectionOptions builds NATS connection options from client configuration
func (m *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}

	if m.tlsConfig != nil {
		opts = append(opts, nats.Secure(m.tlsConfig))
	} else if m.tlsEnabled {
		if m.tlsCertFile != "" && m.tlsKeyFile != "" {
			opts = append(opts, nats.ClientCert(m.tlsCertFile, m.tlsKeyFile))
		}
		if m.tlsCAFile != "" {
			opts = append(opts, nats.RootCAs(m.tlsCAFile))
		}
	}

	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}

	if m.compression {
		opts = append(opts, nats.Compression(true))
	}

	return opts
}

// GetStatus returns current status information
func (m *Client) GetStatus() *Status {
	status := &Status{
		Status:          m.Status(),
		FailureCount:    m.failures.Load(),
		LastFailureTime: m.lastFailure.Load().(time.Time),
	}

	if rtt, err := m.RTT(); err == nil {
		status.RTT = rtt
	}

	return status
}

// Connect establishes connection to NATS server
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Client", "Connect", "state check")
	}
	if m.Status() == StatusCircuitOpen {
		m.logger.Debugf("Circuit breaker is open, skipping connection attempt")
		return ErrCircuitOpen
	}

	m.setStatus(StatusConnecting)
	m.logger.Printf("Connecting to NATS at %s", m.URL())

	opts := m.buildConnectionOptions()

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(m.URL(), opts...)
		if err != nil {
			connectDone <- err
			return
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()

		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			m.recordFailure()

			if m.Status() != StatusCircuitOpen {
				m.setStatus(StatusDisconnected)
			}
			if m.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}

			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		m.recordFailure()
		if m.Status() != StatusCircuitOpen {
			m.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()

	m.logger.Printf("Successfully connected to NATS at %s", m.URL())

	if m.healthInterval > 0 {
		m.startHealthWatch()
	}
	m.reportHealth(true)

	return nil
}

// ConnectWithRetry calls Connect with backoff until it succeeds or cfg is
// exhausted. An open circuit is retried once it half-opens.
func (m *Client) ConnectWithRetry(ctx context.Context, cfg retry.Config) error {
	return retry.Do(ctx, cfg, func() error {
		err := m.Connect(ctx)
		if errors.IsInvalid(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
}

// Close closes the NATS connection
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Load() {
		return nil
	}
	m.closed.Store(true)

	// before taking the main mutex, the watch takes it too
	m.stopHealthWatch()

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for subject := range m.subs {
		if err := m.unsubscribeLocked(subject); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe "+subject))
			m.logger.Errorf("Failed to unsubscribe %s: %v", subject, err)
		}
	}

	if m.conn != nil {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		conn := m.conn
		go func() {
			drainDone <- conn.Drain()
		}()

		var drainErr error
		select {
		case err := <-drainDone:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
			}
		case <-time.After(drainTimeout):
			drainErr = errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout),
				"Client",
				"Close",
				"drain timeout",
			)
		case <-ctx.Done():
			drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain")
		}

		if drainErr != nil {
			m.logger.Errorf("Drain failed, force closing: %v", drainErr)
			errs = append(errs, drainErr)
		}

		m.conn.Close()
		m.conn = nil
	}

	// Clear sensitive credentials from memory
	m.username = ""
	m.password = ""
	m.token = ""

	m.setStatus(StatusDisconnected)

	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}

	return conn.RTT()
}

// Subscribe subscribes to a NATS subject with context propagation. Each
// message handler receives a context derived from ctx with a 30-second
// timeout. Subscribing twice to a subject keeps the first subscription.
func (m *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.conn.IsConnected() {
		return ErrNotConnected
	}
	if _, exists := m.subs[subject]; exists {
		return nil
	}

	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}

	m.subs[subject] = sub
	return nil
}

// Unsubscribe removes the subscription to subject. Unknown subjects and
// subscriptions of a closed connection are not errors.
func (m *Client) Unsubscribe(subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unsubscribeLocked(subject)
}

func (m *Client) unsubscribeLocked(subject string) error {
	sub, ok := m.subs[subject]
	if !ok {
		return nil
	}
	delete(m.subs, subject)
	if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

// Subscriptions returns the subscribed subjects
func (m *Client) Subscriptions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.subs))
	for subject := range m.subs {
		out = append(out, subject)
	}
	return out
}

// Flush waits until the server has processed everything sent so far
func (m *Client) Flush(ctx context.Context) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.FlushWithContext(ctx)
}

// Publish publishes a message to a NATS subject
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	return conn.Publish(subject, data)
}

// OnHealthChange sets the observer told when the connection turns healthy or
// unhealthy. Only changes are reported.
func (m *Client) OnHealthChange(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHealthChange = fn
}

// OnConnectionChange sets the callbacks for connection loss and recovery
func (m *Client) OnConnectionChange(onDisconnect func(error), onReconnect func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = onDisconnect
	m.onReconnect = onReconnect
}

// reportHealth passes a change of health to the observer
func (m *Client) reportHealth(healthy bool) {
	next := healthDown
	if healthy {
		next = healthUp
	}
	if m.lastHealth.Swap(next) == next {
		return
	}

	m.mu.RLock()
	fn := m.onHealthChange
	m.mu.RUnlock()
	if fn != nil {
		fn(healthy)
	}
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusReconnecting)

	m.mu.RLock()
	fn := m.onDisconnect
	m.mu.RUnlock()
	if fn != nil {
		go fn(err)
	}
	m.reportHealth(false)
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()

	m.mu.RLock()
	fn := m.onReconnect
	m.mu.RUnlock()
	if fn != nil {
		go fn()
	}
	m.reportHealth(true)
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)
	m.reportHealth(false)
}

func (m *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	// may fire for slow consumers, not only connection errors
	m.logger.Errorf("NATS error: %v", err)
}

// startHealthWatch probes the connection every healthInterval until
// stopHealthWatch is called
func (m *Client) startHealthWatch() {
	m.stopHealthWatch()

	done := make(chan struct{})
	m.mu.Lock()
	m.healthDone = done
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.checkHealth()
			}
		}
	}()
}

// checkHealth measures the round trip and brings the status in line with it
func (m *Client) checkHealth() {
	conn := m.GetConnection()
	if conn == nil {
		return
	}

	rtt, err := conn.RTT()
	healthy := err == nil && conn.IsConnected()
	if err == nil && m.metrics != nil {
		m.metrics.RecordBackendRTT(rtt)
	}

	switch status := m.Status(); {
	case healthy && status != StatusConnected:
		m.setStatus(StatusConnected)
	case !healthy && status == StatusConnected:
		m.setStatus(StatusReconnecting)
	}
	m.reportHealth(healthy)
}

func (m *Client) stopHealthWatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthDone != nil {
		close(m.healthDone)
		m.healthDone = nil
	}
}
