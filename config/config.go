package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/pkg/tlsutil"
)

// Transporter types
const (
	TransporterMemory = "memory"
	TransporterNATS   = "nats"
)

// Serializer types
const (
	SerializerJSON    = "json"
	SerializerMsgPack = "msgpack"
)

// Config represents the complete node configuration
type Config struct {
	NodeID               string            `json:"node_id" yaml:"node_id"`
	Prefix               string            `json:"prefix" yaml:"prefix"`
	AsyncLocalInvocation bool              `json:"async_local_invocation" yaml:"async_local_invocation"`
	Serializer           SerializerConfig  `json:"serializer" yaml:"serializer"`
	Transporter          TransporterConfig `json:"transporter" yaml:"transporter"`
	Executor             ExecutorConfig    `json:"executor" yaml:"executor"`
	HeartbeatInterval    Duration          `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout     Duration          `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	RequestTimeout       Duration          `json:"request_timeout" yaml:"request_timeout"`
	Metrics              MetricsConfig     `json:"metrics" yaml:"metrics"`
}

// SerializerConfig selects the wire codec pipeline
type SerializerConfig struct {
	Type             string       `json:"type" yaml:"type"`                           // json | msgpack
	Compress         bool         `json:"compress" yaml:"compress"`                   // enable the deflate stage
	CompressAbove    int          `json:"compress_above" yaml:"compress_above"`       // bytes, 0 disables
	CompressionLevel int          `json:"compression_level" yaml:"compression_level"` // 1 (speed) .. 9 (size)
	Cipher           CipherConfig `json:"cipher" yaml:"cipher"`
}

// CipherConfig holds symmetric key material for the cipher stage.
// An empty key disables encryption.
type CipherConfig struct {
	Key       string `json:"key,omitempty" yaml:"key,omitempty"`
	Algorithm string `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	IV        string `json:"iv,omitempty" yaml:"iv,omitempty"`
}

// TransporterConfig selects the pub/sub backend
type TransporterConfig struct {
	Type string     `json:"type" yaml:"type"`
	NATS NATSConfig `json:"nats" yaml:"nats"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty"`
	Name          string   `json:"name,omitempty" yaml:"name,omitempty"`

	TLS tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// ExecutorConfig sizes the shared worker pool
type ExecutorConfig struct {
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`

	TLS tlsutil.ServerConfig `json:"tls" yaml:"tls"`
}

// Default returns a configuration with every default applied. The node ID
// is the hostname plus a short random suffix.
func Default() *Config {
	return &Config{
		NodeID: defaultNodeID(),
		Prefix: "MOL",
		Serializer: SerializerConfig{
			Type:             SerializerJSON,
			CompressAbove:    1024,
			CompressionLevel: 1,
		},
		Transporter: TransporterConfig{
			Type: TransporterMemory,
			NATS: NATSConfig{
				URLs:          []string{"nats://localhost:4222"},
				MaxReconnects: -1,
				ReconnectWait: Duration(2 * time.Second),
			},
		},
		Executor: ExecutorConfig{
			Workers:   10,
			QueueSize: 1000,
		},
		HeartbeatInterval: Duration(5 * time.Second),
		HeartbeatTimeout:  Duration(15 * time.Second),
		RequestTimeout:    Duration(10 * time.Second),
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	host = strings.Map(func(r rune) rune {
		if isSubjectRune(r) && r != '.' {
			return r
		}
		return '-'
	}, host)
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return invalid("node_id is required")
	}
	if !isValidNATSSubjectPart(c.NodeID) || strings.Contains(c.NodeID, ".") {
		return invalid(fmt.Sprintf("node_id %q must be a single subject token (alphanumeric, dashes, underscores)", c.NodeID))
	}

	if c.Prefix == "" {
		return invalid("prefix is required")
	}
	if !isValidNATSSubjectPart(c.Prefix) {
		return invalid(fmt.Sprintf(
			"prefix %q is not valid for NATS subjects (must be alphanumeric with dots, dashes, underscores)", c.Prefix))
	}

	switch c.Serializer.Type {
	case SerializerJSON, SerializerMsgPack:
	default:
		return invalid(fmt.Sprintf("serializer.type %q is not supported", c.Serializer.Type))
	}
	if c.Serializer.CompressAbove < 0 {
		return invalid("serializer.compress_above cannot be negative")
	}
	if c.Serializer.Compress && (c.Serializer.CompressionLevel < 1 || c.Serializer.CompressionLevel > 9) {
		return invalid(fmt.Sprintf("serializer.compression_level %d must be between 1 and 9", c.Serializer.CompressionLevel))
	}

	switch c.Transporter.Type {
	case TransporterMemory:
	case TransporterNATS:
		if len(c.Transporter.NATS.URLs) == 0 {
			return invalid("transporter.nats.urls is required for the nats transporter")
		}
		if err := c.Transporter.NATS.TLS.Validate(); err != nil {
			return err
		}
	default:
		return invalid(fmt.Sprintf("transporter.type %q is not supported", c.Transporter.Type))
	}

	if c.Executor.Workers <= 0 {
		return invalid("executor.workers must be positive")
	}
	if c.Executor.QueueSize <= 0 {
		return invalid("executor.queue_size must be positive")
	}

	if c.HeartbeatInterval <= 0 {
		return invalid("heartbeat_interval must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return invalid("heartbeat_timeout must be greater than heartbeat_interval")
	}
	if c.RequestTimeout <= 0 {
		return invalid("request_timeout must be positive")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return invalid(fmt.Sprintf("metrics.port %d is out of range", c.Metrics.Port))
	}
	if c.Metrics.Enabled {
		if err := c.Metrics.TLS.Validate(); err != nil {
			return err
		}
	}

	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg)
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if !isSubjectRune(r) {
			return false
		}
	}
	return true
}

func isSubjectRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.'
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.Serializer.Cipher.Key != "" {
		masked.Serializer.Cipher.Key = "***"
	}
	if masked.Transporter.NATS.Password != "" {
		masked.Transporter.NATS.Password = "***"
	}
	if masked.Transporter.NATS.Token != "" {
		masked.Transporter.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return invalid("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "SafeConfig", "Update", "config validation")
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
