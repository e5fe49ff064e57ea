package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	NodeID          string
	Transporter     string
	LogLevel        string
	LogFormat       string
	Debug           bool
	MetricsPort     int
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("NODEMESH_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: NODEMESH_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("NODEMESH_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: NODEMESH_CONFIG)")

	flag.StringVar(&cfg.NodeID, "node-id", "",
		"Node ID, overrides the configuration")

	flag.StringVar(&cfg.Transporter, "transporter", "",
		"Transporter: memory, nats; overrides the configuration")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("NODEMESH_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: NODEMESH_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("NODEMESH_LOG_FORMAT", "json"),
		"Log format: json, text (env: NODEMESH_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("NODEMESH_DEBUG", false),
		"Enable debug mode (env: NODEMESH_DEBUG)")

	flag.IntVar(&cfg.MetricsPort, "metrics-port", 0,
		"Serve Prometheus metrics on this port, 0 keeps the configuration")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("NODEMESH_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: NODEMESH_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp

	flag.Parse()

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.Transporter != "" && !slices.Contains([]string{"memory", "nats"}, cfg.Transporter) {
		return fmt.Errorf("invalid transporter: %s", cfg.Transporter)
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - node mesh daemon

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Join a NATS mesh
  %s --config=/etc/nodemesh/node.yaml --transporter=nats

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Configure through the environment
  export NODEMESH_NODE_ID=edge-1
  export NODEMESH_TRANSPORTER=nats
  export NODEMESH_NATS_URLS=nats://a:4222,nats://b:4222
  %s

  # Validate configuration only
  %s --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
