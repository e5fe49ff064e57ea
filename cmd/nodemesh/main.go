// Package main implements the nodemesh daemon. It starts one node, joins the
// mesh over the configured transporter and serves until SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/nodemesh/broker"
	"github.com/c360/nodemesh/config"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "nodemesh"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	b, err := broker.New(cfg, broker.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	if err := b.RegisterNodeActions(); err != nil {
		return fmt.Errorf("register node actions: %w", err)
	}

	return runWithSignalHandling(context.Background(), b, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting nodemesh",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// loadConfig layers the config file, when given, and the environment over the
// defaults, then applies flag overrides
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	for _, key := range loader.UnknownEnv(os.Environ()) {
		slog.Warn("Ignoring unknown environment override", "key", key)
	}
	// flags below may still fix what validation would reject
	loader.EnableValidation(false)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.NodeID != "" {
		cfg.NodeID = cliCfg.NodeID
	}
	if cliCfg.Transporter != "" {
		cfg.Transporter.Type = cliCfg.Transporter
	}
	if cliCfg.MetricsPort > 0 {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Port = cliCfg.MetricsPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runWithSignalHandling starts the broker and stops it on shutdown signals
func runWithSignalHandling(ctx context.Context, b *broker.Broker, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := b.Start(signalCtx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	slog.Info("nodemesh started", "node_id", b.NodeID())

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := b.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("nodemesh shutdown complete")
	return nil
}
