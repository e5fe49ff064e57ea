package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodemesh/config"
	"github.com/c360/nodemesh/errors"
)

func validCLI() *CLIConfig {
	return &CLIConfig{
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: time.Second,
	}
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CLIConfig)
		wantErr string
	}{
		{"defaults", func(*CLIConfig) {}, ""},
		{"bad level", func(c *CLIConfig) { c.LogLevel = "trace" }, "invalid log level"},
		{"bad format", func(c *CLIConfig) { c.LogFormat = "xml" }, "invalid log format"},
		{"bad transporter", func(c *CLIConfig) { c.Transporter = "redis" }, "invalid transporter"},
		{"bad port", func(c *CLIConfig) { c.MetricsPort = 70000 }, "invalid metrics port"},
		{"missing config", func(c *CLIConfig) { c.ConfigPath = "/nonexistent/node.json" }, "config file not found"},
		{"version skips checks", func(c *CLIConfig) { c.ShowVersion = true; c.LogLevel = "bogus" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validCLI()
			tt.mutate(cfg)
			err := validateFlags(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: from-file\nprefix: MESH\n"), 0o600))

	cli := validCLI()
	cli.ConfigPath = path
	cli.NodeID = "from-flag"
	cli.MetricsPort = 9191

	cfg, err := loadConfig(cli)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.NodeID)
	assert.Equal(t, "MESH", cfg.Prefix)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, config.TransporterMemory, cfg.Transporter.Type)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cli := validCLI()
	cli.NodeID = "bad.id"

	_, err := loadConfig(cli)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestSetupLogger(t *testing.T) {
	logger := setupLogger("debug", "text")
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
	assert.False(t, setupLogger("warn", "json").Enabled(t.Context(), slog.LevelInfo))
}
