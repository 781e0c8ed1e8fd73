package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	override := filepath.Join(dir, "override.json")
	require.NoError(t, os.WriteFile(base, []byte("node:\n  id: edge-1\n"), 0o600))
	require.NoError(t, os.WriteFile(override, []byte(`{}`), 0o600))

	cfg, err := parseFlags([]string{
		"--config", base, "-c", override,
		"--log-level", "debug",
		"--provision", "sensor-1,sensor-2",
		"--shutdown-timeout", "3s",
	})
	require.NoError(t, err)
	require.NoError(t, validateFlags(cfg))

	assert.Equal(t, []string{base, override}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, []string{"sensor-1", "sensor-2"}, cfg.Provision)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)

	loaded, err := loadConfig(cfg.ConfigPaths)
	require.NoError(t, err)
	assert.Equal(t, "edge-1", loaded.Node.ID)
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name    string
		cfg     CLIConfig
		wantErr bool
	}{
		{"defaults", CLIConfig{LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}, false},
		{"bad level", CLIConfig{LogLevel: "loud", LogFormat: "json", ShutdownTimeout: time.Second}, true},
		{"bad format", CLIConfig{LogLevel: "info", LogFormat: "xml", ShutdownTimeout: time.Second}, true},
		{"missing file", CLIConfig{ConfigPaths: []string{"/nonexistent.yaml"}, LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}, true},
		{"zero timeout", CLIConfig{LogLevel: "info", LogFormat: "json"}, true},
		{"version skips checks", CLIConfig{ShowVersion: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFlags(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("MINTGATE_TEST_DURATION", "250ms")
	assert.Equal(t, 250*time.Millisecond, getEnvDuration("MINTGATE_TEST_DURATION", time.Second))

	t.Setenv("MINTGATE_TEST_DURATION", "7")
	assert.Equal(t, 7*time.Second, getEnvDuration("MINTGATE_TEST_DURATION", time.Second))

	t.Setenv("MINTGATE_TEST_DURATION", "soon")
	assert.Equal(t, time.Second, getEnvDuration("MINTGATE_TEST_DURATION", time.Second))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("loud"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(logSettings{Level: "warn", Format: "json", Node: "edge-1", Out: &buf})
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))

	logger.Warn("Directory write failed", "op", "publish_device")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, appName, record["service"])
	assert.Equal(t, "edge-1", record["node"])
	assert.Equal(t, "publish_device", record["op"])
	assert.NotContains(t, record, "source")

	buf.Reset()
	newLogger(logSettings{Level: "info", Format: "text", Out: &buf}).Info("Starting mintgate")
	assert.Contains(t, buf.String(), "service="+appName)
	assert.NotContains(t, buf.String(), "node=")
}
