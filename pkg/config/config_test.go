package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 30*time.Second, cfg.DialTimeout)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.Equal(t, 128, cfg.Subscribe.BufferSize)
	assert.Equal(t, 4096, cfg.Bridge.ReadBuffer)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err, "missing config file MUST NOT be an error")
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"log_level: debug\nscan_timeout: 3s\nsubscribe:\n  buffer_size: 16\n"), 0o600))

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel, "overridden value MUST win")
	assert.Equal(t, 3*time.Second, cfg.ScanTimeout, "overridden value MUST win")
	assert.Equal(t, 16, cfg.Subscribe.BufferSize, "nested override MUST win")
	assert.Equal(t, 30*time.Second, cfg.DialTimeout, "untouched field MUST keep its default")
}

func TestLoadRejectsInvalidLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: shouting\n"), 0o600))

	_, err := Load(path)

	assert.Error(t, err, "invalid log level MUST be rejected")
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "debug level", logLevel: "debug", want: logrus.DebugLevel},
		{name: "warn level", logLevel: "warn", want: logrus.WarnLevel},
		{name: "unknown level falls back to info", logLevel: "shouting", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.LogLevel = tt.logLevel

			logger := cfg.NewLogger()

			require.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}
