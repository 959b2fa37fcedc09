// Package config holds the tool configuration: defaults, optional YAML
// overrides, and the logger factory.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration. Zero fields take their defaults.
type Config struct {
	LogLevel     string        `yaml:"log_level" default:"info"`
	ScanTimeout  time.Duration `yaml:"scan_timeout" default:"10s"`
	DialTimeout  time.Duration `yaml:"dial_timeout" default:"30s"`
	OutputFormat string        `yaml:"output_format" default:"table"` // table, json

	Subscribe SubscribeConfig `yaml:"subscribe"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

// SubscribeConfig tunes notification consumption.
type SubscribeConfig struct {
	// BufferSize bounds each subscriber stream; overflow drops the oldest
	// values.
	BufferSize int `yaml:"buffer_size" default:"128"`
}

// BridgeConfig configures the PTY bridge.
type BridgeConfig struct {
	// Symlink is an optional stable path pointing at the allocated PTY.
	Symlink string `yaml:"symlink"`
	// ReadBuffer is the ring buffer size between PTY and link, in bytes.
	ReadBuffer int `yaml:"read_buffer" default:"4096"`
}

// UnmarshalYAML decodes on top of the values already present, so fields
// absent from the document keep their defaults. Durations are accepted in
// time.ParseDuration form ("10s", "500ms").
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig struct {
		LogLevel     string          `yaml:"log_level"`
		ScanTimeout  string          `yaml:"scan_timeout"`
		DialTimeout  string          `yaml:"dial_timeout"`
		OutputFormat string          `yaml:"output_format"`
		Subscribe    SubscribeConfig `yaml:"subscribe"`
		Bridge       BridgeConfig    `yaml:"bridge"`
	}
	raw := rawConfig{
		LogLevel:     c.LogLevel,
		ScanTimeout:  c.ScanTimeout.String(),
		DialTimeout:  c.DialTimeout.String(),
		OutputFormat: c.OutputFormat,
		Subscribe:    c.Subscribe,
		Bridge:       c.Bridge,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	scanTimeout, err := time.ParseDuration(raw.ScanTimeout)
	if err != nil {
		return fmt.Errorf("invalid scan_timeout %q: %w", raw.ScanTimeout, err)
	}
	dialTimeout, err := time.ParseDuration(raw.DialTimeout)
	if err != nil {
		return fmt.Errorf("invalid dial_timeout %q: %w", raw.DialTimeout, err)
	}

	c.LogLevel = raw.LogLevel
	c.ScanTimeout = scanTimeout
	c.DialTimeout = dialTimeout
	c.OutputFormat = raw.OutputFormat
	c.Subscribe = raw.Subscribe
	c.Bridge = raw.Bridge
	return nil
}

// DefaultConfig returns the configuration with all defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file on top of the defaults. A missing path is
// not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log_level %q in %q", cfg.LogLevel, path)
	}
	return cfg, nil
}

// NewLogger creates a logger configured per the config.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
