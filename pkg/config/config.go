package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Write modes accepted by Config.WriteMode. go-ble reports no negotiated
// protocol version, so auto resolves to explicit; legacy stages the payload
// into the characteristic value before writing.
const (
	WriteModeAuto     = "auto"
	WriteModeExplicit = "explicit"
	WriteModeLegacy   = "legacy"
)

// MaxActivityHistory mirrors the activity ring buffer limit.
const MaxActivityHistory = 64 * 1024

// Config holds application configuration
type Config struct {
	// LogLevel is debug, info, warn or error. Empty keeps logging silent.
	LogLevel         string        `yaml:"log_level" default:""`
	ScanTimeout      time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"5s"`
	NotifyDuration   time.Duration `yaml:"notify_duration" default:"30s"`
	WriteMode        string        `yaml:"write_mode" default:"auto"`
	NamePayload      string        `yaml:"name_payload" default:"Tom"`
	StreamBuffer     int           `yaml:"stream_buffer" default:"64"`
	ActivityHistory  int           `yaml:"activity_history" default:"128"`
	ServiceFilter    bool          `yaml:"service_filter" default:"true"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultPath returns ~/.config/blectf/config.yaml, or "" when the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blectf", "config.yaml")
}

// Load reads a YAML file over the defaults. A missing file at the default
// path is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.WriteMode {
	case WriteModeAuto, WriteModeExplicit, WriteModeLegacy:
	default:
		return fmt.Errorf("invalid write_mode: %s (must be auto, explicit, or legacy)", c.WriteMode)
	}
	for name, d := range map[string]time.Duration{
		"scan_timeout":      c.ScanTimeout,
		"connect_timeout":   c.ConnectTimeout,
		"operation_timeout": c.OperationTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.NotifyDuration < 0 {
		return fmt.Errorf("notify_duration must not be negative, got %s", c.NotifyDuration)
	}
	if c.StreamBuffer <= 0 {
		return fmt.Errorf("stream_buffer must be positive, got %d", c.StreamBuffer)
	}
	if c.ActivityHistory <= 0 || c.ActivityHistory > MaxActivityHistory {
		return fmt.Errorf("activity_history must be in 1..%d, got %d", MaxActivityHistory, c.ActivityHistory)
	}
	return nil
}

// LegacyWrites reports whether writes stage the payload into the characteristic first.
func (c *Config) LegacyWrites() bool {
	return c.WriteMode == WriteModeLegacy
}

// ParseLevel maps a log level name to a logrus level. Empty means silent.
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return logrus.PanicLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.PanicLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.PanicLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
