// Package config manages goipmi configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete goipmi configuration.
type Config struct {
	IPMI    IPMIConfig    `koanf:"ipmi"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint
	// (e.g., ":9100"). Empty disables the endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// IPMIConfig holds the session and message handling parameters seeded
// into the connection manager. Missing keys inherit defaults.
type IPMIConfig struct {
	// LocalAddr is the UDP bind address for the shared socket.
	LocalAddr string `koanf:"local_addr"`

	// PingPeriod is the keep-alive period for established sessions.
	PingPeriod time.Duration `koanf:"ping_period"`

	// TimerPoolSize is the number of timer-pool worker goroutines.
	TimerPoolSize int `koanf:"timer_pool_size"`

	// RequestTimeout is the per-request response timeout.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// Retries is the per-request retry budget.
	Retries int `koanf:"retries"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The 20 second keep-alive period stays well inside the 60 second
// session inactivity timeout most BMCs ship with, surviving two lost
// keep-alives. The 2 second request timeout with 3 retries matches the
// conventional console behaviour on a lossy management network.
func DefaultConfig() *Config {
	return &Config{
		IPMI: IPMIConfig{
			LocalAddr:      ":0",
			PingPeriod:     20 * time.Second,
			TimerPoolSize:  5,
			RequestTimeout: 2 * time.Second,
			Retries:        3,
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for goipmi configuration.
// Variables are named GOIPMI_<section>_<key>, e.g., GOIPMI_LOG_LEVEL.
const envPrefix = "GOIPMI_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (GOIPMI_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// GOIPMI_LOG_LEVEL -> log.level (strip prefix, lowercase, first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOIPMI_LOG_LEVEL -> log.level and
// GOIPMI_IPMI_PING_PERIOD -> ipmi.ping_period: the first underscore
// separates the section from the key.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"ipmi.local_addr":      defaults.IPMI.LocalAddr,
		"ipmi.ping_period":     defaults.IPMI.PingPeriod.String(),
		"ipmi.timer_pool_size": defaults.IPMI.TimerPoolSize,
		"ipmi.request_timeout": defaults.IPMI.RequestTimeout.String(),
		"ipmi.retries":         defaults.IPMI.Retries,
		"metrics.addr":         defaults.Metrics.Addr,
		"metrics.path":         defaults.Metrics.Path,
		"log.level":            defaults.Log.Level,
		"log.format":           defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidPingPeriod indicates a negative keep-alive period.
	ErrInvalidPingPeriod = errors.New("ipmi.ping_period must be >= 0")

	// ErrInvalidTimerPoolSize indicates a non-positive timer pool size.
	ErrInvalidTimerPoolSize = errors.New("ipmi.timer_pool_size must be >= 1")

	// ErrInvalidRequestTimeout indicates a non-positive request timeout.
	ErrInvalidRequestTimeout = errors.New("ipmi.request_timeout must be > 0")

	// ErrInvalidRetries indicates a negative retry budget.
	ErrInvalidRetries = errors.New("ipmi.retries must be >= 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.IPMI.PingPeriod < 0 {
		return ErrInvalidPingPeriod
	}
	if cfg.IPMI.TimerPoolSize < 1 {
		return ErrInvalidTimerPoolSize
	}
	if cfg.IPMI.RequestTimeout <= 0 {
		return ErrInvalidRequestTimeout
	}
	if cfg.IPMI.Retries < 0 {
		return ErrInvalidRetries
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
