// ============================================================================
// proctor-guard Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration with defaults and validation.
//
// Sections:
//   supervisor   worker set, heartbeat staleness, health check, stop grace,
//                restart backoff, post-start ping
//   worker       heartbeat interval, hang threshold, per-concern settings
//   permissions  consent file, probe timeout, readiness retries,
//                required overrides
//   server       control socket path
//   metrics      Prometheus endpoint
//   export       default export path
//   log          level and format
//
// Durations are Go duration strings ("10s", "750ms"). Fields absent from
// the file keep their defaults.
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/proctor-guard/pkg/types"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the complete configuration file.
type Config struct {
	Supervisor  Supervisor  `yaml:"supervisor"`
	Worker      Worker      `yaml:"worker"`
	Permissions Permissions `yaml:"permissions"`
	Server      Server      `yaml:"server"`
	Metrics     Metrics     `yaml:"metrics"`
	Export      Export      `yaml:"export"`
	Log         Log         `yaml:"log"`
}

type Supervisor struct {
	Workers             []string      `yaml:"workers"`
	HeartbeatStaleAfter time.Duration `yaml:"heartbeat_stale_after"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	StopGrace           time.Duration `yaml:"stop_grace"`
	RestartBaseDelay    time.Duration `yaml:"restart_base_delay"`
	RestartCap          int           `yaml:"restart_cap"`
	PingDelay           time.Duration `yaml:"ping_delay"`
}

type Worker struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HangThreshold     time.Duration `yaml:"hang_threshold"`
	// Concerns holds per-worker settings, e.g. the process blacklist.
	Concerns map[string]map[string]any `yaml:"concerns"`
}

type Permissions struct {
	ConsentFile   string          `yaml:"consent_file"`
	ProbeTimeout  time.Duration   `yaml:"probe_timeout"`
	MaxAttempts   int             `yaml:"max_attempts"`
	RetryInterval time.Duration   `yaml:"retry_interval"`
	Required      map[string]bool `yaml:"required"`
}

type Server struct {
	SocketPath string `yaml:"socket_path"`
}

type Metrics struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type Export struct {
	Path string `yaml:"path"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Supervisor: Supervisor{
			Workers:             types.AllWorkers(),
			HeartbeatStaleAfter: 10 * time.Second,
			HealthCheckInterval: 2 * time.Second,
			StopGrace:           3 * time.Second,
			RestartBaseDelay:    time.Second,
			RestartCap:          5,
			PingDelay:           time.Second,
		},
		Worker: Worker{
			HeartbeatInterval: 2 * time.Second,
			HangThreshold:     30 * time.Second,
		},
		Permissions: Permissions{
			ConsentFile:   defaultConsentFile(),
			ProbeTimeout:  5 * time.Second,
			MaxAttempts:   3,
			RetryInterval: 2 * time.Second,
		},
		Server:  Server{SocketPath: defaultSocketPath()},
		Metrics: Metrics{Enabled: false, Port: 9090},
		Export:  Export{Path: "proctor-export.json"},
		Log:     Log{Level: "info", Format: "text"},
	}
}

func defaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "proctor-guard.sock")
}

func defaultConsentFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "proctor-guard", "consent.yaml")
}

// Load reads path over the defaults and validates the result. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	known := make(map[string]bool)
	for _, k := range types.AllWorkers() {
		known[k] = true
	}
	if len(c.Supervisor.Workers) == 0 {
		return fmt.Errorf("%w: supervisor.workers is empty", ErrInvalid)
	}
	seen := make(map[string]bool)
	for _, k := range c.Supervisor.Workers {
		if !known[k] {
			return fmt.Errorf("%w: unknown worker %q", ErrInvalid, k)
		}
		if seen[k] {
			return fmt.Errorf("%w: worker %q listed twice", ErrInvalid, k)
		}
		seen[k] = true
	}
	for k := range c.Worker.Concerns {
		if !known[k] {
			return fmt.Errorf("%w: worker.concerns has unknown worker %q", ErrInvalid, k)
		}
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"supervisor.heartbeat_stale_after", c.Supervisor.HeartbeatStaleAfter},
		{"supervisor.health_check_interval", c.Supervisor.HealthCheckInterval},
		{"supervisor.stop_grace", c.Supervisor.StopGrace},
		{"supervisor.restart_base_delay", c.Supervisor.RestartBaseDelay},
		{"supervisor.ping_delay", c.Supervisor.PingDelay},
		{"worker.heartbeat_interval", c.Worker.HeartbeatInterval},
		{"worker.hang_threshold", c.Worker.HangThreshold},
		{"permissions.probe_timeout", c.Permissions.ProbeTimeout},
		{"permissions.retry_interval", c.Permissions.RetryInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, d.name)
		}
	}
	if c.Worker.HeartbeatInterval >= c.Supervisor.HeartbeatStaleAfter {
		return fmt.Errorf("%w: worker.heartbeat_interval must be shorter than supervisor.heartbeat_stale_after", ErrInvalid)
	}
	if c.Supervisor.RestartCap < 1 {
		return fmt.Errorf("%w: supervisor.restart_cap must be at least 1", ErrInvalid)
	}
	if c.Permissions.MaxAttempts < 1 {
		return fmt.Errorf("%w: permissions.max_attempts must be at least 1", ErrInvalid)
	}
	if c.Server.SocketPath == "" {
		return fmt.Errorf("%w: server.socket_path is empty", ErrInvalid)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("%w: metrics.port %d out of range", ErrInvalid, c.Metrics.Port)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format must be text or json", ErrInvalid)
	}
	return nil
}

// ParseLevel maps a log.level value onto slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
}
