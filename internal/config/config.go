// Package config is the YAML configuration surface for the listen daemon.
//
// Design goals:
//   - Make the config file the primary configuration surface.
//   - Keep flags for small overrides and for environments where a file is
//     awkward (systemd unit overrides, ad-hoc debugging).
//   - Centralize defaults and validation so the rest of the daemon can assume
//     a well-formed Config once LoadConfigFile returns.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the listen daemon.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig is the HTTP upgrade endpoint's listen configuration.
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	ReadBufferBytes int    `yaml:"read_buffer_bytes"`
	WriteBufferBytes int   `yaml:"write_buffer_bytes"`
}

// SessionConfig tunes the per-connection actor's timers and buffers.
type SessionConfig struct {
	OutboundQueueCapacity int `yaml:"outbound_queue_capacity"`
	LivenessIntervalMS    int `yaml:"liveness_interval_ms"`
	SendDeadlineMS        int `yaml:"send_deadline_ms"`
	OutboundBatchMax      int `yaml:"outbound_batch_max"`
}

// MetricsConfig is the Prometheus scrape endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// LoggingConfig selects slog's output level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LivenessInterval is SessionConfig.LivenessIntervalMS as a time.Duration.
func (s SessionConfig) LivenessInterval() time.Duration {
	return time.Duration(s.LivenessIntervalMS) * time.Millisecond
}

// SendDeadline is SessionConfig.SendDeadlineMS as a time.Duration.
func (s SessionConfig) SendDeadline() time.Duration {
	return time.Duration(s.SendDeadlineMS) * time.Millisecond
}

// DefaultConfig returns a fully-populated Config with defaults matching the
// timers fixed by the actor's design (60s liveness, 5s send deadline, 32-message
// outbound batches).
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:       ":3000",
			ReadBufferBytes:  4096,
			WriteBufferBytes: 4096,
		},
		Session: SessionConfig{
			OutboundQueueCapacity: 64,
			LivenessIntervalMS:    60_000,
			SendDeadlineMS:        5_000,
			OutboundBatchMax:      32,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9000",
			Path:       "/metrics",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file, layering it on top of
// DefaultConfig. Unknown fields are rejected via KnownFields(true), so a
// typo'd key fails loudly instead of being silently ignored.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the one document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides applies command-line overrides on top of a loaded config.
// Each field is only applied if its pointer is non-nil, so flags the caller
// never set leave the config-file value (or default) untouched.
type FlagOverrides struct {
	ListenAddr        *string
	MetricsListenAddr *string
	LogLevel          *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.ListenAddr != nil {
		cfg.Server.ListenAddr = *o.ListenAddr
	}
	if o.MetricsListenAddr != nil {
		cfg.Metrics.ListenAddr = *o.MetricsListenAddr
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error. Call
// this after defaults + file + overrides are all applied.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr must not be empty")
	}
	if c.Session.OutboundQueueCapacity < 0 {
		return errors.New("session.outbound_queue_capacity must be >= 0")
	}
	if c.Session.LivenessIntervalMS <= 0 {
		return errors.New("session.liveness_interval_ms must be > 0")
	}
	if c.Session.SendDeadlineMS <= 0 {
		return errors.New("session.send_deadline_ms must be > 0")
	}
	if c.Session.OutboundBatchMax <= 0 {
		return errors.New("session.outbound_batch_max must be > 0")
	}
	if c.Metrics.ListenAddr != "" && c.Metrics.Path == "" {
		return errors.New("metrics.path must not be empty when metrics.listen_addr is set")
	}
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}
	return nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
