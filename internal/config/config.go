package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level bridge configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sessions SessionsConfig `yaml:"sessions"`
	Chunking ChunkingConfig `yaml:"chunking"`
	Host     HostConfig     `yaml:"host"`
	Logs     LogsConfig     `yaml:"logs"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type SessionsConfig struct {
	IdleTimeout string `yaml:"idle_timeout"`
	WarningLead string `yaml:"warning_lead"`
	// RequestTimeout enables the bridge-side per-request watchdog. Empty or
	// "0s" leaves pending requests open until session expiry, matching the
	// client-only deadline model.
	RequestTimeout string `yaml:"request_timeout"`
	SweepInterval  string `yaml:"sweep_interval"`
}

type ChunkingConfig struct {
	ThresholdBytes int `yaml:"threshold_bytes"`
}

type HostConfig struct {
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

type LogsConfig struct {
	// Dir is where per-session append-only logs are written. Empty disables
	// file logging; the in-memory ring still records recent events.
	Dir          string `yaml:"dir"`
	MemoryEvents int    `yaml:"memory_events"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses a YAML configuration file. A missing file yields the
// defaults, since the bridge is normally launched by the host manager with no
// config of its own.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			applyDefaults(cfg)
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// ParseDuration is a helper that parses a duration string with a fallback.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:9000"
	}
	if cfg.Sessions.IdleTimeout == "" {
		cfg.Sessions.IdleTimeout = "5m"
	}
	if cfg.Sessions.WarningLead == "" {
		cfg.Sessions.WarningLead = "60s"
	}
	if cfg.Sessions.SweepInterval == "" {
		cfg.Sessions.SweepInterval = "1m"
	}
	if cfg.Chunking.ThresholdBytes == 0 {
		cfg.Chunking.ThresholdBytes = 1 << 20
	}
	if cfg.Host.MaxFrameBytes == 0 {
		cfg.Host.MaxFrameBytes = 64 << 20
	}
	if cfg.Logs.Dir == "" {
		cfg.Logs.Dir = "logs"
	}
	if cfg.Logs.MemoryEvents == 0 {
		cfg.Logs.MemoryEvents = 256
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
