// Package config loads the engine's configuration knobs of spec.md §6:
// refreshIntervalMs, pushIntervalMs, heartbeatTimeoutMs, with defaults for
// unset or non-positive intervals. heartbeatTimeoutMs is passed through
// unclamped; activity.ClampHeartbeatTimeout clamps it and supplies its
// default. Environment variables take precedence; an optional YAML file
// can supply the same fields, following the teacher's
// internal/scheduler/scheduler.go loadConfig pattern (YAML unmarshal +
// defaulting).
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultRefreshIntervalMs = 1000
	defaultPushIntervalMs    = 30_000
)

// Config holds the tunable scheduler/activity knobs.
type Config struct {
	RefreshIntervalMs  int `yaml:"refresh_interval_ms"`
	PushIntervalMs     int `yaml:"push_interval_ms"`
	HeartbeatTimeoutMs int `yaml:"heartbeat_timeout_ms"`
}

// RefreshInterval is RefreshIntervalMs as a time.Duration.
func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}

// PushInterval is PushIntervalMs as a time.Duration.
func (c Config) PushInterval() time.Duration {
	return time.Duration(c.PushIntervalMs) * time.Millisecond
}

// Default returns the spec.md §6 defaults: refresh 1000ms, push 30000ms,
// heartbeat timeout 60000ms.
func Default() Config {
	return Config{
		RefreshIntervalMs:  defaultRefreshIntervalMs,
		PushIntervalMs:     defaultPushIntervalMs,
		HeartbeatTimeoutMs: 0, // 0 selects activity.ClampHeartbeatTimeout's default (60s)
	}
}

// Load builds a Config from the optional YAML file at path (ignored if
// empty or unreadable) overlaid with environment variables
// REFRESH_INTERVAL_MS, PUSH_INTERVAL_MS, HEARTBEAT_TIMEOUT_MS, then applies
// defaults for anything left unset.
func Load(path string) Config {
	cfg := Default()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var fileCfg Config
			if yaml.Unmarshal(data, &fileCfg) == nil {
				mergeNonZero(&cfg, fileCfg)
			}
		}
	}

	if v, ok := envInt("REFRESH_INTERVAL_MS"); ok {
		cfg.RefreshIntervalMs = v
	}
	if v, ok := envInt("PUSH_INTERVAL_MS"); ok {
		cfg.PushIntervalMs = v
	}
	if v, ok := envInt("HEARTBEAT_TIMEOUT_MS"); ok {
		cfg.HeartbeatTimeoutMs = v
	}

	if cfg.RefreshIntervalMs <= 0 {
		cfg.RefreshIntervalMs = defaultRefreshIntervalMs
	}
	if cfg.PushIntervalMs <= 0 {
		cfg.PushIntervalMs = defaultPushIntervalMs
	}

	return cfg
}

func mergeNonZero(dst *Config, src Config) {
	if src.RefreshIntervalMs != 0 {
		dst.RefreshIntervalMs = src.RefreshIntervalMs
	}
	if src.PushIntervalMs != 0 {
		dst.PushIntervalMs = src.PushIntervalMs
	}
	if src.HeartbeatTimeoutMs != 0 {
		dst.HeartbeatTimeoutMs = src.HeartbeatTimeoutMs
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
