package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full on-disk configuration. All durations are Go duration
// strings ("500ms", "10s", "1m"); parsing happens when sections are handed to
// their components so a bad value is reported with its config path.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram"`
	Pool      PoolConfig      `json:"pool"`
	Governor  GovernorConfig  `json:"governor"`
	Health    HealthConfig    `json:"health"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Admin     AdminConfig     `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./fleetbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// TelegramConfig controls the platform transport.
type TelegramConfig struct {
	// ConnectTimeout bounds session authentication.
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	// APIURL overrides the Bot API endpoint (self-hosted servers, tests).
	APIURL string `json:"api_url,omitempty"`
}

// PoolConfig controls the session pool.
type PoolConfig struct {
	MaxClients           int    `json:"max_clients"`
	IdleTimeout          string `json:"idle_timeout,omitempty"`
	PingInterval         string `json:"ping_interval,omitempty"`
	PingTimeout          string `json:"ping_timeout,omitempty"`
	ReconnectBase        string `json:"reconnect_base,omitempty"`
	ReconnectMax         string `json:"reconnect_max,omitempty"`
	ReconnectMaxAttempts int    `json:"reconnect_max_attempts,omitempty"`
}

// GovernorConfig controls per-account send ceilings.
type GovernorConfig struct {
	MaxPerSecond   float64 `json:"max_per_second,omitempty"`
	MaxPerDay      int     `json:"max_per_day,omitempty"`
	NearLimitRatio float64 `json:"near_limit_ratio,omitempty"`
}

// HealthConfig controls the account health tracker.
type HealthConfig struct {
	CooldownWindow       string `json:"cooldown_window,omitempty"`
	SendFailureThreshold int    `json:"send_failure_threshold,omitempty"`
}

// SchedulerConfig controls the task scheduler.
type SchedulerConfig struct {
	TickInterval     string  `json:"tick_interval,omitempty"`
	MinInterval      string  `json:"min_interval,omitempty"`
	JitterFrac       float64 `json:"jitter_frac,omitempty"`
	BackoffBase      string  `json:"backoff_base,omitempty"`
	BackoffMax       string  `json:"backoff_max,omitempty"`
	FailureThreshold int     `json:"failure_threshold,omitempty"`
	DispatchTimeout  string  `json:"dispatch_timeout,omitempty"`
	HistoryLimit     int     `json:"history_limit,omitempty"`
}

// AdminConfig controls the local introspection HTTP server.
//
// Bind to loopback unless the host network is trusted; the API has no auth.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8787"
}

// ParseDurationField parses one of the duration strings above. An empty value
// is zero, not an error; the config path prefixes any parse failure.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: bad duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration %q must not be negative", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
