// Package config loads daemon configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the vector-mcpd process configuration. Every field decodes from
// an environment variable; fields without defaults are optional and disable
// their feature when empty.
type Config struct {
	// ListenAddr is the HTTP bind address. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`

	// SessionTTL evicts sessions idle beyond it. ENV: SESSION_TTL
	SessionTTL time.Duration `env:"SESSION_TTL,default=30m"`
	// KeepAliveInterval is the SSE comment ping cadence. ENV: SSE_KEEPALIVE
	KeepAliveInterval time.Duration `env:"SSE_KEEPALIVE,default=30s"`
	// SamplingTimeout bounds server-initiated requests. ENV: SAMPLING_TIMEOUT
	SamplingTimeout time.Duration `env:"SAMPLING_TIMEOUT,default=30s"`

	// EventLogCapacity bounds per-session retained events. ENV: EVENTLOG_CAPACITY
	EventLogCapacity int `env:"EVENTLOG_CAPACITY,default=1024"`
	// RedisAddr, when set, backs session event logs with Redis. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`

	// ResourcesDir, when set, serves that directory's files as watched
	// resources. ENV: RESOURCES_DIR
	ResourcesDir string `env:"RESOURCES_DIR"`

	// JWT auth is enabled when all three are set.
	JWTIssuer   string `env:"JWT_ISSUER"`
	JWTAudience string `env:"JWT_AUDIENCE"`
	JWTSecret   string `env:"JWT_SECRET"`
}

// Load decodes the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// AuthEnabled reports whether JWT authentication is fully configured.
func (c *Config) AuthEnabled() bool {
	return c.JWTIssuer != "" && c.JWTAudience != "" && c.JWTSecret != ""
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
