// Package config assembles the board-server settings from an optional TOML
// file and environment overrides. Environment variables always win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/todo-1m/taskboard/internal/platform/env"
)

type Config struct {
	HTTPAddr        string   `toml:"http_addr"`
	AllowedOrigin   string   `toml:"allowed_origin"`
	InstanceID      string   `toml:"instance_id"`
	JWTSecret       string   `toml:"jwt_secret"`
	DatabaseURL     string   `toml:"database_url"`
	RedisAddr       string   `toml:"redis_addr"`
	RedisCacheTTL   Duration `toml:"redis_cache_ttl"`
	NATSURL         string   `toml:"nats_url"`
	NATSConnectWait Duration `toml:"nats_connect_wait"`
	LogLevel        string   `toml:"log_level"`
	LogFormat       string   `toml:"log_format"`
	OutboxSize      int      `toml:"outbox_size"`
	WriteTimeout    Duration `toml:"write_timeout"`
	PingInterval    Duration `toml:"ping_interval"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// Duration lets TOML files spell durations as strings ("15s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func Default() Config {
	return Config{
		HTTPAddr:        env.DefaultHTTPAddr,
		AllowedOrigin:   "*",
		JWTSecret:       env.DefaultJWTSecret,
		RedisCacheTTL:   Duration{30 * time.Second},
		NATSConnectWait: Duration{20 * time.Second},
		LogLevel:        "info",
		LogFormat:       "text",
		OutboxSize:      256,
		WriteTimeout:    Duration{5 * time.Second},
		PingInterval:    Duration{25 * time.Second},
		ShutdownTimeout: Duration{10 * time.Second},
	}
}

// Load reads path (if non-empty and present) over the defaults and then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = env.String("HTTP_ADDR", cfg.HTTPAddr)
	cfg.AllowedOrigin = env.String("UI_ORIGIN", cfg.AllowedOrigin)
	cfg.InstanceID = env.String("INSTANCE_ID", cfg.InstanceID)
	cfg.JWTSecret = env.String("JWT_SECRET", cfg.JWTSecret)
	cfg.DatabaseURL = env.String("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = env.String("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisCacheTTL.Duration = env.Duration("REDIS_CACHE_TTL", cfg.RedisCacheTTL.Duration)
	cfg.NATSURL = env.String("NATS_URL", cfg.NATSURL)
	cfg.NATSConnectWait.Duration = env.Duration("NATS_CONNECT_TIMEOUT", cfg.NATSConnectWait.Duration)
	cfg.LogLevel = env.String("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = env.String("LOG_FORMAT", cfg.LogFormat)
	cfg.OutboxSize = env.Int("OUTBOX_SIZE", cfg.OutboxSize)
	cfg.WriteTimeout.Duration = env.Duration("WS_WRITE_TIMEOUT", cfg.WriteTimeout.Duration)
	cfg.PingInterval.Duration = env.Duration("WS_PING_INTERVAL", cfg.PingInterval.Duration)
	cfg.ShutdownTimeout.Duration = env.Duration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout.Duration)
}

func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http_addr is required")
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required")
	}
	if c.OutboxSize <= 0 {
		return fmt.Errorf("outbox_size must be positive, got %d", c.OutboxSize)
	}
	return nil
}
