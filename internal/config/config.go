// Package config loads relay settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"collabcanvas/internal/collab"
)

type Config struct {
	Addr string `env:"COLLAB_ADDR,default=:8081"`

	RedisAddr   string `env:"REDIS_ADDR"`
	RedisPrefix string `env:"COLLAB_REDIS_PREFIX,default=canvas:"`

	DatabaseURL     string `env:"DATABASE_URL"`
	AnalyticsBuffer int    `env:"COLLAB_ANALYTICS_BUFFER,default=1024"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	AllowedOrigins []string `env:"COLLAB_ALLOWED_ORIGINS"`

	SendBuffer      int           `env:"COLLAB_SEND_BUFFER,default=256"`
	MaxMessageBytes int64         `env:"COLLAB_MAX_MESSAGE_BYTES,default=1048576"`
	PingInterval    time.Duration `env:"COLLAB_PING_INTERVAL,default=30s"`
	PongTimeout     time.Duration `env:"COLLAB_PONG_TIMEOUT,default=60s"`
	WriteTimeout    time.Duration `env:"COLLAB_WRITE_TIMEOUT,default=10s"`

	SweepInterval time.Duration `env:"COLLAB_SWEEP_INTERVAL,default=1m"`

	RateLimit float64 `env:"COLLAB_RATE_LIMIT,default=0"`
	RateBurst int     `env:"COLLAB_RATE_BURST,default=0"`

	MDNSService string `env:"COLLAB_MDNS_SERVICE"`
}

// Load reads envFile into the process environment when it exists, then decodes
// and validates the configuration. Variables already set win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("COLLAB_ADDR must not be empty")
	case c.SendBuffer <= 0:
		return fmt.Errorf("COLLAB_SEND_BUFFER must be positive, got %d", c.SendBuffer)
	case c.MaxMessageBytes <= 0:
		return fmt.Errorf("COLLAB_MAX_MESSAGE_BYTES must be positive, got %d", c.MaxMessageBytes)
	case c.PingInterval <= 0 || c.PongTimeout <= 0 || c.WriteTimeout <= 0:
		return errors.New("heartbeat intervals must be positive")
	case c.PingInterval >= c.PongTimeout:
		return fmt.Errorf("COLLAB_PING_INTERVAL (%s) must be shorter than COLLAB_PONG_TIMEOUT (%s)", c.PingInterval, c.PongTimeout)
	case c.SweepInterval < 0:
		return fmt.Errorf("COLLAB_SWEEP_INTERVAL must not be negative, got %s", c.SweepInterval)
	case c.RateLimit < 0 || c.RateBurst < 0:
		return errors.New("COLLAB_RATE_LIMIT and COLLAB_RATE_BURST must not be negative")
	}
	return nil
}

// WS returns the transport settings for collaboration connections.
func (c *Config) WS() collab.WSConfig {
	return collab.WSConfig{
		SendBuffer:      c.SendBuffer,
		MaxMessageBytes: c.MaxMessageBytes,
		PingInterval:    c.PingInterval,
		PongTimeout:     c.PongTimeout,
		WriteTimeout:    c.WriteTimeout,
	}
}
