// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Config holds all configuration for the relay.
type Config struct {
	Port     string `env:"PORT"      envDefault:"5000"`
	Env      string `env:"ENV"       envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage
	StoreDriver   string `env:"STORE_DRIVER"     envDefault:"memory"`
	SQLitePath    string `env:"SQLITE_PATH"      envDefault:"./data/chatrelay.db"`
	MongoURI      string `env:"MONGODB_URI"`
	MongoDatabase string `env:"MONGODB_DATABASE" envDefault:"whatsapp"`

	// Batch payloads
	PayloadDir    string `env:"PAYLOAD_DIR"    envDefault:"./payloads"`
	WatchPayloads bool   `env:"WATCH_PAYLOADS" envDefault:"false"`

	// Connection limits
	AllowedOrigins          []string      `env:"ALLOWED_ORIGINS"            envDefault:"*" envSeparator:","`
	MaxMessageSize          int64         `env:"MAX_MESSAGE_SIZE"           envDefault:"4096"`
	RateLimitBurst          int           `env:"RATE_LIMIT_BURST"           envDefault:"20"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads configuration from environment variables, loading a .env file
// first when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.StoreDriver) {
	case store.DriverMemory, store.DriverSQLite:
	case store.DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI is required when STORE_DRIVER=mongo")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Env == "production" && c.StoreDriver == store.DriverMemory {
		return fmt.Errorf("STORE_DRIVER=memory is not durable and cannot be used in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// Server returns the connection settings for the HTTP and websocket layer.
func (c *Config) Server() server.Config {
	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return server.Config{
		Port:           c.Addr(),
		AllowedOrigins: origins,
		MaxMessageSize: c.MaxMessageSize,
		RateLimit: server.RateLimitConfig{
			Burst:          c.RateLimitBurst,
			RefillInterval: c.RateLimitRefillInterval,
		},
	}
}

// Store returns the options for opening the configured backend.
func (c *Config) Store() store.Options {
	return store.Options{
		Driver:        strings.ToLower(c.StoreDriver),
		SQLitePath:    c.SQLitePath,
		MongoURI:      c.MongoURI,
		MongoDatabase: c.MongoDatabase,
	}
}
