// Package config loads the vmledger server configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/vmledger"
)

// Store drivers accepted in store.driver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
	DriverBadger   = "badger"
)

// Config is the complete server configuration.
type Config struct {
	Server ServerConfig    `yaml:"server"`
	Store  StoreConfig     `yaml:"store"`
	Redis  RedisConfig     `yaml:"redis"`
	NATS   NATSConfig      `yaml:"nats"`
	Log    LogConfig       `yaml:"log"`
	Engine vmledger.Config `yaml:"engine"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit is requests per minute per client; negative disables it.
	RateLimit int `yaml:"rate_limit"`
	RateBurst int `yaml:"rate_burst,omitempty"`
	// Metrics serves Prometheus metrics on /metrics.
	Metrics bool `yaml:"metrics"`
}

// StoreConfig selects and addresses the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is the Postgres connection string or the MongoDB URI.
	DSN string `yaml:"dsn,omitempty"`
	// Database is the MongoDB database name.
	Database string `yaml:"database,omitempty"`
	// Path is the SQLite file or Badger directory. An empty Badger path
	// runs in memory.
	Path string `yaml:"path,omitempty"`
}

// RedisConfig enables the distributed account lock when URL is set.
type RedisConfig struct {
	URL     string        `yaml:"url,omitempty"`
	LockTTL time.Duration `yaml:"lock_ttl,omitempty"`
}

// NATSConfig enables audit event publishing when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       100,
			Metrics:         true,
		},
		Store:  StoreConfig{Driver: DriverMemory},
		Log:    LogConfig{Level: "info", Format: "text"},
		Engine: vmledger.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults. Environment
// variables in the file are expanded, so secrets can stay out of it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Normalize lowercases enumerated values.
func (c *Config) Normalize() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	c.Engine.Currency = strings.ToLower(c.Engine.Currency)
}

// Validate checks that the selected backend is fully addressed.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	switch c.Store.Driver {
	case DriverMemory, DriverBadger:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	case DriverMongo:
		if c.Store.DSN == "" || c.Store.Database == "" {
			return fmt.Errorf("store.dsn and store.database are required for driver %q", c.Store.Driver)
		}
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}
