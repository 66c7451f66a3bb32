package extension

import (
	"time"

	"github.com/xraph/vmledger"
)

// Config holds the vmledger extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.vmledger" or "vmledger" keys).
type Config struct {
	// Engine holds the billing and concurrency settings of the engine.
	Engine vmledger.Config `json:"engine" mapstructure:"engine" yaml:"engine"`

	// DisableMigrate prevents store migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// RateLimitPerMinute is the per-client request budget of the HTTP
	// handler (default: 100). Negative disables limiting.
	RateLimitPerMinute int `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`

	// HealthTimeout bounds the store ping behind Health (default: 2s).
	HealthTimeout time.Duration `json:"health_timeout" mapstructure:"health_timeout" yaml:"health_timeout"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Engine:             vmledger.DefaultConfig(),
		RateLimitPerMinute: 100,
		HealthTimeout:      2 * time.Second,
	}
}
