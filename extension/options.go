package extension

import (
	"time"

	"github.com/xraph/vmledger"
	"github.com/xraph/vmledger/plugin"
	"github.com/xraph/vmledger/store"
)

// Option configures the vmledger Forge extension.
type Option func(*Extension)

// WithStore sets the store for the engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes a vmledger.Option through to the underlying engine.
func WithEngineOption(opt vmledger.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers an engine plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, vmledger.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithEngineConfig sets the engine's billing settings.
func WithEngineConfig(cfg vmledger.Config) Option {
	return func(e *Extension) { e.config.Engine = cfg }
}

// WithDisableMigrate prevents store migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithRateLimit sets the per-client request budget of the HTTP handler.
func WithRateLimit(perMinute int) Option {
	return func(e *Extension) { e.config.RateLimitPerMinute = perMinute }
}

// WithHealthTimeout bounds the store ping behind Health.
func WithHealthTimeout(d time.Duration) Option {
	return func(e *Extension) { e.config.HealthTimeout = d }
}
