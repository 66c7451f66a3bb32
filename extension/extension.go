// Package extension provides the Forge extension adapter for vmledger.
//
// It implements the forge.Extension interface to integrate the VM
// lifecycle and credit ledger engine into a Forge application with DI
// registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.vmledger" or "vmledger" keys.
package extension

import (
	"context"
	"errors"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/vmledger"
	"github.com/xraph/vmledger/api"
	"github.com/xraph/vmledger/store"
	"github.com/xraph/vmledger/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "vmledger"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "VM lifecycle and credit ledger engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the vmledger engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *vmledger.Engine
	handler    *api.Handler
	limiter    *api.RateLimiter
	store      store.Store
	engineOpts []vmledger.Option
}

// New creates a new vmledger Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
		config:        DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *vmledger.Engine { return e.engine }

// Handler returns the HTTP handler for the engine.
// This is nil until Register is called.
func (e *Extension) Handler() *api.Handler { return e.handler }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine and HTTP handler, and registers both in the DI
// container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}
	s := e.store
	if e.config.DisableMigrate {
		s = noMigrate{s}
	}

	e.engine = vmledger.New(s, e.buildEngineOpts()...)
	e.handler = api.New(e.engine, e.buildHandlerOpts()...)

	if err := vessel.Provide(fapp.Container(), func() (*vmledger.Engine, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}
	return vessel.Provide(fapp.Container(), func() (*api.Handler, error) {
		return e.handler, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("vmledger: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.limiter != nil {
		e.limiter.Stop()
	}
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("vmledger: engine not initialized")
	}
	if e.config.HealthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.HealthTimeout)
		defer cancel()
	}
	return e.engine.Health(ctx)
}

// buildEngineOpts constructs vmledger.Option values from the resolved config.
// Pass-through options come last so they win over config.
func (e *Extension) buildEngineOpts() []vmledger.Option {
	opts := make([]vmledger.Option, 0, len(e.engineOpts)+1)
	opts = append(opts, vmledger.WithConfig(e.config.Engine))
	return append(opts, e.engineOpts...)
}

func (e *Extension) buildHandlerOpts() []api.Option {
	var opts []api.Option
	if e.config.RateLimitPerMinute > 0 {
		e.limiter = api.NewRateLimiter(e.config.RateLimitPerMinute, 0)
		opts = append(opts, api.WithRateLimiter(e.limiter))
	}
	return opts
}

// noMigrate leaves schema management to the operator.
type noMigrate struct{ store.Store }

func (noMigrate) Migrate(context.Context) error { return nil }

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("vmledger: configuration is required but not found in config files; " +
				"ensure 'extensions.vmledger' or 'vmledger' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("vmledger: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("currency", e.config.Engine.Currency),
		forge.F("minimum_reserve", e.config.Engine.MinimumReserve),
		forge.F("creation_fee", e.config.Engine.CreationFee),
		forge.F("accrual_interval", e.config.Engine.AccrualInterval),
		forge.F("rate_limit_per_minute", e.config.RateLimitPerMinute),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.vmledger", "vmledger"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("vmledger: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("vmledger: loaded config from file",
			forge.F("key", key),
		)
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults. MinimumReserve
// and CreationFee keep an explicit zero.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Engine.Currency == "" {
		cfg.Engine.Currency = defaults.Engine.Currency
	}
	if cfg.Engine.MaxRetries == 0 {
		cfg.Engine.MaxRetries = defaults.Engine.MaxRetries
	}
	if cfg.Engine.RetryBackoff == 0 {
		cfg.Engine.RetryBackoff = defaults.Engine.RetryBackoff
	}
	if cfg.Engine.OperationTimeout == 0 {
		cfg.Engine.OperationTimeout = defaults.Engine.OperationTimeout
	}
	if cfg.Engine.AccrualBatchSize == 0 {
		cfg.Engine.AccrualBatchSize = defaults.Engine.AccrualBatchSize
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = defaults.RateLimitPerMinute
	}
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = defaults.HealthTimeout
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	y, p := &yamlConfig.Engine, programmaticConfig.Engine
	if y.Currency == "" {
		y.Currency = p.Currency
	}
	if y.MinimumReserve == 0 {
		y.MinimumReserve = p.MinimumReserve
	}
	if y.CreationFee == 0 {
		y.CreationFee = p.CreationFee
	}
	if y.MaxRetries == 0 {
		y.MaxRetries = p.MaxRetries
	}
	if y.RetryBackoff == 0 {
		y.RetryBackoff = p.RetryBackoff
	}
	if y.OperationTimeout == 0 {
		y.OperationTimeout = p.OperationTimeout
	}
	if y.AccrualInterval == 0 {
		y.AccrualInterval = p.AccrualInterval
	}
	if y.AccrualBatchSize == 0 {
		y.AccrualBatchSize = p.AccrualBatchSize
	}

	if yamlConfig.RateLimitPerMinute == 0 {
		yamlConfig.RateLimitPerMinute = programmaticConfig.RateLimitPerMinute
	}
	if yamlConfig.HealthTimeout == 0 {
		yamlConfig.HealthTimeout = programmaticConfig.HealthTimeout
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
