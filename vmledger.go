package vmledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/vmledger/cost"
	"github.com/xraph/vmledger/locker"
	"github.com/xraph/vmledger/plugin"
	"github.com/xraph/vmledger/store"
	"github.com/xraph/vmledger/vm"
)

// Engine is the lifecycle orchestrator. It pairs every VM status change
// with its ledger effect and commits both as one unit of work.
type Engine struct {
	store       store.Store
	plugins     *plugin.Registry
	logger      *slog.Logger
	catalog     *cost.Catalog
	locker      locker.Locker
	provisioner vm.Provisioner
	now         func() time.Time

	config Config

	// Background workers
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Engine on top of s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		plugins:  plugin.NewRegistry(),
		logger:   slog.Default(),
		catalog:  cost.DefaultCatalog(),
		locker:   locker.NewLocal(),
		now:      time.Now,
		config:   DefaultConfig(),
		stopChan: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.provisioner == nil {
		e.provisioner = e.plugins.Provisioner()
	}
	if e.provisioner == nil {
		e.provisioner = vm.Simulated{}
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithConfig replaces the engine configuration. Unset durations fall back
// to their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.config = cfg.withDefaults()
	}
}

// WithCatalog sets the instance-class catalog.
func WithCatalog(c *cost.Catalog) Option {
	return func(e *Engine) {
		e.catalog = c
	}
}

// WithLocker sets the per-account locker. Use a distributed locker when
// more than one process shares a store.
func WithLocker(l locker.Locker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithProvisioner sets the executor behind VM lifecycle calls.
func WithProvisioner(p vm.Provisioner) Option {
	return func(e *Engine) {
		e.provisioner = p
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Start migrates the store, initializes plugins and starts the accrual
// sweep when it is enabled.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.config.Validate(); err != nil {
		return err
	}
	for _, spec := range e.catalog.Specs() {
		if spec.HourlyRate.Currency != e.config.Currency {
			return fmt.Errorf("vmledger: instance class %s priced in %s, engine currency is %s",
				spec.Class, spec.HourlyRate.Currency, e.config.Currency)
		}
	}

	// Migrate database
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	// Initialize plugins
	e.plugins.EmitInit(ctx, e)

	if e.config.AccrualInterval > 0 {
		e.wg.Add(1)
		go e.accrualWorker()
	}

	e.logger.Info("vmledger started",
		"currency", e.config.Currency,
		"minimum_reserve", e.config.MinimumReserve,
		"creation_fee", e.config.CreationFee,
		"accrual_interval", e.config.AccrualInterval,
	)

	return nil
}

// Stop shuts down background workers, notifies plugins and closes the store.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Config returns the active configuration.
func (e *Engine) Config() Config { return e.config }

// Catalog returns the instance catalog, cheapest class first.
func (e *Engine) Catalog() []cost.Spec { return e.catalog.Specs() }

// Health pings the store.
func (e *Engine) Health(ctx context.Context) error {
	return e.store.Ping(ctx)
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}
