package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/types"
	"github.com/xraph/vmledger/vm"
)

// DefaultHookTimeout bounds a single plugin call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit              []OnInit
	onShutdown          []OnShutdown
	onAccountOpened     []OnAccountOpened
	onCreditsAdded      []OnCreditsAdded
	onOverLimit         []OnOverLimit
	onVMCreated         []OnVMCreated
	onVMProvisionFailed []OnVMProvisionFailed
	onVMStarted         []OnVMStarted
	onVMStopped         []OnVMStopped
	onVMRestarted       []OnVMRestarted
	onVMDeleted         []OnVMDeleted
	onUsageAccrued      []OnUsageAccrued
	onAuditRecorded     []OnAuditRecorded
	onOperationRejected []OnOperationRejected
	onCommitFailed      []OnCommitFailed
	provisioners        []ProvisionerPlugin
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-call plugin timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnAccountOpened); ok {
		r.onAccountOpened = append(r.onAccountOpened, v)
	}
	if v, ok := p.(OnCreditsAdded); ok {
		r.onCreditsAdded = append(r.onCreditsAdded, v)
	}
	if v, ok := p.(OnOverLimit); ok {
		r.onOverLimit = append(r.onOverLimit, v)
	}
	if v, ok := p.(OnVMCreated); ok {
		r.onVMCreated = append(r.onVMCreated, v)
	}
	if v, ok := p.(OnVMProvisionFailed); ok {
		r.onVMProvisionFailed = append(r.onVMProvisionFailed, v)
	}
	if v, ok := p.(OnVMStarted); ok {
		r.onVMStarted = append(r.onVMStarted, v)
	}
	if v, ok := p.(OnVMStopped); ok {
		r.onVMStopped = append(r.onVMStopped, v)
	}
	if v, ok := p.(OnVMRestarted); ok {
		r.onVMRestarted = append(r.onVMRestarted, v)
	}
	if v, ok := p.(OnVMDeleted); ok {
		r.onVMDeleted = append(r.onVMDeleted, v)
	}
	if v, ok := p.(OnUsageAccrued); ok {
		r.onUsageAccrued = append(r.onUsageAccrued, v)
	}
	if v, ok := p.(OnAuditRecorded); ok {
		r.onAuditRecorded = append(r.onAuditRecorded, v)
	}
	if v, ok := p.(OnOperationRejected); ok {
		r.onOperationRejected = append(r.onOperationRejected, v)
	}
	if v, ok := p.(OnCommitFailed); ok {
		r.onCommitFailed = append(r.onCommitFailed, v)
	}
	if v, ok := p.(ProvisionerPlugin); ok {
		r.provisioners = append(r.provisioners, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

// hookTypes lists the interfaces reported when a plugin registers.
var hookTypes = []struct {
	name  string
	iface reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnAccountOpened", reflect.TypeFor[OnAccountOpened]()},
	{"OnCreditsAdded", reflect.TypeFor[OnCreditsAdded]()},
	{"OnOverLimit", reflect.TypeFor[OnOverLimit]()},
	{"OnVMCreated", reflect.TypeFor[OnVMCreated]()},
	{"OnVMProvisionFailed", reflect.TypeFor[OnVMProvisionFailed]()},
	{"OnVMStarted", reflect.TypeFor[OnVMStarted]()},
	{"OnVMStopped", reflect.TypeFor[OnVMStopped]()},
	{"OnVMRestarted", reflect.TypeFor[OnVMRestarted]()},
	{"OnVMDeleted", reflect.TypeFor[OnVMDeleted]()},
	{"OnUsageAccrued", reflect.TypeFor[OnUsageAccrued]()},
	{"OnAuditRecorded", reflect.TypeFor[OnAuditRecorded]()},
	{"OnOperationRejected", reflect.TypeFor[OnOperationRejected]()},
	{"OnCommitFailed", reflect.TypeFor[OnCommitFailed]()},
	{"Provisioner", reflect.TypeFor[ProvisionerPlugin]()},
}

// implementedInterfaces returns the hook interfaces implemented by p.
func implementedInterfaces(p Plugin) []string {
	var interfaces []string
	t := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if t.Implements(h.iface) {
			interfaces = append(interfaces, h.name)
		}
	}
	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// Provisioner returns the provisioner of the first registered
// ProvisionerPlugin, or nil if there is none.
func (r *Registry) Provisioner() vm.Provisioner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.provisioners) == 0 {
		return nil
	}
	return r.provisioners[0].Provisioner()
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnInit(ctx, engine)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitAccountOpened emits an account opened event.
func (r *Registry) EmitAccountOpened(ctx context.Context, a *account.Account) {
	r.mu.RLock()
	plugins := r.onAccountOpened
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnAccountOpened(ctx, a)
		}); err != nil {
			r.logger.Warn("plugin OnAccountOpened failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCreditsAdded emits a credits added event.
func (r *Registry) EmitCreditsAdded(ctx context.Context, a *account.Account, e *entry.Entry) {
	r.mu.RLock()
	plugins := r.onCreditsAdded
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnCreditsAdded(ctx, a, e)
		}); err != nil {
			r.logger.Warn("plugin OnCreditsAdded failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitOverLimit emits an over-limit event.
func (r *Registry) EmitOverLimit(ctx context.Context, a *account.Account) {
	r.mu.RLock()
	plugins := r.onOverLimit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnOverLimit(ctx, a)
		}); err != nil {
			r.logger.Warn("plugin OnOverLimit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitVMCreated emits a VM created event.
func (r *Registry) EmitVMCreated(ctx context.Context, v *vm.VM, fee types.Money) {
	r.mu.RLock()
	plugins := r.onVMCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnVMCreated(ctx, v, fee)
		}); err != nil {
			r.logger.Warn("plugin OnVMCreated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitVMProvisionFailed emits a provisioning failure event.
func (r *Registry) EmitVMProvisionFailed(ctx context.Context, v *vm.VM, cause error) {
	r.mu.RLock()
	plugins := r.onVMProvisionFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnVMProvisionFailed(ctx, v, cause)
		}); err != nil {
			r.logger.Warn("plugin OnVMProvisionFailed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitVMStarted emits a VM started event.
func (r *Registry) EmitVMStarted(ctx context.Context, v *vm.VM) {
	r.mu.RLock()
	plugins := r.onVMStarted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnVMStarted(ctx, v)
		}); err != nil {
			r.logger.Warn("plugin OnVMStarted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitVMStopped emits a VM stopped event.
func (r *Registry) EmitVMStopped(ctx context.Context, v *vm.VM, charge types.Money, elapsed time.Duration) {
	r.mu.RLock()
	plugins := r.onVMStopped
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnVMStopped(ctx, v, charge, elapsed)
		}); err != nil {
			r.logger.Warn("plugin OnVMStopped failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitVMRestarted emits a VM restarted event.
func (r *Registry) EmitVMRestarted(ctx context.Context, v *vm.VM, charge types.Money) {
	r.mu.RLock()
	plugins := r.onVMRestarted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnVMRestarted(ctx, v, charge)
		}); err != nil {
			r.logger.Warn("plugin OnVMRestarted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitVMDeleted emits a VM deleted event.
func (r *Registry) EmitVMDeleted(ctx context.Context, v *vm.VM, charge types.Money) {
	r.mu.RLock()
	plugins := r.onVMDeleted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnVMDeleted(ctx, v, charge)
		}); err != nil {
			r.logger.Warn("plugin OnVMDeleted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitUsageAccrued emits a usage accrued event.
func (r *Registry) EmitUsageAccrued(ctx context.Context, v *vm.VM, charge types.Money, elapsed time.Duration) {
	r.mu.RLock()
	plugins := r.onUsageAccrued
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnUsageAccrued(ctx, v, charge, elapsed)
		}); err != nil {
			r.logger.Warn("plugin OnUsageAccrued failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitAuditRecorded emits an audit recorded event.
func (r *Registry) EmitAuditRecorded(ctx context.Context, rec *audit.Record) {
	r.mu.RLock()
	plugins := r.onAuditRecorded
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnAuditRecorded(ctx, rec)
		}); err != nil {
			r.logger.Warn("plugin OnAuditRecorded failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitOperationRejected emits an operation rejected event.
func (r *Registry) EmitOperationRejected(ctx context.Context, op string, accountID string, cause error) {
	r.mu.RLock()
	plugins := r.onOperationRejected
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnOperationRejected(ctx, op, accountID, cause)
		}); err != nil {
			r.logger.Warn("plugin OnOperationRejected failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCommitFailed emits a commit failed event.
func (r *Registry) EmitCommitFailed(ctx context.Context, op string, cause error) {
	r.mu.RLock()
	plugins := r.onCommitFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func(ctx context.Context) error {
			return p.OnCommitFailed(ctx, op, cause)
		}); err != nil {
			r.logger.Warn("plugin OnCommitFailed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the lifecycle pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("plugin panic: %s: %v", pluginName, rec)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("plugin timeout: %s", pluginName)
		}
		return ctx.Err()
	}
}
