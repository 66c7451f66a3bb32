// Package plugin provides an extensible plugin system for vmledger.
// Plugins can hook into VM and ledger lifecycle events to extend functionality.
// Hooks run after the operation has committed and its account lock has been
// released, so a slow plugin never delays billing.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/types"
	"github.com/xraph/vmledger/vm"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *vmledger.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

// OnAccountOpened is called when a new account is opened.
type OnAccountOpened interface {
	Plugin
	OnAccountOpened(ctx context.Context, a *account.Account) error
}

// OnCreditsAdded is called after credits are posted to an account.
type OnCreditsAdded interface {
	Plugin
	OnCreditsAdded(ctx context.Context, a *account.Account, e *entry.Entry) error
}

// OnOverLimit is called when a usage charge drives an account negative.
type OnOverLimit interface {
	Plugin
	OnOverLimit(ctx context.Context, a *account.Account) error
}

// ──────────────────────────────────────────────────
// VM lifecycle hooks
// ──────────────────────────────────────────────────

// OnVMCreated is called when a VM is provisioned and running.
type OnVMCreated interface {
	Plugin
	OnVMCreated(ctx context.Context, v *vm.VM, fee types.Money) error
}

// OnVMProvisionFailed is called when provisioning fails and the VM is
// recorded in the error state.
type OnVMProvisionFailed interface {
	Plugin
	OnVMProvisionFailed(ctx context.Context, v *vm.VM, cause error) error
}

// OnVMStarted is called when a stopped VM starts.
type OnVMStarted interface {
	Plugin
	OnVMStarted(ctx context.Context, v *vm.VM) error
}

// OnVMStopped is called when a running VM stops and its session is billed.
type OnVMStopped interface {
	Plugin
	OnVMStopped(ctx context.Context, v *vm.VM, charge types.Money, elapsed time.Duration) error
}

// OnVMRestarted is called when a running VM restarts.
type OnVMRestarted interface {
	Plugin
	OnVMRestarted(ctx context.Context, v *vm.VM, charge types.Money) error
}

// OnVMDeleted is called when a VM is terminated.
type OnVMDeleted interface {
	Plugin
	OnVMDeleted(ctx context.Context, v *vm.VM, charge types.Money) error
}

// ──────────────────────────────────────────────────
// Billing hooks
// ──────────────────────────────────────────────────

// OnUsageAccrued is called when the accrual sweep bills part of a running
// session.
type OnUsageAccrued interface {
	Plugin
	OnUsageAccrued(ctx context.Context, v *vm.VM, charge types.Money, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Audit and failure hooks
// ──────────────────────────────────────────────────

// OnAuditRecorded is called for every audit record written, accepted and
// rejected operations alike.
type OnAuditRecorded interface {
	Plugin
	OnAuditRecorded(ctx context.Context, r *audit.Record) error
}

// OnOperationRejected is called when an operation is refused.
type OnOperationRejected interface {
	Plugin
	OnOperationRejected(ctx context.Context, op string, accountID string, cause error) error
}

// OnCommitFailed is called when an operation could not be persisted.
type OnCommitFailed interface {
	Plugin
	OnCommitFailed(ctx context.Context, op string, cause error) error
}

// ──────────────────────────────────────────────────
// Provisioner providers
// ──────────────────────────────────────────────────

// ProvisionerPlugin supplies the executor that backs VM lifecycle calls.
// The first registered one is used when the engine has no explicit
// provisioner.
type ProvisionerPlugin interface {
	Plugin
	Provisioner() vm.Provisioner
}
