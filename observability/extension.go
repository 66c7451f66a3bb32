// Package observability provides a metrics extension for vmledger that records
// VM lifecycle and billing counts via a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/plugin"
	"github.com/xraph/vmledger/types"
	"github.com/xraph/vmledger/vm"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin              = (*MetricsExtension)(nil)
	_ plugin.OnInit              = (*MetricsExtension)(nil)
	_ plugin.OnAccountOpened     = (*MetricsExtension)(nil)
	_ plugin.OnCreditsAdded      = (*MetricsExtension)(nil)
	_ plugin.OnOverLimit         = (*MetricsExtension)(nil)
	_ plugin.OnVMCreated         = (*MetricsExtension)(nil)
	_ plugin.OnVMProvisionFailed = (*MetricsExtension)(nil)
	_ plugin.OnVMStarted         = (*MetricsExtension)(nil)
	_ plugin.OnVMStopped         = (*MetricsExtension)(nil)
	_ plugin.OnVMRestarted       = (*MetricsExtension)(nil)
	_ plugin.OnVMDeleted         = (*MetricsExtension)(nil)
	_ plugin.OnUsageAccrued      = (*MetricsExtension)(nil)
	_ plugin.OnAuditRecorded     = (*MetricsExtension)(nil)
	_ plugin.OnOperationRejected = (*MetricsExtension)(nil)
	_ plugin.OnCommitFailed      = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a vmledger plugin to automatically track billing metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Account metrics
	AccountOpened     Counter
	AccountOverLimit  Counter
	CreditsAdded      Counter
	CreditsAddedMinor Counter

	// VM metrics
	VMCreated         Counter
	VMProvisionFailed Counter
	VMStarted         Counter
	VMStopped         Counter
	VMRestarted       Counter
	VMDeleted         Counter

	// Usage metrics
	UsageChargedMinor   Counter
	CreationFeesMinor   Counter
	SessionSeconds      Histogram
	AccrualSweepCharges Counter

	// Audit metrics
	AuditRecords  Counter
	AuditFailures Counter

	// Error metrics
	OperationsRejected Counter
	StoreErrors        Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use NewPrometheusFactory for a Prometheus-backed factory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Account metrics
		AccountOpened:     factory.Counter("vmledger.account.opened"),
		AccountOverLimit:  factory.Counter("vmledger.account.over_limit"),
		CreditsAdded:      factory.Counter("vmledger.credits.added"),
		CreditsAddedMinor: factory.Counter("vmledger.credits.added_minor"),

		// VM metrics
		VMCreated:         factory.Counter("vmledger.vm.created"),
		VMProvisionFailed: factory.Counter("vmledger.vm.provision_failed"),
		VMStarted:         factory.Counter("vmledger.vm.started"),
		VMStopped:         factory.Counter("vmledger.vm.stopped"),
		VMRestarted:       factory.Counter("vmledger.vm.restarted"),
		VMDeleted:         factory.Counter("vmledger.vm.deleted"),

		// Usage metrics
		UsageChargedMinor:   factory.Counter("vmledger.usage.charged_minor"),
		CreationFeesMinor:   factory.Counter("vmledger.usage.creation_fees_minor"),
		SessionSeconds:      factory.Histogram("vmledger.usage.session_seconds"),
		AccrualSweepCharges: factory.Counter("vmledger.usage.sweep_charges"),

		// Audit metrics
		AuditRecords:  factory.Counter("vmledger.audit.records"),
		AuditFailures: factory.Counter("vmledger.audit.failures"),

		// Error metrics
		OperationsRejected: factory.Counter("vmledger.operation.rejected"),
		StoreErrors:        factory.Counter("vmledger.store.errors"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

// OnAccountOpened implements plugin.OnAccountOpened.
func (m *MetricsExtension) OnAccountOpened(_ context.Context, _ *account.Account) error {
	m.AccountOpened.Inc()
	return nil
}

// OnCreditsAdded implements plugin.OnCreditsAdded.
func (m *MetricsExtension) OnCreditsAdded(_ context.Context, _ *account.Account, e *entry.Entry) error {
	m.CreditsAdded.Inc()
	m.CreditsAddedMinor.Add(float64(e.Amount.Amount))
	return nil
}

// OnOverLimit implements plugin.OnOverLimit.
func (m *MetricsExtension) OnOverLimit(_ context.Context, _ *account.Account) error {
	m.AccountOverLimit.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// VM lifecycle hooks
// ──────────────────────────────────────────────────

// OnVMCreated implements plugin.OnVMCreated.
func (m *MetricsExtension) OnVMCreated(_ context.Context, _ *vm.VM, fee types.Money) error {
	m.VMCreated.Inc()
	m.charge(m.CreationFeesMinor, fee)
	return nil
}

// OnVMProvisionFailed implements plugin.OnVMProvisionFailed.
func (m *MetricsExtension) OnVMProvisionFailed(_ context.Context, _ *vm.VM, _ error) error {
	m.VMProvisionFailed.Inc()
	return nil
}

// OnVMStarted implements plugin.OnVMStarted.
func (m *MetricsExtension) OnVMStarted(_ context.Context, _ *vm.VM) error {
	m.VMStarted.Inc()
	return nil
}

// OnVMStopped implements plugin.OnVMStopped.
func (m *MetricsExtension) OnVMStopped(_ context.Context, _ *vm.VM, charge types.Money, elapsed time.Duration) error {
	m.VMStopped.Inc()
	m.charge(m.UsageChargedMinor, charge)
	m.SessionSeconds.Observe(elapsed.Seconds())
	return nil
}

// OnVMRestarted implements plugin.OnVMRestarted.
func (m *MetricsExtension) OnVMRestarted(_ context.Context, _ *vm.VM, charge types.Money) error {
	m.VMRestarted.Inc()
	m.charge(m.UsageChargedMinor, charge)
	return nil
}

// OnVMDeleted implements plugin.OnVMDeleted.
func (m *MetricsExtension) OnVMDeleted(_ context.Context, _ *vm.VM, charge types.Money) error {
	m.VMDeleted.Inc()
	m.charge(m.UsageChargedMinor, charge)
	return nil
}

// ──────────────────────────────────────────────────
// Billing hooks
// ──────────────────────────────────────────────────

// OnUsageAccrued implements plugin.OnUsageAccrued.
func (m *MetricsExtension) OnUsageAccrued(_ context.Context, _ *vm.VM, charge types.Money, _ time.Duration) error {
	m.AccrualSweepCharges.Inc()
	m.charge(m.UsageChargedMinor, charge)
	return nil
}

// ──────────────────────────────────────────────────
// Audit and failure hooks
// ──────────────────────────────────────────────────

// OnAuditRecorded implements plugin.OnAuditRecorded.
func (m *MetricsExtension) OnAuditRecorded(_ context.Context, r *audit.Record) error {
	m.AuditRecords.Inc()
	if r.Outcome == audit.OutcomeFailure {
		m.AuditFailures.Inc()
	}
	return nil
}

// OnOperationRejected implements plugin.OnOperationRejected.
func (m *MetricsExtension) OnOperationRejected(_ context.Context, _, _ string, _ error) error {
	m.OperationsRejected.Inc()
	return nil
}

// OnCommitFailed implements plugin.OnCommitFailed.
func (m *MetricsExtension) OnCommitFailed(_ context.Context, _ string, _ error) error {
	m.StoreErrors.Inc()
	return nil
}

// charge adds the absolute minor-unit amount of a charge to c.
func (m *MetricsExtension) charge(c Counter, amount types.Money) {
	if amount.IsZero() {
		return
	}
	c.Add(float64(amount.Abs().Amount))
}
