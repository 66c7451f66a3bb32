// Package audithook forwards vmledger audit records to an external audit
// trail backend.
//
// It defines a local Recorder interface so the engine does not depend on any
// particular audit service. NATSRecorder publishes events to NATS subjects;
// other backends can be bridged with a RecorderFunc at wiring time.
package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/plugin"
	"github.com/xraph/vmledger/vm"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin          = (*Extension)(nil)
	_ plugin.OnAuditRecorded = (*Extension)(nil)
	_ plugin.OnOverLimit     = (*Extension)(nil)
	_ plugin.OnCommitFailed  = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is the backend-neutral form of an audit record.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension forwards engine audit records to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Audit trail hooks
// ──────────────────────────────────────────────────

// OnAuditRecorded implements plugin.OnAuditRecorded. Accepted and rejected
// operations are both forwarded; rejections carry the failure outcome.
func (e *Extension) OnAuditRecorded(ctx context.Context, r *audit.Record) error {
	action, resource, category := classify(r)
	severity, outcome := SeverityInfo, OutcomeSuccess
	var err error
	if r.Outcome == audit.OutcomeFailure {
		severity, outcome = SeverityWarning, OutcomeFailure
		err = errors.New(r.Reason)
		if action == ActionVMProvisionFailed {
			severity = SeverityError
		}
	}

	kv := []any{
		"account_id", r.AccountID.String(),
		"audit_id", r.ID.String(),
		"operation", r.Action,
		"cause", r.Cause,
		"occurred_at", r.CreatedAt,
	}
	if r.FromState != "" {
		kv = append(kv, "from_state", r.FromState)
	}
	if r.ToState != "" {
		kv = append(kv, "to_state", r.ToState)
	}
	if !r.Amount.IsZero() {
		kv = append(kv, "amount", r.Amount.String(), "amount_minor", r.Amount.Amount)
	}
	for k, v := range r.Metadata {
		kv = append(kv, k, v)
	}

	return e.record(ctx, action, severity, outcome, resource, r.EntityID, category, err, kv...)
}

// OnOverLimit implements plugin.OnOverLimit.
func (e *Extension) OnOverLimit(ctx context.Context, a *account.Account) error {
	return e.record(ctx, ActionAccountOverLimit, SeverityWarning, OutcomeSuccess,
		ResourceAccount, a.ID.String(), CategoryBilling, nil,
		"owner_id", a.OwnerID,
		"balance", a.Balance.String(),
		"balance_minor", a.Balance.Amount,
	)
}

// OnCommitFailed implements plugin.OnCommitFailed. Persistence failures never
// reach the stored trail, so this is the only place they are recorded.
func (e *Extension) OnCommitFailed(ctx context.Context, op string, cause error) error {
	return e.record(ctx, ActionCommitFailed, SeverityCritical, OutcomeFailure,
		ResourceLedger, "", CategoryReliability, cause,
		"operation", op,
	)
}

// classify maps an engine record onto the event vocabulary.
func classify(r *audit.Record) (action, resource, category string) {
	switch r.Action {
	case audit.ActionOpenAccount:
		return ActionAccountOpened, ResourceAccount, CategoryBilling
	case audit.ActionAddCredits:
		return ActionCreditsAdded, ResourceAccount, CategoryBilling
	case audit.ActionAdjustCredits:
		return ActionCreditsAdjusted, ResourceAccount, CategoryBilling
	case audit.ActionAccrue:
		return ActionUsageAccrued, ResourceVM, CategoryUsage
	case audit.ActionCreate:
		if r.ToState == string(vm.StatusError) {
			return ActionVMProvisionFailed, ResourceVM, CategoryLifecycle
		}
		return ActionVMCreated, ResourceVM, CategoryLifecycle
	case audit.ActionStart:
		return ActionVMStarted, ResourceVM, CategoryLifecycle
	case audit.ActionStop:
		return ActionVMStopped, ResourceVM, CategoryLifecycle
	case audit.ActionRestart:
		return ActionVMRestarted, ResourceVM, CategoryLifecycle
	case audit.ActionDelete:
		return ActionVMDeleted, ResourceVM, CategoryLifecycle
	}
	return string(r.EntityType) + "." + r.Action, string(r.EntityType), CategoryLifecycle
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
