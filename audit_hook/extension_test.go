package audithook

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/types"
)

func capture(opts ...Option) (*Extension, *[]*AuditEvent) {
	var got []*AuditEvent
	rec := RecorderFunc(func(_ context.Context, evt *AuditEvent) error {
		got = append(got, evt)
		return nil
	})
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	return New(rec, opts...), &got
}

func record(action string, outcome audit.Outcome, from, to string) *audit.Record {
	return &audit.Record{
		ID:         id.NewAuditID(),
		AccountID:  id.NewAccountID(),
		EntityType: audit.EntityVM,
		EntityID:   id.NewVMID().String(),
		Action:     action,
		FromState:  from,
		ToState:    to,
		Cause:      "request",
		Outcome:    outcome,
		Amount:     types.USD(-20),
		CreatedAt:  time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestOnAuditRecordedMapping(t *testing.T) {
	tests := []struct {
		name     string
		rec      *audit.Record
		action   string
		outcome  string
		severity string
	}{
		{"stop", record(audit.ActionStop, audit.OutcomeSuccess, "running", "stopped"), ActionVMStopped, OutcomeSuccess, SeverityInfo},
		{"create", record(audit.ActionCreate, audit.OutcomeSuccess, "creating", "running"), ActionVMCreated, OutcomeSuccess, SeverityInfo},
		{"provision failure", record(audit.ActionCreate, audit.OutcomeFailure, "creating", "error"), ActionVMProvisionFailed, OutcomeFailure, SeverityError},
		{"rejected start", record(audit.ActionStart, audit.OutcomeFailure, "stopped", "running"), ActionVMStarted, OutcomeFailure, SeverityWarning},
		{"accrue", record(audit.ActionAccrue, audit.OutcomeSuccess, "running", "running"), ActionUsageAccrued, OutcomeSuccess, SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, got := capture()
			if tt.rec.Outcome == audit.OutcomeFailure {
				tt.rec.Reason = "insufficient credits"
			}
			if err := ext.OnAuditRecorded(context.Background(), tt.rec); err != nil {
				t.Fatalf("OnAuditRecorded: %v", err)
			}
			if len(*got) != 1 {
				t.Fatalf("events: got %d, want 1", len(*got))
			}
			evt := (*got)[0]
			if evt.Action != tt.action {
				t.Errorf("Action: got %q, want %q", evt.Action, tt.action)
			}
			if evt.Outcome != tt.outcome {
				t.Errorf("Outcome: got %q, want %q", evt.Outcome, tt.outcome)
			}
			if evt.Severity != tt.severity {
				t.Errorf("Severity: got %q, want %q", evt.Severity, tt.severity)
			}
			if evt.ResourceID != tt.rec.EntityID {
				t.Errorf("ResourceID: got %q, want %q", evt.ResourceID, tt.rec.EntityID)
			}
			if evt.Metadata["amount_minor"] != int64(-20) {
				t.Errorf("amount_minor: got %v, want -20", evt.Metadata["amount_minor"])
			}
			if tt.outcome == OutcomeFailure && evt.Reason != "insufficient credits" {
				t.Errorf("Reason: got %q", evt.Reason)
			}
		})
	}
}

func TestOnOverLimit(t *testing.T) {
	ext, got := capture()
	a := &account.Account{ID: id.NewAccountID(), OwnerID: "user-1", Balance: types.USD(-3)}
	if err := ext.OnOverLimit(context.Background(), a); err != nil {
		t.Fatalf("OnOverLimit: %v", err)
	}
	evt := (*got)[0]
	if evt.Action != ActionAccountOverLimit {
		t.Errorf("Action: got %q, want %q", evt.Action, ActionAccountOverLimit)
	}
	if evt.Metadata["owner_id"] != "user-1" {
		t.Errorf("owner_id: got %v, want user-1", evt.Metadata["owner_id"])
	}
}

func TestOnCommitFailed(t *testing.T) {
	ext, got := capture()
	if err := ext.OnCommitFailed(context.Background(), "stop", errors.New("disk full")); err != nil {
		t.Fatalf("OnCommitFailed: %v", err)
	}
	evt := (*got)[0]
	if evt.Severity != SeverityCritical {
		t.Errorf("Severity: got %q, want %q", evt.Severity, SeverityCritical)
	}
	if evt.Reason != "disk full" {
		t.Errorf("Reason: got %q, want disk full", evt.Reason)
	}
}

func TestActionFilters(t *testing.T) {
	ctx := context.Background()
	stop := record(audit.ActionStop, audit.OutcomeSuccess, "running", "stopped")
	start := record(audit.ActionStart, audit.OutcomeSuccess, "stopped", "running")

	ext, got := capture(WithEnabledActions(ActionVMStopped))
	_ = ext.OnAuditRecorded(ctx, stop)
	_ = ext.OnAuditRecorded(ctx, start)
	if len(*got) != 1 || (*got)[0].Action != ActionVMStopped {
		t.Errorf("enabled filter: got %d events", len(*got))
	}

	ext, got = capture(WithDisabledActions(ActionVMStopped))
	_ = ext.OnAuditRecorded(ctx, stop)
	_ = ext.OnAuditRecorded(ctx, start)
	if len(*got) != 1 || (*got)[0].Action != ActionVMStarted {
		t.Errorf("disabled filter: got %d events", len(*got))
	}
}

func TestRecorderErrorSwallowed(t *testing.T) {
	ext := New(RecorderFunc(func(context.Context, *AuditEvent) error {
		return errors.New("backend down")
	}), WithLogger(slog.New(slog.DiscardHandler)))

	err := ext.OnAuditRecorded(context.Background(), record(audit.ActionStop, audit.OutcomeSuccess, "running", "stopped"))
	if err != nil {
		t.Errorf("recorder failure must not surface: got %v", err)
	}
}

func TestNATSRecorderSubject(t *testing.T) {
	r := NewNATSRecorder(nil, WithSubjectPrefix("billing.audit"))
	if got := r.Subject(ActionVMStopped); got != "billing.audit.vm.stopped" {
		t.Errorf("Subject: got %q, want billing.audit.vm.stopped", got)
	}
	if err := r.Record(context.Background(), &AuditEvent{Action: ActionVMStopped}); !errors.Is(err, errNATSClosed) {
		t.Errorf("Record without connection: got %v, want errNATSClosed", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close without connection: got %v", err)
	}
}
