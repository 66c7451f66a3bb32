package mongo

import (
	"time"

	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/cost"
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/types"
	"github.com/xraph/vmledger/vm"
)

// ==================== Account models ====================

type accountModel struct {
	ID            string    `bson:"_id"`
	OwnerID       string    `bson:"owner_id"`
	Currency      string    `bson:"currency"`
	Balance       int64     `bson:"balance"`
	TotalSpent    int64     `bson:"total_spent"`
	TotalCredited int64     `bson:"total_credited"`
	OverLimit     bool      `bson:"over_limit"`
	Version       int64     `bson:"version"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func toAccountModel(a *account.Account) *accountModel {
	return &accountModel{
		ID:            a.ID.String(),
		OwnerID:       a.OwnerID,
		Currency:      a.Currency,
		Balance:       a.Balance.Amount,
		TotalSpent:    a.TotalSpent.Amount,
		TotalCredited: a.TotalCredited.Amount,
		OverLimit:     a.OverLimit,
		Version:       a.Version,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func fromAccountModel(m *accountModel) (*account.Account, error) {
	acctID, err := id.ParseAccountID(m.ID)
	if err != nil {
		return nil, err
	}
	return &account.Account{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:            acctID,
		OwnerID:       m.OwnerID,
		Currency:      m.Currency,
		Balance:       types.New(m.Balance, m.Currency),
		TotalSpent:    types.New(m.TotalSpent, m.Currency),
		TotalCredited: types.New(m.TotalCredited, m.Currency),
		OverLimit:     m.OverLimit,
		Version:       m.Version,
	}, nil
}

// ==================== VM models ====================

type vmModel struct {
	ID               string     `bson:"_id"`
	AccountID        string     `bson:"account_id"`
	ProjectID        string     `bson:"project_id"`
	Name             string     `bson:"name"`
	InstanceClass    string     `bson:"instance_class"`
	Image            string     `bson:"image"`
	Status           string     `bson:"status"`
	Currency         string     `bson:"currency"`
	CostPerHour      int64      `bson:"cost_per_hour"`
	AccruedUptimeNS  int64      `bson:"accrued_uptime_ns"`
	TotalCost        int64      `bson:"total_cost"`
	SessionStartedAt *time.Time `bson:"session_started_at,omitempty"`
	AccruedThrough   *time.Time `bson:"accrued_through,omitempty"`
	LastError        string     `bson:"last_error,omitempty"`
	TerminatedAt     *time.Time `bson:"terminated_at,omitempty"`
	BilledThrough    time.Time  `bson:"billed_through"`
	Version          int64      `bson:"version"`
	CreatedAt        time.Time  `bson:"created_at"`
	UpdatedAt        time.Time  `bson:"updated_at"`
}

func toVMModel(v *vm.VM) *vmModel {
	return &vmModel{
		ID:               v.ID.String(),
		AccountID:        v.AccountID.String(),
		ProjectID:        v.ProjectID,
		Name:             v.Name,
		InstanceClass:    string(v.InstanceClass),
		Image:            v.Image,
		Status:           string(v.Status),
		Currency:         v.CostPerHour.Currency,
		CostPerHour:      v.CostPerHour.Amount,
		AccruedUptimeNS:  int64(v.AccruedUptime),
		TotalCost:        v.TotalCost.Amount,
		SessionStartedAt: v.SessionStartedAt,
		AccruedThrough:   v.AccruedThrough,
		LastError:        v.LastError,
		TerminatedAt:     v.TerminatedAt,
		BilledThrough:    v.BilledThrough(),
		Version:          v.Version,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
	}
}

func fromVMModel(m *vmModel) (*vm.VM, error) {
	vmID, err := id.ParseVMID(m.ID)
	if err != nil {
		return nil, err
	}
	acctID, err := id.ParseAccountID(m.AccountID)
	if err != nil {
		return nil, err
	}
	return &vm.VM{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:               vmID,
		AccountID:        acctID,
		ProjectID:        m.ProjectID,
		Name:             m.Name,
		InstanceClass:    cost.InstanceClass(m.InstanceClass),
		Image:            m.Image,
		Status:           vm.Status(m.Status),
		CostPerHour:      types.New(m.CostPerHour, m.Currency),
		AccruedUptime:    time.Duration(m.AccruedUptimeNS),
		TotalCost:        types.New(m.TotalCost, m.Currency),
		SessionStartedAt: utcPtr(m.SessionStartedAt),
		AccruedThrough:   utcPtr(m.AccruedThrough),
		LastError:        m.LastError,
		TerminatedAt:     utcPtr(m.TerminatedAt),
		Version:          m.Version,
	}, nil
}

// ==================== Entry models ====================

type entryModel struct {
	ID             string    `bson:"_id"`
	AccountID      string    `bson:"account_id"`
	VMID           string    `bson:"vm_id,omitempty"`
	Amount         int64     `bson:"amount"`
	BalanceAfter   int64     `bson:"balance_after"`
	Currency       string    `bson:"currency"`
	Reason         string    `bson:"reason"`
	Description    string    `bson:"description,omitempty"`
	IdempotencyKey string    `bson:"idempotency_key,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
}

func toEntryModel(e *entry.Entry) *entryModel {
	return &entryModel{
		ID:             e.ID.String(),
		AccountID:      e.AccountID.String(),
		VMID:           e.VMID.String(),
		Amount:         e.Amount.Amount,
		BalanceAfter:   e.BalanceAfter.Amount,
		Currency:       e.Amount.Currency,
		Reason:         string(e.Reason),
		Description:    e.Description,
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      e.CreatedAt,
	}
}

func fromEntryModel(m *entryModel) (*entry.Entry, error) {
	entryID, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, err
	}
	acctID, err := id.ParseAccountID(m.AccountID)
	if err != nil {
		return nil, err
	}
	vmID, err := id.FromString(m.VMID)
	if err != nil {
		return nil, err
	}
	return &entry.Entry{
		ID:             entryID,
		AccountID:      acctID,
		VMID:           vmID,
		Amount:         types.New(m.Amount, m.Currency),
		Reason:         entry.Reason(m.Reason),
		Description:    m.Description,
		BalanceAfter:   types.New(m.BalanceAfter, m.Currency),
		IdempotencyKey: m.IdempotencyKey,
		CreatedAt:      m.CreatedAt.UTC(),
	}, nil
}

// ==================== Audit models ====================

type auditModel struct {
	ID         string            `bson:"_id"`
	AccountID  string            `bson:"account_id"`
	EntityType string            `bson:"entity_type"`
	EntityID   string            `bson:"entity_id"`
	Action     string            `bson:"action"`
	FromState  string            `bson:"from_state,omitempty"`
	ToState    string            `bson:"to_state,omitempty"`
	Cause      string            `bson:"cause"`
	Outcome    string            `bson:"outcome"`
	Reason     string            `bson:"reason,omitempty"`
	Amount     int64             `bson:"amount"`
	Currency   string            `bson:"currency,omitempty"`
	EntryID    string            `bson:"entry_id,omitempty"`
	Metadata   map[string]string `bson:"metadata,omitempty"`
	CreatedAt  time.Time         `bson:"created_at"`
}

func toAuditModel(r *audit.Record) *auditModel {
	return &auditModel{
		ID:         r.ID.String(),
		AccountID:  r.AccountID.String(),
		EntityType: string(r.EntityType),
		EntityID:   r.EntityID,
		Action:     r.Action,
		FromState:  r.FromState,
		ToState:    r.ToState,
		Cause:      r.Cause,
		Outcome:    string(r.Outcome),
		Reason:     r.Reason,
		Amount:     r.Amount.Amount,
		Currency:   r.Amount.Currency,
		EntryID:    r.EntryID.String(),
		Metadata:   r.Metadata,
		CreatedAt:  r.CreatedAt,
	}
}

func fromAuditModel(m *auditModel) (*audit.Record, error) {
	auditID, err := id.ParseAuditID(m.ID)
	if err != nil {
		return nil, err
	}
	acctID, err := id.FromString(m.AccountID)
	if err != nil {
		return nil, err
	}
	entryID, err := id.FromString(m.EntryID)
	if err != nil {
		return nil, err
	}
	return &audit.Record{
		ID:         auditID,
		AccountID:  acctID,
		EntityType: audit.EntityType(m.EntityType),
		EntityID:   m.EntityID,
		Action:     m.Action,
		FromState:  m.FromState,
		ToState:    m.ToState,
		Cause:      m.Cause,
		Outcome:    audit.Outcome(m.Outcome),
		Reason:     m.Reason,
		Amount:     types.New(m.Amount, m.Currency),
		EntryID:    entryID,
		Metadata:   m.Metadata,
		CreatedAt:  m.CreatedAt.UTC(),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
