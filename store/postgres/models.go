package postgres

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

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// ==================== Account models ====================

const accountColumns = `id, owner_id, currency, balance, total_spent, total_credited, over_limit, version, created_at, updated_at`

func accountArgs(a *account.Account) []any {
	return []any{
		a.ID.String(), a.OwnerID, a.Currency,
		a.Balance.Amount, a.TotalSpent.Amount, a.TotalCredited.Amount,
		a.OverLimit, a.Version, a.CreatedAt, a.UpdatedAt,
	}
}

func scanAccount(row rowScanner) (*account.Account, error) {
	var (
		rawID, currency               string
		balance, spent, credited, ver int64
		a                             account.Account
	)
	if err := row.Scan(&rawID, &a.OwnerID, &currency, &balance, &spent, &credited,
		&a.OverLimit, &ver, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	acctID, err := id.ParseAccountID(rawID)
	if err != nil {
		return nil, err
	}
	a.ID = acctID
	a.Currency = currency
	a.Balance = types.New(balance, currency)
	a.TotalSpent = types.New(spent, currency)
	a.TotalCredited = types.New(credited, currency)
	a.Version = ver
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// ==================== VM models ====================

const vmColumns = `id, account_id, project_id, name, instance_class, image, status, currency, cost_per_hour,
accrued_uptime_ns, total_cost, session_started_at, accrued_through, last_error, terminated_at, version, created_at, updated_at`

func vmArgs(v *vm.VM) []any {
	return []any{
		v.ID.String(), v.AccountID.String(), v.ProjectID, v.Name, string(v.InstanceClass), v.Image,
		string(v.Status), v.CostPerHour.Currency, v.CostPerHour.Amount,
		int64(v.AccruedUptime), v.TotalCost.Amount, v.SessionStartedAt, v.AccruedThrough,
		v.LastError, v.TerminatedAt, v.Version, v.CreatedAt, v.UpdatedAt,
	}
}

func scanVM(row rowScanner) (*vm.VM, error) {
	var (
		rawID, rawAccount, class, status, currency string
		costPerHour, uptime, totalCost             int64
		v                                          vm.VM
	)
	if err := row.Scan(&rawID, &rawAccount, &v.ProjectID, &v.Name, &class, &v.Image,
		&status, &currency, &costPerHour, &uptime, &totalCost,
		&v.SessionStartedAt, &v.AccruedThrough, &v.LastError, &v.TerminatedAt,
		&v.Version, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	vmID, err := id.ParseVMID(rawID)
	if err != nil {
		return nil, err
	}
	acctID, err := id.ParseAccountID(rawAccount)
	if err != nil {
		return nil, err
	}
	v.ID = vmID
	v.AccountID = acctID
	v.InstanceClass = cost.InstanceClass(class)
	v.Status = vm.Status(status)
	v.CostPerHour = types.New(costPerHour, currency)
	v.TotalCost = types.New(totalCost, currency)
	v.AccruedUptime = time.Duration(uptime)
	v.SessionStartedAt = utcPtr(v.SessionStartedAt)
	v.AccruedThrough = utcPtr(v.AccruedThrough)
	v.TerminatedAt = utcPtr(v.TerminatedAt)
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	return &v, nil
}

// ==================== Entry models ====================

const entryColumns = `id, account_id, vm_id, amount, balance_after, currency, reason, description, idempotency_key, created_at`

func entryArgs(e *entry.Entry) []any {
	return []any{
		e.ID.String(), e.AccountID.String(), e.VMID.String(), e.Amount.Amount, e.BalanceAfter.Amount,
		e.Amount.Currency, string(e.Reason), e.Description, e.IdempotencyKey, e.CreatedAt,
	}
}

func scanEntry(row rowScanner) (*entry.Entry, error) {
	var (
		rawID, rawAccount, rawVM, currency, reason string
		amount, after                              int64
		e                                          entry.Entry
	)
	if err := row.Scan(&rawID, &rawAccount, &rawVM, &amount, &after, &currency, &reason,
		&e.Description, &e.IdempotencyKey, &e.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.ID, err = id.ParseEntryID(rawID); err != nil {
		return nil, err
	}
	if e.AccountID, err = id.ParseAccountID(rawAccount); err != nil {
		return nil, err
	}
	if e.VMID, err = id.FromString(rawVM); err != nil {
		return nil, err
	}
	e.Amount = types.New(amount, currency)
	e.BalanceAfter = types.New(after, currency)
	e.Reason = entry.Reason(reason)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// ==================== Audit models ====================

const auditColumns = `id, account_id, entity_type, entity_id, action, from_state, to_state, cause, outcome,
reason, amount, currency, entry_id, metadata, created_at`

func auditArgs(r *audit.Record) []any {
	meta := r.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return []any{
		r.ID.String(), r.AccountID.String(), string(r.EntityType), r.EntityID, r.Action,
		r.FromState, r.ToState, r.Cause, string(r.Outcome), r.Reason,
		r.Amount.Amount, r.Amount.Currency, r.EntryID.String(), meta, r.CreatedAt,
	}
}

func scanAudit(row rowScanner) (*audit.Record, error) {
	var (
		rawID, rawAccount, entityType, outcome, currency, rawEntry string
		amount                                                     int64
		r                                                          audit.Record
	)
	if err := row.Scan(&rawID, &rawAccount, &entityType, &r.EntityID, &r.Action,
		&r.FromState, &r.ToState, &r.Cause, &outcome, &r.Reason,
		&amount, &currency, &rawEntry, &r.Metadata, &r.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if r.ID, err = id.ParseAuditID(rawID); err != nil {
		return nil, err
	}
	if r.AccountID, err = id.FromString(rawAccount); err != nil {
		return nil, err
	}
	if r.EntryID, err = id.FromString(rawEntry); err != nil {
		return nil, err
	}
	r.EntityType = audit.EntityType(entityType)
	r.Outcome = audit.Outcome(outcome)
	r.Amount = types.New(amount, currency)
	if len(r.Metadata) == 0 {
		r.Metadata = nil
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
