package vmledger

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/cost"
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/types"
	"github.com/xraph/vmledger/vm"
)

// hoursPerMonth is the 30-day month used by every projection.
const hoursPerMonth = 24 * 30

// ──────────────────────────────────────────────────
// Lookups
// ──────────────────────────────────────────────────

// GetAccount retrieves an account by ID.
func (e *Engine) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	return e.store.GetAccount(ctx, accountID)
}

// GetAccountByOwner retrieves the account owned by ownerID.
func (e *Engine) GetAccountByOwner(ctx context.Context, ownerID string) (*account.Account, error) {
	return e.store.GetAccountByOwner(ctx, ownerID)
}

// GetVM retrieves a VM owned by accountID, including terminated ones.
func (e *Engine) GetVM(ctx context.Context, accountID id.AccountID, vmID id.VMID) (*vm.VM, error) {
	return e.loadVM(ctx, accountID, vmID)
}

// ListVMs lists an account's VMs, newest first. Terminated VMs are omitted
// unless opts asks for them.
func (e *Engine) ListVMs(ctx context.Context, accountID id.AccountID, opts vm.ListOpts) ([]*vm.VM, error) {
	return e.store.ListVMs(ctx, accountID, opts)
}

// ──────────────────────────────────────────────────
// Billing history
// ──────────────────────────────────────────────────

// HistoryQuery selects one page of an account's ledger.
type HistoryQuery struct {
	// Page is 1-based.
	Page int
	// Limit is the page size, 1 to entry.MaxLimit. Zero means entry.DefaultLimit.
	Limit  int
	Reason entry.Reason
	VMID   id.VMID
	Start  time.Time
	End    time.Time
}

// History returns one page of ledger entries, newest first.
func (e *Engine) History(ctx context.Context, accountID id.AccountID, q HistoryQuery) (*entry.Page, error) {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 1 {
		return nil, ValidationError{Field: "page", Message: "must be at least 1"}
	}
	if q.Limit == 0 {
		q.Limit = entry.DefaultLimit
	}
	if q.Limit < 1 || q.Limit > entry.MaxLimit {
		return nil, ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", entry.MaxLimit)}
	}
	if q.Reason != "" && !q.Reason.Valid() {
		return nil, ValidationError{Field: "reason", Message: fmt.Sprintf("unknown reason %q", q.Reason)}
	}

	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	entries, total, err := e.store.ListEntries(ctx, accountID, entry.Query{
		Reason: q.Reason,
		VMID:   q.VMID,
		Start:  q.Start,
		End:    q.End,
		Limit:  q.Limit,
		Offset: (q.Page - 1) * q.Limit,
	})
	if err != nil {
		return nil, err
	}
	return entry.NewPage(entries, total, q.Page, q.Limit), nil
}

// Audit lists an account's audit records, newest first. entityID narrows
// the list to one VM or the account itself.
func (e *Engine) Audit(ctx context.Context, accountID id.AccountID, entityID string, limit, offset int) ([]*audit.Record, error) {
	return e.store.ListAudit(ctx, audit.Query{
		AccountID: accountID,
		EntityID:  entityID,
		Limit:     limit,
		Offset:    offset,
	})
}

// ──────────────────────────────────────────────────
// Summaries
// ──────────────────────────────────────────────────

// CreditSummary is the derived, read-only view behind GET /billing/credits.
type CreditSummary struct {
	AccountID     id.AccountID `json:"account_id"`
	Balance       types.Money  `json:"balance"`
	Available     types.Money  `json:"available"`
	TotalSpent    types.Money  `json:"total_spent"`
	TotalCredited types.Money  `json:"total_credited"`
	OverLimit     bool         `json:"over_limit"`
	RunningVMs    int          `json:"running_vms"`

	MonthlySpending  types.Money `json:"monthly_spending"`
	WeeklySpending   types.Money `json:"weekly_spending"`
	DailySpending    types.Money `json:"daily_spending"`
	ProjectedMonthly types.Money `json:"projected_monthly"`

	LastTransaction *time.Time `json:"last_transaction,omitempty"`
	EntryCount      int64      `json:"entry_count"`
}

// CreditSummary computes balance, spending windows and a monthly projection
// from the last day's spend.
func (e *Engine) CreditSummary(ctx context.Context, accountID id.AccountID) (*CreditSummary, error) {
	a, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	running, err := e.runningVMs(ctx, accountID, id.Nil)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	recent, _, err := e.store.ListEntries(ctx, accountID, entry.Query{Start: now.AddDate(0, 0, -30)})
	if err != nil {
		return nil, err
	}
	latest, count, err := e.store.ListEntries(ctx, accountID, entry.Query{Limit: 1})
	if err != nil {
		return nil, err
	}

	s := &CreditSummary{
		AccountID:       a.ID,
		Balance:         a.Balance,
		Available:       e.available(a, running),
		TotalSpent:      a.TotalSpent,
		TotalCredited:   a.TotalCredited,
		OverLimit:       a.OverLimit,
		RunningVMs:      running,
		MonthlySpending: types.Zero(a.Currency),
		WeeklySpending:  types.Zero(a.Currency),
		DailySpending:   types.Zero(a.Currency),
		EntryCount:      count,
	}

	week, day := now.AddDate(0, 0, -7), now.AddDate(0, 0, -1)
	for _, en := range recent {
		if !en.Reason.IsCharge() {
			continue
		}
		spent := en.Amount.Negate()
		s.MonthlySpending = s.MonthlySpending.Add(spent)
		if !en.CreatedAt.Before(week) {
			s.WeeklySpending = s.WeeklySpending.Add(spent)
		}
		if !en.CreatedAt.Before(day) {
			s.DailySpending = s.DailySpending.Add(spent)
		}
	}
	s.ProjectedMonthly = s.DailySpending.Multiply(30)

	if len(latest) > 0 {
		t := latest[0].CreatedAt
		s.LastTransaction = &t
	}
	return s, nil
}

// UsageSummary projects what an account's running VMs cost over time.
type UsageSummary struct {
	AccountID        id.AccountID `json:"account_id"`
	ActiveVMs        int          `json:"active_vms"`
	RunningVMs       int          `json:"running_vms"`
	TotalVMs         int          `json:"total_vms"`
	HourlyCost       types.Money  `json:"hourly_cost"`
	ProjectedDaily   types.Money  `json:"projected_daily"`
	ProjectedMonthly types.Money  `json:"projected_monthly"`
}

// UsageSummary sums the hourly rates of running VMs and projects them over
// a day and a 30-day month.
func (e *Engine) UsageSummary(ctx context.Context, accountID id.AccountID) (*UsageSummary, error) {
	a, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	vms, err := e.store.ListVMs(ctx, accountID, vm.ListOpts{IncludeTerminated: true})
	if err != nil {
		return nil, err
	}

	s := &UsageSummary{
		AccountID:  accountID,
		TotalVMs:   len(vms),
		HourlyCost: types.Zero(a.Currency),
	}
	for _, v := range vms {
		if v.IsActive() {
			s.ActiveVMs++
		}
		if v.Status == vm.StatusRunning {
			s.RunningVMs++
			s.HourlyCost = s.HourlyCost.Add(v.CostPerHour)
		}
	}
	s.ProjectedDaily = s.HourlyCost.Multiply(24)
	s.ProjectedMonthly = s.HourlyCost.Multiply(hoursPerMonth)
	return s, nil
}

// VMCost is one VM's spend to date.
type VMCost struct {
	VMID          id.VMID            `json:"vm_id"`
	Name          string             `json:"name"`
	InstanceClass cost.InstanceClass `json:"instance_class"`
	Status        vm.Status          `json:"status"`
	CostPerHour   types.Money        `json:"cost_per_hour"`
	// Billed is what the ledger has charged so far.
	Billed types.Money `json:"billed"`
	// Unbilled is the running session not yet charged.
	Unbilled types.Money   `json:"unbilled"`
	Total    types.Money   `json:"total"`
	Uptime   time.Duration `json:"uptime"`
}

// VMCosts lists every VM of the account, terminated ones included, with
// billed and in-flight cost.
func (e *Engine) VMCosts(ctx context.Context, accountID id.AccountID) ([]VMCost, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	vms, err := e.store.ListVMs(ctx, accountID, vm.ListOpts{IncludeTerminated: true})
	if err != nil {
		return nil, err
	}

	now := e.clock()
	out := make([]VMCost, 0, len(vms))
	for _, v := range vms {
		unbilledFor := v.Unbilled(now)
		unbilled := sessionCharge(v, now)
		out = append(out, VMCost{
			VMID:          v.ID,
			Name:          v.Name,
			InstanceClass: v.InstanceClass,
			Status:        v.Status,
			CostPerHour:   v.CostPerHour,
			Billed:        v.TotalCost,
			Unbilled:      unbilled,
			Total:         v.TotalCost.Add(unbilled),
			Uptime:        v.AccruedUptime + unbilledFor,
		})
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Reconciliation
// ──────────────────────────────────────────────────

// Reconciliation compares an account's materialized totals with the
// totals rebuilt from its ledger entries.
type Reconciliation struct {
	AccountID id.AccountID `json:"account_id"`

	Balance        types.Money `json:"balance"`
	LedgerBalance  types.Money `json:"ledger_balance"`
	TotalSpent     types.Money `json:"total_spent"`
	LedgerSpent    types.Money `json:"ledger_spent"`
	TotalCredited  types.Money `json:"total_credited"`
	LedgerCredited types.Money `json:"ledger_credited"`
	// VMTotalCost sums TotalCost over every VM and must equal the spend.
	VMTotalCost types.Money `json:"vm_total_cost"`

	EntryCount    int      `json:"entry_count"`
	Consistent    bool     `json:"consistent"`
	Discrepancies []string `json:"discrepancies,omitempty"`
}

// Reconcile rebuilds an account's totals from its ledger under the account
// lock, so no operation commits halfway through the comparison.
func (e *Engine) Reconcile(ctx context.Context, accountID id.AccountID) (*Reconciliation, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.OperationTimeout)
	defer cancel()

	release, err := e.locker.Acquire(ctx, accountLock(accountID))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConcurrencyConflict, accountLock(accountID), err)
	}
	defer release()

	a, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entries, _, err := e.store.ListEntries(ctx, accountID, entry.Query{})
	if err != nil {
		return nil, err
	}
	vms, err := e.store.ListVMs(ctx, accountID, vm.ListOpts{IncludeTerminated: true})
	if err != nil {
		return nil, err
	}

	r := &Reconciliation{
		AccountID:      a.ID,
		Balance:        a.Balance,
		LedgerBalance:  types.Zero(a.Currency),
		TotalSpent:     a.TotalSpent,
		LedgerSpent:    types.Zero(a.Currency),
		TotalCredited:  a.TotalCredited,
		LedgerCredited: types.Zero(a.Currency),
		VMTotalCost:    types.Zero(a.Currency),
		EntryCount:     len(entries),
	}
	for _, en := range entries {
		r.LedgerBalance = r.LedgerBalance.Add(en.Amount)
		switch {
		case en.Reason.IsCharge():
			r.LedgerSpent = r.LedgerSpent.Add(en.Amount.Negate())
		case en.Reason == entry.ReasonCreditAdd:
			r.LedgerCredited = r.LedgerCredited.Add(en.Amount)
		}
	}
	for _, v := range vms {
		r.VMTotalCost = r.VMTotalCost.Add(v.TotalCost)
	}

	check := func(what string, materialized, derived types.Money) {
		if !materialized.Equal(derived) {
			r.Discrepancies = append(r.Discrepancies,
				fmt.Sprintf("%s: materialized %s, ledger %s", what, materialized, derived))
		}
	}
	check("balance", r.Balance, r.LedgerBalance)
	check("total_spent", r.TotalSpent, r.LedgerSpent)
	check("total_credited", r.TotalCredited, r.LedgerCredited)
	check("vm_total_cost", r.VMTotalCost, r.LedgerSpent)
	r.Consistent = len(r.Discrepancies) == 0

	if !r.Consistent {
		e.logger.Error("ledger reconciliation mismatch",
			"account_id", accountID.String(),
			"discrepancies", r.Discrepancies,
		)
	}
	return r, nil
}
