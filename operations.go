package vmledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/cost"
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/store"
	"github.com/xraph/vmledger/types"
	"github.com/xraph/vmledger/vm"
)

// CreateVMInput describes a VM to create.
type CreateVMInput struct {
	ProjectID     string             `json:"project_id"`
	Name          string             `json:"name"`
	InstanceClass cost.InstanceClass `json:"instance_class"`
	// Image defaults to vm.DefaultImage.
	Image string `json:"image,omitempty"`
}

// CreditInput describes a credit posting.
type CreditInput struct {
	Amount      types.Money `json:"amount"`
	Description string      `json:"description,omitempty"`
	// IdempotencyKey makes a retried add a no-op. Unique per account.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ──────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────

// OpenAccount opens the account for ownerID with an opening balance. It is
// idempotent per owner: an existing account is returned unchanged. A
// positive opening balance is posted as a manual adjustment so the ledger
// alone reconstructs the balance.
func (e *Engine) OpenAccount(ctx context.Context, ownerID string, initial types.Money) (*account.Account, error) {
	ownerID = strings.TrimSpace(ownerID)
	if initial.Currency == "" {
		initial = types.New(initial.Amount, e.config.Currency)
	}

	op := &operation{
		action:   audit.ActionOpenAccount,
		lockKey:  "owner:" + ownerID,
		entity:   audit.EntityAccount,
		entityID: ownerID,
		to:       "active",
		existsOK: true,
	}

	var (
		result  *account.Account
		created bool
	)
	err := e.execute(ctx, op, func(ctx context.Context) (*store.Changeset, error) {
		created = false
		if ownerID == "" {
			return nil, ValidationError{Field: "owner_id", Message: "must not be empty"}
		}
		if initial.Currency != e.config.Currency {
			return nil, fmt.Errorf("%w: opening balance in %s, accounts use %s",
				ErrCurrencyMismatch, initial.Currency, e.config.Currency)
		}
		if initial.IsNegative() {
			return nil, fmt.Errorf("%w: opening balance must not be negative", ErrInvalidAmount)
		}

		existing, err := e.store.GetAccountByOwner(ctx, ownerID)
		if err == nil {
			result = existing
			rec := e.replayRecord(ctx, existing, audit.ActionOpenAccount, types.Zero(existing.Currency), nil)
			rec.Metadata["owner_id"] = ownerID
			return &store.Changeset{Records: []*audit.Record{rec}}, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}

		now := e.clock()
		a := &account.Account{
			Entity:        types.NewEntity(now),
			ID:            id.NewAccountID(),
			OwnerID:       ownerID,
			Currency:      e.config.Currency,
			Balance:       types.Zero(e.config.Currency),
			TotalSpent:    types.Zero(e.config.Currency),
			TotalCredited: types.Zero(e.config.Currency),
			Version:       1,
		}
		op.accountID = a.ID

		cs := &store.Changeset{Account: a, NewAccount: true}
		rec := &audit.Record{
			ID:         id.NewAuditID(),
			AccountID:  a.ID,
			EntityType: audit.EntityAccount,
			EntityID:   a.ID.String(),
			Action:     audit.ActionOpenAccount,
			ToState:    stateOf(a),
			Cause:      CauseFrom(ctx),
			Outcome:    audit.OutcomeSuccess,
			Amount:     initial,
			Metadata:   map[string]string{"owner_id": ownerID},
			CreatedAt:  now,
		}
		if initial.IsPositive() {
			en := &entry.Entry{
				ID:          id.NewEntryID(),
				AccountID:   a.ID,
				Amount:      initial,
				Reason:      entry.ReasonManualAdjustment,
				Description: "opening balance",
				CreatedAt:   now,
			}
			a.Post(en)
			rec.EntryID = en.ID
			cs.Entries = append(cs.Entries, en)
		}
		cs.Records = append(cs.Records, rec)

		result = a
		created = true
		return cs, nil
	})
	if errors.Is(err, ErrAlreadyExists) {
		// Another process opened it between our read and commit.
		return e.store.GetAccountByOwner(ctx, ownerID)
	}
	if err != nil {
		return nil, err
	}

	if created {
		e.plugins.EmitAccountOpened(context.WithoutCancel(ctx), result)
		e.logger.Info("account opened",
			"account_id", result.ID.String(),
			"owner_id", ownerID,
			"balance", result.Balance.String(),
		)
	}
	return result, nil
}

// AddCredits posts a positive credit_add entry. A repeated idempotency key
// returns the current account without posting again.
func (e *Engine) AddCredits(ctx context.Context, accountID id.AccountID, in CreditInput) (*account.Account, error) {
	op := &operation{
		action:    audit.ActionAddCredits,
		lockKey:   accountLock(accountID),
		accountID: accountID,
		entity:    audit.EntityAccount,
		entityID:  accountID.String(),
		existsOK:  true,
	}

	var (
		result *account.Account
		posted *entry.Entry
	)
	err := e.execute(ctx, op, func(ctx context.Context) (*store.Changeset, error) {
		posted = nil
		if !in.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: credit amount must be positive, got %s", ErrInvalidAmount, in.Amount)
		}

		a, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		op.from = stateOf(a)

		amount := in.Amount
		if amount.Currency == "" {
			amount = types.New(amount.Amount, a.Currency)
		}
		if amount.Currency != a.Currency {
			return nil, fmt.Errorf("%w: credit in %s, account uses %s", ErrCurrencyMismatch, amount.Currency, a.Currency)
		}

		if in.IdempotencyKey != "" {
			prior, err := e.store.GetEntryByIdempotencyKey(ctx, accountID, in.IdempotencyKey)
			if err == nil {
				result = a
				rec := e.replayRecord(ctx, a, audit.ActionAddCredits, prior.Amount, prior)
				rec.Metadata["idempotency_key"] = in.IdempotencyKey
				return &store.Changeset{Records: []*audit.Record{rec}}, nil
			}
			if !IsNotFound(err) {
				return nil, err
			}
		}

		now := e.clock()
		description := in.Description
		if description == "" {
			description = "credit added"
		}
		en := &entry.Entry{
			ID:             id.NewEntryID(),
			AccountID:      a.ID,
			Amount:         amount,
			Reason:         entry.ReasonCreditAdd,
			Description:    description,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      now,
		}
		a.Post(en)
		bump(a, now)

		result, posted = a, en
		return &store.Changeset{
			Account: a,
			Entries: []*entry.Entry{en},
			Records: []*audit.Record{e.accountRecord(ctx, a, audit.ActionAddCredits, op.from, en, now)},
		}, nil
	})
	if errors.Is(err, ErrAlreadyExists) {
		// The same idempotency key was committed concurrently.
		return e.store.GetAccount(ctx, accountID)
	}
	if err != nil {
		return nil, err
	}

	if posted != nil {
		e.plugins.EmitCreditsAdded(context.WithoutCancel(ctx), result, posted)
	}
	return result, nil
}

// AdjustCredits posts a signed manual_adjustment entry. A negative
// adjustment may not take the balance below zero.
func (e *Engine) AdjustCredits(ctx context.Context, accountID id.AccountID, amount types.Money, description string) (*account.Account, error) {
	op := &operation{
		action:    audit.ActionAdjustCredits,
		lockKey:   accountLock(accountID),
		accountID: accountID,
		entity:    audit.EntityAccount,
		entityID:  accountID.String(),
	}

	var result *account.Account
	err := e.execute(ctx, op, func(ctx context.Context) (*store.Changeset, error) {
		if amount.IsZero() {
			return nil, fmt.Errorf("%w: adjustment must not be zero", ErrInvalidAmount)
		}
		if strings.TrimSpace(description) == "" {
			return nil, ValidationError{Field: "description", Message: "adjustments need a description"}
		}

		a, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		op.from = stateOf(a)

		amt := amount
		if amt.Currency == "" {
			amt = types.New(amt.Amount, a.Currency)
		}
		if amt.Currency != a.Currency {
			return nil, fmt.Errorf("%w: adjustment in %s, account uses %s", ErrCurrencyMismatch, amt.Currency, a.Currency)
		}
		if after := a.Balance.Add(amt); after.IsNegative() {
			return nil, &CreditError{
				AccountID: a.ID,
				Balance:   a.Balance,
				Available: a.Balance,
				Required:  amt.Negate(),
				Reason:    "adjustment would make the balance negative",
			}
		}

		now := e.clock()
		en := &entry.Entry{
			ID:          id.NewEntryID(),
			AccountID:   a.ID,
			Amount:      amt,
			Reason:      entry.ReasonManualAdjustment,
			Description: description,
			CreatedAt:   now,
		}
		a.Post(en)
		bump(a, now)

		result = a
		return &store.Changeset{
			Account: a,
			Entries: []*entry.Entry{en},
			Records: []*audit.Record{e.accountRecord(ctx, a, audit.ActionAdjustCredits, op.from, en, now)},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) accountRecord(ctx context.Context, a *account.Account, action, from string, en *entry.Entry, now time.Time) *audit.Record {
	return &audit.Record{
		ID:         id.NewAuditID(),
		AccountID:  a.ID,
		EntityType: audit.EntityAccount,
		EntityID:   a.ID.String(),
		Action:     action,
		FromState:  from,
		ToState:    stateOf(a),
		Cause:      CauseFrom(ctx),
		Outcome:    audit.OutcomeSuccess,
		Amount:     en.Amount,
		EntryID:    en.ID,
		CreatedAt:  now,
	}
}

// replayRecord audits a repeated call whose effect is already committed.
// It leaves the account untouched and points at the original entry, if any.
func (e *Engine) replayRecord(ctx context.Context, a *account.Account, action string, amount types.Money, prior *entry.Entry) *audit.Record {
	state := stateOf(a)
	r := &audit.Record{
		ID:         id.NewAuditID(),
		AccountID:  a.ID,
		EntityType: audit.EntityAccount,
		EntityID:   a.ID.String(),
		Action:     action,
		FromState:  state,
		ToState:    state,
		Cause:      CauseFrom(ctx),
		Outcome:    audit.OutcomeSuccess,
		Amount:     amount,
		Metadata:   map[string]string{"idempotent_replay": "true"},
		CreatedAt:  e.clock(),
	}
	if prior != nil {
		r.EntryID = prior.ID
	}
	return r
}

// ──────────────────────────────────────────────────
// VM lifecycle
// ──────────────────────────────────────────────────

// CreateVM provisions a new VM for the account and starts its first
// session. The account must be able to hold the minimum reserve after the
// creation fee. If provisioning fails the VM is kept in the error state,
// nothing is charged, and ErrProvisionFailed is returned with the VM.
func (e *Engine) CreateVM(ctx context.Context, accountID id.AccountID, in CreateVMInput) (*vm.VM, error) {
	vmID := id.NewVMID()
	op := &operation{
		action:    audit.ActionCreate,
		lockKey:   accountLock(accountID),
		accountID: accountID,
		entity:    audit.EntityVM,
		entityID:  vmID.String(),
		from:      string(vm.StatusCreating),
		to:        string(vm.StatusRunning),
	}

	var (
		result *vm.VM
		fee    types.Money
		failed error
	)
	err := e.execute(ctx, op, func(ctx context.Context) (*store.Changeset, error) {
		failed = nil
		name := strings.TrimSpace(in.Name)
		if err := vm.ValidateName(name); err != nil {
			return nil, err
		}
		image := in.Image
		if image == "" {
			image = vm.DefaultImage
		}
		if err := vm.ValidateImage(image); err != nil {
			return nil, err
		}
		rate, err := e.catalog.Rate(in.InstanceClass)
		if err != nil {
			return nil, err
		}
		projectID := strings.TrimSpace(in.ProjectID)
		if projectID == "" {
			return nil, ValidationError{Field: "project_id", Message: "must not be empty"}
		}

		a, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}

		taken, err := e.store.ListVMs(ctx, accountID, vm.ListOpts{ProjectID: projectID, Name: name, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(taken) > 0 {
			return nil, fmt.Errorf("%w: %q in project %s", ErrVMNameTaken, name, projectID)
		}

		running, err := e.runningVMs(ctx, accountID, vmID)
		if err != nil {
			return nil, err
		}
		fee = types.New(e.config.CreationFee, a.Currency)
		if err := e.checkCredit(a, running, fee); err != nil {
			return nil, err
		}

		now := e.clock()
		v := &vm.VM{
			Entity:        types.NewEntity(now),
			ID:            vmID,
			AccountID:     accountID,
			ProjectID:     projectID,
			Name:          name,
			InstanceClass: in.InstanceClass,
			Image:         image,
			Status:        vm.StatusCreating,
			CostPerHour:   rate,
			TotalCost:     types.Zero(a.Currency),
			Version:       1,
		}

		if perr := e.provisioner.Provision(ctx, v); perr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if _, err := v.Transition(vm.StatusError, now); err != nil {
				return nil, err
			}
			v.LastError = perr.Error()
			bump(a, now)

			failed = perr
			result = v
			op.result = fmt.Errorf("%w: vm %s: %w", ErrProvisionFailed, v.ID, perr)
			return &store.Changeset{
				Account: a,
				VM:      v,
				NewVM:   true,
				Records: []*audit.Record{e.vmRecord(ctx, v, audit.ActionCreate, vm.StatusCreating, nil, now,
					func(r *audit.Record) {
						r.Outcome = audit.OutcomeFailure
						r.Reason = perr.Error()
					})},
			}, nil
		}

		if _, err := v.Transition(vm.StatusRunning, now); err != nil {
			return nil, err
		}
		en := &entry.Entry{
			ID:          id.NewEntryID(),
			AccountID:   accountID,
			VMID:        v.ID,
			Amount:      fee.Negate(),
			Reason:      entry.ReasonVMCreate,
			Description: fmt.Sprintf("create %s (%s)", v.Name, v.InstanceClass),
			CreatedAt:   now,
		}
		a.Post(en)
		v.TotalCost = v.TotalCost.Add(fee)
		bump(a, now)

		result = v
		return &store.Changeset{
			Account: a,
			VM:      v,
			NewVM:   true,
			Entries: []*entry.Entry{en},
			Records: []*audit.Record{e.vmRecord(ctx, v, audit.ActionCreate, vm.StatusCreating, en, now)},
		}, nil
	})
	if err != nil {
		if failed != nil && errors.Is(err, ErrProvisionFailed) {
			e.plugins.EmitVMProvisionFailed(context.WithoutCancel(ctx), result, failed)
			e.logger.Warn("vm provisioning failed",
				"account_id", accountID.String(),
				"vm_id", result.ID.String(),
				"error", failed,
			)
			return result, err
		}
		return nil, err
	}

	e.plugins.EmitVMCreated(context.WithoutCancel(ctx), result, fee)
	return result, nil
}

// StartVM starts a stopped VM. The account must not be over its limit and
// must be able to hold one more minimum reserve.
func (e *Engine) StartVM(ctx context.Context, accountID id.AccountID, vmID id.VMID) (*vm.VM, error) {
	op := e.vmOperation(audit.ActionStart, accountID, vmID, vm.StatusRunning)

	var result *vm.VM
	err := e.execute(ctx, op, func(ctx context.Context) (*store.Changeset, error) {
		a, v, err := e.loadPair(ctx, op, accountID, vmID)
		if err != nil {
			return nil, err
		}
		if v.Status != vm.StatusStopped {
			return nil, &vm.TransitionError{VMID: v.ID, From: v.Status, To: vm.StatusRunning}
		}

		running, err := e.runningVMs(ctx, accountID, v.ID)
		if err != nil {
			return nil, err
		}
		if err := e.checkCredit(a, running, types.Zero(a.Currency)); err != nil {
			return nil, err
		}

		if err := e.provisioner.Start(ctx, v); err != nil {
			return nil, e.executorError(ctx, v, "start", err)
		}

		now := e.clock()
		if _, err := v.Transition(vm.StatusRunning, now); err != nil {
			return nil, err
		}
		v.Version++
		bump(a, now)

		result = v
		return &store.Changeset{
			Account: a,
			VM:      v,
			Records: []*audit.Record{e.vmRecord(ctx, v, audit.ActionStart, vm.StatusStopped, nil, now)},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	e.plugins.EmitVMStarted(context.WithoutCancel(ctx), result)
	return result, nil
}

// StopVM stops a running VM and charges its session. Stopping is never
// refused for lack of credit: a charge that takes the balance negative
// marks the account over its limit instead.
func (e *Engine) StopVM(ctx context.Context, accountID id.AccountID, vmID id.VMID) (*vm.VM, error) {
	op := e.vmOperation(audit.ActionStop, accountID, vmID, vm.StatusStopped)

	var (
		result  *vm.VM
		acct    *account.Account
		charge  types.Money
		elapsed time.Duration
		tipped  bool
	)
	err := e.execute(ctx, op, func(ctx context.Context) (*store.Changeset, error) {
		a, v, err := e.loadPair(ctx, op, accountID, vmID)
		if err != nil {
			return nil, err
		}
		if v.Status != vm.StatusRunning {
			return nil, &vm.TransitionError{VMID: v.ID, From: v.Status, To: vm.StatusStopped}
		}

		if err := e.provisioner.Stop(ctx, v); err != nil {
			return nil, e.executorError(ctx, v, "stop", err)
		}

		now := e.clock()
		wasOver := a.OverLimit
		charge = sessionCharge(v, now)
		elapsed, err = v.Transition(vm.StatusStopped, now)
		if err != nil {
			return nil, err
		}
		en := e.usageEntry(v, charge, elapsed, now)
		a.Post(en)
		v.TotalCost = v.TotalCost.Add(charge)
		v.Version++
		bump(a, now)

		result, acct = v, a
		tipped = !wasOver && a.OverLimit
		return &store.Changeset{
			Account: a,
			VM:      v,
			Entries: []*entry.Entry{en},
			Records: []*audit.Record{e.vmRecord(ctx, v, audit.ActionStop, vm.StatusRunning, en, now, withElapsed(elapsed))},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	ectx := context.WithoutCancel(ctx)
	e.plugins.EmitVMStopped(ectx, result, charge, elapsed)
	if tipped {
		e.overLimit(ectx, acct)
	}
	return result, nil
}

// RestartVM stops and starts a running VM as one operation: the session is
// charged and a new one opened in a single commit with two audit records.
// The restart is refused up front if the account could not start the VM
// again after paying for the session.
func (e *Engine) RestartVM(ctx context.Context, accountID id.AccountID, vmID id.VMID) (*vm.VM, error) {
	op := e.vmOperation(audit.ActionRestart, accountID, vmID, vm.StatusRunning)

	var (
		result *vm.VM
		charge types.Money
	)
	err := e.execute(ctx, op, func(ctx context.Context) (*store.Changeset, error) {
		a, v, err := e.loadPair(ctx, op, accountID, vmID)
		if err != nil {
			return nil, err
		}
		if v.Status != vm.StatusRunning {
			return nil, &vm.TransitionError{VMID: v.ID, From: v.Status, To: vm.StatusRunning}
		}

		now := e.clock()
		elapsed := v.Unbilled(now)
		charge = sessionCharge(v, now)

		// Decide on the restart before touching the executor or the VM.
		running, err := e.runningVMs(ctx, accountID, v.ID)
		if err != nil {
			return nil, err
		}
		after := a.Clone()
		after.Post(&entry.Entry{Amount: charge.Negate(), Reason: entry.ReasonVMUsage})
		if err := e.checkCredit(after, running, types.Zero(a.Currency)); err != nil {
			return nil, err
		}

		if err := e.provisioner.Stop(ctx, v); err != nil {
			return nil, e.executorError(ctx, v, "stop", err)
		}
		if err := e.provisioner.Start(ctx, v); err != nil {
			return nil, e.executorError(ctx, v, "start", err)
		}

		if _, err := v.Transition(vm.StatusStopped, now); err != nil {
			return nil, err
		}
		en := e.usageEntry(v, charge, elapsed, now)
		a.Post(en)
		v.TotalCost = v.TotalCost.Add(charge)
		stopped := e.vmRecord(ctx, v, audit.ActionRestart, vm.StatusRunning, en, now, withElapsed(elapsed))

		if _, err := v.Transition(vm.StatusRunning, now); err != nil {
			return nil, err
		}
		started := e.vmRecord(ctx, v, audit.ActionRestart, vm.StatusStopped, nil, now)

		v.Version++
		bump(a, now)

		result = v
		return &store.Changeset{
			Account: a,
			VM:      v,
			Entries: []*entry.Entry{en},
			Records: []*audit.Record{stopped, started},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	e.plugins.EmitVMRestarted(context.WithoutCancel(ctx), result, charge)
	return result, nil
}

// DeleteVM terminates a VM. A running VM's final session is charged first.
// Terminated VMs stay retrievable by ID but leave active listings.
func (e *Engine) DeleteVM(ctx context.Context, accountID id.AccountID, vmID id.VMID) (*vm.VM, error) {
	op := e.vmOperation(audit.ActionDelete, accountID, vmID, vm.StatusTerminated)

	var (
		result *vm.VM
		acct   *account.Account
		charge types.Money
		tipped bool
	)
	err := e.execute(ctx, op, func(ctx context.Context) (*store.Changeset, error) {
		a, v, err := e.loadPair(ctx, op, accountID, vmID)
		if err != nil {
			return nil, err
		}
		from := v.Status
		if !vm.CanTransition(from, vm.StatusTerminated) {
			return nil, &vm.TransitionError{VMID: v.ID, From: from, To: vm.StatusTerminated}
		}

		if err := e.provisioner.Destroy(ctx, v); err != nil {
			return nil, e.executorError(ctx, v, "destroy", err)
		}

		now := e.clock()
		wasOver := a.OverLimit
		final := sessionCharge(v, now)
		elapsed, err := v.Transition(vm.StatusTerminated, now)
		if err != nil {
			return nil, err
		}

		cs := &store.Changeset{Account: a, VM: v}
		charge = types.Zero(a.Currency)
		var en *entry.Entry
		if from == vm.StatusRunning {
			charge = final
			en = e.usageEntry(v, charge, elapsed, now)
			a.Post(en)
			v.TotalCost = v.TotalCost.Add(charge)
			cs.Entries = append(cs.Entries, en)
		}
		v.Version++
		bump(a, now)
		cs.Records = append(cs.Records, e.vmRecord(ctx, v, audit.ActionDelete, from, en, now, withElapsed(elapsed)))

		result, acct = v, a
		tipped = !wasOver && a.OverLimit
		return cs, nil
	})
	if err != nil {
		return nil, err
	}

	ectx := context.WithoutCancel(ctx)
	e.plugins.EmitVMDeleted(ectx, result, charge)
	if tipped {
		e.overLimit(ectx, acct)
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (e *Engine) vmOperation(action string, accountID id.AccountID, vmID id.VMID, to vm.Status) *operation {
	return &operation{
		action:    action,
		lockKey:   accountLock(accountID),
		accountID: accountID,
		entity:    audit.EntityVM,
		entityID:  vmID.String(),
		to:        string(to),
	}
}

// loadPair reads the account and one of its VMs, noting the VM's status on
// op for a rejection record.
func (e *Engine) loadPair(ctx context.Context, op *operation, accountID id.AccountID, vmID id.VMID) (*account.Account, *vm.VM, error) {
	op.from = ""
	a, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	v, err := e.loadVM(ctx, accountID, vmID)
	if err != nil {
		return nil, nil, err
	}
	op.from = string(v.Status)
	return a, v, nil
}

// executorError reports a provisioner failure. The VM is left as it was.
func (e *Engine) executorError(ctx context.Context, v *vm.VM, call string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s vm %s: %w", ErrProvisionFailed, call, v.ID, err)
}

func (e *Engine) usageEntry(v *vm.VM, charge types.Money, elapsed time.Duration, now time.Time) *entry.Entry {
	return &entry.Entry{
		ID:          id.NewEntryID(),
		AccountID:   v.AccountID,
		VMID:        v.ID,
		Amount:      charge.Negate(),
		Reason:      entry.ReasonVMUsage,
		Description: fmt.Sprintf("%s usage, %s at %s/h", v.Name, elapsed.Round(time.Second), v.CostPerHour),
		CreatedAt:   now,
	}
}

func withElapsed(d time.Duration) func(*audit.Record) {
	return func(r *audit.Record) {
		if r.Metadata == nil {
			r.Metadata = map[string]string{}
		}
		r.Metadata["elapsed"] = d.String()
	}
}

// vmRecord builds the success record for a VM that has just moved from
// from to its current status.
func (e *Engine) vmRecord(ctx context.Context, v *vm.VM, action string, from vm.Status, en *entry.Entry, now time.Time, opts ...func(*audit.Record)) *audit.Record {
	r := &audit.Record{
		ID:         id.NewAuditID(),
		AccountID:  v.AccountID,
		EntityType: audit.EntityVM,
		EntityID:   v.ID.String(),
		Action:     action,
		FromState:  string(from),
		ToState:    string(v.Status),
		Cause:      CauseFrom(ctx),
		Outcome:    audit.OutcomeSuccess,
		Amount:     types.Zero(v.CostPerHour.Currency),
		CreatedAt:  now,
	}
	if en != nil {
		r.Amount = en.Amount
		r.EntryID = en.ID
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (e *Engine) overLimit(ctx context.Context, a *account.Account) {
	e.logger.Warn("account over limit",
		"account_id", a.ID.String(),
		"balance", a.Balance.String(),
	)
	e.plugins.EmitOverLimit(ctx, a)
}
