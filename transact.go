package vmledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/store"
	"github.com/xraph/vmledger/types"
	"github.com/xraph/vmledger/vm"
)

// auditTimeout bounds writing a rejection record after the caller's
// context may already be gone.
const auditTimeout = 5 * time.Second

// operation describes one orchestrated call for locking and auditing.
type operation struct {
	action    string
	lockKey   string
	accountID id.AccountID

	entity   audit.EntityType
	entityID string
	from     string
	to       string

	// result is returned after a successful commit. It lets an operation
	// persist a failure, such as a VM that could not be provisioned.
	result error

	// existsOK suppresses the rejection record for ErrAlreadyExists, which
	// the caller resolves itself.
	existsOK bool
}

func accountLock(accountID id.AccountID) string { return "account:" + accountID.String() }

// unitOfWork reads current state, validates it and returns the changeset
// to commit. It runs with the account lock held and is rerun from scratch
// after a version conflict. A nil changeset commits nothing.
type unitOfWork func(ctx context.Context) (*store.Changeset, error)

// execute runs fn under the operation's lock and commits its changeset.
// Rejections are audited once the lock has been released; plugins are told
// about committed records the same way.
func (e *Engine) execute(ctx context.Context, op *operation, fn unitOfWork) error {
	cs, err := e.commit(ctx, op, fn)
	if err != nil {
		if !(op.existsOK && errors.Is(err, ErrAlreadyExists)) {
			e.reject(ctx, op, err)
		}
		return err
	}

	if cs != nil {
		ectx := context.WithoutCancel(ctx)
		for _, r := range cs.Records {
			e.plugins.EmitAuditRecorded(ectx, r)
		}
	}
	return op.result
}

func (e *Engine) commit(ctx context.Context, op *operation, fn unitOfWork) (*store.Changeset, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.OperationTimeout)
	defer cancel()

	release, err := e.locker.Acquire(ctx, op.lockKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConcurrencyConflict, op.lockKey, err)
	}
	defer release()

	for attempt := 0; ; attempt++ {
		op.result = nil

		cs, err := fn(ctx)
		if err != nil {
			return nil, e.classify(op, err)
		}
		if cs == nil {
			return nil, nil
		}

		// A request cancelled before commit applies nothing.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err = e.store.Commit(ctx, cs)
		if err == nil {
			return cs, nil
		}

		if errors.Is(err, ErrConcurrencyConflict) && attempt < e.config.MaxRetries {
			e.logger.Debug("commit conflict, retrying",
				"op", op.action,
				"account_id", op.accountID.String(),
				"attempt", attempt+1,
				"error", err,
			)
			if werr := wait(ctx, e.config.RetryBackoff*time.Duration(attempt+1)); werr != nil {
				return nil, werr
			}
			continue
		}

		if known(err) {
			return nil, err
		}

		e.logger.Error("commit failed",
			"op", op.action,
			"account_id", op.accountID.String(),
			"entity_id", op.entityID,
			"effect", describe(cs),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %s: %w", ErrPersistenceFailure, op.action, err)
	}
}

// classify passes business errors through and turns anything else raised
// while reading state into a persistence failure.
func (e *Engine) classify(op *operation, err error) error {
	if known(err) {
		return err
	}
	e.logger.Error("store read failed",
		"op", op.action,
		"account_id", op.accountID.String(),
		"entity_id", op.entityID,
		"error", err,
	)
	return fmt.Errorf("%w: %s: %w", ErrPersistenceFailure, op.action, err)
}

func known(err error) bool {
	return IsNotFound(err) ||
		IsValidation(err) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrVMNameTaken) ||
		errors.Is(err, ErrProvisionFailed) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrPersistenceFailure) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// reject records a refused operation. Persistence failures are not written
// to the store that just failed; they are logged by commit instead.
func (e *Engine) reject(ctx context.Context, op *operation, err error) {
	ectx := context.WithoutCancel(ctx)

	if errors.Is(err, ErrPersistenceFailure) || errors.Is(err, ErrConcurrencyConflict) {
		e.plugins.EmitCommitFailed(ectx, op.action, err)
	}

	if !errors.Is(err, ErrPersistenceFailure) {
		r := &audit.Record{
			ID:         id.NewAuditID(),
			AccountID:  op.accountID,
			EntityType: op.entity,
			EntityID:   op.entityID,
			Action:     op.action,
			FromState:  op.from,
			ToState:    op.to,
			Cause:      CauseFrom(ctx),
			Outcome:    audit.OutcomeFailure,
			Reason:     err.Error(),
			Amount:     types.Zero(e.config.Currency),
			CreatedAt:  e.clock(),
		}

		actx, cancel := context.WithTimeout(ectx, auditTimeout)
		aerr := e.store.AppendAudit(actx, r)
		cancel()
		if aerr != nil {
			e.logger.Error("failed to record rejected operation",
				"op", op.action,
				"account_id", op.accountID.String(),
				"entity_id", op.entityID,
				"rejection", err,
				"error", aerr,
			)
		} else {
			e.plugins.EmitAuditRecorded(ectx, r)
		}
	}

	e.plugins.EmitOperationRejected(ectx, op.action, op.accountID.String(), err)
}

// describe summarizes what a changeset would have done, for replaying a
// failed commit by hand.
func describe(cs *store.Changeset) string {
	var parts []string
	if v := cs.VM; v != nil {
		parts = append(parts, fmt.Sprintf("vm %s -> %s", v.ID, v.Status))
	}
	for _, en := range cs.Entries {
		parts = append(parts, fmt.Sprintf("%s %s on %s", en.Reason, en.Amount, en.AccountID))
	}
	if a := cs.Account; a != nil {
		parts = append(parts, fmt.Sprintf("balance -> %s", a.Balance))
	}
	return strings.Join(parts, "; ")
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ──────────────────────────────────────────────────
// Shared checks
// ──────────────────────────────────────────────────

// loadVM returns the VM if it belongs to accountID. A VM owned by another
// account is reported as not found.
func (e *Engine) loadVM(ctx context.Context, accountID id.AccountID, vmID id.VMID) (*vm.VM, error) {
	v, err := e.store.GetVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if v.AccountID.String() != accountID.String() {
		return nil, fmt.Errorf("%w: %s", ErrVMNotFound, vmID)
	}
	return v, nil
}

// runningVMs counts the account's running VMs other than exclude.
func (e *Engine) runningVMs(ctx context.Context, accountID id.AccountID, exclude id.VMID) (int, error) {
	vms, err := e.store.ListVMs(ctx, accountID, vm.ListOpts{Statuses: []vm.Status{vm.StatusRunning}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, v := range vms {
		if v.ID.String() != exclude.String() {
			n++
		}
	}
	return n, nil
}

// available returns the balance left once each of running VMs has held
// back the minimum reserve.
func (e *Engine) available(a *account.Account, running int) types.Money {
	reserve := types.New(e.config.MinimumReserve, a.Currency)
	return a.Balance.Subtract(reserve.Multiply(int64(running)))
}

// checkCredit decides whether an account may bring one more VM into Running
// after paying fee. running excludes the VM being brought up.
func (e *Engine) checkCredit(a *account.Account, running int, fee types.Money) error {
	reserve := types.New(e.config.MinimumReserve, a.Currency)
	available := e.available(a, running)

	var reason string
	switch {
	case a.OverLimit:
		reason = "account is over its credit limit"
	case !a.Balance.IsPositive():
		reason = "balance is not positive"
	case available.Subtract(fee).LessThan(reserve):
		reason = "available credit is below the minimum reserve"
	default:
		return nil
	}

	return &CreditError{
		AccountID: a.ID,
		Balance:   a.Balance,
		Available: available,
		Required:  fee.Add(reserve),
		Reason:    reason,
	}
}

// stateOf names an account's state for audit records.
func stateOf(a *account.Account) string {
	if a.OverLimit {
		return "over_limit"
	}
	return "active"
}

// bump advances an account to its next version at now.
func bump(a *account.Account, now time.Time) {
	a.Version++
	a.Touch(now)
}
