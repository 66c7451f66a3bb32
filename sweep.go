package vmledger

import (
	"context"
	"errors"
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

// AccrueRunning bills the unbilled part of every running session. Each VM
// is billed under its account's lock like any other operation. A session
// whose charge still rounds to zero is left for a later sweep. It returns
// how many VMs were charged.
func (e *Engine) AccrueRunning(ctx context.Context) (int, error) {
	ctx = WithCause(ctx, CauseAccrualSweep)

	vms, err := e.store.ListVMsByStatus(ctx, vm.StatusRunning, e.config.AccrualBatchSize)
	if err != nil {
		return 0, err
	}

	var (
		charged int
		errs    []error
	)
	for _, v := range vms {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := e.accrueVM(ctx, v.AccountID, v.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			charged++
		}
	}
	return charged, errors.Join(errs...)
}

func (e *Engine) accrueVM(ctx context.Context, accountID id.AccountID, vmID id.VMID) (bool, error) {
	op := e.vmOperation(audit.ActionAccrue, accountID, vmID, vm.StatusRunning)

	var (
		result  *vm.VM
		charge  types.Money
		elapsed time.Duration
		tipped  bool
		acct    *account.Account
	)
	err := e.execute(ctx, op, func(ctx context.Context) (*store.Changeset, error) {
		result = nil
		a, v, err := e.loadPair(ctx, op, accountID, vmID)
		if err != nil {
			return nil, err
		}
		// Stopped or deleted since the sweep listed it.
		if v.Status != vm.StatusRunning {
			return nil, nil
		}

		now := e.clock()
		charge = sessionCharge(v, now)
		if charge.IsZero() {
			return nil, nil
		}

		wasOver := a.OverLimit
		elapsed, err = v.Accrue(now)
		if err != nil {
			return nil, err
		}
		en := e.usageEntry(v, charge, elapsed, now)
		a.Post(en)
		v.TotalCost = v.TotalCost.Add(charge)
		v.Version++
		bump(a, now)

		result = v
		tipped = !wasOver && a.OverLimit
		acct = a
		return &store.Changeset{
			Account: a,
			VM:      v,
			Entries: []*entry.Entry{en},
			Records: []*audit.Record{e.vmRecord(ctx, v, audit.ActionAccrue, vm.StatusRunning, en, now, withElapsed(elapsed))},
		}, nil
	})
	if err != nil {
		return false, err
	}
	if result == nil {
		return false, nil
	}

	ectx := context.WithoutCancel(ctx)
	e.plugins.EmitUsageAccrued(ectx, result, charge, elapsed)
	if tipped {
		e.overLimit(ectx, acct)
	}
	return true, nil
}

// sessionCharge is what the running session of v still owes at now. The
// session is priced cumulatively so that sweeps never round a slice on its
// own.
func sessionCharge(v *vm.VM, now time.Time) types.Money {
	billed, total := v.Session(now)
	return cost.AccrueSession(v.CostPerHour, billed, total)
}

// accrualWorker runs AccrueRunning every AccrualInterval until Stop.
func (e *Engine) accrualWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.AccrualInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return

		case <-ticker.C:
			start := time.Now()
			n, err := e.AccrueRunning(context.Background())
			if err != nil {
				e.logger.Error("accrual sweep failed",
					"charged", n,
					"error", err,
				)
				continue
			}
			e.logger.Debug("accrual sweep finished",
				"charged", n,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
		}
	}
}
