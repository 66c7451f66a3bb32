// Package vmledger tracks virtual machine lifecycles against a prepaid
// credit ledger.
//
// vmledger is designed as a library, not a service. Every lifecycle call
// (create, start, stop, restart, delete) is paired with its ledger effect
// and committed as one unit of work under a per-account lock, so a balance
// check and the debit it allows can never be split by a concurrent call.
// It provides:
//
//   - A VM state machine with session timestamps and accrued uptime
//   - An append-only ledger with a materialized, reconcilable balance
//   - A cost model with exact, half-up rounded accrual
//   - An audit trail of every accepted and rejected operation
//   - Pluggable stores (memory, PostgreSQL, SQLite, MongoDB, Badger)
//   - Pluggable executors through the vm.Provisioner interface
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/vmledger"
//	    "github.com/xraph/vmledger/store/memory"
//	)
//
//	engine := vmledger.New(memory.New())
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
//	acct, err := engine.OpenAccount(ctx, "user_123", vmledger.USD(1000))
//	v, err := engine.CreateVM(ctx, acct.ID, vmledger.CreateVMInput{
//	    ProjectID:     "proj_1",
//	    Name:          "web-1",
//	    InstanceClass: cost.ClassSmall,
//	})
//	v, err = engine.StopVM(ctx, acct.ID, v.ID)
//
// # Credit rules
//
// Each running VM holds back the configured minimum reserve. Creating or
// starting a VM requires a positive balance, an account that is not over
// its limit, and enough available credit for one more reserve. Stopping is
// never refused for lack of credit; a session charge that takes the balance
// negative marks the account over its limit until credits bring it back
// above zero.
//
// All monetary calculations use integer arithmetic in the smallest currency
// unit (cents for USD).
//
// # TypeID
//
// All records use TypeID for globally unique, type-safe identifiers:
//
//	acct_01h2xcejqtf2nbrexx3vqjhp41  // Account ID
//	vm_01h2xcejqtf2nbrexx3vqjhp41    // VM ID
//	lent_01h455vb4pex5vsknk084sn02q  // Ledger entry ID
//
// TypeIDs are K-sortable, making them ideal for database indexes and
// providing natural time-ordering of records.
package vmledger
