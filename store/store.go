// Package store defines the persistence contract shared by every backend.
package store

import (
	"context"

	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/vm"
)

// Store is the unified storage interface for all vmledger records.
// The read methods are declared explicitly rather than embedded so the
// full surface a backend must provide is visible in one place.
type Store interface {
	// Account methods
	GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error)
	GetAccountByOwner(ctx context.Context, ownerID string) (*account.Account, error)
	ListAccounts(ctx context.Context, opts account.ListOpts) ([]*account.Account, error)

	// VM methods
	GetVM(ctx context.Context, vmID id.VMID) (*vm.VM, error)
	ListVMs(ctx context.Context, accountID id.AccountID, opts vm.ListOpts) ([]*vm.VM, error)
	ListVMsByStatus(ctx context.Context, status vm.Status, limit int) ([]*vm.VM, error)

	// Ledger entry methods
	ListEntries(ctx context.Context, accountID id.AccountID, q entry.Query) ([]*entry.Entry, int64, error)
	GetEntryByIdempotencyKey(ctx context.Context, accountID id.AccountID, key string) (*entry.Entry, error)

	// Audit methods
	AppendAudit(ctx context.Context, r *audit.Record) error
	ListAudit(ctx context.Context, q audit.Query) ([]*audit.Record, error)

	// Commit applies a Changeset atomically: either every write in it is
	// durable or none is.
	Commit(ctx context.Context, cs *Changeset) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Changeset is one unit of work: the post-operation account and VM
// projections together with the entries and audit records that explain
// them.
//
// Account and VM carry their post-commit Version. A backend must apply an
// update only if the stored version is exactly one less, and otherwise fail
// with ErrConcurrencyConflict without writing anything. New records are
// inserted with the version they carry.
type Changeset struct {
	Account    *account.Account
	NewAccount bool

	VM    *vm.VM
	NewVM bool

	Entries []*entry.Entry
	Records []*audit.Record
}

// Paginate applies offset and limit to n items, returning the bounds of
// the selected slice. A non-positive limit selects everything after offset.
func Paginate(n, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
