package entry

import (
	"context"

	"github.com/xraph/vmledger/id"
)

// Store reads ledger entries. Entries are only ever written as part of a
// committed unit of work.
type Store interface {
	// ListEntries returns matching entries newest first, plus the number of
	// matches before Limit/Offset were applied.
	ListEntries(ctx context.Context, accountID id.AccountID, q Query) ([]*Entry, int64, error)
	GetEntryByIdempotencyKey(ctx context.Context, accountID id.AccountID, key string) (*Entry, error)
}
