package account

import (
	"context"

	"github.com/xraph/vmledger/id"
)

// Store reads accounts. Writes go through the store's unit of work.
type Store interface {
	GetAccount(ctx context.Context, accountID id.AccountID) (*Account, error)
	GetAccountByOwner(ctx context.Context, ownerID string) (*Account, error)
	ListAccounts(ctx context.Context, opts ListOpts) ([]*Account, error)
}

// ListOpts pages ListAccounts. Results are oldest first.
type ListOpts struct {
	Limit  int
	Offset int
}
