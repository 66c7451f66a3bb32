// Package account models prepaid credit accounts.
package account

import (
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/types"
)

// Account holds a materialized balance kept in lockstep with its ledger
// entries. It is mutated only by posting entries.
type Account struct {
	types.Entity
	ID            id.AccountID `json:"id"`
	OwnerID       string       `json:"owner_id"`
	Currency      string       `json:"currency"`
	Balance       types.Money  `json:"balance"`
	TotalSpent    types.Money  `json:"total_spent"`
	TotalCredited types.Money  `json:"total_credited"`

	// OverLimit is set when a usage charge drove the balance negative and
	// blocks creating or starting VMs until credits restore a positive balance.
	OverLimit bool `json:"over_limit"`

	// Version increases by one on every committed change.
	Version int64 `json:"version"`
}

// Post applies e to the account and stamps e.BalanceAfter.
func (a *Account) Post(e *entry.Entry) {
	a.Balance = a.Balance.Add(e.Amount)
	switch {
	case e.Reason.IsCharge():
		a.TotalSpent = a.TotalSpent.Add(e.Amount.Negate())
	case e.Reason == entry.ReasonCreditAdd:
		a.TotalCredited = a.TotalCredited.Add(e.Amount)
	}

	switch {
	case a.Balance.IsNegative():
		a.OverLimit = true
	case e.Amount.IsPositive() && a.Balance.IsPositive():
		a.OverLimit = false
	}

	e.BalanceAfter = a.Balance
}

// Clone returns a copy safe to mutate.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}
