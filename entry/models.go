// Package entry models the append-only ledger of signed monetary movements.
package entry

import (
	"time"

	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/types"
)

// Reason classifies a ledger entry.
type Reason string

const (
	ReasonVMCreate         Reason = "vm_create"
	ReasonVMUsage          Reason = "vm_usage"
	ReasonCreditAdd        Reason = "credit_add"
	ReasonManualAdjustment Reason = "manual_adjustment"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonVMCreate, ReasonVMUsage, ReasonCreditAdd, ReasonManualAdjustment:
		return true
	}
	return false
}

// IsCharge reports whether entries with this reason count toward an
// account's total spend.
func (r Reason) IsCharge() bool {
	return r == ReasonVMCreate || r == ReasonVMUsage
}

// Entry is an immutable ledger posting. Amount is negative for debits.
type Entry struct {
	ID           id.EntryID   `json:"id"`
	AccountID    id.AccountID `json:"account_id"`
	VMID         id.VMID      `json:"vm_id,omitempty"`
	Amount       types.Money  `json:"amount"`
	Reason       Reason       `json:"reason"`
	Description  string       `json:"description,omitempty"`
	BalanceAfter types.Money  `json:"balance_after"`
	// IdempotencyKey is unique per account when set.
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Newer orders entries newest first, breaking timestamp ties by ID.
func Newer(a, b *Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() > b.ID.String()
}
