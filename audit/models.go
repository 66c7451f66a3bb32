// Package audit models the append-only trail of VM transitions and ledger
// postings. The trail is never authoritative for balance or status.
package audit

import (
	"time"

	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/types"
)

// EntityType names what a record is about.
type EntityType string

const (
	EntityVM      EntityType = "vm"
	EntityAccount EntityType = "account"
)

// Outcome tells accepted operations from rejected ones.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Actions recorded by the engine.
const (
	ActionOpenAccount   = "open_account"
	ActionCreate        = "create"
	ActionStart         = "start"
	ActionStop          = "stop"
	ActionRestart       = "restart"
	ActionDelete        = "delete"
	ActionAccrue        = "accrue"
	ActionAddCredits    = "add_credits"
	ActionAdjustCredits = "adjust_credits"
)

// Record is one immutable audit entry.
type Record struct {
	ID         id.AuditID   `json:"id"`
	AccountID  id.AccountID `json:"account_id"`
	EntityType EntityType   `json:"entity_type"`
	EntityID   string       `json:"entity_id"`
	Action     string       `json:"action"`
	FromState  string       `json:"from_state,omitempty"`
	ToState    string       `json:"to_state,omitempty"`
	// Cause identifies who or what initiated the operation.
	Cause   string  `json:"cause"`
	Outcome Outcome `json:"outcome"`
	// Reason is the rejection reason for failed operations.
	Reason string `json:"reason,omitempty"`
	// Amount is the ledger movement made by the operation, if any.
	Amount    types.Money       `json:"amount"`
	EntryID   id.EntryID        `json:"entry_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Newer orders records newest first, breaking timestamp ties by ID.
func Newer(a, b *Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() > b.ID.String()
}
