// Package vm models virtual machines and the state machine that governs
// their status.
package vm

import (
	"time"

	"github.com/xraph/vmledger/cost"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/types"
)

// Status is the lifecycle status of a VM.
type Status string

const (
	StatusCreating   Status = "creating"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusTerminated Status = "terminated"
	StatusError      Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreating, StatusRunning, StatusStopped, StatusTerminated, StatusError:
		return true
	}
	return false
}

// VM is a virtual machine owned by exactly one account. VMs are never
// physically deleted; Terminated is their final status.
type VM struct {
	types.Entity
	ID            id.VMID            `json:"id"`
	AccountID     id.AccountID       `json:"account_id"`
	ProjectID     string             `json:"project_id"`
	Name          string             `json:"name"`
	InstanceClass cost.InstanceClass `json:"instance_class"`
	Image         string             `json:"image"`
	Status        Status             `json:"status"`

	// CostPerHour is fixed from the catalog at creation.
	CostPerHour   types.Money   `json:"cost_per_hour"`
	AccruedUptime time.Duration `json:"accrued_uptime"`
	TotalCost     types.Money   `json:"total_cost"`

	// SessionStartedAt is set while Running and nil otherwise.
	SessionStartedAt *time.Time `json:"session_started_at,omitempty"`
	// AccruedThrough is how far into the current session has already been
	// billed by a periodic sweep. Nil means nothing in this session is billed.
	AccruedThrough *time.Time `json:"accrued_through,omitempty"`

	LastError    string     `json:"last_error,omitempty"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`

	// Version increases by one on every committed change.
	Version int64 `json:"version"`
}

// IsActive reports whether the VM appears in active listings.
func (v *VM) IsActive() bool { return v.Status != StatusTerminated }

// Clone returns a deep copy so callers can mutate a VM without aliasing
// a stored value.
func (v *VM) Clone() *VM {
	c := *v
	c.SessionStartedAt = cloneTime(v.SessionStartedAt)
	c.AccruedThrough = cloneTime(v.AccruedThrough)
	c.TerminatedAt = cloneTime(v.TerminatedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
