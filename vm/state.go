package vm

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/vmledger/id"
)

// ErrInvalidTransition is the sentinel matched by every TransitionError.
var ErrInvalidTransition = errors.New("vmledger: invalid transition")

// TransitionError reports a transition the state machine does not allow.
// From is the VM's current status so a client can resync.
type TransitionError struct {
	VMID id.VMID
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("vmledger: invalid transition for vm %s: %s -> %s", e.VMID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// transitions is the complete table of legal moves. Terminated has no
// entry, which makes it absorbing.
var transitions = map[Status]map[Status]bool{
	StatusCreating: {StatusRunning: true, StatusError: true},
	StatusRunning:  {StatusStopped: true, StatusRunning: true, StatusTerminated: true},
	StatusStopped:  {StatusRunning: true, StatusTerminated: true},
	StatusError:    {StatusTerminated: true},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Transition moves the VM to status to at now.
//
// Leaving Running closes the session: the unbilled part of it is added to
// AccruedUptime and returned so the caller can price it. Entering Running
// opens a new session. Running -> Running does both. On error the VM is
// left untouched.
func (v *VM) Transition(to Status, now time.Time) (time.Duration, error) {
	if !CanTransition(v.Status, to) {
		return 0, &TransitionError{VMID: v.ID, From: v.Status, To: to}
	}

	now = now.UTC()
	var elapsed time.Duration
	if v.Status == StatusRunning {
		elapsed = v.Unbilled(now)
		v.AccruedUptime += elapsed
		v.SessionStartedAt = nil
		v.AccruedThrough = nil
	}

	switch to {
	case StatusRunning:
		v.SessionStartedAt = &now
	case StatusTerminated:
		v.TerminatedAt = &now
	}

	v.Status = to
	v.Touch(now)
	return elapsed, nil
}

// Unbilled returns the part of the running session not yet billed.
// It is zero unless the VM is Running.
func (v *VM) Unbilled(now time.Time) time.Duration {
	if v.Status != StatusRunning {
		return 0
	}
	from := v.SessionStartedAt
	if v.AccruedThrough != nil {
		from = v.AccruedThrough
	}
	if from == nil || now.Before(*from) {
		return 0
	}
	return now.Sub(*from)
}

// Session returns how much of the running session is already billed and
// how long it has run at now. Both are zero unless the VM is Running.
func (v *VM) Session(now time.Time) (billed, total time.Duration) {
	if v.Status != StatusRunning || v.SessionStartedAt == nil {
		return 0, 0
	}
	start := *v.SessionStartedAt
	if v.AccruedThrough != nil && v.AccruedThrough.After(start) {
		billed = v.AccruedThrough.Sub(start)
	}
	if now.After(start) {
		total = now.Sub(start)
	}
	if total < billed {
		total = billed
	}
	return billed, total
}

// BilledThrough is the point up to which the VM has been billed: the last
// accrual, else the session start, else its creation. ListVMsByStatus
// returns the least recently billed VMs first.
func (v *VM) BilledThrough() time.Time {
	switch {
	case v.AccruedThrough != nil:
		return *v.AccruedThrough
	case v.SessionStartedAt != nil:
		return *v.SessionStartedAt
	}
	return v.CreatedAt
}

// Accrue marks the running session billed up to now without leaving
// Running, and returns the newly billed duration.
func (v *VM) Accrue(now time.Time) (time.Duration, error) {
	if v.Status != StatusRunning {
		return 0, &TransitionError{VMID: v.ID, From: v.Status, To: StatusRunning}
	}
	now = now.UTC()
	elapsed := v.Unbilled(now)
	if elapsed == 0 {
		return 0, nil
	}
	v.AccruedUptime += elapsed
	v.AccruedThrough = &now
	v.Touch(now)
	return elapsed, nil
}
