package vm

import (
	"context"
	"slices"

	"github.com/xraph/vmledger/id"
)

// Store reads VMs. Writes go through the store's unit of work.
type Store interface {
	GetVM(ctx context.Context, vmID id.VMID) (*VM, error)
	ListVMs(ctx context.Context, accountID id.AccountID, opts ListOpts) ([]*VM, error)
	// ListVMsByStatus returns the least recently billed VMs first.
	ListVMsByStatus(ctx context.Context, status Status, limit int) ([]*VM, error)
}

// ListOpts filters ListVMs. Results are newest first.
type ListOpts struct {
	ProjectID string
	Name      string
	Statuses  []Status
	// IncludeTerminated adds Terminated VMs, which active listings omit.
	IncludeTerminated bool
	Limit             int
	Offset            int
}

// Matches reports whether v passes the filter. Backends without a query
// language use it directly.
func (o ListOpts) Matches(v *VM) bool {
	if !o.IncludeTerminated && v.Status == StatusTerminated && !slices.Contains(o.Statuses, StatusTerminated) {
		return false
	}
	if o.ProjectID != "" && v.ProjectID != o.ProjectID {
		return false
	}
	if o.Name != "" && v.Name != o.Name {
		return false
	}
	if len(o.Statuses) > 0 && !slices.Contains(o.Statuses, v.Status) {
		return false
	}
	return true
}
