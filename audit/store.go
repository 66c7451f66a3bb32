package audit

import (
	"context"

	"github.com/xraph/vmledger/id"
)

// Store appends and queries audit records.
type Store interface {
	// AppendAudit records outside a unit of work, used for rejections.
	AppendAudit(ctx context.Context, r *Record) error
	ListAudit(ctx context.Context, q Query) ([]*Record, error)
}

// Query filters ListAudit. Results are newest first.
type Query struct {
	AccountID id.AccountID
	EntityID  string
	Outcome   Outcome
	Limit     int
	Offset    int
}

// Matches reports whether r passes the filter.
func (q Query) Matches(r *Record) bool {
	if !q.AccountID.IsNil() && r.AccountID.String() != q.AccountID.String() {
		return false
	}
	if q.EntityID != "" && r.EntityID != q.EntityID {
		return false
	}
	if q.Outcome != "" && r.Outcome != q.Outcome {
		return false
	}
	return true
}
