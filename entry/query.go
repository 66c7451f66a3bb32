package entry

import (
	"time"

	"github.com/xraph/vmledger/id"
)

// Page size bounds for history queries.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Query filters an account's entries. Zero fields do not filter. Start is
// inclusive and End exclusive. A zero Limit returns every matching entry.
type Query struct {
	Reason Reason
	VMID   id.VMID
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}

// Matches reports whether e passes the filter.
func (q Query) Matches(e *Entry) bool {
	if q.Reason != "" && e.Reason != q.Reason {
		return false
	}
	if !q.VMID.IsNil() && e.VMID.String() != q.VMID.String() {
		return false
	}
	if !q.Start.IsZero() && e.CreatedAt.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !e.CreatedAt.Before(q.End) {
		return false
	}
	return true
}

// Page is one page of history with navigation metadata.
type Page struct {
	Entries []*Entry `json:"entries"`
	Total   int64    `json:"total"`
	Page    int      `json:"page"`
	Limit   int      `json:"limit"`
	Pages   int      `json:"pages"`
	HasNext bool     `json:"has_next"`
	HasPrev bool     `json:"has_prev"`
}

// NewPage wraps one page of entries. page is 1-based.
func NewPage(entries []*Entry, total int64, page, limit int) *Page {
	pages := 0
	if limit > 0 {
		pages = int((total + int64(limit) - 1) / int64(limit))
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return &Page{
		Entries: entries,
		Total:   total,
		Page:    page,
		Limit:   limit,
		Pages:   pages,
		HasNext: page < pages,
		HasPrev: page > 1,
	}
}
