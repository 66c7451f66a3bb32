package entry

import (
	"testing"
	"time"

	"github.com/xraph/vmledger/id"
)

func TestQueryMatches(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	vmID := id.NewVMID()
	e := &Entry{Reason: ReasonVMUsage, VMID: vmID, CreatedAt: at}

	tests := []struct {
		name string
		q    Query
		want bool
	}{
		{"empty", Query{}, true},
		{"reason match", Query{Reason: ReasonVMUsage}, true},
		{"reason mismatch", Query{Reason: ReasonCreditAdd}, false},
		{"vm match", Query{VMID: vmID}, true},
		{"vm mismatch", Query{VMID: id.NewVMID()}, false},
		{"start inclusive", Query{Start: at}, true},
		{"after start", Query{Start: at.Add(time.Second)}, false},
		{"end exclusive", Query{End: at}, false},
		{"before end", Query{End: at.Add(time.Second)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Matches(e); got != tt.want {
				t.Errorf("Matches: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewPage(t *testing.T) {
	tests := []struct {
		name    string
		total   int64
		page    int
		limit   int
		pages   int
		hasNext bool
		hasPrev bool
	}{
		{"empty", 0, 1, 20, 0, false, false},
		{"single page", 5, 1, 20, 1, false, false},
		{"first of three", 45, 1, 20, 3, true, false},
		{"middle", 45, 2, 20, 3, true, true},
		{"last", 45, 3, 20, 3, false, true},
		{"exact multiple", 40, 2, 20, 2, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPage(nil, tt.total, tt.page, tt.limit)
			if p.Pages != tt.pages {
				t.Errorf("Pages: got %d, want %d", p.Pages, tt.pages)
			}
			if p.HasNext != tt.hasNext {
				t.Errorf("HasNext: got %v, want %v", p.HasNext, tt.hasNext)
			}
			if p.HasPrev != tt.hasPrev {
				t.Errorf("HasPrev: got %v, want %v", p.HasPrev, tt.hasPrev)
			}
			if p.Entries == nil {
				t.Error("Entries should be non-nil")
			}
		})
	}
}

func TestReasonIsCharge(t *testing.T) {
	charges := map[Reason]bool{
		ReasonVMCreate:         true,
		ReasonVMUsage:          true,
		ReasonCreditAdd:        false,
		ReasonManualAdjustment: false,
	}
	for r, want := range charges {
		if got := r.IsCharge(); got != want {
			t.Errorf("%s.IsCharge(): got %v, want %v", r, got, want)
		}
		if !r.Valid() {
			t.Errorf("%s.Valid(): got false", r)
		}
	}
	if Reason("refund").Valid() {
		t.Error("unknown reason reported valid")
	}
}
