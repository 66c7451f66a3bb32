// Package storetest is a conformance suite every store backend runs from
// its own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/vmledger"
	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/cost"
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/store"
	"github.com/xraph/vmledger/types"
	"github.com/xraph/vmledger/vm"
)

// Factory returns a fresh, migrated, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"AccountRoundTrip", testAccountRoundTrip},
		{"DuplicateAccount", testDuplicateAccount},
		{"StaleAccountVersion", testStaleAccountVersion},
		{"VMRoundTrip", testVMRoundTrip},
		{"StaleVMVersionWritesNothing", testStaleVMVersionWritesNothing},
		{"ListVMs", testListVMs},
		{"RunningLeastRecentlyBilledFirst", testRunningLeastRecentlyBilledFirst},
		{"ListEntries", testListEntries},
		{"IdempotencyKey", testIdempotencyKey},
		{"Audit", testAudit},
		{"ListAccounts", testListAccounts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// ──────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────

func openAccount(t *testing.T, s store.Store, owner string, balance int64) *account.Account {
	t.Helper()

	a := &account.Account{
		Entity:        types.NewEntity(base),
		ID:            id.NewAccountID(),
		OwnerID:       owner,
		Currency:      "usd",
		Balance:       types.USD(0),
		TotalSpent:    types.USD(0),
		TotalCredited: types.USD(0),
		Version:       1,
	}
	e := &entry.Entry{
		ID:        id.NewEntryID(),
		AccountID: a.ID,
		Amount:    types.USD(balance),
		Reason:    entry.ReasonManualAdjustment,
		CreatedAt: base,
	}
	a.Post(e)

	if err := s.Commit(context.Background(), &store.Changeset{
		Account: a, NewAccount: true, Entries: []*entry.Entry{e},
	}); err != nil {
		t.Fatalf("open account: %v", err)
	}
	return a
}

func newVM(a *account.Account, name string, at time.Time) *vm.VM {
	return &vm.VM{
		Entity:        types.NewEntity(at),
		ID:            id.NewVMID(),
		AccountID:     a.ID,
		ProjectID:     "proj-1",
		Name:          name,
		InstanceClass: cost.ClassSmall,
		Image:         vm.DefaultImage,
		Status:        vm.StatusCreating,
		CostPerHour:   types.USD(5),
		TotalCost:     types.USD(0),
		Version:       1,
	}
}

// bump returns a copy of a with the next version, as the engine does.
func bump(a *account.Account) *account.Account {
	c := a.Clone()
	c.Version++
	return c
}

// ──────────────────────────────────────────────────
// Cases
// ──────────────────────────────────────────────────

func testAccountRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := openAccount(t, s, "user-1", 250)

	got, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.ID.String() != a.ID.String() || got.OwnerID != "user-1" {
		t.Errorf("identity: got %s/%s, want %s/user-1", got.ID, got.OwnerID, a.ID)
	}
	if !got.Balance.Equal(types.USD(250)) {
		t.Errorf("Balance: got %v, want %v", got.Balance, types.USD(250))
	}
	if got.Version != 1 {
		t.Errorf("Version: got %d, want 1", got.Version)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt: got %v, want %v", got.CreatedAt, base)
	}

	byOwner, err := s.GetAccountByOwner(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetAccountByOwner: %v", err)
	}
	if byOwner.ID.String() != a.ID.String() {
		t.Errorf("GetAccountByOwner: got %s, want %s", byOwner.ID, a.ID)
	}

	if _, err := s.GetAccount(ctx, id.NewAccountID()); !vmledger.IsNotFound(err) {
		t.Errorf("missing account: got %v, want not found", err)
	}
	if _, err := s.GetAccountByOwner(ctx, "nobody"); !vmledger.IsNotFound(err) {
		t.Errorf("missing owner: got %v, want not found", err)
	}
}

func testDuplicateAccount(t *testing.T, s store.Store) {
	a := openAccount(t, s, "user-dup", 0)

	again := a.Clone()
	err := s.Commit(context.Background(), &store.Changeset{Account: again, NewAccount: true})
	if !errors.Is(err, vmledger.ErrAlreadyExists) {
		t.Errorf("duplicate id: got %v, want ErrAlreadyExists", err)
	}
}

func testStaleAccountVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := openAccount(t, s, "user-stale", 100)

	first := bump(a)
	e1 := &entry.Entry{ID: id.NewEntryID(), AccountID: a.ID, Amount: types.USD(10), Reason: entry.ReasonCreditAdd, CreatedAt: base}
	first.Post(e1)
	if err := s.Commit(ctx, &store.Changeset{Account: first, Entries: []*entry.Entry{e1}}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// Built from the same snapshot, so its version is stale.
	second := bump(a)
	e2 := &entry.Entry{ID: id.NewEntryID(), AccountID: a.ID, Amount: types.USD(20), Reason: entry.ReasonCreditAdd, CreatedAt: base}
	second.Post(e2)
	err := s.Commit(ctx, &store.Changeset{Account: second, Entries: []*entry.Entry{e2}})
	if !errors.Is(err, vmledger.ErrConcurrencyConflict) {
		t.Fatalf("stale commit: got %v, want ErrConcurrencyConflict", err)
	}

	got, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Balance.Equal(types.USD(110)) {
		t.Errorf("Balance: got %v, want %v", got.Balance, types.USD(110))
	}
	entries, total, err := s.ListEntries(ctx, a.ID, entry.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(entries) != 2 {
		t.Errorf("entries after rejected commit: got %d (total %d), want 2", len(entries), total)
	}
}

func testVMRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := openAccount(t, s, "user-vm", 100)
	v := newVM(a, "web-1", base)

	if err := s.Commit(ctx, &store.Changeset{Account: bump(a), VM: v, NewVM: true}); err != nil {
		t.Fatalf("create vm: %v", err)
	}

	started := v.Clone()
	if _, err := started.Transition(vm.StatusRunning, base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	started.Version++
	a2, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx, &store.Changeset{Account: bump(a2), VM: started}); err != nil {
		t.Fatalf("start vm: %v", err)
	}

	got, err := s.GetVM(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if got.Status != vm.StatusRunning {
		t.Errorf("Status: got %s, want running", got.Status)
	}
	if got.SessionStartedAt == nil || !got.SessionStartedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("SessionStartedAt: got %v, want %v", got.SessionStartedAt, base.Add(time.Minute))
	}
	if got.AccruedThrough != nil || got.TerminatedAt != nil {
		t.Error("optional timestamps should be nil")
	}
	if got.InstanceClass != cost.ClassSmall || !got.CostPerHour.Equal(types.USD(5)) {
		t.Errorf("pricing: got %s at %v", got.InstanceClass, got.CostPerHour)
	}
	if got.Version != 2 {
		t.Errorf("Version: got %d, want 2", got.Version)
	}

	if _, err := s.GetVM(ctx, id.NewVMID()); !vmledger.IsNotFound(err) {
		t.Errorf("missing vm: got %v, want not found", err)
	}
}

func testStaleVMVersionWritesNothing(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := openAccount(t, s, "user-atomic", 100)
	v := newVM(a, "db-1", base)
	a = bump(a)
	if err := s.Commit(ctx, &store.Changeset{Account: a, VM: v, NewVM: true}); err != nil {
		t.Fatal(err)
	}

	// Account version is current but the VM version is not.
	stale := v.Clone()
	stale.Version = 5
	charge := &entry.Entry{ID: id.NewEntryID(), AccountID: a.ID, VMID: v.ID, Amount: types.USD(-7), Reason: entry.ReasonVMUsage, CreatedAt: base}
	next := bump(a)
	next.Post(charge)
	rec := &audit.Record{ID: id.NewAuditID(), AccountID: a.ID, EntityType: audit.EntityVM, EntityID: v.ID.String(),
		Action: audit.ActionStop, Outcome: audit.OutcomeSuccess, Amount: charge.Amount, CreatedAt: base}

	err := s.Commit(ctx, &store.Changeset{Account: next, VM: stale, Entries: []*entry.Entry{charge}, Records: []*audit.Record{rec}})
	if !errors.Is(err, vmledger.ErrConcurrencyConflict) {
		t.Fatalf("got %v, want ErrConcurrencyConflict", err)
	}

	got, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != a.Version || !got.Balance.Equal(a.Balance) {
		t.Errorf("account changed by failed commit: version %d balance %v", got.Version, got.Balance)
	}
	_, total, err := s.ListEntries(ctx, a.ID, entry.Query{Reason: entry.ReasonVMUsage})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("usage entries after failed commit: got %d, want 0", total)
	}
	recs, err := s.ListAudit(ctx, audit.Query{EntityID: v.ID.String()})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("audit records after failed commit: got %d, want 0", len(recs))
	}
}

func testListVMs(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := openAccount(t, s, "user-list", 100)

	names := []string{"a", "b", "c"}
	vms := make([]*vm.VM, 0, len(names))
	for i, name := range names {
		v := newVM(a, name, base.Add(time.Duration(i)*time.Minute))
		a = bump(a)
		if err := s.Commit(ctx, &store.Changeset{Account: a, VM: v, NewVM: true}); err != nil {
			t.Fatal(err)
		}
		vms = append(vms, v)
	}

	// Run "a", terminate "b".
	run := vms[0].Clone()
	if _, err := run.Transition(vm.StatusRunning, base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	run.Version++
	a = bump(a)
	if err := s.Commit(ctx, &store.Changeset{Account: a, VM: run}); err != nil {
		t.Fatal(err)
	}
	gone := vms[1].Clone()
	if _, err := gone.Transition(vm.StatusError, base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := gone.Transition(vm.StatusTerminated, base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	gone.Version++
	a = bump(a)
	if err := s.Commit(ctx, &store.Changeset{Account: a, VM: gone}); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListVMs(ctx, a.ID, vm.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if got := vmNames(active); !equalStrings(got, []string{"c", "a"}) {
		t.Errorf("active: got %v, want [c a]", got)
	}

	all, err := s.ListVMs(ctx, a.ID, vm.ListOpts{IncludeTerminated: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := vmNames(all); !equalStrings(got, []string{"c", "b", "a"}) {
		t.Errorf("all: got %v, want [c b a]", got)
	}

	byName, err := s.ListVMs(ctx, a.ID, vm.ListOpts{ProjectID: "proj-1", Name: "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byName) != 1 {
		t.Errorf("by name: got %d, want 1", len(byName))
	}

	paged, err := s.ListVMs(ctx, a.ID, vm.ListOpts{IncludeTerminated: true, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := vmNames(paged); !equalStrings(got, []string{"b"}) {
		t.Errorf("paged: got %v, want [b]", got)
	}

	running, err := s.ListVMsByStatus(ctx, vm.StatusRunning, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := vmNames(running); !equalStrings(got, []string{"a"}) {
		t.Errorf("running: got %v, want [a]", got)
	}

	other, err := s.ListVMs(ctx, id.NewAccountID(), vm.ListOpts{IncludeTerminated: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("other account: got %d vms, want 0", len(other))
	}
}

func testRunningLeastRecentlyBilledFirst(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := openAccount(t, s, "user-billed", 100)

	// "a" is the oldest VM but started last; "b" started first but was
	// billed most recently.
	started := map[string]time.Duration{"a": 3 * time.Hour, "b": time.Hour, "c": 2 * time.Hour}
	for i, name := range []string{"a", "b", "c"} {
		v := newVM(a, name, base.Add(time.Duration(i)*time.Minute))
		a = bump(a)
		if err := s.Commit(ctx, &store.Changeset{Account: a, VM: v, NewVM: true}); err != nil {
			t.Fatal(err)
		}

		run := v.Clone()
		if _, err := run.Transition(vm.StatusRunning, base.Add(started[name])); err != nil {
			t.Fatal(err)
		}
		if name == "b" {
			if _, err := run.Accrue(base.Add(4 * time.Hour)); err != nil {
				t.Fatal(err)
			}
		}
		run.Version++
		a = bump(a)
		if err := s.Commit(ctx, &store.Changeset{Account: a, VM: run}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListVMsByStatus(ctx, vm.StatusRunning, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := vmNames(all); !equalStrings(got, []string{"c", "a", "b"}) {
		t.Errorf("running: got %v, want [c a b]", got)
	}

	batch, err := s.ListVMsByStatus(ctx, vm.StatusRunning, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := vmNames(batch); !equalStrings(got, []string{"c", "a"}) {
		t.Errorf("batch: got %v, want [c a]", got)
	}
}

func testListEntries(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := openAccount(t, s, "user-entries", 1000)
	vmID := id.NewVMID()

	for i := range 5 {
		next := bump(a)
		e := &entry.Entry{
			ID:        id.NewEntryID(),
			AccountID: a.ID,
			VMID:      vmID,
			Amount:    types.USD(-int64(i + 1)),
			Reason:    entry.ReasonVMUsage,
			CreatedAt: base.Add(time.Duration(i+1) * time.Hour),
		}
		next.Post(e)
		if err := s.Commit(ctx, &store.Changeset{Account: next, Entries: []*entry.Entry{e}}); err != nil {
			t.Fatal(err)
		}
		a = next
	}

	all, total, err := s.ListEntries(ctx, a.ID, entry.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 6 || len(all) != 6 {
		t.Fatalf("all: got %d (total %d), want 6", len(all), total)
	}
	if all[0].Amount.Amount != -5 {
		t.Errorf("newest first: got %v, want -5", all[0].Amount)
	}
	if !all[0].BalanceAfter.Equal(types.USD(1000 - 15)) {
		t.Errorf("BalanceAfter: got %v, want %v", all[0].BalanceAfter, types.USD(985))
	}
	if all[0].VMID.String() != vmID.String() {
		t.Errorf("VMID: got %s, want %s", all[0].VMID, vmID)
	}
	if !all[5].VMID.IsNil() {
		t.Errorf("opening entry VMID: got %s, want nil", all[5].VMID)
	}

	page, total, err := s.ListEntries(ctx, a.ID, entry.Query{Reason: entry.ReasonVMUsage, Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("filtered total: got %d, want 5", total)
	}
	if len(page) != 2 || page[0].Amount.Amount != -3 || page[1].Amount.Amount != -2 {
		t.Errorf("page: got %v", entryAmounts(page))
	}

	window, total, err := s.ListEntries(ctx, a.ID, entry.Query{Start: base.Add(2 * time.Hour), End: base.Add(4 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(window) != 2 {
		t.Errorf("window: got %v (total %d), want [-3 -2]", entryAmounts(window), total)
	}

	byVM, total, err := s.ListEntries(ctx, a.ID, entry.Query{VMID: id.NewVMID()})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 || len(byVM) != 0 {
		t.Errorf("other vm: got %d, want 0", total)
	}
}

func testIdempotencyKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := openAccount(t, s, "user-idem", 0)

	next := bump(a)
	e := &entry.Entry{ID: id.NewEntryID(), AccountID: a.ID, Amount: types.USD(500), Reason: entry.ReasonCreditAdd,
		IdempotencyKey: "topup-1", CreatedAt: base}
	next.Post(e)
	if err := s.Commit(ctx, &store.Changeset{Account: next, Entries: []*entry.Entry{e}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEntryByIdempotencyKey(ctx, a.ID, "topup-1")
	if err != nil {
		t.Fatalf("GetEntryByIdempotencyKey: %v", err)
	}
	if got.ID.String() != e.ID.String() {
		t.Errorf("got entry %s, want %s", got.ID, e.ID)
	}
	if _, err := s.GetEntryByIdempotencyKey(ctx, a.ID, "other"); !vmledger.IsNotFound(err) {
		t.Errorf("unknown key: got %v, want not found", err)
	}

	again := bump(next)
	dup := &entry.Entry{ID: id.NewEntryID(), AccountID: a.ID, Amount: types.USD(500), Reason: entry.ReasonCreditAdd,
		IdempotencyKey: "topup-1", CreatedAt: base}
	again.Post(dup)
	if err := s.Commit(ctx, &store.Changeset{Account: again, Entries: []*entry.Entry{dup}}); err == nil {
		t.Fatal("duplicate idempotency key committed")
	}

	acct, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !acct.Balance.Equal(types.USD(500)) {
		t.Errorf("Balance after duplicate: got %v, want %v", acct.Balance, types.USD(500))
	}
}

func testAudit(t *testing.T, s store.Store) {
	ctx := context.Background()
	acctID := id.NewAccountID()
	vmID := id.NewVMID()

	records := []*audit.Record{
		{ID: id.NewAuditID(), AccountID: acctID, EntityType: audit.EntityVM, EntityID: vmID.String(), Action: audit.ActionCreate,
			ToState: string(vm.StatusRunning), Cause: "test", Outcome: audit.OutcomeSuccess, Amount: types.USD(0), CreatedAt: base},
		{ID: id.NewAuditID(), AccountID: acctID, EntityType: audit.EntityVM, EntityID: vmID.String(), Action: audit.ActionStart,
			FromState: string(vm.StatusRunning), Cause: "test", Outcome: audit.OutcomeFailure, Reason: "invalid transition",
			Amount: types.USD(0), Metadata: map[string]string{"k": "v"}, CreatedAt: base.Add(time.Minute)},
		{ID: id.NewAuditID(), AccountID: id.NewAccountID(), EntityType: audit.EntityAccount, EntityID: "x", Action: audit.ActionAddCredits,
			Cause: "test", Outcome: audit.OutcomeSuccess, Amount: types.USD(100), CreatedAt: base},
	}
	for _, r := range records {
		if err := s.AppendAudit(ctx, r); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	got, err := s.ListAudit(ctx, audit.Query{AccountID: acctID})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("by account: got %d, want 2", len(got))
	}
	if got[0].Action != audit.ActionStart {
		t.Errorf("newest first: got %s, want start", got[0].Action)
	}
	if got[0].Reason != "invalid transition" || got[0].Metadata["k"] != "v" {
		t.Errorf("failure details lost: %+v", got[0])
	}

	failures, err := s.ListAudit(ctx, audit.Query{EntityID: vmID.String(), Outcome: audit.OutcomeFailure})
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 {
		t.Errorf("failures: got %d, want 1", len(failures))
	}

	limited, err := s.ListAudit(ctx, audit.Query{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit: got %d, want 1", len(limited))
	}
}

func testListAccounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	openAccount(t, s, "owner-a", 1)
	openAccount(t, s, "owner-b", 2)
	openAccount(t, s, "owner-c", 3)

	all, err := s.ListAccounts(ctx, account.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all: got %d, want 3", len(all))
	}

	page, err := s.ListAccounts(ctx, account.ListOpts{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Errorf("page: got %d, want 1", len(page))
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func vmNames(vms []*vm.VM) []string {
	out := make([]string, len(vms))
	for i, v := range vms {
		out[i] = v.Name
	}
	return out
}

func entryAmounts(entries []*entry.Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Amount.Amount
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
