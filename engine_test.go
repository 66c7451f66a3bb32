package vmledger_test

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/vmledger"
	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/cost"
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/locker"
	"github.com/xraph/vmledger/store"
	"github.com/xraph/vmledger/store/memory"
	"github.com/xraph/vmledger/types"
	"github.com/xraph/vmledger/vm"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine *vmledger.Engine
	store  store.Store
	clock  *fakeClock
}

func newHarness(t *testing.T, opts ...vmledger.Option) *harness {
	t.Helper()
	return newHarnessOn(t, memory.New(), opts...)
}

func newHarnessOn(t *testing.T, s store.Store, opts ...vmledger.Option) *harness {
	t.Helper()

	c := newClock()
	base := []vmledger.Option{
		vmledger.WithClock(c.Now),
		vmledger.WithLogger(slog.New(slog.DiscardHandler)),
	}
	e := vmledger.New(s, append(base, opts...)...)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop() })
	return &harness{engine: e, store: s, clock: c}
}

func (h *harness) open(t *testing.T, owner string, cents int64) *account.Account {
	t.Helper()
	a, err := h.engine.OpenAccount(context.Background(), owner, types.USD(cents))
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	return a
}

func (h *harness) create(t *testing.T, a *account.Account, name string) *vm.VM {
	t.Helper()
	v, err := h.engine.CreateVM(context.Background(), a.ID, vmledger.CreateVMInput{
		ProjectID:     "proj_1",
		Name:          name,
		InstanceClass: cost.ClassSmall,
	})
	if err != nil {
		t.Fatalf("CreateVM(%s): %v", name, err)
	}
	return v
}

func (h *harness) balance(t *testing.T, a *account.Account) int64 {
	t.Helper()
	got, err := h.engine.GetAccount(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return got.Balance.Amount
}

func (h *harness) entries(t *testing.T, a *account.Account, q entry.Query) []*entry.Entry {
	t.Helper()
	out, _, err := h.store.ListEntries(context.Background(), a.ID, q)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	return out
}

func (h *harness) reconcile(t *testing.T, a *account.Account) {
	t.Helper()
	r, err := h.engine.Reconcile(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !r.Consistent {
		t.Errorf("reconciliation mismatch: %v", r.Discrepancies)
	}
}

// ──────────────────────────────────────────────────
// Scenarios
// ──────────────────────────────────────────────────

func TestReserveThresholdScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 10)

	v := h.create(t, a, "web-1")
	if v.Status != vm.StatusRunning {
		t.Fatalf("status after create: got %s, want running", v.Status)
	}
	if v.CostPerHour.Amount != 5 {
		t.Errorf("cost per hour: got %d, want 5", v.CostPerHour.Amount)
	}

	h.clock.Advance(2 * time.Hour)
	stopped, err := h.engine.StopVM(ctx, a.ID, v.ID)
	if err != nil {
		t.Fatalf("StopVM: %v", err)
	}
	if stopped.TotalCost.Amount != 10 {
		t.Errorf("total cost: got %d, want 10", stopped.TotalCost.Amount)
	}
	if stopped.AccruedUptime != 2*time.Hour {
		t.Errorf("uptime: got %v, want 2h", stopped.AccruedUptime)
	}
	if stopped.SessionStartedAt != nil {
		t.Error("session should be cleared after stop")
	}
	if got := h.balance(t, a); got != 0 {
		t.Errorf("balance: got %d, want 0", got)
	}

	_, err = h.engine.StartVM(ctx, a.ID, v.ID)
	if !errors.Is(err, vmledger.ErrInsufficientCredits) {
		t.Fatalf("StartVM: got %v, want ErrInsufficientCredits", err)
	}
	var ce *vmledger.CreditError
	if !errors.As(err, &ce) || ce.Balance.Amount != 0 {
		t.Errorf("credit error: got %+v", ce)
	}

	usage := h.entries(t, a, entry.Query{Reason: entry.ReasonVMUsage})
	if len(usage) != 1 || usage[0].Amount.Amount != -10 {
		t.Errorf("usage entries: got %v, want one of -10", usage)
	}
	h.reconcile(t, a)
}

func TestStopMayGoNegative(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 10)
	v := h.create(t, a, "web-1")

	h.clock.Advance(3 * time.Hour)
	if _, err := h.engine.StopVM(ctx, a.ID, v.ID); err != nil {
		t.Fatalf("StopVM must not be blocked by billing: %v", err)
	}

	got, _ := h.engine.GetAccount(ctx, a.ID)
	if got.Balance.Amount != -5 {
		t.Errorf("balance: got %d, want -5", got.Balance.Amount)
	}
	if !got.OverLimit {
		t.Error("account should be over limit")
	}

	if _, err := h.engine.CreateVM(ctx, a.ID, vmledger.CreateVMInput{
		ProjectID: "proj_1", Name: "web-2", InstanceClass: cost.ClassSmall,
	}); !errors.Is(err, vmledger.ErrInsufficientCredits) {
		t.Errorf("CreateVM while over limit: got %v, want ErrInsufficientCredits", err)
	}

	// Landing exactly on zero keeps the flag.
	got, err := h.engine.AddCredits(ctx, a.ID, vmledger.CreditInput{Amount: types.USD(5)})
	if err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	if got.Balance.Amount != 0 || !got.OverLimit {
		t.Errorf("after +5: got balance %d over_limit %v, want 0 true", got.Balance.Amount, got.OverLimit)
	}

	got, err = h.engine.AddCredits(ctx, a.ID, vmledger.CreditInput{Amount: types.USD(100)})
	if err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	if got.OverLimit {
		t.Error("positive balance should clear over limit")
	}
	if _, err := h.engine.StartVM(ctx, a.ID, v.ID); err != nil {
		t.Errorf("StartVM after top-up: %v", err)
	}
	h.reconcile(t, a)
}

func TestDeleteRunningVM(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 1000)
	v := h.create(t, a, "web-1")

	h.clock.Advance(90 * time.Minute)
	deleted, err := h.engine.DeleteVM(ctx, a.ID, v.ID)
	if err != nil {
		t.Fatalf("DeleteVM: %v", err)
	}
	if deleted.Status != vm.StatusTerminated || deleted.TerminatedAt == nil {
		t.Errorf("deleted vm: got status %s terminated_at %v", deleted.Status, deleted.TerminatedAt)
	}

	usage := h.entries(t, a, entry.Query{Reason: entry.ReasonVMUsage, VMID: v.ID})
	if len(usage) != 1 {
		t.Fatalf("usage entries: got %d, want 1", len(usage))
	}
	// 5c/h for 1.5h is 7.5c, rounded half up.
	if usage[0].Amount.Amount != -8 {
		t.Errorf("final charge: got %d, want -8", usage[0].Amount.Amount)
	}

	records, err := h.engine.Audit(ctx, a.ID, v.ID.String(), 1, 0)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(records) != 1 || records[0].Action != audit.ActionDelete || records[0].ToState != string(vm.StatusTerminated) {
		t.Errorf("latest audit record: got %+v", records)
	}

	active, err := h.engine.ListVMs(ctx, a.ID, vm.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("active vms: got %d, want 0", len(active))
	}
	fetched, err := h.engine.GetVM(ctx, a.ID, v.ID)
	if err != nil {
		t.Fatalf("GetVM after delete: %v", err)
	}
	if fetched.Status != vm.StatusTerminated {
		t.Errorf("fetched status: got %s, want terminated", fetched.Status)
	}

	// Terminated is absorbing.
	for name, op := range map[string]func(context.Context, id.AccountID, id.VMID) (*vm.VM, error){
		"start":   h.engine.StartVM,
		"stop":    h.engine.StopVM,
		"restart": h.engine.RestartVM,
		"delete":  h.engine.DeleteVM,
	} {
		if _, err := op(ctx, a.ID, v.ID); !errors.Is(err, vmledger.ErrInvalidTransition) {
			t.Errorf("%s terminated vm: got %v, want ErrInvalidTransition", name, err)
		}
	}
	h.reconcile(t, a)
}

func TestRestartVM(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 1000)
	v := h.create(t, a, "web-1")

	h.clock.Advance(time.Hour)
	restarted, err := h.engine.RestartVM(ctx, a.ID, v.ID)
	if err != nil {
		t.Fatalf("RestartVM: %v", err)
	}
	if restarted.Status != vm.StatusRunning {
		t.Errorf("status: got %s, want running", restarted.Status)
	}
	if restarted.SessionStartedAt == nil || !restarted.SessionStartedAt.Equal(h.clock.Now()) {
		t.Errorf("new session: got %v, want %v", restarted.SessionStartedAt, h.clock.Now())
	}
	if restarted.TotalCost.Amount != 5 {
		t.Errorf("total cost: got %d, want 5", restarted.TotalCost.Amount)
	}

	usage := h.entries(t, a, entry.Query{Reason: entry.ReasonVMUsage})
	if len(usage) != 1 {
		t.Errorf("usage entries: got %d, want 1", len(usage))
	}

	records, err := h.store.ListAudit(ctx, audit.Query{EntityID: v.ID.String()})
	if err != nil {
		t.Fatal(err)
	}
	var transitions []string
	for _, r := range records {
		if r.Action == audit.ActionRestart {
			transitions = append(transitions, r.FromState+"->"+r.ToState)
		}
	}
	sort.Strings(transitions)
	want := []string{"running->stopped", "stopped->running"}
	if strings.Join(transitions, ",") != strings.Join(want, ",") {
		t.Errorf("restart records: got %v, want %v", transitions, want)
	}
	h.reconcile(t, a)
}

func TestRestartRefusedWithoutCredit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 10)
	v := h.create(t, a, "web-1")

	// After charging 5c the balance of 5c still covers the reserve.
	h.clock.Advance(time.Hour)
	if _, err := h.engine.RestartVM(ctx, a.ID, v.ID); err != nil {
		t.Fatalf("first RestartVM: %v", err)
	}

	// Charging another 5c would leave nothing to restart with.
	h.clock.Advance(time.Hour)
	_, err := h.engine.RestartVM(ctx, a.ID, v.ID)
	if !errors.Is(err, vmledger.ErrInsufficientCredits) {
		t.Fatalf("second RestartVM: got %v, want ErrInsufficientCredits", err)
	}

	got, _ := h.engine.GetVM(ctx, a.ID, v.ID)
	if got.Status != vm.StatusRunning || got.TotalCost.Amount != 5 {
		t.Errorf("vm after refused restart: got status %s cost %d", got.Status, got.TotalCost.Amount)
	}
	if bal := h.balance(t, a); bal != 5 {
		t.Errorf("balance: got %d, want 5", bal)
	}

	// Stopping is still allowed and bills the full session.
	if _, err := h.engine.StopVM(ctx, a.ID, v.ID); err != nil {
		t.Fatalf("StopVM: %v", err)
	}
	if bal := h.balance(t, a); bal != 0 {
		t.Errorf("balance after stop: got %d, want 0", bal)
	}
	h.reconcile(t, a)
}

// ──────────────────────────────────────────────────
// State machine
// ──────────────────────────────────────────────────

func TestInvalidTransitionsCarryState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 1000)
	v := h.create(t, a, "web-1")

	_, err := h.engine.StartVM(ctx, a.ID, v.ID)
	var te *vm.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("StartVM running: got %v, want TransitionError", err)
	}
	if te.From != vm.StatusRunning {
		t.Errorf("from: got %s, want running", te.From)
	}

	if _, err := h.engine.StopVM(ctx, a.ID, v.ID); err != nil {
		t.Fatal(err)
	}
	_, err = h.engine.StopVM(ctx, a.ID, v.ID)
	if !errors.As(err, &te) || te.From != vm.StatusStopped {
		t.Errorf("StopVM stopped: got %v", err)
	}
	if _, err := h.engine.RestartVM(ctx, a.ID, v.ID); !errors.Is(err, vmledger.ErrInvalidTransition) {
		t.Errorf("RestartVM stopped: got %v, want ErrInvalidTransition", err)
	}

	// A stopped VM can be deleted without a charge.
	if _, err := h.engine.DeleteVM(ctx, a.ID, v.ID); err != nil {
		t.Fatalf("DeleteVM stopped: %v", err)
	}
	usage := h.entries(t, a, entry.Query{Reason: entry.ReasonVMUsage})
	if len(usage) != 1 {
		t.Errorf("usage entries: got %d, want 1 (stop only)", len(usage))
	}
}

func TestVMOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.open(t, "owner_1", 1000)
	other := h.open(t, "owner_2", 1000)
	v := h.create(t, owner, "web-1")

	if _, err := h.engine.StopVM(ctx, other.ID, v.ID); !errors.Is(err, vmledger.ErrVMNotFound) {
		t.Errorf("StopVM by other account: got %v, want ErrVMNotFound", err)
	}
	if _, err := h.engine.GetVM(ctx, other.ID, v.ID); !vmledger.IsNotFound(err) {
		t.Errorf("GetVM by other account: got %v, want not found", err)
	}
}

// ──────────────────────────────────────────────────
// Creation
// ──────────────────────────────────────────────────

func TestCreateVMValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 1000)
	h.create(t, a, "taken")

	tests := []struct {
		name string
		in   vmledger.CreateVMInput
		want error
	}{
		{"unknown class", vmledger.CreateVMInput{ProjectID: "p", Name: "a", InstanceClass: "huge"}, vmledger.ErrInvalidInstanceClass},
		{"empty name", vmledger.CreateVMInput{ProjectID: "p", Name: "", InstanceClass: cost.ClassSmall}, vmledger.ErrInvalidName},
		{"bad characters", vmledger.CreateVMInput{ProjectID: "p", Name: "web 1", InstanceClass: cost.ClassSmall}, vmledger.ErrInvalidName},
		{"reserved name", vmledger.CreateVMInput{ProjectID: "p", Name: "Admin", InstanceClass: cost.ClassSmall}, vmledger.ErrInvalidName},
		{"unknown image", vmledger.CreateVMInput{ProjectID: "p", Name: "a", InstanceClass: cost.ClassSmall, Image: "windows-xp"}, vmledger.ErrInvalidImage},
		{"missing project", vmledger.CreateVMInput{Name: "a", InstanceClass: cost.ClassSmall}, vmledger.ErrInvalidInput},
		{"duplicate name", vmledger.CreateVMInput{ProjectID: "proj_1", Name: "taken", InstanceClass: cost.ClassSmall}, vmledger.ErrVMNameTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.CreateVM(ctx, a.ID, tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := h.engine.CreateVM(ctx, a.ID, vmledger.CreateVMInput{
		ProjectID: "proj_2", Name: "taken", InstanceClass: cost.ClassSmall,
	}); err != nil {
		t.Errorf("same name in another project: %v", err)
	}
}

func TestVMNameReusableAfterDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 1000)
	v := h.create(t, a, "web-1")

	if _, err := h.engine.DeleteVM(ctx, a.ID, v.ID); err != nil {
		t.Fatal(err)
	}
	again := h.create(t, a, "web-1")
	if again.ID.String() == v.ID.String() {
		t.Error("expected a new VM")
	}
}

func TestCreationFee(t *testing.T) {
	cfg := vmledger.DefaultConfig()
	cfg.CreationFee = 20
	h := newHarness(t, vmledger.WithConfig(cfg))
	ctx := context.Background()
	a := h.open(t, "owner_1", 24)

	// 24 - 20 leaves 4, below the 5c reserve.
	if _, err := h.engine.CreateVM(ctx, a.ID, vmledger.CreateVMInput{
		ProjectID: "p", Name: "web-1", InstanceClass: cost.ClassSmall,
	}); !errors.Is(err, vmledger.ErrInsufficientCredits) {
		t.Fatalf("got %v, want ErrInsufficientCredits", err)
	}

	if _, err := h.engine.AddCredits(ctx, a.ID, vmledger.CreditInput{Amount: types.USD(1)}); err != nil {
		t.Fatal(err)
	}
	v := h.create(t, a, "web-1")
	if v.TotalCost.Amount != 20 {
		t.Errorf("total cost: got %d, want 20", v.TotalCost.Amount)
	}
	if bal := h.balance(t, a); bal != 5 {
		t.Errorf("balance: got %d, want 5", bal)
	}
	creates := h.entries(t, a, entry.Query{Reason: entry.ReasonVMCreate})
	if len(creates) != 1 || creates[0].Amount.Amount != -20 {
		t.Errorf("create entries: got %v", creates)
	}
	h.reconcile(t, a)
}

type failingProvisioner struct {
	vm.Simulated
	err error
}

func (p failingProvisioner) Provision(context.Context, *vm.VM) error { return p.err }

func TestProvisionFailure(t *testing.T) {
	h := newHarness(t, vmledger.WithProvisioner(failingProvisioner{err: errors.New("no capacity")}))
	ctx := context.Background()
	a := h.open(t, "owner_1", 1000)

	v, err := h.engine.CreateVM(ctx, a.ID, vmledger.CreateVMInput{
		ProjectID: "p", Name: "web-1", InstanceClass: cost.ClassSmall,
	})
	if !errors.Is(err, vmledger.ErrProvisionFailed) {
		t.Fatalf("got %v, want ErrProvisionFailed", err)
	}
	if v == nil || v.Status != vm.StatusError || v.LastError != "no capacity" {
		t.Fatalf("vm: got %+v", v)
	}

	stored, err := h.engine.GetVM(ctx, a.ID, v.ID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if stored.Status != vm.StatusError {
		t.Errorf("stored status: got %s, want error", stored.Status)
	}
	if creates := h.entries(t, a, entry.Query{Reason: entry.ReasonVMCreate}); len(creates) != 0 {
		t.Errorf("create entries: got %d, want 0", len(creates))
	}

	records, _ := h.engine.Audit(ctx, a.ID, v.ID.String(), 0, 0)
	if len(records) != 1 || records[0].Outcome != audit.OutcomeFailure || records[0].ToState != string(vm.StatusError) {
		t.Errorf("audit: got %+v", records)
	}

	// Error VMs can only be terminated.
	if _, err := h.engine.StartVM(ctx, a.ID, v.ID); !errors.Is(err, vmledger.ErrInvalidTransition) {
		t.Errorf("StartVM error vm: got %v", err)
	}
	if _, err := h.engine.DeleteVM(ctx, a.ID, v.ID); err != nil {
		t.Errorf("DeleteVM error vm: %v", err)
	}
	h.reconcile(t, a)
}

// ──────────────────────────────────────────────────
// Credits
// ──────────────────────────────────────────────────

func TestAddCredits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 0)

	tests := []struct {
		name   string
		amount types.Money
		want   error
	}{
		{"zero", types.USD(0), vmledger.ErrInvalidAmount},
		{"negative", types.USD(-100), vmledger.ErrInvalidAmount},
		{"other currency", types.EUR(100), vmledger.ErrCurrencyMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.AddCredits(ctx, a.ID, vmledger.CreditInput{Amount: tt.amount})
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	got, err := h.engine.AddCredits(ctx, a.ID, vmledger.CreditInput{Amount: types.USD(2500), Description: "top up"})
	if err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	if got.Balance.Amount != 2500 || got.TotalCredited.Amount != 2500 {
		t.Errorf("account: got balance %d credited %d", got.Balance.Amount, got.TotalCredited.Amount)
	}

	if _, err := h.engine.AddCredits(ctx, id.NewAccountID(), vmledger.CreditInput{Amount: types.USD(1)}); !errors.Is(err, vmledger.ErrAccountNotFound) {
		t.Errorf("unknown account: got %v, want ErrAccountNotFound", err)
	}
}

func TestAddCreditsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 0)

	in := vmledger.CreditInput{Amount: types.USD(500), IdempotencyKey: "pay_123"}
	for range 3 {
		if _, err := h.engine.AddCredits(ctx, a.ID, in); err != nil {
			t.Fatalf("AddCredits: %v", err)
		}
	}
	if bal := h.balance(t, a); bal != 500 {
		t.Errorf("balance: got %d, want 500", bal)
	}
	credits := h.entries(t, a, entry.Query{Reason: entry.ReasonCreditAdd})
	if len(credits) != 1 {
		t.Fatalf("credit entries: got %d, want 1", len(credits))
	}

	records, err := h.store.ListAudit(ctx, audit.Query{AccountID: a.ID})
	if err != nil {
		t.Fatal(err)
	}
	var added, replays int
	for _, r := range records {
		if r.Action != audit.ActionAddCredits {
			continue
		}
		added++
		if r.Metadata["idempotent_replay"] == "true" {
			replays++
			if r.EntryID.String() != credits[0].ID.String() || r.Amount.Amount != 500 {
				t.Errorf("replay record: got entry %s amount %d", r.EntryID, r.Amount.Amount)
			}
		}
	}
	if added != 3 || replays != 2 {
		t.Errorf("add_credits records: got %d with %d replays, want 3 with 2", added, replays)
	}
	h.reconcile(t, a)
}

func TestAdjustCredits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 100)

	if _, err := h.engine.AdjustCredits(ctx, a.ID, types.USD(-101), "refund clawback"); !errors.Is(err, vmledger.ErrInsufficientCredits) {
		t.Errorf("over-draw: got %v, want ErrInsufficientCredits", err)
	}
	if _, err := h.engine.AdjustCredits(ctx, a.ID, types.USD(10), ""); !errors.Is(err, vmledger.ErrInvalidInput) {
		t.Errorf("no description: got %v, want ErrInvalidInput", err)
	}
	got, err := h.engine.AdjustCredits(ctx, a.ID, types.USD(-40), "goodwill reversal")
	if err != nil {
		t.Fatalf("AdjustCredits: %v", err)
	}
	if got.Balance.Amount != 60 || got.TotalSpent.Amount != 0 {
		t.Errorf("account: got balance %d spent %d", got.Balance.Amount, got.TotalSpent.Amount)
	}
	h.reconcile(t, a)
}

func TestOpenAccountIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.open(t, "owner_1", 300)
	second, err := h.engine.OpenAccount(ctx, "owner_1", types.USD(9999))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID.String() != second.ID.String() || second.Balance.Amount != 300 {
		t.Errorf("second open: got %s balance %d", second.ID, second.Balance.Amount)
	}

	opening := h.entries(t, first, entry.Query{Reason: entry.ReasonManualAdjustment})
	if len(opening) != 1 || opening[0].Amount.Amount != 300 {
		t.Errorf("opening entries: got %v", opening)
	}

	records, err := h.store.ListAudit(ctx, audit.Query{AccountID: first.ID})
	if err != nil {
		t.Fatal(err)
	}
	var opens, replays int
	for _, r := range records {
		if r.Action != audit.ActionOpenAccount {
			continue
		}
		opens++
		if r.Metadata["idempotent_replay"] == "true" {
			replays++
		}
	}
	if opens != 2 || replays != 1 {
		t.Errorf("open_account records: got %d with %d replays, want 2 with 1", opens, replays)
	}

	if _, err := h.engine.OpenAccount(ctx, " ", types.USD(1)); !errors.Is(err, vmledger.ErrInvalidInput) {
		t.Errorf("blank owner: got %v, want ErrInvalidInput", err)
	}
	if _, err := h.engine.OpenAccount(ctx, "owner_2", types.USD(-1)); !errors.Is(err, vmledger.ErrInvalidAmount) {
		t.Errorf("negative opening: got %v, want ErrInvalidAmount", err)
	}
}

// ──────────────────────────────────────────────────
// Concurrency
// ──────────────────────────────────────────────────

// stoppedFleet creates n stopped VMs and leaves the account with balance.
func stoppedFleet(t *testing.T, h *harness, n int, balance int64) (*account.Account, []*vm.VM) {
	t.Helper()
	ctx := context.Background()

	a := h.open(t, "owner_1", 10_000)
	vms := make([]*vm.VM, n)
	for i := range vms {
		vms[i] = h.create(t, a, "vm-"+string(rune('a'+i)))
		if _, err := h.engine.StopVM(ctx, a.ID, vms[i].ID); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.engine.AdjustCredits(ctx, a.ID, types.USD(balance-h.balance(t, a)), "test setup"); err != nil {
		t.Fatal(err)
	}
	return a, vms
}

func TestConcurrentStartsExactlyK(t *testing.T) {
	const n = 8
	h := newHarness(t)
	// 15c with a 5c reserve per running VM admits exactly 3 starts.
	a, vms := stoppedFleet(t, h, n, 15)
	before := len(h.entries(t, a, entry.Query{}))

	var (
		wg           sync.WaitGroup
		ok, rejected atomic.Int32
	)
	for _, v := range vms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.StartVM(context.Background(), a.ID, v.ID)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, vmledger.ErrInsufficientCredits):
				rejected.Add(1)
			default:
				t.Errorf("StartVM: unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 3 || rejected.Load() != n-3 {
		t.Errorf("got %d successes and %d rejections, want 3 and %d", ok.Load(), rejected.Load(), n-3)
	}
	running, _ := h.engine.ListVMs(context.Background(), a.ID, vm.ListOpts{Statuses: []vm.Status{vm.StatusRunning}})
	if len(running) != 3 {
		t.Errorf("running vms: got %d, want 3", len(running))
	}
	if after := len(h.entries(t, a, entry.Query{})); after != before {
		t.Errorf("starts must not post entries: got %d, want %d", after, before)
	}
	h.reconcile(t, a)
}

func TestConcurrentStartsAcrossEngines(t *testing.T) {
	const n = 8
	shared := memory.New()
	h := newHarnessOn(t, shared)
	a, vms := stoppedFleet(t, h, n, 15)

	// A second engine with its own in-process locker relies on version
	// checks alone to stay consistent with the first.
	other := vmledger.New(shared,
		vmledger.WithLocker(locker.NewLocal()),
		vmledger.WithLogger(slog.New(slog.DiscardHandler)),
		vmledger.WithClock(h.clock.Now),
	)

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i, v := range vms {
		e := h.engine
		if i%2 == 1 {
			e = other
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.StartVM(context.Background(), a.ID, v.ID)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, vmledger.ErrInsufficientCredits), errors.Is(err, vmledger.ErrConcurrencyConflict):
			default:
				t.Errorf("StartVM: unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	running, _ := h.engine.ListVMs(context.Background(), a.ID, vm.ListOpts{Statuses: []vm.Status{vm.StatusRunning}})
	if int(ok.Load()) != len(running) {
		t.Errorf("successes %d disagree with running vms %d", ok.Load(), len(running))
	}
	if len(running) > 3 || len(running) == 0 {
		t.Errorf("running vms: got %d, want 1..3", len(running))
	}
}

func TestConcurrentStopAndDeleteSameVM(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 1000)
	v := h.create(t, a, "web-1")
	h.clock.Advance(time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = h.engine.StopVM(ctx, a.ID, v.ID) }()
	go func() { defer wg.Done(); _, errs[1] = h.engine.DeleteVM(ctx, a.ID, v.ID) }()
	wg.Wait()

	if errs[1] != nil {
		t.Fatalf("DeleteVM: %v", errs[1])
	}
	if errs[0] != nil && !errors.Is(errs[0], vmledger.ErrInvalidTransition) {
		t.Errorf("StopVM: got %v", errs[0])
	}
	// Exactly one of them billed the hour.
	usage := h.entries(t, a, entry.Query{Reason: entry.ReasonVMUsage})
	var charged int64
	for _, en := range usage {
		charged -= en.Amount.Amount
	}
	if charged != 5 {
		t.Errorf("charged: got %d, want 5", charged)
	}
	h.reconcile(t, a)
}

// ──────────────────────────────────────────────────
// Failure handling
// ──────────────────────────────────────────────────

// flakyStore fails the next failures commits with err.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	err      error
	commits  int
}

func (s *flakyStore) Commit(ctx context.Context, cs *store.Changeset) error {
	s.mu.Lock()
	s.commits++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return s.err
	}
	return s.Store.Commit(ctx, cs)
}

func (s *flakyStore) failNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures, s.err, s.commits = n, err, 0
}

func TestConflictRetried(t *testing.T) {
	fs := &flakyStore{Store: memory.New()}
	h := newHarnessOn(t, fs)
	ctx := context.Background()
	a := h.open(t, "owner_1", 1000)
	v := h.create(t, a, "web-1")

	fs.failNext(3, vmledger.ErrConcurrencyConflict)
	if _, err := h.engine.StopVM(ctx, a.ID, v.ID); err != nil {
		t.Fatalf("StopVM with 3 conflicts: %v", err)
	}
	if fs.commits != 4 {
		t.Errorf("commit attempts: got %d, want 4", fs.commits)
	}

	fs.failNext(4, vmledger.ErrConcurrencyConflict)
	_, err := h.engine.StartVM(ctx, a.ID, v.ID)
	if !errors.Is(err, vmledger.ErrConcurrencyConflict) || !vmledger.IsRetryable(err) {
		t.Errorf("StartVM with 4 conflicts: got %v, want retryable ErrConcurrencyConflict", err)
	}
	got, _ := h.engine.GetVM(ctx, a.ID, v.ID)
	if got.Status != vm.StatusStopped {
		t.Errorf("status: got %s, want stopped", got.Status)
	}
}

func TestPersistenceFailureAppliesNothing(t *testing.T) {
	fs := &flakyStore{Store: memory.New()}
	h := newHarnessOn(t, fs)
	ctx := context.Background()
	a := h.open(t, "owner_1", 1000)
	v := h.create(t, a, "web-1")
	h.clock.Advance(time.Hour)

	fs.failNext(1, errors.New("disk on fire"))
	_, err := h.engine.StopVM(ctx, a.ID, v.ID)
	if !errors.Is(err, vmledger.ErrPersistenceFailure) {
		t.Fatalf("got %v, want ErrPersistenceFailure", err)
	}
	if fs.commits != 1 {
		t.Errorf("commit attempts: got %d, want 1", fs.commits)
	}

	got, _ := h.engine.GetVM(ctx, a.ID, v.ID)
	if got.Status != vm.StatusRunning || got.TotalCost.Amount != 0 {
		t.Errorf("vm after failed commit: got status %s cost %d", got.Status, got.TotalCost.Amount)
	}
	if bal := h.balance(t, a); bal != 1000 {
		t.Errorf("balance: got %d, want 1000", bal)
	}

	// The whole operation is safe to retry.
	if _, err := h.engine.StopVM(ctx, a.ID, v.ID); err != nil {
		t.Fatalf("retry StopVM: %v", err)
	}
	if bal := h.balance(t, a); bal != 995 {
		t.Errorf("balance after retry: got %d, want 995", bal)
	}
	h.reconcile(t, a)
}

func TestCancelledRequestAppliesNothing(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "owner_1", 1000)
	v := h.create(t, a, "web-1")
	h.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.engine.StopVM(ctx, a.ID, v.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	got, _ := h.engine.GetVM(context.Background(), a.ID, v.ID)
	if got.Status != vm.StatusRunning {
		t.Errorf("status: got %s, want running", got.Status)
	}
}

func TestRejectionsAudited(t *testing.T) {
	h := newHarness(t)
	ctx := vmledger.WithCause(context.Background(), "api:req-1")
	a := h.open(t, "owner_1", 10)
	v := h.create(t, a, "web-1")
	h.clock.Advance(2 * time.Hour)
	if _, err := h.engine.StopVM(ctx, a.ID, v.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := h.engine.StartVM(ctx, a.ID, v.ID); err == nil {
		t.Fatal("expected rejection")
	}

	failed, err := h.store.ListAudit(context.Background(), audit.Query{AccountID: a.ID, Outcome: audit.OutcomeFailure})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("failure records: got %d, want 1", len(failed))
	}
	r := failed[0]
	if r.Action != audit.ActionStart || r.FromState != string(vm.StatusStopped) || r.Cause != "api:req-1" {
		t.Errorf("record: got action %s from %s cause %s", r.Action, r.FromState, r.Cause)
	}
	if !strings.Contains(r.Reason, "insufficient credits") {
		t.Errorf("reason: got %q", r.Reason)
	}
}

// ──────────────────────────────────────────────────
// Accrual sweep
// ──────────────────────────────────────────────────

func TestAccrueRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 1000)
	v := h.create(t, a, "web-1")

	h.clock.Advance(time.Second)
	n, err := h.engine.AccrueRunning(ctx)
	if err != nil || n != 0 {
		t.Fatalf("sub-cent sweep: got %d, %v, want 0", n, err)
	}

	h.clock.Advance(time.Hour - time.Second)
	n, err = h.engine.AccrueRunning(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: got %d, %v, want 1", n, err)
	}
	got, _ := h.engine.GetVM(ctx, a.ID, v.ID)
	if got.TotalCost.Amount != 5 || got.AccruedThrough == nil {
		t.Errorf("after sweep: got cost %d accrued_through %v", got.TotalCost.Amount, got.AccruedThrough)
	}

	h.clock.Advance(time.Hour)
	stopped, err := h.engine.StopVM(ctx, a.ID, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stopped.TotalCost.Amount != 10 || stopped.AccruedUptime != 2*time.Hour {
		t.Errorf("after stop: got cost %d uptime %v, want 10 and 2h", stopped.TotalCost.Amount, stopped.AccruedUptime)
	}

	records, _ := h.store.ListAudit(ctx, audit.Query{EntityID: v.ID.String()})
	var sweeps int
	for _, r := range records {
		if r.Action == audit.ActionAccrue && r.Cause == vmledger.CauseAccrualSweep {
			sweeps++
		}
	}
	if sweeps != 1 {
		t.Errorf("accrual records: got %d, want 1", sweeps)
	}
	h.reconcile(t, a)
}

func TestAccrueRunningSubHourSweeps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 1000)
	v := h.create(t, a, "web-1")

	// Each 6 minute slice is worth half a cent at 5c/h.
	for range 10 {
		h.clock.Advance(6 * time.Minute)
		if _, err := h.engine.AccrueRunning(ctx); err != nil {
			t.Fatalf("AccrueRunning: %v", err)
		}
	}

	got, err := h.engine.GetVM(ctx, a.ID, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalCost.Amount != 5 {
		t.Errorf("after sweeps: got cost %d, want 5", got.TotalCost.Amount)
	}

	stopped, err := h.engine.StopVM(ctx, a.ID, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stopped.TotalCost.Amount != 5 || stopped.AccruedUptime != time.Hour {
		t.Errorf("after stop: got cost %d uptime %v, want 5 and 1h", stopped.TotalCost.Amount, stopped.AccruedUptime)
	}
	if got := h.balance(t, a); got != 995 {
		t.Errorf("balance: got %d, want 995", got)
	}
	h.reconcile(t, a)
}

func TestAccrueRunningSessionTotalMatchesSingleCharge(t *testing.T) {
	parts := []time.Duration{
		7 * time.Minute, 11 * time.Minute, 3 * time.Minute, 29 * time.Minute, 13 * time.Minute, 18 * time.Minute,
	}
	var total time.Duration
	for _, d := range parts {
		total += d
	}
	want := cost.Accrue(types.USD(5), total).Amount

	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 1000)
	v := h.create(t, a, "web-1")
	for _, d := range parts[:len(parts)-1] {
		h.clock.Advance(d)
		if _, err := h.engine.AccrueRunning(ctx); err != nil {
			t.Fatalf("AccrueRunning: %v", err)
		}
	}
	h.clock.Advance(parts[len(parts)-1])
	deleted, err := h.engine.DeleteVM(ctx, a.ID, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if deleted.TotalCost.Amount != want {
		t.Errorf("session cost: got %d, want %d", deleted.TotalCost.Amount, want)
	}
	h.reconcile(t, a)
}

func TestAccrueRunningReachesEveryVM(t *testing.T) {
	cfg := vmledger.DefaultConfig()
	cfg.AccrualBatchSize = 2
	h := newHarness(t, vmledger.WithConfig(cfg))
	ctx := context.Background()
	a := h.open(t, "owner_1", 1000)

	var vms []*vm.VM
	for _, name := range []string{"web-1", "web-2", "web-3"} {
		vms = append(vms, h.create(t, a, name))
		h.clock.Advance(time.Second)
	}

	for range 5 {
		h.clock.Advance(time.Hour)
		if _, err := h.engine.AccrueRunning(ctx); err != nil {
			t.Fatalf("AccrueRunning: %v", err)
		}
	}

	for _, v := range vms {
		got, err := h.engine.GetVM(ctx, a.ID, v.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.AccruedThrough == nil || got.TotalCost.IsZero() {
			t.Errorf("%s: got cost %d accrued_through %v, want it billed", got.Name, got.TotalCost.Amount, got.AccruedThrough)
		}
	}
	h.reconcile(t, a)
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

func TestHistoryPaging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 0)
	for range 25 {
		h.clock.Advance(time.Minute)
		if _, err := h.engine.AddCredits(ctx, a.ID, vmledger.CreditInput{Amount: types.USD(100)}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := h.engine.History(ctx, a.ID, vmledger.HistoryQuery{Page: 2, Limit: 10})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Entries) != 10 || page.Total != 25 || page.Pages != 3 || !page.HasNext || !page.HasPrev {
		t.Errorf("page 2: got %d entries total %d pages %d next %v prev %v",
			len(page.Entries), page.Total, page.Pages, page.HasNext, page.HasPrev)
	}
	if page.Entries[0].BalanceAfter.Amount != 1500 {
		t.Errorf("newest on page 2: got balance after %d, want 1500", page.Entries[0].BalanceAfter.Amount)
	}

	def, err := h.engine.History(ctx, a.ID, vmledger.HistoryQuery{})
	if err != nil || def.Limit != entry.DefaultLimit || def.Page != 1 {
		t.Errorf("defaults: got %+v, %v", def, err)
	}

	for _, q := range []vmledger.HistoryQuery{{Page: -1}, {Limit: 101}, {Limit: -5}, {Reason: "bogus"}} {
		if _, err := h.engine.History(ctx, a.ID, q); !errors.Is(err, vmledger.ErrInvalidInput) {
			t.Errorf("History(%+v): got %v, want ErrInvalidInput", q, err)
		}
	}
}

func TestSummaries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 10_000)

	small := h.create(t, a, "small-1")
	if _, err := h.engine.CreateVM(ctx, a.ID, vmledger.CreateVMInput{
		ProjectID: "proj_1", Name: "large-1", InstanceClass: cost.ClassLarge,
	}); err != nil {
		t.Fatal(err)
	}
	gone := h.create(t, a, "gone")
	if _, err := h.engine.DeleteVM(ctx, a.ID, gone.ID); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(2 * time.Hour)
	if _, err := h.engine.StopVM(ctx, a.ID, small.ID); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(30 * time.Minute)

	usage, err := h.engine.UsageSummary(ctx, a.ID)
	if err != nil {
		t.Fatalf("UsageSummary: %v", err)
	}
	if usage.TotalVMs != 3 || usage.ActiveVMs != 2 || usage.RunningVMs != 1 {
		t.Errorf("vm counts: got total %d active %d running %d", usage.TotalVMs, usage.ActiveVMs, usage.RunningVMs)
	}
	if usage.HourlyCost.Amount != 20 || usage.ProjectedDaily.Amount != 480 || usage.ProjectedMonthly.Amount != 14400 {
		t.Errorf("projection: got %s/%s/%s", usage.HourlyCost, usage.ProjectedDaily, usage.ProjectedMonthly)
	}

	credits, err := h.engine.CreditSummary(ctx, a.ID)
	if err != nil {
		t.Fatalf("CreditSummary: %v", err)
	}
	if credits.DailySpending.Amount != 10 || credits.ProjectedMonthly.Amount != 300 {
		t.Errorf("spending: got daily %s projected %s", credits.DailySpending, credits.ProjectedMonthly)
	}
	if credits.Available.Amount != credits.Balance.Amount-5 || credits.RunningVMs != 1 {
		t.Errorf("available: got %s with %d running, balance %s", credits.Available, credits.RunningVMs, credits.Balance)
	}
	if credits.LastTransaction == nil || credits.EntryCount != 6 {
		t.Errorf("entries: got last %v count %d, want 6", credits.LastTransaction, credits.EntryCount)
	}

	costs, err := h.engine.VMCosts(ctx, a.ID)
	if err != nil {
		t.Fatalf("VMCosts: %v", err)
	}
	byName := map[string]vmledger.VMCost{}
	for _, c := range costs {
		byName[c.Name] = c
	}
	// The large VM has run 2.5h unbilled at 20c/h.
	if c := byName["large-1"]; c.Billed.Amount != 0 || c.Unbilled.Amount != 50 || c.Uptime != 150*time.Minute {
		t.Errorf("large-1: got billed %s unbilled %s uptime %v", c.Billed, c.Unbilled, c.Uptime)
	}
	if c := byName["small-1"]; c.Total.Amount != 10 {
		t.Errorf("small-1 total: got %s, want 10", c.Total)
	}
}

func TestLedgerReplayMatchesBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "owner_1", 200)

	h.clock.Advance(time.Minute)
	v := h.create(t, a, "web-1")
	steps := []func() error{
		func() error { _, err := h.engine.StopVM(ctx, a.ID, v.ID); return err },
		func() error {
			_, err := h.engine.AddCredits(ctx, a.ID, vmledger.CreditInput{Amount: types.USD(333)})
			return err
		},
		func() error { _, err := h.engine.StartVM(ctx, a.ID, v.ID); return err },
		func() error { _, err := h.engine.RestartVM(ctx, a.ID, v.ID); return err },
		func() error { _, err := h.engine.DeleteVM(ctx, a.ID, v.ID); return err },
	}
	for i, step := range steps {
		h.clock.Advance(time.Duration(i+1) * 47 * time.Minute)
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	entries := h.entries(t, a, entry.Query{})
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })

	var running int64
	for _, en := range entries {
		running += en.Amount.Amount
		if en.BalanceAfter.Amount != running {
			t.Errorf("entry %s: balance after %d, replayed %d", en.Reason, en.BalanceAfter.Amount, running)
		}
	}
	if bal := h.balance(t, a); bal != running {
		t.Errorf("materialized balance %d, replayed %d", bal, running)
	}
	h.reconcile(t, a)
}

// ──────────────────────────────────────────────────
// Plugins
// ──────────────────────────────────────────────────

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) Name() string { return "event-log" }

func (l *eventLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, s)
}

func (l *eventLog) OnVMCreated(context.Context, *vm.VM, types.Money) error {
	l.add("created")
	return nil
}

func (l *eventLog) OnVMStopped(_ context.Context, _ *vm.VM, charge types.Money, _ time.Duration) error {
	l.add("stopped:" + charge.FormatMajor())
	return nil
}

func (l *eventLog) OnOverLimit(context.Context, *account.Account) error {
	l.add("over_limit")
	return nil
}

func (l *eventLog) OnOperationRejected(_ context.Context, op, _ string, _ error) error {
	l.add("rejected:" + op)
	return nil
}

func TestPluginsNotified(t *testing.T) {
	log := &eventLog{}
	h := newHarness(t, vmledger.WithPlugin(log))
	ctx := context.Background()
	a := h.open(t, "owner_1", 10)
	v := h.create(t, a, "web-1")

	h.clock.Advance(4 * time.Hour)
	if _, err := h.engine.StopVM(ctx, a.ID, v.ID); err != nil {
		t.Fatal(err)
	}
	_, _ = h.engine.StartVM(ctx, a.ID, v.ID)

	want := []string{"created", "stopped:0.20", "over_limit", "rejected:start"}
	if strings.Join(log.events, ",") != strings.Join(want, ",") {
		t.Errorf("events: got %v, want %v", log.events, want)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := vmledger.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}

	cfg.MinimumReserve = -1
	cfg.OperationTimeout = 0
	err := cfg.Validate()
	if !errors.Is(err, vmledger.ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}

	e := vmledger.New(memory.New(), vmledger.WithConfig(vmledger.Config{Currency: "eur"}))
	if err := e.Start(context.Background()); err == nil {
		t.Error("expected currency mismatch with the default catalog")
	}
}
