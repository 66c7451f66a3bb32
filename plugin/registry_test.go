package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/types"
	"github.com/xraph/vmledger/vm"
)

type recorder struct {
	name string

	mu      sync.Mutex
	stopped []types.Money
	records []string
	fail    bool
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnVMStopped(_ context.Context, _ *vm.VM, charge types.Money, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, charge)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) OnAuditRecorded(_ context.Context, rec *audit.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec.Action)
	return nil
}

type slowPlugin struct{}

func (slowPlugin) Name() string { return "slow" }

func (slowPlugin) OnVMStarted(ctx context.Context, _ *vm.VM) error {
	<-ctx.Done()
	return ctx.Err()
}

type panicPlugin struct{}

func (panicPlugin) Name() string { return "panics" }

func (panicPlugin) OnVMDeleted(context.Context, *vm.VM, types.Money) error {
	panic("unexpected")
}

type provider struct{}

func (provider) Name() string                { return "sim" }
func (provider) Provisioner() vm.Provisioner { return vm.Simulated{} }

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&recorder{name: "a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&recorder{name: "a"}); err == nil {
		t.Error("expected duplicate registration error")
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count: got %d, want 1", got)
	}
	if r.Get("a") == nil {
		t.Error("Get(a) returned nil")
	}
	if r.Get("missing") != nil {
		t.Error("Get(missing) should be nil")
	}
}

func TestEmitDispatchesToImplementers(t *testing.T) {
	r := NewRegistry()
	a := &recorder{name: "a"}
	b := &recorder{name: "b", fail: true}
	for _, p := range []Plugin{a, b, slowPlugin{}} {
		if err := r.Register(p); err != nil {
			t.Fatal(err)
		}
	}

	ctx := context.Background()
	r.EmitVMStopped(ctx, &vm.VM{}, types.USD(7), time.Hour)
	r.EmitAuditRecorded(ctx, &audit.Record{Action: audit.ActionStop})

	for _, p := range []*recorder{a, b} {
		if len(p.stopped) != 1 || p.stopped[0].Amount != 7 {
			t.Errorf("%s stopped: got %v, want [7]", p.name, p.stopped)
		}
		if len(p.records) != 1 || p.records[0] != audit.ActionStop {
			t.Errorf("%s records: got %v", p.name, p.records)
		}
	}
}

func TestCallWithTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	if err := r.Register(slowPlugin{}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	r.EmitVMStarted(context.Background(), &vm.VM{})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("slow plugin held emission for %v", elapsed)
	}
}

func TestCallRecoversPanic(t *testing.T) {
	r := NewRegistry()
	err := r.callWithTimeout(context.Background(), "panics", func(ctx context.Context) error {
		return panicPlugin{}.OnVMDeleted(ctx, nil, types.Money{})
	})
	if err == nil {
		t.Error("expected error from panicking plugin")
	}
}

func TestProvisioner(t *testing.T) {
	r := NewRegistry()
	if r.Provisioner() != nil {
		t.Error("empty registry should have no provisioner")
	}
	if err := r.Register(provider{}); err != nil {
		t.Fatal(err)
	}
	if r.Provisioner() == nil {
		t.Error("expected provisioner from plugin")
	}
}

func TestImplementedInterfaces(t *testing.T) {
	got := implementedInterfaces(&recorder{name: "a"})
	want := map[string]bool{"OnVMStopped": true, "OnAuditRecorded": true}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for _, name := range got {
		if !want[name] {
			t.Errorf("unexpected interface %q", name)
		}
	}
}
