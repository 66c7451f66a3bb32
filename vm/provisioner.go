package vm

import (
	"context"
	"time"
)

// Provisioner drives the executor behind a VM. Ledger bookkeeping never
// depends on which implementation is plugged in.
type Provisioner interface {
	Provision(ctx context.Context, v *VM) error
	Start(ctx context.Context, v *VM) error
	Stop(ctx context.Context, v *VM) error
	Destroy(ctx context.Context, v *VM) error
}

// Simulated is a Provisioner with no real executor. Each call waits Delay
// or until ctx is done.
type Simulated struct {
	Delay time.Duration
}

var _ Provisioner = Simulated{}

func (s Simulated) Provision(ctx context.Context, _ *VM) error { return s.wait(ctx) }
func (s Simulated) Start(ctx context.Context, _ *VM) error     { return s.wait(ctx) }
func (s Simulated) Stop(ctx context.Context, _ *VM) error      { return s.wait(ctx) }
func (s Simulated) Destroy(ctx context.Context, _ *VM) error   { return s.wait(ctx) }

func (s Simulated) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
