package main

import (
	"context"
	"sync/atomic"

	"github.com/HelixOS-Org/helix/kernel/capability"
	"github.com/HelixOS-Org/helix/kernel/orchestrator"
	"github.com/HelixOS-Org/helix/kernel/registry"
	"github.com/HelixOS-Org/helix/kernel/sched"
)

// hostSubsystem is the reference subsystem used by the host build: it
// tracks its own running flag and supports snapshot/restore of a trivial
// state blob so hot-reload can be exercised end to end.
type hostSubsystem struct {
	registry.Base
	running atomic.Bool
}

func (s *hostSubsystem) Start(ctx context.Context) error {
	s.running.Store(true)
	return nil
}

func (s *hostSubsystem) Stop(ctx context.Context, intent registry.StopIntent) error {
	s.running.Store(false)
	return nil
}

func (s *hostSubsystem) Health(ctx context.Context) registry.HealthReport {
	return registry.HealthReport{Status: registry.StatusHealthy}
}

func (s *hostSubsystem) Reset(ctx context.Context) error {
	s.running.Store(true)
	return nil
}

func (s *hostSubsystem) Snapshot() (*registry.Snapshot, error) {
	state := []byte{0}
	if s.running.Load() {
		state[0] = 1
	}
	return &registry.Snapshot{Schema: "host/v1", Data: state}, nil
}

func (s *hostSubsystem) Restore(snap *registry.Snapshot) error {
	if len(snap.Data) == 1 {
		s.running.Store(snap.Data[0] == 1)
	}
	return nil
}

func hostFactory(name string) registry.Factory {
	return func() (registry.Subsystem, error) {
		return &hostSubsystem{Base: registry.Base{SubsystemName: name}}, nil
	}
}

// registerBuiltins installs the reference boot graph: clock and irq in
// Boot, mem in Early, sched-core and fs in Core, netstack in Late. The
// shape mirrors the phase DAG the orchestrator expects from a real
// board bring-up.
func registerBuiltins(k *orchestrator.Kernel) error {
	type entry struct {
		name     string
		phase    registry.Phase
		deps     []string
		critical bool
		mode     registry.ExecMode
	}
	entries := []entry{
		{name: "clock", phase: registry.PhaseBoot, critical: true},
		{name: "irq", phase: registry.PhaseBoot, critical: true},
		{name: "mem", phase: registry.PhaseEarly, deps: []string{"clock"}, critical: true},
		{name: "sched-core", phase: registry.PhaseCore, deps: []string{"mem", "irq"}, critical: true},
		{name: "fs", phase: registry.PhaseCore, deps: []string{"mem"}, mode: registry.ExecParallel},
		{name: "netstack", phase: registry.PhaseLate, deps: []string{"sched-core"}, mode: registry.ExecLazy},
	}

	for _, e := range entries {
		d, err := registry.NewDescriptor(e.name, "1.0.0", ">=1.0.0 <2.0.0", e.phase, hostFactory(e.name))
		if err != nil {
			return err
		}
		d.WithDeps(e.deps...).WithMode(e.mode)
		if e.critical {
			d.WithCritical()
		}
		if err := k.Registry.Register(d); err != nil {
			return err
		}
	}

	// Scarce resource pools for the reference configuration.
	k.Resources.DeclarePool(capability.ResourceInterruptVector, 224)
	k.Resources.DeclarePool(capability.ResourceMemoryZone, 1<<20)
	k.Resources.DeclarePool(capability.ResourceDeviceWindow, 32)

	// A few runnable tasks so the tick loop has work immediately.
	for id := sched.TaskID(1); id <= 4; id++ {
		k.Scheduler.Submit(sched.Task{ID: id})
	}
	return nil
}
