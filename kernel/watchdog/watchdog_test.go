package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/infrastructure/logging"
	"github.com/HelixOS-Org/helix/infrastructure/metrics"
	"github.com/HelixOS-Org/helix/kernel/capability"
	"github.com/HelixOS-Org/helix/kernel/eventbus"
	"github.com/HelixOS-Org/helix/kernel/hal"
	"github.com/HelixOS-Org/helix/kernel/lifecycle"
	"github.com/HelixOS-Org/helix/kernel/registry"
)

// wdSubsystem is a scriptable subsystem for watchdog tests.
type wdSubsystem struct {
	registry.Base
	mu         sync.Mutex
	health     registry.HealthStatus
	resetable  bool
	blockHealth bool
	resets     int
	stops      int
}

func (s *wdSubsystem) setHealth(h registry.HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

func (s *wdSubsystem) Health(ctx context.Context) registry.HealthReport {
	s.mu.Lock()
	block := s.blockHealth
	h := s.health
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return registry.HealthReport{Status: registry.StatusUnresponsive}
	}
	return registry.HealthReport{Status: h}
}

func (s *wdSubsystem) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	if !s.resetable {
		return helixerrors.NewUnsupported(s.SubsystemName, "reset")
	}
	s.health = registry.StatusHealthy
	return nil
}

func (s *wdSubsystem) Stop(ctx context.Context, intent registry.StopIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

type fixture struct {
	clock    *hal.SimClock
	reg      *registry.Registry
	engine   *lifecycle.Engine
	bus      *eventbus.Bus
	broker   *capability.Broker
	resources *capability.ResourceBroker
	events   []Event
	mu       sync.Mutex
	wd       *Watchdog
}

func (f *fixture) sink(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fixture) eventKinds() []EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]EventKind, len(f.events))
	for i, e := range f.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{clock: hal.NewSimClock()}
	var err error
	f.reg, err = registry.New("1.0.0")
	require.NoError(t, err)
	logger := logging.New("test", "panic", "text")
	f.engine = lifecycle.NewEngine(f.reg, logger, metrics.Noop())
	f.bus = eventbus.New(f.clock, metrics.Noop(), eventbus.Options{QueueCapacity: 32})
	f.broker = capability.NewBroker(logger, metrics.Noop(), nil)
	f.resources = capability.NewResourceBroker(metrics.Noop())
	f.wd = New(f.clock, logger, metrics.Noop(), f.reg, f.engine, f.bus, f.broker, f.resources, f.sink, opts)
	return f
}

// register installs a descriptor whose factory produces fresh healthy
// instances, and activates initial.
func (f *fixture) register(t *testing.T, name string, critical bool, initial *wdSubsystem, factoryFails bool) *registry.Descriptor {
	t.Helper()
	d, err := registry.NewDescriptor(name, "1.0.0", ">=1.0.0", registry.PhaseCore, func() (registry.Subsystem, error) {
		if factoryFails {
			return nil, errors.New("factory broken")
		}
		return &wdSubsystem{Base: registry.Base{SubsystemName: name}, health: registry.StatusHealthy}, nil
	})
	require.NoError(t, err)
	if critical {
		d.WithCritical()
	}
	require.NoError(t, f.reg.Register(d))
	f.reg.SetActive(name, initial, d.Version)
	return d
}

func defaultOpts() Options {
	return Options{
		Cadence:        10 * time.Millisecond,
		HealthDeadline: 20 * time.Millisecond,
		MissThreshold:  3,
		RetryBudget:    3,
		RetryWindow:    time.Minute,
	}
}

func TestCycle_HealthyStaysQuiet(t *testing.T) {
	f := newFixture(t, defaultOpts())
	sub := &wdSubsystem{health: registry.StatusHealthy}
	f.register(t, "sched", true, sub, false)

	f.wd.Cycle(context.Background())
	assert.Empty(t, f.eventKinds())
	assert.Equal(t, registry.StatusHealthy, f.wd.Status("sched"))
}

func TestCycle_FailedRecoversViaReset(t *testing.T) {
	f := newFixture(t, defaultOpts())
	sub := &wdSubsystem{health: registry.StatusFailed, resetable: true}
	f.register(t, "sched", true, sub, false)

	f.wd.Cycle(context.Background())

	assert.Equal(t, []EventKind{EventFailed, EventRecovered}, f.eventKinds())
	assert.Equal(t, 1, sub.resets)
	assert.Equal(t, registry.StatusHealthy, f.wd.Status("sched"))
}

func TestCycle_ResetUnsupportedFallsToRestart(t *testing.T) {
	f := newFixture(t, defaultOpts())
	sub := &wdSubsystem{health: registry.StatusFailed, resetable: false}
	f.register(t, "fs", false, sub, false)

	f.wd.Cycle(context.Background())

	kinds := f.eventKinds()
	require.Equal(t, []EventKind{EventFailed, EventRecovered}, kinds)
	f.mu.Lock()
	assert.Equal(t, "restart", f.events[1].Action)
	f.mu.Unlock()
	assert.Equal(t, 1, sub.stops, "old instance stopped during restart")

	// A fresh instance is active now.
	inst, err := f.reg.Resolve("fs", "")
	require.NoError(t, err)
	assert.NotSame(t, sub, inst)
}

func TestCycle_RestartRetriesTransientFactoryFailure(t *testing.T) {
	f := newFixture(t, defaultOpts())
	sub := &wdSubsystem{health: registry.StatusFailed}

	attempts := 0
	d, err := registry.NewDescriptor("fs", "1.0.0", ">=1.0.0", registry.PhaseCore, func() (registry.Subsystem, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("transient allocation failure")
		}
		return &wdSubsystem{Base: registry.Base{SubsystemName: "fs"}, health: registry.StatusHealthy}, nil
	})
	require.NoError(t, err)
	require.NoError(t, f.reg.Register(d))
	f.reg.SetActive("fs", sub, d.Version)

	f.wd.Cycle(context.Background())

	require.Equal(t, []EventKind{EventFailed, EventRecovered}, f.eventKinds())
	f.mu.Lock()
	assert.Equal(t, "restart", f.events[1].Action)
	f.mu.Unlock()
	assert.Equal(t, 2, attempts, "restart backs off and retries the factory once")
}

func TestCycle_FailoverToBackup(t *testing.T) {
	f := newFixture(t, defaultOpts())
	sub := &wdSubsystem{health: registry.StatusFailed}
	d := f.register(t, "net", false, sub, true) // primary factory broken

	backup, err := registry.NewDescriptor("net-backup", "0.9.0", ">=1.0.0 <2.0.0", registry.PhaseCore, func() (registry.Subsystem, error) {
		return &wdSubsystem{Base: registry.Base{SubsystemName: "net-backup"}, health: registry.StatusHealthy}, nil
	})
	require.NoError(t, err)
	d.WithBackup(backup)

	f.wd.Cycle(context.Background())

	kinds := f.eventKinds()
	require.Equal(t, []EventKind{EventFailed, EventRecovered}, kinds)
	f.mu.Lock()
	assert.Equal(t, "failover", f.events[1].Action)
	f.mu.Unlock()
	assert.Equal(t, "0.9.0", f.reg.ActiveVersion("net").String())
}

func TestCycle_IsolateRevokesCapabilities(t *testing.T) {
	f := newFixture(t, defaultOpts())
	sub := &wdSubsystem{health: registry.StatusFailed}
	f.register(t, "gpu", false, sub, true) // restart impossible, no backup

	require.NoError(t, f.broker.Provide("gpu.render", "gpu", sub))
	handle, err := f.broker.Request(context.Background(), "ui", "gpu.render")
	require.NoError(t, err)
	f.resources.DeclarePool(capability.ResourceDeviceWindow, 4)
	_, err = f.resources.Acquire("gpu", capability.ResourceDeviceWindow, 2)
	require.NoError(t, err)

	f.wd.Cycle(context.Background())

	assert.Contains(t, f.eventKinds(), EventQuarantined)
	assert.True(t, f.wd.Quarantined("gpu"))

	// P9: no handle issued by a quarantined subsystem is usable.
	err = handle.Use(context.Background(), func(any) error { return nil })
	assert.True(t, helixerrors.IsCode(err, helixerrors.ErrCodeCapabilityRevoked))
	assert.Equal(t, uint64(4), f.resources.Available(capability.ResourceDeviceWindow), "leases expired")

	// Quarantined subsystems are skipped on later cycles.
	before := len(f.eventKinds())
	f.wd.Cycle(context.Background())
	assert.Len(t, f.eventKinds(), before)
}

func TestCycle_UnresponsiveAfterConsecutiveMisses(t *testing.T) {
	opts := defaultOpts()
	opts.HealthDeadline = 5 * time.Millisecond
	f := newFixture(t, opts)
	sub := &wdSubsystem{health: registry.StatusHealthy, blockHealth: true, resetable: true}
	f.register(t, "nexus", true, sub, false)

	// Two misses: not yet declared.
	f.wd.Cycle(context.Background())
	f.wd.Cycle(context.Background())
	assert.Empty(t, f.eventKinds())

	// Third consecutive miss declares Unresponsive and runs the recovery
	// ladder.
	f.wd.Cycle(context.Background())

	kinds := f.eventKinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventFailed, kinds[0])
}

func TestDeclare_LadderExhaustedIsolates(t *testing.T) {
	opts := defaultOpts()
	opts.RetryBudget = 1
	f := newFixture(t, opts)
	// Reset is unsupported and the factory is broken.
	sub := &wdSubsystem{health: registry.StatusFailed, resetable: false}
	f.register(t, "disk", true, sub, true)

	// First failure consumes the only budget token; recovery fails
	// (no reset, broken factory, no backup) -> isolate.
	f.wd.Cycle(context.Background())
	kinds := f.eventKinds()
	assert.Equal(t, []EventKind{EventFailed, EventQuarantined}, kinds)
}

func TestStartStop_Loop(t *testing.T) {
	f := newFixture(t, Options{Cadence: 5 * time.Millisecond})
	sub := &wdSubsystem{health: registry.StatusHealthy}
	f.register(t, "sched", false, sub, false)

	f.wd.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	f.wd.Stop()
	assert.Equal(t, registry.StatusHealthy, f.wd.Status("sched"))
}
