package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HelixOS-Org/helix/infrastructure/logging"
	"github.com/HelixOS-Org/helix/infrastructure/metrics"
	"github.com/HelixOS-Org/helix/kernel/registry"
)

// recorder tracks lifecycle calls across all test subsystems.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, event)
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// testSubsystem is a scriptable subsystem.
type testSubsystem struct {
	registry.Base
	rec        *recorder
	initErr    error
	stopErr    error
	postHealth registry.HealthStatus
}

func (s *testSubsystem) Init(ctx context.Context) error {
	s.rec.record("init:" + s.SubsystemName)
	return s.initErr
}

func (s *testSubsystem) Stop(ctx context.Context, intent registry.StopIntent) error {
	s.rec.record("stop:" + s.SubsystemName)
	return s.stopErr
}

func (s *testSubsystem) Health(ctx context.Context) registry.HealthReport {
	return registry.HealthReport{Status: s.postHealth}
}

type subsystemOpt func(*testSubsystem)

func withInitErr(err error) subsystemOpt {
	return func(s *testSubsystem) { s.initErr = err }
}

func withStopErr(err error) subsystemOpt {
	return func(s *testSubsystem) { s.stopErr = err }
}

func withPostHealth(st registry.HealthStatus) subsystemOpt {
	return func(s *testSubsystem) { s.postHealth = st }
}

func desc(t *testing.T, rec *recorder, name string, phase registry.Phase, deps []string, opts ...subsystemOpt) *registry.Descriptor {
	t.Helper()
	d, err := registry.NewDescriptor(name, "1.0.0", ">=1.0.0", phase, func() (registry.Subsystem, error) {
		s := &testSubsystem{Base: registry.Base{SubsystemName: name}, rec: rec}
		for _, opt := range opts {
			opt(s)
		}
		return s, nil
	})
	require.NoError(t, err)
	return d.WithDeps(deps...)
}

func newEngine(t *testing.T) (*Engine, *registry.Registry, *recorder) {
	t.Helper()
	reg, err := registry.New("1.0.0")
	require.NoError(t, err)
	rec := &recorder{}
	eng := NewEngine(reg, logging.New("test", "panic", "text"), metrics.Noop())
	return eng, reg, rec
}

func TestRunAll_CleanBoot_PhaseOrder(t *testing.T) {
	eng, reg, rec := newEngine(t)
	require.NoError(t, reg.Register(desc(t, rec, "clock", registry.PhaseBoot, nil)))
	require.NoError(t, reg.Register(desc(t, rec, "mem", registry.PhaseEarly, []string{"clock"})))
	require.NoError(t, reg.Register(desc(t, rec, "sched", registry.PhaseCore, []string{"mem"})))
	require.NoError(t, reg.Register(desc(t, rec, "nexus", registry.PhaseLate, []string{"sched"})))
	require.NoError(t, reg.Freeze())

	require.NoError(t, eng.RunAll(context.Background()))

	assert.Equal(t, []string{"init:clock", "init:mem", "init:sched", "init:nexus"}, rec.events())
	assert.Equal(t, []string{"clock", "mem", "sched", "nexus"}, eng.InitializedOrder())
	for p := registry.PhaseBoot; p <= registry.PhaseRuntime; p++ {
		assert.True(t, eng.Barrier().Released(p), "phase %s should be released", p)
	}
	// Active slots installed.
	for _, name := range []string{"clock", "mem", "sched", "nexus"} {
		_, err := reg.Resolve(name, "")
		assert.NoError(t, err, name)
	}
}

func TestRunAll_InitFailure_RollbackReverseOrder(t *testing.T) {
	eng, reg, rec := newEngine(t)
	boom := errors.New("no frames")
	require.NoError(t, reg.Register(desc(t, rec, "clock", registry.PhaseBoot, nil)))
	require.NoError(t, reg.Register(desc(t, rec, "mem", registry.PhaseEarly, []string{"clock"})))
	require.NoError(t, reg.Register(desc(t, rec, "sched", registry.PhaseCore, []string{"mem"}, withInitErr(boom))))
	require.NoError(t, reg.Freeze())

	err := eng.RunAll(context.Background())
	require.Error(t, err)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "sched", initErr.Subsystem)
	assert.Equal(t, registry.PhaseCore, initErr.Phase)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, initErr.RollbackErrors)

	// Each successfully initialized subsystem stopped exactly once, in
	// reverse initialization order.
	assert.Equal(t, []string{"init:clock", "init:mem", "init:sched", "stop:mem", "stop:clock"}, rec.events())

	// Active slots cleared.
	_, rerr := reg.Resolve("mem", "")
	assert.Error(t, rerr)
}

func TestRollback_RecordsStopErrorsWithoutHalting(t *testing.T) {
	eng, reg, rec := newEngine(t)
	stuck := errors.New("stuck device")
	require.NoError(t, reg.Register(desc(t, rec, "a", registry.PhaseBoot, nil, withStopErr(stuck))))
	require.NoError(t, reg.Register(desc(t, rec, "b", registry.PhaseBoot, []string{"a"})))
	require.NoError(t, reg.Register(desc(t, rec, "c", registry.PhaseBoot, []string{"b"}, withInitErr(errors.New("nope")))))
	require.NoError(t, reg.Freeze())

	err := eng.RunAll(context.Background())
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)

	// Chain completed despite a's stop failure.
	assert.Equal(t, []string{"init:a", "init:b", "init:c", "stop:b", "stop:a"}, rec.events())
	require.Len(t, initErr.RollbackErrors, 1)
	assert.ErrorIs(t, initErr.RollbackErrors[0], stuck)
}

func TestRunPhase_UnhealthyAfterInit_Fails(t *testing.T) {
	eng, reg, rec := newEngine(t)
	require.NoError(t, reg.Register(desc(t, rec, "flaky", registry.PhaseBoot, nil, withPostHealth(registry.StatusDegraded))))
	require.NoError(t, reg.Freeze())

	err := eng.RunPhase(context.Background(), registry.PhaseBoot)
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "flaky", initErr.Subsystem)
	assert.False(t, eng.Barrier().Released(registry.PhaseBoot))
}

func TestRunPhase_ParallelGroup(t *testing.T) {
	eng, reg, rec := newEngine(t)
	require.NoError(t, reg.Register(desc(t, rec, "root", registry.PhaseBoot, nil)))
	da := desc(t, rec, "disk-a", registry.PhaseBoot, []string{"root"})
	db := desc(t, rec, "disk-b", registry.PhaseBoot, []string{"root"})
	da.WithMode(registry.ExecParallel)
	db.WithMode(registry.ExecParallel)
	require.NoError(t, reg.Register(da))
	require.NoError(t, reg.Register(db))
	require.NoError(t, reg.Freeze())

	require.NoError(t, eng.RunPhase(context.Background(), registry.PhaseBoot))

	events := rec.events()
	require.Len(t, events, 3)
	assert.Equal(t, "init:root", events[0], "dependency initializes before the parallel wave")
	assert.ElementsMatch(t, []string{"init:disk-a", "init:disk-b"}, events[1:])
}

func TestRunPhase_ConditionalSkip(t *testing.T) {
	eng, reg, rec := newEngine(t)
	require.NoError(t, reg.Register(desc(t, rec, "base", registry.PhaseBoot, nil)))
	cond := desc(t, rec, "gpu", registry.PhaseBoot, []string{"base"})
	cond.WithCondition(func(initialized map[string]bool) bool {
		return initialized["never-there"]
	})
	require.NoError(t, reg.Register(cond))
	require.NoError(t, reg.Freeze())

	require.NoError(t, eng.RunPhase(context.Background(), registry.PhaseBoot))
	assert.Equal(t, []string{"init:base"}, rec.events())
	assert.True(t, eng.Barrier().Released(registry.PhaseBoot))
}

func TestEnsureLazy(t *testing.T) {
	eng, reg, rec := newEngine(t)
	lazy := desc(t, rec, "fscache", registry.PhaseCore, nil)
	lazy.WithMode(registry.ExecLazy)
	require.NoError(t, reg.Register(lazy))
	require.NoError(t, reg.Freeze())

	require.NoError(t, eng.RunPhase(context.Background(), registry.PhaseCore))
	assert.Empty(t, rec.events(), "lazy subsystem must not init during the phase")

	require.NoError(t, eng.EnsureLazy(context.Background(), "fscache"))
	assert.Equal(t, []string{"init:fscache"}, rec.events())

	// Second call is a no-op.
	require.NoError(t, eng.EnsureLazy(context.Background(), "fscache"))
	assert.Len(t, rec.events(), 1)

	// Unknown names are ignored.
	require.NoError(t, eng.EnsureLazy(context.Background(), "nothing"))
}

func TestPhaseBarrier_Waiters(t *testing.T) {
	b := NewPhaseBarrier()
	ch := b.Wait(registry.PhaseCore)
	select {
	case <-ch:
		t.Fatal("barrier released early")
	default:
	}
	b.Release(registry.PhaseCore)
	<-ch

	// Waiting on a released phase returns a closed channel.
	<-b.Wait(registry.PhaseCore)
}
