package telemetry

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/kernel/hal"
)

func newTestRegistry(t *testing.T, cpus uint32) (*Registry, *hal.SimClock) {
	t.Helper()
	clock := hal.NewSimClock()
	return NewRegistry(clock, cpus), clock
}

func TestRegisterCounter_DuplicateAndFrozen(t *testing.T) {
	r, _ := newTestRegistry(t, 2)
	if _, err := r.RegisterCounter("sched.ticks"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterCounter("sched.ticks"); !helixerrors.IsCode(err, helixerrors.ErrCodeDuplicateName) {
		t.Errorf("expected duplicate name, got %v", err)
	}
	r.Freeze()
	if _, err := r.RegisterCounter("late"); !helixerrors.IsCode(err, helixerrors.ErrCodeRegistryFrozen) {
		t.Errorf("expected frozen, got %v", err)
	}
	if _, err := r.RegisterGauge("late.gauge"); !helixerrors.IsCode(err, helixerrors.ErrCodeRegistryFrozen) {
		t.Errorf("expected frozen, got %v", err)
	}
}

func TestPerCPUSum(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	id, _ := r.RegisterCounter("bus.published")
	r.Freeze()

	r.Inc(id, 0)
	r.Inc(id, 1)
	r.Add(id, 3, 10)

	if got := r.CounterValue(id); got != 12 {
		t.Errorf("expected 12, got %d", got)
	}
}

func TestSnapshot_FillAndMonotonicTimestamp(t *testing.T) {
	r, clock := newTestRegistry(t, 2)
	c1, _ := r.RegisterCounter("a")
	c2, _ := r.RegisterCounter("b")
	g, _ := r.RegisterGauge("load")
	r.Freeze()

	r.Add(c1, 0, 5)
	r.Add(c2, 1, 7)
	r.SetGauge(g, 42)

	snap := r.NewSnapshotBuffer()
	clock.Advance(100)
	r.Fill(snap)

	if snap.Timestamp != 100 {
		t.Errorf("expected ts 100, got %d", snap.Timestamp)
	}
	if snap.Counters[0] != 5 || snap.Counters[1] != 7 {
		t.Errorf("unexpected counters: %v", snap.Counters)
	}
	if snap.Gauges[0] != 42 {
		t.Errorf("unexpected gauge: %v", snap.Gauges)
	}

	// Counters never decrease between fills.
	r.Add(c1, 1, 1)
	clock.Advance(50)
	snap2 := r.NewSnapshotBuffer()
	r.Fill(snap2)
	if snap2.Timestamp <= snap.Timestamp {
		t.Error("timestamps must be monotonic")
	}
	if snap2.Counters[0] < snap.Counters[0] {
		t.Error("counters must not decrease")
	}
}

func TestSnapshot_CopyInto(t *testing.T) {
	r, _ := newTestRegistry(t, 1)
	c, _ := r.RegisterCounter("x")
	r.Freeze()
	r.Inc(c, 0)

	src := r.NewSnapshotBuffer()
	r.Fill(src)
	dst := r.NewSnapshotBuffer()
	src.CopyInto(dst)

	if dst.Counters[0] != 1 || dst.Timestamp != src.Timestamp {
		t.Errorf("copy mismatch: %+v vs %+v", dst, src)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	id, _ := r.RegisterCounter("contended")
	r.Freeze()

	var wg sync.WaitGroup
	for cpu := uint32(0); cpu < 4; cpu++ {
		wg.Add(1)
		go func(cpu uint32) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r.Inc(id, cpu)
			}
		}(cpu)
	}
	wg.Wait()

	if got := r.CounterValue(id); got != 4000 {
		t.Errorf("expected 4000, got %d", got)
	}
}

func TestCollector_Gather(t *testing.T) {
	r, _ := newTestRegistry(t, 1)
	c, _ := r.RegisterCounter("sched.ticks")
	r.Freeze()
	r.Add(c, 0, 9)

	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(r)); err != nil {
		t.Fatal(err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "helix_telemetry_counter" {
			found = true
			if f.GetMetric()[0].GetCounter().GetValue() != 9 {
				t.Errorf("expected 9, got %v", f.GetMetric()[0].GetCounter().GetValue())
			}
		}
	}
	if !found {
		t.Error("telemetry counter not exported")
	}
}
