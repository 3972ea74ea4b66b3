// Package telemetry provides the kernel's lock-free counters and the
// snapshot machinery the NEXUS sense stage reads. Counters are per-CPU
// and summed on snapshot; the hot path never allocates.
package telemetry

import (
	"sync"
	"sync/atomic"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/kernel/hal"
)

// CounterID indexes a registered counter.
type CounterID int

// GaugeID indexes a registered gauge.
type GaugeID int

// padded keeps each per-CPU slot on its own cache line.
type padded struct {
	v atomic.Uint64
	_ [7]uint64
}

// Registry holds the fixed set of counters and gauges. The set is
// declared during calibration and frozen before the tick loop starts;
// reads and increments after freeze are lock-free.
type Registry struct {
	mu     sync.Mutex
	frozen atomic.Bool

	clock hal.Clock
	cpus  uint32

	counterNames []string
	counters     [][]padded // [counter][cpu]

	gaugeNames []string
	gauges     []uint64 // accessed with atomic loads/stores after freeze
}

// NewRegistry creates a Registry for the given topology.
func NewRegistry(clock hal.Clock, cpuCount uint32) *Registry {
	if cpuCount == 0 {
		cpuCount = 1
	}
	return &Registry{clock: clock, cpus: cpuCount}
}

// RegisterCounter declares a counter. Must happen before Freeze.
func (r *Registry) RegisterCounter(name string) (CounterID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return 0, helixerrors.NewRegistryFrozen("telemetry counter registration")
	}
	for _, n := range r.counterNames {
		if n == name {
			return 0, helixerrors.NewDuplicateName(name)
		}
	}
	r.counterNames = append(r.counterNames, name)
	r.counters = append(r.counters, make([]padded, r.cpus))
	return CounterID(len(r.counterNames) - 1), nil
}

// RegisterGauge declares a gauge. Must happen before Freeze.
func (r *Registry) RegisterGauge(name string) (GaugeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return 0, helixerrors.NewRegistryFrozen("telemetry gauge registration")
	}
	for _, n := range r.gaugeNames {
		if n == name {
			return 0, helixerrors.NewDuplicateName(name)
		}
	}
	r.gaugeNames = append(r.gaugeNames, name)
	r.gauges = append(r.gauges, 0)
	return GaugeID(len(r.gaugeNames) - 1), nil
}

// Freeze closes the declaration window.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Frozen reports whether the declaration window is closed.
func (r *Registry) Frozen() bool { return r.frozen.Load() }

// Inc increments a counter on the calling CPU's slot.
func (r *Registry) Inc(id CounterID, cpu uint32) {
	r.Add(id, cpu, 1)
}

// Add adds delta to a counter on the calling CPU's slot.
func (r *Registry) Add(id CounterID, cpu uint32, delta uint64) {
	if int(id) >= len(r.counters) {
		return
	}
	r.counters[id][cpu%r.cpus].v.Add(delta)
}

// SetGauge stores a gauge reading.
func (r *Registry) SetGauge(id GaugeID, value uint64) {
	if int(id) >= len(r.gauges) {
		return
	}
	atomic.StoreUint64(&r.gauges[id], value)
}

// CounterNames returns the declared counter names in ID order.
func (r *Registry) CounterNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.counterNames))
	copy(out, r.counterNames)
	return out
}

// GaugeNames returns the declared gauge names in ID order.
func (r *Registry) GaugeNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.gaugeNames))
	copy(out, r.gaugeNames)
	return out
}

// CounterValue sums a counter across CPUs.
func (r *Registry) CounterValue(id CounterID) uint64 {
	if int(id) >= len(r.counters) {
		return 0
	}
	var total uint64
	for i := range r.counters[id] {
		total += r.counters[id][i].v.Load()
	}
	return total
}

// Snapshot is an immutable view of all readings at a timestamp. Buffers
// are pre-sized at calibration; Fill never allocates.
type Snapshot struct {
	Timestamp uint64
	Counters  []uint64
	Gauges    []uint64
}

// NewSnapshotBuffer allocates a buffer sized for the frozen registry.
func (r *Registry) NewSnapshotBuffer() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Snapshot{
		Counters: make([]uint64, len(r.counterNames)),
		Gauges:   make([]uint64, len(r.gaugeNames)),
	}
}

// Fill sums every counter across CPUs into the buffer and stamps it with
// the monotonic clock. O(#counters × #cpus), no allocation.
func (r *Registry) Fill(snap *Snapshot) {
	snap.Timestamp = r.clock.Now()
	for c := range r.counters {
		var total uint64
		for i := range r.counters[c] {
			total += r.counters[c][i].v.Load()
		}
		snap.Counters[c] = total
	}
	for g := range r.gauges {
		snap.Gauges[g] = atomic.LoadUint64(&r.gauges[g])
	}
}

// CopyInto duplicates the snapshot into dst without allocating.
func (s *Snapshot) CopyInto(dst *Snapshot) {
	dst.Timestamp = s.Timestamp
	copy(dst.Counters, s.Counters)
	copy(dst.Gauges, s.Gauges)
}
