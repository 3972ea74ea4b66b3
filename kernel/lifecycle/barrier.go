package lifecycle

import (
	"sync"

	"github.com/HelixOS-Org/helix/kernel/registry"
)

// PhaseBarrier gates later phases on earlier ones. A barrier releases
// only when every subsystem in its phase reported Healthy after init;
// waiters observe phase readiness, never individual subsystems.
type PhaseBarrier struct {
	mu       sync.Mutex
	released [registry.NumPhases]bool
	waiters  [registry.NumPhases][]chan struct{}
}

// NewPhaseBarrier creates an unreleased barrier set.
func NewPhaseBarrier() *PhaseBarrier {
	return &PhaseBarrier{}
}

// Release marks a phase ready and wakes its waiters.
func (b *PhaseBarrier) Release(phase registry.Phase) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released[phase] {
		return
	}
	b.released[phase] = true
	for _, ch := range b.waiters[phase] {
		close(ch)
	}
	b.waiters[phase] = nil
}

// Released reports whether a phase's barrier has released.
func (b *PhaseBarrier) Released(phase registry.Phase) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released[phase]
}

// Wait returns a channel closed when the phase releases.
func (b *PhaseBarrier) Wait(phase registry.Phase) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{})
	if b.released[phase] {
		close(ch)
		return ch
	}
	b.waiters[phase] = append(b.waiters[phase], ch)
	return ch
}
