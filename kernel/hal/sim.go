package hal

import (
	"sync"
	"sync/atomic"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
)

// SimClock is a manually advanced clock for deterministic tests.
type SimClock struct {
	now  atomic.Uint64
	freq uint64
}

// NewSimClock creates a SimClock starting at zero.
func NewSimClock() *SimClock {
	return &SimClock{freq: 1_000_000_000}
}

func (c *SimClock) Now() uint64         { return c.now.Load() }
func (c *SimClock) FrequencyHz() uint64 { return c.freq }

// Advance moves the clock forward by ns nanoseconds.
func (c *SimClock) Advance(ns uint64) { c.now.Add(ns) }

// SimCPU models a fixed-topology processor for the host build.
type SimCPU struct {
	id     uint32
	count  uint32
	halted atomic.Bool
	parked chan struct{}
}

// NewSimCPU creates a SimCPU with the given identity and core count.
func NewSimCPU(id, count uint32) *SimCPU {
	return &SimCPU{id: id, count: count, parked: make(chan struct{})}
}

func (c *SimCPU) ID() uint32    { return c.id }
func (c *SimCPU) Count() uint32 { return c.count }

// Halt parks the calling goroutine until the test releases it. The real
// implementation never returns; tests observe Halted instead.
func (c *SimCPU) Halt() {
	c.halted.Store(true)
	<-c.parked
}

// Halted reports whether Halt was invoked.
func (c *SimCPU) Halted() bool { return c.halted.Load() }

// Release unparks a halted SimCPU so tests can finish.
func (c *SimCPU) Release() {
	select {
	case <-c.parked:
	default:
		close(c.parked)
	}
}

// SimInterrupts is an in-memory interrupt controller.
type SimInterrupts struct {
	mu       sync.Mutex
	handlers map[uint32]InterruptHandler
	masked   map[uint32]bool
	eois     map[uint32]int
}

// NewSimInterrupts creates an empty controller.
func NewSimInterrupts() *SimInterrupts {
	return &SimInterrupts{
		handlers: make(map[uint32]InterruptHandler),
		masked:   make(map[uint32]bool),
		eois:     make(map[uint32]int),
	}
}

func (s *SimInterrupts) Register(vector uint32, handler InterruptHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[vector]; exists {
		return helixerrors.Newf(helixerrors.ErrCodeDuplicateName, "vector %d already registered", vector)
	}
	s.handlers[vector] = handler
	return nil
}

func (s *SimInterrupts) Mask(vector uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masked[vector] = true
}

func (s *SimInterrupts) Unmask(vector uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masked[vector] = false
}

func (s *SimInterrupts) EOI(vector uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eois[vector]++
}

// Fire delivers a vector to its handler unless masked. Returns true if
// the handler ran.
func (s *SimInterrupts) Fire(vector uint32) bool {
	s.mu.Lock()
	handler, ok := s.handlers[vector]
	masked := s.masked[vector]
	s.mu.Unlock()
	if !ok || masked {
		return false
	}
	handler(vector)
	return true
}

// EOICount reports acknowledgements for a vector.
func (s *SimInterrupts) EOICount(vector uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eois[vector]
}
