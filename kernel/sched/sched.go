// Package sched implements the kernel's per-CPU scheduler loop and the
// NEXUS integration shim. Advisories may only permute choices that are
// individually legal; the baseline round-robin algorithm is always
// available and correct on its own.
package sched

import (
	"sync"

	"github.com/HelixOS-Org/helix/infrastructure/logging"
	"github.com/HelixOS-Org/helix/kernel/hal"
	"github.com/HelixOS-Org/helix/kernel/nexus"
	"github.com/HelixOS-Org/helix/kernel/telemetry"
)

// TaskID identifies a runnable task.
type TaskID uint64

// Task is one schedulable unit with its hard constraints.
type Task struct {
	ID TaskID
	// Affinity is a CPU bitmask; bit N allows CPU N. Zero means any.
	Affinity uint64
	// Capability names a capability the task's owner must hold to run.
	// Empty means unconditional.
	Capability string
	// Deadline is an absolute monotonic realtime deadline; zero means
	// none. Tasks with deadlines are scheduled earliest-first and cannot
	// be displaced by advisories.
	Deadline uint64
}

// allowedOn reports whether affinity admits cpu.
func (t Task) allowedOn(cpu uint32) bool {
	return t.Affinity == 0 || t.Affinity&(1<<cpu) != 0
}

// Advisor is the scheduler's view of NEXUS. Query must return within
// the deadline or not at all; Verify reports what happened to the hint.
type Advisor interface {
	Query(deadline uint64) *nexus.Advisory
	Verify(outcome nexus.Outcome)
}

// CapabilityCheck gates capability-constrained tasks.
type CapabilityCheck func(capability string) bool

// runQueue is one CPU's queue. The owning CPU's loop is the only
// scheduler of the queue; the lock covers cross-CPU submissions.
type runQueue struct {
	mu    sync.Mutex
	tasks []Task
}

// Config parameterizes the scheduler.
type Config struct {
	CPUCount uint32
	// AdvisoryBudget is the absolute per-tick budget granted to NEXUS,
	// in monotonic nanoseconds (a fraction of the tick period).
	AdvisoryBudget uint64
}

// Scheduler owns the per-CPU run queues.
type Scheduler struct {
	clock    hal.Clock
	logger   *logging.Logger
	advisor  Advisor
	capCheck CapabilityCheck
	budget   uint64

	queues []*runQueue

	ticksCounter    telemetry.CounterID
	appliedCounter  telemetry.CounterID
	fallbackCounter telemetry.CounterID
	depthGauge      telemetry.GaugeID
	registry        *telemetry.Registry
}

// New creates a Scheduler and declares its telemetry counters. The
// telemetry registry must not be frozen yet.
func New(clock hal.Clock, logger *logging.Logger, reg *telemetry.Registry, cfg Config) (*Scheduler, error) {
	if cfg.CPUCount == 0 {
		cfg.CPUCount = 1
	}
	s := &Scheduler{
		clock:    clock,
		logger:   logger.Named("sched"),
		capCheck: func(string) bool { return true },
		budget:   cfg.AdvisoryBudget,
		registry: reg,
	}
	for i := uint32(0); i < cfg.CPUCount; i++ {
		s.queues = append(s.queues, &runQueue{})
	}

	var err error
	if s.ticksCounter, err = reg.RegisterCounter("sched.ticks"); err != nil {
		return nil, err
	}
	if s.appliedCounter, err = reg.RegisterCounter("sched.advisories.applied"); err != nil {
		return nil, err
	}
	if s.fallbackCounter, err = reg.RegisterCounter("sched.baseline.fallbacks"); err != nil {
		return nil, err
	}
	if s.depthGauge, err = reg.RegisterGauge("sched.runqueue.depth"); err != nil {
		return nil, err
	}
	return s, nil
}

// SetAdvisor wires the NEXUS pipeline. A nil advisor means permanent
// baseline behavior.
func (s *Scheduler) SetAdvisor(a Advisor) { s.advisor = a }

// SetCapabilityCheck wires the capability broker's gate.
func (s *Scheduler) SetCapabilityCheck(check CapabilityCheck) {
	if check != nil {
		s.capCheck = check
	}
}

// Submit places a task on the least loaded queue its affinity admits.
func (s *Scheduler) Submit(task Task) {
	best := -1
	bestLen := 0
	for cpu := range s.queues {
		if !task.allowedOn(uint32(cpu)) {
			continue
		}
		s.queues[cpu].mu.Lock()
		n := len(s.queues[cpu].tasks)
		s.queues[cpu].mu.Unlock()
		if best == -1 || n < bestLen {
			best, bestLen = cpu, n
		}
	}
	if best == -1 {
		best = 0
	}
	q := s.queues[best]
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	s.updateDepth()
}

// Remove deletes a task from whichever queue holds it.
func (s *Scheduler) Remove(id TaskID) bool {
	for _, q := range s.queues {
		q.mu.Lock()
		for i, t := range q.tasks {
			if t.ID == id {
				q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
				q.mu.Unlock()
				s.updateDepth()
				return true
			}
		}
		q.mu.Unlock()
	}
	return false
}

func (s *Scheduler) updateDepth() {
	var total uint64
	for _, q := range s.queues {
		q.mu.Lock()
		total += uint64(len(q.tasks))
		q.mu.Unlock()
	}
	s.registry.SetGauge(s.depthGauge, total)
}

// TaskSource adapts the run queues for the NEXUS decide stage.
func (s *Scheduler) TaskSource() nexus.TaskSource {
	return func(buf []uint64) int {
		n := 0
		for _, q := range s.queues {
			q.mu.Lock()
			for _, t := range q.tasks {
				if n >= len(buf) {
					q.mu.Unlock()
					return n
				}
				buf[n] = uint64(t.ID)
				n++
			}
			q.mu.Unlock()
		}
		return n
	}
}

// OnTick is the hot-path entry: selects the next task for cpu. The
// advisory, if any, re-orders only legal choices; hard constraints
// (affinity, capability gating, realtime deadlines) always win, and any
// sequence of NoAdvisory responses degrades to round-robin.
func (s *Scheduler) OnTick(cpu uint32) (TaskID, bool) {
	now := s.clock.Now()
	s.registry.Inc(s.ticksCounter, cpu)

	var adv *nexus.Advisory
	if s.advisor != nil {
		adv = s.advisor.Query(now + s.budget)
	}

	id, applied, ok := s.pick(cpu, now, adv)

	if s.advisor != nil {
		outcome := nexus.OutcomeIgnored
		if applied {
			outcome = nexus.OutcomeApplied
			s.registry.Inc(s.appliedCounter, cpu)
		} else if adv == nil {
			s.registry.Inc(s.fallbackCounter, cpu)
		}
		s.advisor.Verify(outcome)
	}
	return id, ok
}

// pick selects and rotates the chosen task to the back of its queue.
func (s *Scheduler) pick(cpu uint32, now uint64, adv *nexus.Advisory) (TaskID, bool, bool) {
	q := s.queues[cpu]
	q.mu.Lock()
	defer q.mu.Unlock()

	legal := make([]int, 0, len(q.tasks))
	for i, t := range q.tasks {
		if !t.allowedOn(cpu) {
			continue
		}
		if t.Capability != "" && !s.capCheck(t.Capability) {
			continue
		}
		legal = append(legal, i)
	}
	if len(legal) == 0 {
		return 0, false, false
	}

	// Realtime deadlines first: earliest deadline among legal tasks.
	// Advisories cannot displace this choice.
	rt := -1
	for _, i := range legal {
		if q.tasks[i].Deadline == 0 {
			continue
		}
		if rt == -1 || q.tasks[i].Deadline < q.tasks[rt].Deadline {
			rt = i
		}
	}
	if rt >= 0 {
		return q.rotateLocked(rt), false, true
	}

	// Advisory boost: first boosted id that is legal here.
	if adv != nil {
		for _, boosted := range adv.BoostTasks {
			for _, i := range legal {
				if uint64(q.tasks[i].ID) == boosted {
					return q.rotateLocked(i), true, true
				}
			}
		}
		// Advisory throttle: skip throttled tasks when an unthrottled
		// legal task exists.
		if len(adv.ThrottleTasks) > 0 {
			for _, i := range legal {
				if !contains(adv.ThrottleTasks, uint64(q.tasks[i].ID)) {
					return q.rotateLocked(i), true, true
				}
			}
		}
	}

	// Baseline: round-robin head.
	return q.rotateLocked(legal[0]), false, true
}

// rotateLocked removes index i and re-appends the task, returning its id.
func (q *runQueue) rotateLocked(i int) TaskID {
	t := q.tasks[i]
	q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
	q.tasks = append(q.tasks, t)
	return t.ID
}

func contains(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// QueueDepth reports the total number of queued tasks.
func (s *Scheduler) QueueDepth() int {
	n := 0
	for _, q := range s.queues {
		q.mu.Lock()
		n += len(q.tasks)
		q.mu.Unlock()
	}
	return n
}
