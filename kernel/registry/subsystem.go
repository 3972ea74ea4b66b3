// Package registry implements the kernel's module catalog: named,
// versioned subsystem descriptors with an ABI range, a phase, and a
// dependency graph. The registry never calls subsystem code.
package registry

import (
	"context"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
)

// Phase is an ordered initialization band.
type Phase int

const (
	PhaseBoot Phase = iota
	PhaseEarly
	PhaseCore
	PhaseLate
	PhaseRuntime

	NumPhases = 5
)

func (p Phase) String() string {
	switch p {
	case PhaseBoot:
		return "boot"
	case PhaseEarly:
		return "early"
	case PhaseCore:
		return "core"
	case PhaseLate:
		return "late"
	case PhaseRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// ParsePhase maps a phase name to its value.
func ParsePhase(s string) (Phase, bool) {
	for p := PhaseBoot; p <= PhaseRuntime; p++ {
		if p.String() == s {
			return p, true
		}
	}
	return 0, false
}

// HealthStatus is a subsystem's observed condition. Transitions are
// monotonic until a successful reset.
type HealthStatus int

const (
	StatusHealthy HealthStatus = iota
	StatusDegraded
	StatusUnresponsive
	StatusFailed
	StatusQuarantined
)

func (s HealthStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnresponsive:
		return "unresponsive"
	case StatusFailed:
		return "failed"
	case StatusQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// HealthReport is returned by a subsystem's Health operation.
type HealthReport struct {
	Status       HealthStatus `json:"status"`
	LastOKTS     uint64       `json:"last_ok_ts"`
	FailureCount int          `json:"failure_count"`
	Detail       string       `json:"detail,omitempty"`
}

// StopIntent tells a subsystem why it is being stopped.
type StopIntent int

const (
	IntentShutdown StopIntent = iota
	IntentSwap
	IntentRestart
)

func (i StopIntent) String() string {
	switch i {
	case IntentShutdown:
		return "shutdown"
	case IntentSwap:
		return "swap"
	case IntentRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// Snapshot is an opaque, versioned byte image of a module's transferable
// state. Restore validates the schema tag before mutating anything.
type Snapshot struct {
	Schema string `json:"schema"`
	Data   []byte `json:"data"`
}

// Subsystem is the lifecycle contract every kernel unit implements.
// Optional operations return Unsupported instead of being absent.
type Subsystem interface {
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context, intent StopIntent) error
	Health(ctx context.Context) HealthReport
	Reset(ctx context.Context) error
	Snapshot() (*Snapshot, error)
	Restore(snap *Snapshot) error
}

// Base provides Unsupported defaults for the optional operations and a
// trivially healthy report. Concrete subsystems embed it and override
// what they support.
type Base struct {
	SubsystemName string
}

// Init is a no-op by default.
func (b *Base) Init(ctx context.Context) error { return nil }

// Start is a no-op by default.
func (b *Base) Start(ctx context.Context) error { return nil }

// Stop is a no-op by default.
func (b *Base) Stop(ctx context.Context, intent StopIntent) error { return nil }

// Health reports healthy by default.
func (b *Base) Health(ctx context.Context) HealthReport {
	return HealthReport{Status: StatusHealthy}
}

// Reset is unsupported by default.
func (b *Base) Reset(ctx context.Context) error {
	return helixerrors.NewUnsupported(b.SubsystemName, "reset")
}

// Snapshot is unsupported by default.
func (b *Base) Snapshot() (*Snapshot, error) {
	return nil, helixerrors.NewUnsupported(b.SubsystemName, "snapshot")
}

// Restore is unsupported by default.
func (b *Base) Restore(*Snapshot) error {
	return helixerrors.NewUnsupported(b.SubsystemName, "restore")
}

// ExecMode selects how the init engine runs a subsystem's init.
type ExecMode int

const (
	// ExecSequential runs alone in topological order.
	ExecSequential ExecMode = iota
	// ExecParallel may run concurrently with other independent subsystems.
	ExecParallel
	// ExecLazy defers init until the first capability request.
	ExecLazy
	// ExecConditional runs only if the descriptor's Condition holds.
	ExecConditional
)

func (m ExecMode) String() string {
	switch m {
	case ExecSequential:
		return "sequential"
	case ExecParallel:
		return "parallel"
	case ExecLazy:
		return "lazy"
	case ExecConditional:
		return "conditional"
	default:
		return "unknown"
	}
}
