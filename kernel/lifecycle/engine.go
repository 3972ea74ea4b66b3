// Package lifecycle implements the init engine: phase-ordered subsystem
// initialization with execution modes, health-gated phase barriers, and
// a reverse-order rollback chain on failure.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/infrastructure/logging"
	"github.com/HelixOS-Org/helix/infrastructure/metrics"
	"github.com/HelixOS-Org/helix/kernel/registry"
)

// InitError is the composite failure the engine returns after running
// the rollback chain.
type InitError struct {
	Phase          registry.Phase
	Subsystem      string
	Cause          error
	RollbackErrors []error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init failed in phase %s at %q: %v (%d rollback errors)",
		e.Phase, e.Subsystem, e.Cause, len(e.RollbackErrors))
}

func (e *InitError) Unwrap() error { return e.Cause }

// Engine drives the five boot phases over a frozen registry.
type Engine struct {
	registry *registry.Registry
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	initialized []string                       // init completion order
	instances   map[string]registry.Subsystem  // live instances
	lazy        map[string]*registry.Descriptor
	skipped     map[string]bool // conditional subsystems whose predicate failed

	barrier *PhaseBarrier
}

// NewEngine creates an Engine. The registry must be frozen before Run.
func NewEngine(reg *registry.Registry, logger *logging.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		registry:  reg,
		logger:    logger.Named("init"),
		metrics:   m,
		instances: make(map[string]registry.Subsystem),
		lazy:      make(map[string]*registry.Descriptor),
		skipped:   make(map[string]bool),
		barrier:   NewPhaseBarrier(),
	}
}

// Barrier exposes the phase barrier for waiters.
func (e *Engine) Barrier() *PhaseBarrier { return e.barrier }

// Instance returns the live instance for name, if initialized.
func (e *Engine) Instance(name string) (registry.Subsystem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[name]
	return inst, ok
}

// InitializedOrder returns init completion order.
func (e *Engine) InitializedOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.initialized))
	copy(out, e.initialized)
	return out
}

// RunAll executes every phase in order. On failure the rollback chain
// has already run and the returned error is an *InitError.
func (e *Engine) RunAll(ctx context.Context) error {
	for phase := registry.PhaseBoot; phase <= registry.PhaseRuntime; phase++ {
		if err := e.RunPhase(ctx, phase); err != nil {
			return err
		}
	}
	return nil
}

// RunPhase initializes every subsystem declared in phase, honors the
// execution modes, verifies health, and releases the phase barrier.
func (e *Engine) RunPhase(ctx context.Context, phase registry.Phase) error {
	start := time.Now()
	descriptors := e.registry.ListByPhase(phase)

	pending := make(map[string]*registry.Descriptor, len(descriptors))
	order := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		switch d.Mode {
		case registry.ExecLazy:
			e.mu.Lock()
			e.lazy[d.Name] = d
			e.mu.Unlock()
		default:
			pending[d.Name] = d
			order = append(order, d.Name)
		}
	}

	for len(pending) > 0 {
		ready := e.readySet(order, pending)
		if len(ready) == 0 {
			// Remaining dependencies are lazy; proceed in declared order.
			for _, n := range order {
				if d, ok := pending[n]; ok {
					ready = []*registry.Descriptor{d}
					break
				}
			}
		}

		head := ready[0]
		if head.Mode == registry.ExecParallel {
			group := []*registry.Descriptor{}
			for _, d := range ready {
				if d.Mode == registry.ExecParallel {
					group = append(group, d)
				}
			}
			if err := e.initGroup(ctx, phase, group); err != nil {
				return err
			}
			for _, d := range group {
				delete(pending, d.Name)
			}
			continue
		}

		if err := e.initOne(ctx, phase, head); err != nil {
			return err
		}
		delete(pending, head.Name)
	}

	if err := e.verifyPhaseHealth(ctx, phase, descriptors); err != nil {
		return err
	}

	e.barrier.Release(phase)
	if e.metrics != nil {
		e.metrics.PhaseDuration.WithLabelValues(phase.String()).Observe(time.Since(start).Seconds())
	}
	e.logger.WithFields(map[string]interface{}{"phase": phase.String(), "subsystems": len(descriptors)}).
		Info("Phase complete")
	return nil
}

// readySet returns pending descriptors whose dependencies are all
// initialized or skipped, in declared order.
func (e *Engine) readySet(order []string, pending map[string]*registry.Descriptor) []*registry.Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ready []*registry.Descriptor
	for _, name := range order {
		d, ok := pending[name]
		if !ok {
			continue
		}
		ok = true
		for _, dep := range d.DependsOn {
			if _, inited := e.instances[dep]; !inited && !e.skipped[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, d)
		}
	}
	return ready
}

func (e *Engine) initGroup(ctx context.Context, phase registry.Phase, group []*registry.Descriptor) error {
	var wg sync.WaitGroup
	errs := make([]error, len(group))
	for i, d := range group {
		wg.Add(1)
		go func(i int, d *registry.Descriptor) {
			defer wg.Done()
			errs[i] = e.initOne(ctx, phase, d)
		}(i, d)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// initOne instantiates, initializes, and starts one subsystem. Failure
// triggers the rollback chain and returns an *InitError.
func (e *Engine) initOne(ctx context.Context, phase registry.Phase, d *registry.Descriptor) error {
	if d.Mode == registry.ExecConditional {
		e.mu.Lock()
		initialized := make(map[string]bool, len(e.instances))
		for name := range e.instances {
			initialized[name] = true
		}
		e.mu.Unlock()
		if d.Condition == nil || !d.Condition(initialized) {
			e.mu.Lock()
			e.skipped[d.Name] = true
			e.mu.Unlock()
			e.logger.WithSubsystem(d.Name).Info("Conditional subsystem skipped")
			return nil
		}
	}

	start := time.Now()
	instance, err := d.Factory()
	if err == nil {
		err = instance.Init(ctx)
	}
	if err == nil {
		err = instance.Start(ctx)
	}

	if e.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.InitTotal.WithLabelValues(d.Name, status).Inc()
	}
	e.logger.LogLifecycle(d.Name, "init", time.Since(start), err)

	if err != nil {
		rollbackErrs := e.Rollback(ctx)
		return &InitError{
			Phase:          phase,
			Subsystem:      d.Name,
			Cause:          helixerrors.NewInitFailed(d.Name, err),
			RollbackErrors: rollbackErrs,
		}
	}

	e.mu.Lock()
	e.instances[d.Name] = instance
	e.initialized = append(e.initialized, d.Name)
	e.mu.Unlock()
	e.registry.SetActive(d.Name, instance, d.Version)
	return nil
}

// verifyPhaseHealth gates the barrier on every subsystem of the phase
// reporting Healthy.
func (e *Engine) verifyPhaseHealth(ctx context.Context, phase registry.Phase, descriptors []*registry.Descriptor) error {
	for _, d := range descriptors {
		e.mu.Lock()
		instance, ok := e.instances[d.Name]
		e.mu.Unlock()
		if !ok {
			continue // lazy or conditionally skipped
		}
		report := instance.Health(ctx)
		if report.Status != registry.StatusHealthy {
			rollbackErrs := e.Rollback(ctx)
			return &InitError{
				Phase:          phase,
				Subsystem:      d.Name,
				Cause: helixerrors.Newf(helixerrors.ErrCodeInitFailed,
					"subsystem %q reported %s after init", d.Name, report.Status).WithSubsystem(d.Name),
				RollbackErrors: rollbackErrs,
			}
		}
	}
	return nil
}

// EnsureLazy initializes a lazily-declared subsystem on first capability
// request. Safe to call for non-lazy names; it is a no-op then.
func (e *Engine) EnsureLazy(ctx context.Context, name string) error {
	e.mu.Lock()
	d, ok := e.lazy[name]
	if ok {
		delete(e.lazy, name)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return e.initOne(ctx, d.Phase, d)
}

// Rollback stops every initialized subsystem in reverse initialization
// order. Individual stop failures are recorded but do not halt the
// chain. The instance table is cleared.
func (e *Engine) Rollback(ctx context.Context) []error {
	e.mu.Lock()
	names := make([]string, len(e.initialized))
	copy(names, e.initialized)
	e.initialized = nil
	instances := e.instances
	e.instances = make(map[string]registry.Subsystem)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RollbackTotal.Inc()
	}

	var result *multierror.Error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		instance := instances[name]
		start := time.Now()
		err := instance.Stop(ctx, registry.IntentShutdown)
		e.logger.LogLifecycle(name, "rollback-stop", time.Since(start), err)
		if err != nil {
			result = multierror.Append(result, helixerrors.NewStopFailed(name, err))
		}
		e.registry.ClearActive(name)
	}
	if result == nil {
		return nil
	}
	return result.Errors
}

// StopAll performs a graceful shutdown in reverse initialization order.
func (e *Engine) StopAll(ctx context.Context) []error {
	return e.Rollback(ctx)
}
