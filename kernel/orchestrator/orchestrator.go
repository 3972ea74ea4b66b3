// Package orchestrator composes the registry, init engine, watchdog,
// event bus, brokers, NEXUS, and scheduler into the kernel lifecycle.
// It is the only entity that mutates global kernel state.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/HelixOS-Org/helix/infrastructure/config"
	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/infrastructure/logging"
	"github.com/HelixOS-Org/helix/infrastructure/metrics"
	"github.com/HelixOS-Org/helix/kernel/capability"
	"github.com/HelixOS-Org/helix/kernel/eventbus"
	"github.com/HelixOS-Org/helix/kernel/hal"
	"github.com/HelixOS-Org/helix/kernel/hotreload"
	"github.com/HelixOS-Org/helix/kernel/lifecycle"
	"github.com/HelixOS-Org/helix/kernel/nexus"
	"github.com/HelixOS-Org/helix/kernel/registry"
	"github.com/HelixOS-Org/helix/kernel/sched"
	"github.com/HelixOS-Org/helix/kernel/telemetry"
	"github.com/HelixOS-Org/helix/kernel/watchdog"
)

// State is the global kernel lifecycle state.
type State int

const (
	StateBooting State = iota
	StateRunning
	StateDegraded
	StateRecovering
	StateHalting
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateRecovering:
		return "recovering"
	case StateHalting:
		return "halting"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// validTransitions encodes the kernel state machine.
var validTransitions = map[State][]State{
	StateBooting:    {StateRunning, StateHalted},
	StateRunning:    {StateDegraded, StateRecovering, StateHalting},
	StateDegraded:   {StateRunning, StateRecovering, StateHalting},
	StateRecovering: {StateRunning, StateHalted},
	StateHalting:    {StateHalted},
}

// Kernel owns every subsystem lifecycle handle.
type Kernel struct {
	cfg     *config.Config
	clock   hal.Clock
	logger  *logging.Logger
	metrics *metrics.Metrics
	console io.Writer

	Registry  *registry.Registry
	Telemetry *telemetry.Registry
	Bus       *eventbus.Bus
	Engine    *lifecycle.Engine
	Broker    *capability.Broker
	Resources *capability.ResourceBroker
	Scheduler *sched.Scheduler
	Pipeline  *nexus.Pipeline
	Watchdog  *watchdog.Watchdog
	Reloader  *hotreload.Coordinator
	Janitor   *Janitor
	Handoff   hal.FirmwareHandoff

	mu            sync.Mutex
	state         State
	lastPhase     registry.Phase
	failedSub     string
	haltCause     error
	staged        map[string]*registry.Descriptor // pending upgrades by "name@version"
	cpus          uint32
	hostProbe     *telemetry.HostProbe
	tickCancel    context.CancelFunc
	tickWG        sync.WaitGroup
	policyWatcher *nexus.PolicyWatcher
}

// Options carries the externally provided collaborators.
type Options struct {
	Config  *config.Config
	Clock   hal.Clock
	Console io.Writer
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// CPUCount overrides the scheduler topology; zero uses 1.
	CPUCount uint32
	Handoff  hal.FirmwareHandoff
}

// NewKernel wires the kernel graph. Nothing starts until Boot.
func NewKernel(opts Options) (*Kernel, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Clock == nil {
		opts.Clock = hal.NewHostClock()
	}
	if opts.Console == nil {
		opts.Console = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("kernel", opts.Config.Logging.Level, opts.Config.Logging.Format)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	if opts.CPUCount == 0 {
		opts.CPUCount = 1
	}

	k := &Kernel{
		cpus:    opts.CPUCount,
		cfg:     opts.Config,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		console: opts.Console,
		Handoff: opts.Handoff,
		state:   StateBooting,
		staged:  make(map[string]*registry.Descriptor),
	}

	var err error
	k.Registry, err = registry.New(opts.Config.Kernel.ABIVersion)
	if err != nil {
		return nil, err
	}
	k.Telemetry = telemetry.NewRegistry(opts.Clock, opts.CPUCount)
	k.hostProbe, err = telemetry.NewHostProbe(k.Telemetry, opts.Metrics)
	if err != nil {
		return nil, err
	}
	k.Bus = eventbus.New(opts.Clock, opts.Metrics, eventbus.Options{
		QueueCapacity:    opts.Config.EventBus.QueueCapacity,
		EmergencySpinMax: opts.Config.EventBus.EmergencySpinMax,
	})
	k.Engine = lifecycle.NewEngine(k.Registry, opts.Logger, opts.Metrics)
	k.Broker = capability.NewBroker(opts.Logger, opts.Metrics, func(ctx context.Context, name string) error {
		return k.Engine.EnsureLazy(ctx, name)
	})
	k.Resources = capability.NewResourceBroker(opts.Metrics)
	k.Scheduler, err = sched.New(opts.Clock, opts.Logger, k.Telemetry, sched.Config{
		CPUCount:       opts.CPUCount,
		AdvisoryBudget: uint64(opts.Config.Scheduler.AdvisoryDeadline()),
	})
	if err != nil {
		return nil, err
	}
	k.Reloader = hotreload.New(opts.Clock, opts.Logger, opts.Metrics, k.Registry, k.Bus, 0)
	k.Watchdog = watchdog.New(opts.Clock, opts.Logger, opts.Metrics, k.Registry, k.Engine, k.Bus,
		k.Broker, k.Resources, k.onWatchdogEvent, watchdog.Options{
			Cadence:        opts.Config.Watchdog.Cadence,
			HealthDeadline: opts.Config.Watchdog.HealthDeadline,
			MissThreshold:  opts.Config.Watchdog.MissThreshold,
			RetryBudget:    opts.Config.Watchdog.RetryBudget,
			RetryWindow:    opts.Config.Watchdog.RetryWindow,
		})
	return k, nil
}

// State returns the current kernel state.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// transition moves the state machine, enforcing the transition table. An
// illegal transition is a fatal invariant violation.
func (k *Kernel) transition(to State, reason string) error {
	k.mu.Lock()
	from := k.state
	if from == to {
		k.mu.Unlock()
		return nil
	}
	allowed := false
	for _, s := range validTransitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		k.mu.Unlock()
		err := helixerrors.NewStateInvariant(fmt.Sprintf("%s -> %s (%s)", from, to, reason))
		k.halt(err)
		return err
	}
	k.state = to
	k.mu.Unlock()

	k.metrics.SetKernelState(to.String())
	k.logger.LogStateTransition(from.String(), to.String(), reason)
	_ = k.Bus.Publish("kernel.state", eventbus.High, map[string]string{
		"from": from.String(), "to": to.String(), "reason": reason,
	})
	return nil
}

// Boot runs the five phases and brings the kernel to Running. The
// registry must already hold every descriptor; Boot freezes it.
func (k *Kernel) Boot(ctx context.Context) error {
	k.metrics.SetKernelState(StateBooting.String())

	if err := k.Registry.Freeze(); err != nil {
		k.recordFailure(registry.PhaseBoot, "", err)
		k.halt(err)
		return err
	}

	// Calibration: the counter set is complete once every subsystem
	// factory has had its registration window; freeze and pre-size NEXUS.
	k.Telemetry.Freeze()
	k.Pipeline = nexus.NewPipeline(k.clock, k.Telemetry, k.metrics, k.logger, nexus.Options{
		Level:         nexus.Level(k.cfg.Nexus.Level),
		MaxTreeDepth:  k.cfg.Nexus.MaxTreeDepth,
		PredictWindow: k.cfg.Nexus.PredictWindow,
		AuditRingSize: k.cfg.Nexus.AuditRingSize,
	})
	k.Pipeline.SetTaskSource(k.Scheduler.TaskSource())
	k.Scheduler.SetAdvisor(k.Pipeline)
	if err := k.loadPolicy(); err != nil {
		k.logger.WithError(err).Warn("Policy load failed; NEXUS starts with an empty rule set")
	}

	for phase := registry.PhaseBoot; phase <= registry.PhaseRuntime; phase++ {
		k.mu.Lock()
		k.lastPhase = phase
		k.mu.Unlock()
		if err := k.Engine.RunPhase(ctx, phase); err != nil {
			if initErr, ok := err.(*lifecycle.InitError); ok {
				k.recordFailure(initErr.Phase, initErr.Subsystem, err)
			} else {
				k.recordFailure(phase, "", err)
			}
			k.halt(err)
			return err
		}
	}

	k.Watchdog.Start(ctx)
	k.Janitor = NewJanitor(k)
	k.Janitor.Start()

	return k.transition(StateRunning, "all phases succeeded")
}

// loadPolicy installs the configured policy file and starts the watcher.
func (k *Kernel) loadPolicy() error {
	if k.cfg.Nexus.PolicyFile == "" {
		return nil
	}
	features := k.featureMap()
	rules, err := nexus.LoadRulesFile(k.cfg.Nexus.PolicyFile, features)
	if err != nil {
		return err
	}
	if err := k.Pipeline.SetRules(rules); err != nil {
		return err
	}
	if k.cfg.Nexus.WatchPolicyFile {
		k.policyWatcher, err = nexus.WatchPolicyFile(k.Pipeline, k.logger, k.cfg.Nexus.PolicyFile, features)
		if err != nil {
			return err
		}
	}
	return nil
}

// featureMap resolves telemetry names to NEXUS feature ids: counters
// first, gauges after.
func (k *Kernel) featureMap() map[string]nexus.FeatureID {
	features := make(map[string]nexus.FeatureID)
	counters := k.Telemetry.CounterNames()
	for i, name := range counters {
		features[name] = nexus.FeatureID(i)
	}
	for i, name := range k.Telemetry.GaugeNames() {
		features[name] = nexus.FeatureID(len(counters) + i)
	}
	return features
}

// StartTicking launches one scheduler loop per CPU.
func (k *Kernel) StartTicking(ctx context.Context) {
	ctx, k.tickCancel = context.WithCancel(ctx)
	for cpu := uint32(0); int(cpu) < k.cpuCount(); cpu++ {
		k.tickWG.Add(1)
		go func(cpu uint32) {
			defer k.tickWG.Done()
			ticker := time.NewTicker(k.cfg.Scheduler.TickPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					k.Scheduler.OnTick(cpu)
				}
			}
		}(cpu)
	}
}

func (k *Kernel) cpuCount() int { return int(k.cpus) }

// onWatchdogEvent maps watchdog escalations onto kernel state.
func (k *Kernel) onWatchdogEvent(e watchdog.Event) {
	switch e.Kind {
	case watchdog.EventFailed:
		// When critical and non-critical subsystems fail together the
		// kernel takes the more severe state.
		if e.Critical {
			_ = k.transition(StateRecovering, "critical subsystem failed: "+e.Subsystem)
		} else if k.State() == StateRunning {
			_ = k.transition(StateDegraded, "subsystem failed: "+e.Subsystem)
		}
	case watchdog.EventRecovered:
		if s := k.State(); s == StateDegraded || s == StateRecovering {
			_ = k.transition(StateRunning, "recovery succeeded: "+e.Subsystem)
		}
	case watchdog.EventExhausted:
		if e.Critical {
			k.recordFailure(k.lastPhaseLocked(), e.Subsystem,
				helixerrors.New(helixerrors.ErrCodeCriticalUnrecoverable, "retry budget exhausted for "+e.Subsystem))
			k.halt(helixerrors.New(helixerrors.ErrCodeCriticalUnrecoverable, e.Subsystem))
		}
	case watchdog.EventQuarantined:
		if e.Critical && k.State() == StateRecovering {
			k.halt(helixerrors.New(helixerrors.ErrCodeCriticalUnrecoverable, e.Subsystem))
		}
	}
}

func (k *Kernel) lastPhaseLocked() registry.Phase {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastPhase
}

func (k *Kernel) recordFailure(phase registry.Phase, subsystem string, err error) {
	k.mu.Lock()
	k.lastPhase = phase
	k.failedSub = subsystem
	k.haltCause = err
	k.mu.Unlock()
}

// Shutdown performs a graceful stop.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if err := k.transition(StateHalting, "graceful shutdown"); err != nil {
		return err
	}
	k.stopServices()
	errs := k.Engine.StopAll(ctx)
	for _, err := range errs {
		k.logger.WithError(err).Warn("Shutdown stop error")
	}
	k.mu.Lock()
	k.state = StateHalted
	k.mu.Unlock()
	k.metrics.SetKernelState(StateHalted.String())
	return nil
}

func (k *Kernel) stopServices() {
	if k.tickCancel != nil {
		k.tickCancel()
		k.tickWG.Wait()
		k.tickCancel = nil
	}
	if k.Janitor != nil {
		k.Janitor.Stop()
	}
	k.Watchdog.Stop()
	if k.policyWatcher != nil {
		_ = k.policyWatcher.Close()
	}
}

// halt transitions to Halted after best-effort diagnostics.
func (k *Kernel) halt(cause error) {
	k.mu.Lock()
	if k.state == StateHalted {
		k.mu.Unlock()
		return
	}
	k.state = StateHalted
	if k.haltCause == nil {
		k.haltCause = cause
	}
	k.mu.Unlock()

	k.metrics.SetKernelState(StateHalted.String())
	// Service teardown runs detached: halt may be reached from inside the
	// watchdog's own callback, and Stop joins that goroutine.
	go k.stopServices()
	k.emitDiagnostics()
}

// emitDiagnostics writes the structured halt block to the console.
func (k *Kernel) emitDiagnostics() {
	k.mu.Lock()
	phase, failed, cause := k.lastPhase, k.failedSub, k.haltCause
	k.mu.Unlock()

	fmt.Fprintf(k.console, "==== HELIX HALT ====\n")
	fmt.Fprintf(k.console, "state:     %s\n", StateHalted)
	fmt.Fprintf(k.console, "phase:     %s\n", phase)
	if failed != "" {
		fmt.Fprintf(k.console, "subsystem: %s\n", failed)
	}
	if cause != nil {
		fmt.Fprintf(k.console, "cause:     %v\n", cause)
	}
	if k.Pipeline != nil {
		records := k.Pipeline.Audit().Last(32)
		fmt.Fprintf(k.console, "audit (%d records):\n", len(records))
		for _, rec := range records {
			fmt.Fprintf(k.console, "  ts=%d rule=%s action=%s outcome=%s confidence=%.4f\n",
				rec.TS, rec.RuleID, rec.Action, rec.Outcome, rec.Confidence)
		}
	}
	fmt.Fprintf(k.console, "====================\n")
}

// StageUpgrade registers a descriptor for a later `reload` command.
func (k *Kernel) StageUpgrade(d *registry.Descriptor) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.staged[d.Name+"@"+d.Version.String()] = d
}
