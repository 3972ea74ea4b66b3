// Package watchdog implements the self-heal watchdog: periodic health
// checks with per-call deadlines and the Reset -> Restart -> Failover ->
// Isolate recovery ladder, bounded by a per-subsystem retry budget.
package watchdog

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/infrastructure/logging"
	"github.com/HelixOS-Org/helix/infrastructure/metrics"
	"github.com/HelixOS-Org/helix/infrastructure/resilience"
	"github.com/HelixOS-Org/helix/kernel/capability"
	"github.com/HelixOS-Org/helix/kernel/eventbus"
	"github.com/HelixOS-Org/helix/kernel/hal"
	"github.com/HelixOS-Org/helix/kernel/lifecycle"
	"github.com/HelixOS-Org/helix/kernel/registry"
)

// TopicHealth carries watchdog observations on the event bus.
const TopicHealth = "kernel.health"

// EventKind classifies watchdog escalations.
type EventKind int

const (
	EventFailed EventKind = iota
	EventRecovered
	EventQuarantined
	EventExhausted
)

func (k EventKind) String() string {
	switch k {
	case EventFailed:
		return "failed"
	case EventRecovered:
		return "recovered"
	case EventQuarantined:
		return "quarantined"
	case EventExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Event is delivered to the orchestrator on every escalation.
type Event struct {
	Subsystem string
	Critical  bool
	Kind      EventKind
	Action    string // last recovery action attempted
}

// EventSink receives watchdog escalations.
type EventSink func(Event)

// Options configures the watchdog.
type Options struct {
	Cadence        time.Duration
	HealthDeadline time.Duration
	MissThreshold  int
	RetryBudget    int
	RetryWindow    time.Duration
}

func (o *Options) defaults() {
	if o.Cadence <= 0 {
		o.Cadence = 100 * time.Millisecond
	}
	if o.HealthDeadline <= 0 {
		o.HealthDeadline = 20 * time.Millisecond
	}
	if o.MissThreshold <= 0 {
		o.MissThreshold = 3
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = 3
	}
	if o.RetryWindow <= 0 {
		o.RetryWindow = 60 * time.Second
	}
}

// subsystemState is the watchdog's view of one subsystem. Status moves
// monotonically toward failure until a successful recovery resets it.
type subsystemState struct {
	status      registry.HealthStatus
	misses      int
	failures    int
	lastOK      uint64
	quarantined bool
	limiter     *rate.Limiter
}

// Watchdog runs the health cadence.
type Watchdog struct {
	clock     hal.Clock
	logger    *logging.Logger
	metrics   *metrics.Metrics
	registry  *registry.Registry
	engine    *lifecycle.Engine
	bus       *eventbus.Bus
	broker    *capability.Broker
	resources *capability.ResourceBroker
	sink      EventSink
	opts      Options
	retryCfg  resilience.RetryConfig

	mu     sync.Mutex
	states map[string]*subsystemState

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Watchdog.
func New(clock hal.Clock, logger *logging.Logger, m *metrics.Metrics,
	reg *registry.Registry, engine *lifecycle.Engine, bus *eventbus.Bus,
	broker *capability.Broker, resources *capability.ResourceBroker,
	sink EventSink, opts Options) *Watchdog {
	opts.defaults()
	return &Watchdog{
		clock:     clock,
		logger:    logger.Named("watchdog"),
		metrics:   m,
		registry:  reg,
		engine:    engine,
		bus:       bus,
		broker:    broker,
		resources: resources,
		sink:      sink,
		opts:      opts,
		retryCfg:  resilience.RecoveryRetryConfig(),
		states:    make(map[string]*subsystemState),
	}
}

// Start launches the cadence loop.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.opts.Cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Cycle(ctx)
			}
		}
	}()
}

// Stop halts the cadence loop.
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Watchdog) state(name string) *subsystemState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[name]
	if !ok {
		st = &subsystemState{
			status:  registry.StatusHealthy,
			limiter: rate.NewLimiter(rate.Every(w.opts.RetryWindow/time.Duration(w.opts.RetryBudget)), w.opts.RetryBudget),
		}
		w.states[name] = st
	}
	return st
}

// Status returns the watchdog's view of a subsystem.
func (w *Watchdog) Status(name string) registry.HealthStatus {
	return w.state(name).status
}

// Cycle performs one health sweep over every registered subsystem with
// an active instance.
func (w *Watchdog) Cycle(ctx context.Context) {
	for _, name := range w.registry.Names() {
		st := w.state(name)
		if st.quarantined {
			continue
		}
		instance, err := w.registry.Resolve(name, "")
		if err != nil {
			continue // not yet initialized, lazy, or unloaded
		}
		w.checkOne(ctx, name, instance, st)
	}
}

func (w *Watchdog) checkOne(ctx context.Context, name string, instance registry.Subsystem, st *subsystemState) {
	start := time.Now()
	report, timedOut := w.healthWithDeadline(ctx, instance)
	if w.metrics != nil {
		w.metrics.HealthCheckDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}

	switch {
	case timedOut:
		st.misses++
		w.observe(name, "deadline_miss")
		if st.misses >= w.opts.MissThreshold {
			w.declare(ctx, name, st, registry.StatusUnresponsive)
		}
	case report.Status == registry.StatusFailed:
		st.misses = 0
		w.observe(name, "failed")
		w.declare(ctx, name, st, registry.StatusFailed)
	case report.Status == registry.StatusDegraded:
		st.misses = 0
		st.status = registry.StatusDegraded
		w.observe(name, "degraded")
		w.publishStatus(name, st.status)
	default:
		st.misses = 0
		st.failures = 0
		if st.status != registry.StatusHealthy {
			st.status = registry.StatusHealthy
			w.publishStatus(name, st.status)
		}
		st.lastOK = w.clock.Now()
		w.observe(name, "ok")
	}
	if w.metrics != nil {
		w.metrics.SetSubsystemHealth(name, st.status.String())
	}
	w.logger.LogHealth(name, st.status.String(), st.failures)
}

// healthWithDeadline bounds the subsystem's Health call.
func (w *Watchdog) healthWithDeadline(ctx context.Context, instance registry.Subsystem) (registry.HealthReport, bool) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.HealthDeadline)
	defer cancel()

	ch := make(chan registry.HealthReport, 1)
	go func() {
		ch <- instance.Health(ctx)
	}()
	select {
	case report := <-ch:
		return report, false
	case <-ctx.Done():
		return registry.HealthReport{}, true
	}
}

func (w *Watchdog) observe(name, result string) {
	if w.metrics != nil {
		w.metrics.HealthChecksTotal.WithLabelValues(name, result).Inc()
	}
}

func (w *Watchdog) emit(e Event) {
	if w.sink != nil {
		w.sink(e)
	}
}

func (w *Watchdog) publishStatus(name string, status registry.HealthStatus) {
	if w.bus == nil {
		return
	}
	_ = w.bus.Publish(TopicHealth, eventbus.High, map[string]string{
		"subsystem": name,
		"status":    status.String(),
	})
}

// declare marks a subsystem failed/unresponsive and runs the recovery
// ladder.
func (w *Watchdog) declare(ctx context.Context, name string, st *subsystemState, status registry.HealthStatus) {
	st.status = status
	st.failures++
	w.publishStatus(name, status)

	desc, err := w.registry.Lookup(name)
	if err != nil {
		return
	}
	w.emit(Event{Subsystem: name, Critical: desc.Critical, Kind: EventFailed})

	if !st.limiter.Allow() {
		w.logger.WithSubsystem(name).Warn("Recovery retry budget exhausted")
		w.emit(Event{Subsystem: name, Critical: desc.Critical, Kind: EventExhausted})
		w.isolate(name, st, desc)
		return
	}

	w.recover(ctx, name, st, desc)
}

// recover walks the ladder: Reset, Restart, Failover, Isolate.
func (w *Watchdog) recover(ctx context.Context, name string, st *subsystemState, desc *registry.Descriptor) {
	if w.tryReset(ctx, name, st) {
		w.emit(Event{Subsystem: name, Critical: desc.Critical, Kind: EventRecovered, Action: "reset"})
		return
	}
	if w.tryRestart(ctx, name, st, desc) {
		w.emit(Event{Subsystem: name, Critical: desc.Critical, Kind: EventRecovered, Action: "restart"})
		return
	}
	if desc.Backup != nil && w.tryFailover(ctx, name, st, desc) {
		w.emit(Event{Subsystem: name, Critical: desc.Critical, Kind: EventRecovered, Action: "failover"})
		return
	}
	w.isolate(name, st, desc)
}

func (w *Watchdog) tryReset(ctx context.Context, name string, st *subsystemState) bool {
	instance, err := w.registry.Resolve(name, "")
	if err != nil {
		return false
	}
	err = instance.Reset(ctx)
	w.attempt(name, "reset", err)
	if err != nil {
		return false
	}
	report, timedOut := w.healthWithDeadline(ctx, instance)
	if timedOut || report.Status != registry.StatusHealthy {
		return false
	}
	w.restored(name, st)
	return true
}

// tryRestart stops and re-inits the subsystem. Dependents are paused on
// the bus across the gap so their inbound traffic buffers.
func (w *Watchdog) tryRestart(ctx context.Context, name string, st *subsystemState, desc *registry.Descriptor) bool {
	dependents := w.dependentsOf(name)
	for _, dep := range dependents {
		w.bus.Pause(dep)
	}
	defer func() {
		for _, dep := range dependents {
			w.bus.Resume(dep)
		}
	}()

	if instance, err := w.registry.Resolve(name, ""); err == nil {
		stopErr := instance.Stop(ctx, registry.IntentRestart)
		w.attempt(name, "stop", stopErr)
	}
	w.registry.ClearActive(name)

	instance, err := w.bringUp(ctx, name, desc.Factory)
	w.attempt(name, "restart", err)
	if err != nil {
		return false
	}

	w.registry.SetActive(name, instance, desc.Version)
	report, timedOut := w.healthWithDeadline(ctx, instance)
	if timedOut || report.Status != registry.StatusHealthy {
		return false
	}
	w.restored(name, st)
	return true
}

func (w *Watchdog) tryFailover(ctx context.Context, name string, st *subsystemState, desc *registry.Descriptor) bool {
	backup := desc.Backup
	instance, err := w.bringUp(ctx, name, backup.Factory)
	w.attempt(name, "failover", err)
	if err != nil {
		return false
	}
	w.registry.SetActive(name, instance, backup.Version)
	w.restored(name, st)
	return true
}

// bringUp instantiates, initializes, and starts a fresh instance under
// the recovery retry profile: a transiently failing factory or init gets
// a second, backed-off attempt before the ladder moves on.
func (w *Watchdog) bringUp(ctx context.Context, name string, factory registry.Factory) (registry.Subsystem, error) {
	cfg := w.retryCfg
	cfg.OnRetry = func(attempt int, err error) {
		w.logger.LogRecovery(name, "bring-up", attempt, err)
	}
	var instance registry.Subsystem
	err := resilience.Retry(ctx, cfg, func() error {
		fresh, err := factory()
		if err == nil {
			err = fresh.Init(ctx)
		}
		if err == nil {
			err = fresh.Start(ctx)
		}
		if err != nil {
			return err
		}
		instance = fresh
		return nil
	})
	return instance, err
}

// isolate removes the subsystem from the active set, revokes every
// capability handle it issued, and expires its resource leases.
// Dependents observe CapabilityRevoked and must degrade gracefully.
func (w *Watchdog) isolate(name string, st *subsystemState, desc *registry.Descriptor) {
	st.quarantined = true
	st.status = registry.StatusQuarantined
	w.registry.ClearActive(name)
	if w.broker != nil {
		w.broker.RevokeProvider(name)
	}
	if w.resources != nil {
		w.resources.ReleaseOwner(name)
	}
	if w.metrics != nil {
		w.metrics.SetSubsystemHealth(name, st.status.String())
	}
	w.publishStatus(name, registry.StatusQuarantined)
	w.logger.WithSubsystem(name).Error("Subsystem quarantined")
	w.emit(Event{Subsystem: name, Critical: desc.Critical, Kind: EventQuarantined, Action: "isolate"})
}

func (w *Watchdog) restored(name string, st *subsystemState) {
	st.status = registry.StatusHealthy
	st.misses = 0
	st.lastOK = w.clock.Now()
	if w.broker != nil {
		w.broker.RestoreProvider(name)
	}
	w.publishStatus(name, registry.StatusHealthy)
}

func (w *Watchdog) attempt(name, action string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	if w.metrics != nil {
		w.metrics.RecoveryAttemptTotal.WithLabelValues(name, action, status).Inc()
	}
	st := w.state(name)
	w.logger.LogRecovery(name, action, st.failures, err)
}

// dependentsOf computes reverse dependency edges.
func (w *Watchdog) dependentsOf(name string) []string {
	var out []string
	for _, candidate := range w.registry.Names() {
		desc, err := w.registry.Lookup(candidate)
		if err != nil {
			continue
		}
		for _, dep := range desc.DependsOn {
			if dep == name {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}

// Quarantined reports whether the watchdog isolated a subsystem.
func (w *Watchdog) Quarantined(name string) bool {
	return w.state(name).quarantined
}

// ErrQuarantined is returned to callers probing an isolated subsystem.
var ErrQuarantined = helixerrors.New(helixerrors.ErrCodeQuarantined, "subsystem quarantined")
