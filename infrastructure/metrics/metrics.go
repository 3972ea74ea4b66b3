// Package metrics provides Prometheus metrics collection for the Helix core.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors the kernel exports.
type Metrics struct {
	// Lifecycle metrics
	PhaseDuration  *prometheus.HistogramVec
	InitTotal      *prometheus.CounterVec
	RollbackTotal  prometheus.Counter
	KernelState    *prometheus.GaugeVec
	SubsystemState *prometheus.GaugeVec

	// Watchdog metrics
	HealthChecksTotal    *prometheus.CounterVec
	HealthCheckDuration  *prometheus.HistogramVec
	RecoveryAttemptTotal *prometheus.CounterVec

	// NEXUS metrics
	AdvisoriesTotal        *prometheus.CounterVec
	AdvisoryLatency        prometheus.Histogram
	AdvisoryDeadlineMisses prometheus.Counter
	NexusLevel             prometheus.Gauge
	RuleAccuracy           *prometheus.GaugeVec

	// Event bus metrics
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	BackpressureHit *prometheus.CounterVec

	// Hot-reload metrics
	SwapTotal    *prometheus.CounterVec
	SwapDowntime prometheus.Histogram

	// Broker metrics
	CapabilityGrants  *prometheus.CounterVec
	ActiveLeases      prometheus.Gauge
	HandleRevocations prometheus.Counter

	// Host probe gauges (gopsutil readings, refreshed off the hot path)
	HostCPUPercent prometheus.Gauge
	HostMemPercent prometheus.Gauge
}

// New creates a Metrics instance registered on the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance on a custom registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helix_phase_duration_seconds",
				Help:    "Boot phase execution duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"phase"},
		),
		InitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helix_subsystem_init_total",
				Help: "Total subsystem init attempts",
			},
			[]string{"subsystem", "status"},
		),
		RollbackTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "helix_rollback_total",
				Help: "Total rollback chains executed",
			},
		),
		KernelState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helix_kernel_state",
				Help: "Current kernel lifecycle state (1 for active state)",
			},
			[]string{"state"},
		),
		SubsystemState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helix_subsystem_health",
				Help: "Subsystem health status (1 for current status)",
			},
			[]string{"subsystem", "status"},
		),

		HealthChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helix_health_checks_total",
				Help: "Total watchdog health checks",
			},
			[]string{"subsystem", "result"},
		),
		HealthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helix_health_check_duration_seconds",
				Help:    "Health check latency in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .02, .05, .1},
			},
			[]string{"subsystem"},
		),
		RecoveryAttemptTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helix_recovery_attempts_total",
				Help: "Total self-heal recovery attempts",
			},
			[]string{"subsystem", "action", "status"},
		),

		AdvisoriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helix_advisories_total",
				Help: "Total NEXUS query outcomes per tick",
			},
			[]string{"outcome"},
		),
		AdvisoryLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "helix_advisory_latency_seconds",
				Help:    "NEXUS pipeline latency per tick in seconds",
				Buckets: []float64{.000001, .000005, .00001, .00005, .0001, .0005, .001},
			},
		),
		AdvisoryDeadlineMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "helix_advisory_deadline_misses_total",
				Help: "Ticks on which the advisory deadline was exceeded",
			},
		),
		NexusLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "helix_nexus_level",
				Help: "Active NEXUS intelligence level (0-6)",
			},
		),
		RuleAccuracy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helix_rule_accuracy",
				Help: "EMA of per-rule advisory accuracy",
			},
			[]string{"rule_id"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helix_events_published_total",
				Help: "Total events accepted by the bus",
			},
			[]string{"topic", "priority"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helix_events_dropped_total",
				Help: "Total events shed from bounded queues",
			},
			[]string{"topic", "priority"},
		),
		BackpressureHit: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helix_backpressure_total",
				Help: "Publishes rejected with Backpressure",
			},
			[]string{"topic"},
		),

		SwapTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helix_hot_reload_total",
				Help: "Total hot-reload attempts",
			},
			[]string{"module", "status"},
		),
		SwapDowntime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "helix_hot_reload_downtime_seconds",
				Help:    "Pause-to-restore downtime per successful swap",
				Buckets: []float64{.0005, .001, .0025, .005, .0075, .01, .025, .05},
			},
		),

		CapabilityGrants: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helix_capability_grants_total",
				Help: "Capability broker grant decisions",
			},
			[]string{"capability", "decision"},
		),
		ActiveLeases: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "helix_resource_leases_active",
				Help: "Currently active resource leases",
			},
		),
		HandleRevocations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "helix_capability_revocations_total",
				Help: "Capability handles revoked by quarantine",
			},
		),

		HostCPUPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "helix_host_cpu_percent",
				Help: "Host CPU utilization sampled by the telemetry probe",
			},
		),
		HostMemPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "helix_host_mem_percent",
				Help: "Host memory utilization sampled by the telemetry probe",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.PhaseDuration,
			m.InitTotal,
			m.RollbackTotal,
			m.KernelState,
			m.SubsystemState,
			m.HealthChecksTotal,
			m.HealthCheckDuration,
			m.RecoveryAttemptTotal,
			m.AdvisoriesTotal,
			m.AdvisoryLatency,
			m.AdvisoryDeadlineMisses,
			m.NexusLevel,
			m.RuleAccuracy,
			m.EventsPublished,
			m.EventsDropped,
			m.BackpressureHit,
			m.SwapTotal,
			m.SwapDowntime,
			m.CapabilityGrants,
			m.ActiveLeases,
			m.HandleRevocations,
			m.HostCPUPercent,
			m.HostMemPercent,
		)
	}

	return m
}

// SetKernelState marks the given state active and clears the others.
func (m *Metrics) SetKernelState(state string) {
	for _, s := range []string{"booting", "running", "degraded", "recovering", "halting", "halted"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.KernelState.WithLabelValues(s).Set(v)
	}
}

// SetSubsystemHealth marks the given status active for a subsystem.
func (m *Metrics) SetSubsystemHealth(subsystem, status string) {
	for _, s := range []string{"healthy", "degraded", "unresponsive", "failed", "quarantined"} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		m.SubsystemState.WithLabelValues(subsystem, s).Set(v)
	}
}

// ObserveAdvisory records one tick's pipeline outcome.
func (m *Metrics) ObserveAdvisory(outcome string, elapsed time.Duration) {
	m.AdvisoriesTotal.WithLabelValues(outcome).Inc()
	m.AdvisoryLatency.Observe(elapsed.Seconds())
}

var (
	noop     *Metrics
	noopOnce sync.Once
)

// Noop returns an unregistered Metrics instance for tests and tools that
// do not export. Collectors still accept observations.
func Noop() *Metrics {
	noopOnce.Do(func() {
		noop = NewWithRegistry(nil)
	})
	return noop
}
