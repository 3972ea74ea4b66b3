package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/HelixOS-Org/helix/infrastructure/metrics"
)

// Collector bridges the kernel registry into Prometheus. Collection
// happens on scrape, off the tick hot path.
type Collector struct {
	registry *Registry
	desc     *prometheus.Desc
	gdesc    *prometheus.Desc
}

// NewCollector creates a Prometheus collector over a frozen registry.
func NewCollector(registry *Registry) *Collector {
	return &Collector{
		registry: registry,
		desc: prometheus.NewDesc(
			"helix_telemetry_counter",
			"Kernel telemetry counter summed across CPUs",
			[]string{"name"}, nil,
		),
		gdesc: prometheus.NewDesc(
			"helix_telemetry_gauge",
			"Kernel telemetry gauge",
			[]string{"name"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
	ch <- c.gdesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	names := c.registry.CounterNames()
	for i, name := range names {
		ch <- prometheus.MustNewConstMetric(
			c.desc, prometheus.CounterValue,
			float64(c.registry.CounterValue(CounterID(i))), name,
		)
	}
	snap := c.registry.NewSnapshotBuffer()
	c.registry.Fill(snap)
	for i, name := range c.registry.GaugeNames() {
		ch <- prometheus.MustNewConstMetric(
			c.gdesc, prometheus.GaugeValue,
			float64(snap.Gauges[i]), name,
		)
	}
}

// HostProbe samples host CPU and memory utilization via gopsutil and
// publishes the readings as kernel gauges and Prometheus gauges. The
// janitor invokes it on its cron cadence.
type HostProbe struct {
	registry *Registry
	metrics  *metrics.Metrics
	cpuGauge GaugeID
	memGauge GaugeID
}

// NewHostProbe registers the host gauges. Call before Freeze.
func NewHostProbe(registry *Registry, m *metrics.Metrics) (*HostProbe, error) {
	cpuID, err := registry.RegisterGauge("host.cpu.permille")
	if err != nil {
		return nil, err
	}
	memID, err := registry.RegisterGauge("host.mem.permille")
	if err != nil {
		return nil, err
	}
	return &HostProbe{registry: registry, metrics: m, cpuGauge: cpuID, memGauge: memID}, nil
}

// Sample refreshes the host readings. Failures leave previous values.
func (p *HostProbe) Sample() error {
	percents, err := cpu.Percent(0, false)
	if err == nil && len(percents) > 0 {
		p.registry.SetGauge(p.cpuGauge, uint64(percents[0]*10))
		if p.metrics != nil {
			p.metrics.HostCPUPercent.Set(percents[0])
		}
	}
	vm, verr := mem.VirtualMemory()
	if verr == nil {
		p.registry.SetGauge(p.memGauge, uint64(vm.UsedPercent*10))
		if p.metrics != nil {
			p.metrics.HostMemPercent.Set(vm.UsedPercent)
		}
	}
	if err != nil {
		return err
	}
	return verr
}
