package orchestrator

import (
	"github.com/robfig/cron/v3"
)

// Janitor runs the kernel's off-hot-path maintenance on a cron schedule:
// the NEXUS reflect pass, audit flushing, and the host telemetry probe.
type Janitor struct {
	kernel *Kernel
	cron   *cron.Cron
}

// NewJanitor builds the schedule from the kernel config. A nil host
// probe (registration window already closed) just drops that job.
func NewJanitor(k *Kernel) *Janitor {
	j := &Janitor{
		kernel: k,
		cron:   cron.New(cron.WithSeconds()),
	}

	cfg := k.cfg.Janitor
	if cfg.HostProbeSpec != "" && k.hostProbe != nil {
		probe := k.hostProbe
		_, _ = j.cron.AddFunc(cfg.HostProbeSpec, func() {
			_ = probe.Sample()
		})
	}
	if cfg.ReflectSpec != "" {
		_, _ = j.cron.AddFunc(cfg.ReflectSpec, func() {
			if k.Pipeline != nil {
				k.Pipeline.Reflect()
			}
		})
	}
	if cfg.AuditFlushSpec != "" {
		_, _ = j.cron.AddFunc(cfg.AuditFlushSpec, func() {
			if k.Pipeline != nil {
				k.Pipeline.FlushAudit(32)
			}
		})
	}
	return j
}

// Start launches the schedule.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule, waiting for running jobs.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}
