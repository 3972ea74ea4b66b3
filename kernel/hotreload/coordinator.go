// Package hotreload implements the live module swap protocol:
// pause -> snapshot -> unload -> load -> restore -> resume, with rollback
// to the old instance on any step's failure and a hard downtime budget
// on the snapshot/restore window.
package hotreload

import (
	"context"
	"time"

	"github.com/Masterminds/semver/v3"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/infrastructure/logging"
	"github.com/HelixOS-Org/helix/infrastructure/metrics"
	"github.com/HelixOS-Org/helix/kernel/eventbus"
	"github.com/HelixOS-Org/helix/kernel/hal"
	"github.com/HelixOS-Org/helix/kernel/registry"
)

// DefaultDowntimeBudget bounds snapshot+restore on the reference
// configuration.
const DefaultDowntimeBudget = 10 * time.Millisecond

// Coordinator drives module swaps.
type Coordinator struct {
	clock    hal.Clock
	logger   *logging.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry
	bus      *eventbus.Bus

	downtimeBudget time.Duration
}

// New creates a Coordinator.
func New(clock hal.Clock, logger *logging.Logger, m *metrics.Metrics,
	reg *registry.Registry, bus *eventbus.Bus, downtimeBudget time.Duration) *Coordinator {
	if downtimeBudget <= 0 {
		downtimeBudget = DefaultDowntimeBudget
	}
	return &Coordinator{
		clock:          clock,
		logger:         logger.Named("hotreload"),
		metrics:        m,
		registry:       reg,
		bus:            bus,
		downtimeBudget: downtimeBudget,
	}
}

// Swap replaces the active instance of name with an instance built from
// next. On failure the old instance is retained, buffered traffic is
// replayed to it, and the error describes the failed step.
func (c *Coordinator) Swap(ctx context.Context, name string, next *registry.Descriptor) (err error) {
	defer func() {
		status := "ok"
		if err != nil {
			status = "failed"
		}
		if c.metrics != nil {
			c.metrics.SwapTotal.WithLabelValues(name, status).Inc()
		}
	}()

	oldVersion := c.registry.ActiveVersion(name)
	old, rerr := c.registry.Resolve(name, "")
	if rerr != nil {
		return rerr
	}

	// Step 1: compatibility. The new build's ABI range must admit the
	// kernel, and it must declare it can restore the old version's
	// snapshots.
	if next.ABIRange != nil && !next.ABIRange.Check(c.registry.KernelABI()) {
		return helixerrors.NewAbiIncompatible(name, next.ABIRangeRaw, c.registry.KernelABI().String())
	}
	if oldVersion != nil && !next.Version.Equal(oldVersion) {
		if next.RestoresFrom == nil || !next.RestoresFrom.Check(oldVersion) {
			return helixerrors.Newf(helixerrors.ErrCodeSchemaIncompatible,
				"%s %s cannot restore snapshots of %s", name, next.Version, oldVersion).WithSubsystem(name)
		}
	}

	// The swap is cancellable up to the snapshot step.
	if err := ctx.Err(); err != nil {
		return helixerrors.Wrap(helixerrors.ErrCodeSwapAborted, "swap cancelled", err)
	}

	// Step 2: pause. Traffic addressed to the module buffers on the bus.
	c.bus.Pause(name)
	pauseStart := c.clock.Now()
	c.logger.LogSwap(name, "pause", versionString(oldVersion), next.Version.String(), nil)

	rollback := func(cause error) error {
		startErr := old.Start(ctx)
		c.registry.SetActive(name, old, oldVersion)
		c.bus.Resume(name)
		c.logger.LogSwap(name, "rollback", versionString(oldVersion), next.Version.String(), startErr)
		return cause
	}

	if err := old.Stop(ctx, registry.IntentSwap); err != nil {
		return rollback(helixerrors.NewStopFailed(name, err))
	}

	// Step 3: snapshot.
	snap, err := old.Snapshot()
	if err != nil {
		return rollback(helixerrors.Wrap(helixerrors.ErrCodeSnapshotFailed, "snapshot of "+name, err).WithSubsystem(name))
	}

	// Step 4: unload.
	c.registry.ClearActive(name)

	// Step 5: load, init, restore.
	replacement, err := next.Factory()
	if err == nil {
		err = replacement.Init(ctx)
	}
	if err != nil {
		return rollback(helixerrors.NewInitFailed(name, err))
	}
	if err := replacement.Restore(snap); err != nil {
		return rollback(helixerrors.Wrap(helixerrors.ErrCodeRestoreFailed, "restore of "+name, err).WithSubsystem(name))
	}

	// Downtime check: pause-to-restore must fit the budget, otherwise
	// the swap aborts and the old instance resumes.
	downtime := time.Duration(c.clock.Now() - pauseStart)
	if downtime > c.downtimeBudget {
		return rollback(helixerrors.Newf(helixerrors.ErrCodeSwapAborted,
			"downtime %s exceeded budget %s", downtime, c.downtimeBudget).WithSubsystem(name))
	}

	if err := replacement.Start(ctx); err != nil {
		return rollback(helixerrors.NewInitFailed(name, err))
	}

	// Step 6: resume. Buffered traffic drains to the new instance in
	// FIFO order within each priority.
	c.registry.SetActive(name, replacement, next.Version)
	c.bus.Resume(name)

	if c.metrics != nil {
		c.metrics.SwapDowntime.Observe(downtime.Seconds())
	}
	c.logger.LogSwap(name, "resume", versionString(oldVersion), next.Version.String(), nil)
	return nil
}

func versionString(v *semver.Version) string {
	if v == nil {
		return "none"
	}
	return v.String()
}
