package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/kernel/nexus"
	"github.com/HelixOS-Org/helix/kernel/registry"
)

// Control plane exit codes.
const (
	ExitOK               = 0
	ExitInvalidArgument  = 1
	ExitSubsystemError   = 2
	ExitDeadlineExceeded = 3
	ExitKernelHalting    = 4
)

// Exec runs one control-plane command line and returns its textual
// response and exit code. Commands: list, start <name>, stop <name>,
// reload <name> <version>, status, level <0..6>.
func (k *Kernel) Exec(ctx context.Context, line string) (string, int) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "empty command", ExitInvalidArgument
	}

	if s := k.State(); s == StateHalting || s == StateHalted {
		return "kernel is " + s.String(), ExitKernelHalting
	}

	switch fields[0] {
	case "list":
		return k.cmdList()
	case "status":
		return k.cmdStatus()
	case "start":
		if len(fields) != 2 {
			return "usage: start <name>", ExitInvalidArgument
		}
		return k.cmdStart(ctx, fields[1])
	case "stop":
		if len(fields) != 2 {
			return "usage: stop <name>", ExitInvalidArgument
		}
		return k.cmdStop(ctx, fields[1])
	case "reload":
		if len(fields) != 3 {
			return "usage: reload <name> <version>", ExitInvalidArgument
		}
		return k.cmdReload(ctx, fields[1], fields[2])
	case "level":
		if len(fields) != 2 {
			return "usage: level <0..6>", ExitInvalidArgument
		}
		return k.cmdLevel(fields[1])
	default:
		return "unknown command: " + fields[0], ExitInvalidArgument
	}
}

func (k *Kernel) cmdList() (string, int) {
	var b strings.Builder
	names := k.Registry.Names()
	sort.Strings(names)
	for _, name := range names {
		desc, err := k.Registry.Lookup(name)
		if err != nil {
			continue
		}
		version := "-"
		status := "inactive"
		if v := k.Registry.ActiveVersion(name); v != nil {
			version = v.String()
			status = k.Watchdog.Status(name).String()
		}
		critical := ""
		if desc.Critical {
			critical = " critical"
		}
		fmt.Fprintf(&b, "%-16s %-8s %-10s %s%s\n", name, desc.Phase, version, status, critical)
	}
	return b.String(), ExitOK
}

func (k *Kernel) cmdStatus() (string, int) {
	var b strings.Builder
	fmt.Fprintf(&b, "state:  %s\n", k.State())
	fmt.Fprintf(&b, "phase:  %s\n", k.lastPhaseLocked())
	if k.Pipeline != nil {
		stats := k.Pipeline.Stats()
		fmt.Fprintf(&b, "nexus:  level=%s ticks=%d emitted=%d deadline_misses=%d rules=%d\n",
			stats.Level, stats.Ticks, stats.Emitted, stats.DeadlineMisses, stats.Rules)
	}
	bus := k.Bus.Stats()
	fmt.Fprintf(&b, "bus:    published=%d dropped=%d backpressured=%d subs=%d\n",
		bus.Published, bus.Dropped, bus.Backpressured, bus.Subscriptions)
	fmt.Fprintf(&b, "sched:  queued=%d\n", k.Scheduler.QueueDepth())
	return b.String(), ExitOK
}

func (k *Kernel) cmdStart(ctx context.Context, name string) (string, int) {
	desc, err := k.Registry.Lookup(name)
	if err != nil {
		return err.Error(), ExitInvalidArgument
	}
	if _, err := k.Registry.Resolve(name, ""); err == nil {
		return name + " already running", ExitOK
	}
	// Lazy subsystems come up through the engine; stopped ones through
	// their factory.
	if err := k.Engine.EnsureLazy(ctx, name); err != nil {
		return err.Error(), ExitSubsystemError
	}
	if _, err := k.Registry.Resolve(name, ""); err == nil {
		return name + " started", ExitOK
	}
	instance, err := desc.Factory()
	if err == nil {
		err = instance.Init(ctx)
	}
	if err == nil {
		err = instance.Start(ctx)
	}
	if err != nil {
		return err.Error(), ExitSubsystemError
	}
	k.Registry.SetActive(name, instance, desc.Version)
	return name + " started", ExitOK
}

func (k *Kernel) cmdStop(ctx context.Context, name string) (string, int) {
	instance, err := k.Registry.Resolve(name, "")
	if err != nil {
		return err.Error(), ExitInvalidArgument
	}
	if err := instance.Stop(ctx, registry.IntentShutdown); err != nil {
		return err.Error(), ExitSubsystemError
	}
	k.Registry.ClearActive(name)
	k.Resources.ReleaseOwner(name)
	return name + " stopped", ExitOK
}

func (k *Kernel) cmdReload(ctx context.Context, name, version string) (string, int) {
	k.mu.Lock()
	next, ok := k.staged[name+"@"+version]
	k.mu.Unlock()
	if !ok {
		return fmt.Sprintf("no staged build for %s@%s", name, version), ExitInvalidArgument
	}
	if err := k.Reloader.Swap(ctx, name, next); err != nil {
		if helixerrors.IsCode(err, helixerrors.ErrCodeSwapAborted) {
			return err.Error(), ExitDeadlineExceeded
		}
		return err.Error(), ExitSubsystemError
	}
	return fmt.Sprintf("%s reloaded to %s", name, version), ExitOK
}

func (k *Kernel) cmdLevel(arg string) (string, int) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 || n > 6 {
		return "level must be 0..6", ExitInvalidArgument
	}
	if k.Pipeline == nil {
		return "nexus not calibrated yet", ExitSubsystemError
	}
	// The control plane holds the nexus.level capability.
	if err := k.Pipeline.SetLevel(nexus.Level(n), true); err != nil {
		return err.Error(), ExitSubsystemError
	}
	return "level set to " + arg, ExitOK
}
