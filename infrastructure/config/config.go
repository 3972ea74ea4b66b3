// Package config provides unified configuration loading for the Helix core.
// Values come from an optional YAML file merged with environment overrides;
// every knob carries a default so a zero-config boot works.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
)

// Config is the root kernel configuration.
type Config struct {
	Kernel       KernelConfig       `yaml:"kernel"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Watchdog     WatchdogConfig     `yaml:"watchdog"`
	EventBus     EventBusConfig     `yaml:"event_bus"`
	Nexus        NexusConfig        `yaml:"nexus"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Logging      LoggingConfig      `yaml:"logging"`
	Janitor      JanitorConfig      `yaml:"janitor"`
}

// KernelConfig identifies the kernel build and its ABI.
type KernelConfig struct {
	Name       string `yaml:"name"`
	ABIVersion string `yaml:"abi_version"`
}

// SchedulerConfig covers the tick loop.
type SchedulerConfig struct {
	TickPeriod time.Duration `yaml:"tick_period"`
	// AdvisoryDeadlineFraction is the share of the tick period NEXUS may
	// consume before query returns NoAdvisory.
	AdvisoryDeadlineFraction float64 `yaml:"advisory_deadline_fraction"`
}

// AdvisoryDeadline returns the absolute per-tick budget for NEXUS.
func (s SchedulerConfig) AdvisoryDeadline() time.Duration {
	return time.Duration(float64(s.TickPeriod) * s.AdvisoryDeadlineFraction)
}

// WatchdogConfig covers the self-heal watchdog.
type WatchdogConfig struct {
	Cadence        time.Duration `yaml:"cadence"`
	HealthDeadline time.Duration `yaml:"health_deadline"`
	// MissThreshold is the number of consecutive missed health deadlines
	// before a subsystem is declared Unresponsive.
	MissThreshold int `yaml:"miss_threshold"`
	// RetryBudget and RetryWindow bound recovery attempts per subsystem.
	RetryBudget int           `yaml:"retry_budget"`
	RetryWindow time.Duration `yaml:"retry_window"`
}

// EventBusConfig covers the prioritized pub/sub bus.
type EventBusConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
	// EmergencySpinMax caps publisher spinning on a full Emergency queue.
	EmergencySpinMax time.Duration `yaml:"emergency_spin_max"`
}

// NexusConfig covers the advisory pipeline.
type NexusConfig struct {
	Level         int    `yaml:"level"`
	MaxTreeDepth  int    `yaml:"max_tree_depth"`
	PredictWindow int    `yaml:"predict_window"`
	AuditRingSize int    `yaml:"audit_ring_size"`
	PolicyFile    string `yaml:"policy_file"`
	// WatchPolicyFile enables fsnotify-driven recalibration when the
	// policy file changes on disk.
	WatchPolicyFile bool `yaml:"watch_policy_file"`
}

// ControlPlaneConfig covers the operator HTTP surface.
type ControlPlaneConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Enabled    bool   `yaml:"enabled"`
}

// LoggingConfig covers structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// JanitorConfig covers the cron-driven maintenance schedule.
type JanitorConfig struct {
	// ReflectSpec is the cron spec for the NEXUS verify/reflect pass.
	ReflectSpec string `yaml:"reflect_spec"`
	// AuditFlushSpec is the cron spec for flushing the audit ring to the log.
	AuditFlushSpec string `yaml:"audit_flush_spec"`
	// HostProbeSpec is the cron spec for the gopsutil host telemetry probe.
	HostProbeSpec string `yaml:"host_probe_spec"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			Name:       "helix",
			ABIVersion: "1.0.0",
		},
		Scheduler: SchedulerConfig{
			TickPeriod:               time.Millisecond,
			AdvisoryDeadlineFraction: 0.10,
		},
		Watchdog: WatchdogConfig{
			Cadence:        100 * time.Millisecond,
			HealthDeadline: 20 * time.Millisecond,
			MissThreshold:  3,
			RetryBudget:    3,
			RetryWindow:    60 * time.Second,
		},
		EventBus: EventBusConfig{
			QueueCapacity:    256,
			EmergencySpinMax: time.Millisecond,
		},
		Nexus: NexusConfig{
			Level:         5,
			MaxTreeDepth:  16,
			PredictWindow: 32,
			AuditRingSize: 64 * 1024,
		},
		ControlPlane: ControlPlaneConfig{
			ListenAddr: "127.0.0.1:7477",
			Enabled:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Janitor: JanitorConfig{
			ReflectSpec:    "@every 1s",
			AuditFlushSpec: "@every 30s",
			HostProbeSpec:  "@every 5s",
		},
	}
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, helixerrors.Wrap(helixerrors.ErrCodeInvalidConfig, "read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, helixerrors.Wrap(helixerrors.ErrCodeInvalidConfig, "parse config file", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Logging.Level = GetEnv("HELIX_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = GetEnv("HELIX_LOG_FORMAT", c.Logging.Format)
	c.ControlPlane.ListenAddr = GetEnv("HELIX_CONTROL_ADDR", c.ControlPlane.ListenAddr)
	c.Nexus.Level = GetEnvInt("HELIX_NEXUS_LEVEL", c.Nexus.Level)
	c.Nexus.PolicyFile = GetEnv("HELIX_POLICY_FILE", c.Nexus.PolicyFile)
	c.Scheduler.TickPeriod = GetEnvDuration("HELIX_TICK_PERIOD", c.Scheduler.TickPeriod)
	c.Watchdog.Cadence = GetEnvDuration("HELIX_WATCHDOG_CADENCE", c.Watchdog.Cadence)
}

// Validate checks invariants the rest of the kernel assumes.
func (c *Config) Validate() error {
	if c.Scheduler.TickPeriod <= 0 {
		return helixerrors.New(helixerrors.ErrCodeInvalidConfig, "scheduler tick_period must be positive")
	}
	if c.Scheduler.AdvisoryDeadlineFraction <= 0 || c.Scheduler.AdvisoryDeadlineFraction > 1 {
		return helixerrors.New(helixerrors.ErrCodeInvalidConfig, "advisory_deadline_fraction must be in (0,1]")
	}
	if c.Watchdog.Cadence <= 0 {
		return helixerrors.New(helixerrors.ErrCodeInvalidConfig, "watchdog cadence must be positive")
	}
	if c.Watchdog.MissThreshold < 1 {
		return helixerrors.New(helixerrors.ErrCodeInvalidConfig, "watchdog miss_threshold must be at least 1")
	}
	if c.Nexus.Level < 0 || c.Nexus.Level > 6 {
		return helixerrors.New(helixerrors.ErrCodeInvalidConfig, "nexus level must be in [0,6]")
	}
	if c.Nexus.MaxTreeDepth < 1 {
		return helixerrors.New(helixerrors.ErrCodeInvalidConfig, "nexus max_tree_depth must be at least 1")
	}
	if c.Nexus.AuditRingSize < 512 {
		return helixerrors.New(helixerrors.ErrCodeInvalidConfig, "nexus audit_ring_size too small")
	}
	if c.EventBus.QueueCapacity < 1 {
		return helixerrors.New(helixerrors.ErrCodeInvalidConfig, "event_bus queue_capacity must be at least 1")
	}
	return nil
}

// =============================================================================
// Environment helpers
// =============================================================================

// GetEnv retrieves an environment variable with optional default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable with optional default.
// Accepts: "true", "1", "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	}
	return defaultValue
}

// GetEnvInt retrieves an integer environment variable with optional default.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvDuration retrieves a duration environment variable with optional
// default. Accepts Go duration syntax ("100ms", "1s").
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return d
}

// String renders a short operator-facing summary.
func (c *Config) String() string {
	return fmt.Sprintf("helix config: tick=%s deadline=%s watchdog=%s nexus-level=%d",
		c.Scheduler.TickPeriod, c.Scheduler.AdvisoryDeadline(), c.Watchdog.Cadence, c.Nexus.Level)
}
