// Package logging provides structured logging with trace ID support
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SubsystemKey is the context key for the subsystem name
	SubsystemKey ContextKey = "subsystem"
	// PhaseKey is the context key for the current boot phase
	PhaseKey ContextKey = "phase"
)

// Logger wraps logrus.Logger with kernel-specific helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new Logger instance
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stderr)

	return &Logger{
		Logger:    logger,
		component: component,
	}
}

// NewFromEnv constructs a logger using HELIX_LOG_LEVEL and HELIX_LOG_FORMAT
// environment variables. Defaults to "info" and "text" when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("HELIX_LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("HELIX_LOG_FORMAT"))
	if format == "" {
		format = "text"
	}
	return New(component, level, format)
}

// Named returns a logger sharing output and level but tagged with a
// different component. Subsystems receive their logger through this.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// Component returns the component tag.
func (l *Logger) Component() string { return l.component }

// WithContext creates a new logger entry with context values
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if sub := ctx.Value(SubsystemKey); sub != nil {
		entry = entry.WithField("subsystem", sub)
	}
	if phase := ctx.Value(PhaseKey); phase != nil {
		entry = entry.WithField("phase", phase)
	}

	return entry
}

// WithSubsystem creates a new logger entry tagged with a subsystem name.
func (l *Logger) WithSubsystem(name string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"subsystem": name,
	})
}

// WithFields creates a new logger entry with custom fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithError creates a new logger entry with error
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"error":     err.Error(),
	})
}

// SetOutput sets the logger output
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Context helper functions

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithSubsystem adds a subsystem name to the context
func WithSubsystem(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, SubsystemKey, name)
}

// GetSubsystem retrieves the subsystem name from context
func GetSubsystem(ctx context.Context) string {
	if name, ok := ctx.Value(SubsystemKey).(string); ok {
		return name
	}
	return ""
}

// Structured logging helpers

// LogLifecycle logs a subsystem lifecycle transition.
func (l *Logger) LogLifecycle(subsystem, op string, duration time.Duration, err error) {
	entry := l.WithSubsystem(subsystem).WithFields(logrus.Fields{
		"op":          op,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("Lifecycle operation failed")
	} else {
		entry.Info("Lifecycle operation completed")
	}
}

// LogStateTransition logs a kernel state machine transition.
func (l *Logger) LogStateTransition(from, to, reason string) {
	l.WithFields(map[string]interface{}{
		"from":   from,
		"to":     to,
		"reason": reason,
	}).Info("Kernel state transition")
}

// LogHealth logs a watchdog health observation.
func (l *Logger) LogHealth(subsystem, status string, failures int) {
	entry := l.WithSubsystem(subsystem).WithFields(logrus.Fields{
		"status":   status,
		"failures": failures,
	})
	if status == "healthy" {
		entry.Debug("Health check")
	} else {
		entry.Warn("Health check")
	}
}

// LogRecovery logs a self-heal recovery attempt.
func (l *Logger) LogRecovery(subsystem, action string, attempt int, err error) {
	entry := l.WithSubsystem(subsystem).WithFields(logrus.Fields{
		"action":  action,
		"attempt": attempt,
	})
	if err != nil {
		entry.WithError(err).Warn("Recovery attempt failed")
	} else {
		entry.Info("Recovery attempt succeeded")
	}
}

// LogAdvisory logs a fired advisory (off the hot path).
func (l *Logger) LogAdvisory(ruleID string, confidence float64, action string, elapsed time.Duration) {
	l.WithFields(map[string]interface{}{
		"rule_id":    ruleID,
		"confidence": confidence,
		"action":     action,
		"elapsed_us": elapsed.Microseconds(),
	}).Debug("Advisory emitted")
}

// LogAudit logs an audit event
func (l *Logger) LogAudit(ctx context.Context, action, resource, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":   action,
		"resource": resource,
		"result":   result,
		"audit":    true,
	}).Info("Audit log")
}

// LogSwap logs a hot-reload step.
func (l *Logger) LogSwap(module, step string, fromVersion, toVersion string, err error) {
	entry := l.WithSubsystem(module).WithFields(logrus.Fields{
		"step": step,
		"from": fromVersion,
		"to":   toVersion,
	})
	if err != nil {
		entry.WithError(err).Error("Hot-reload step failed")
	} else {
		entry.Info("Hot-reload step")
	}
}

// Global logger instance (can be initialized once at startup)
var defaultLogger *Logger

// InitDefault initializes the default logger
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

// Default returns the default logger
func Default() *Logger {
	if defaultLogger == nil {
		// Fallback to a basic logger if not initialized
		defaultLogger = New("helix", "info", "text")
	}
	return defaultLogger
}
