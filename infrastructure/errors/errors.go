// Package errors provides unified error handling for the Helix core.
package errors

import (
	"errors"
	"fmt"
)

// Kind groups error codes into the closed taxonomy the orchestrator
// dispatches on.
type Kind int

const (
	// KindConfiguration errors halt the current operation but never the kernel.
	KindConfiguration Kind = iota
	// KindLifecycle errors are mostly recoverable and reported to subscribers.
	KindLifecycle
	// KindRuntime errors are absorbed and surfaced through counters.
	KindRuntime
	// KindPolicy errors disable the offending rule, never the pipeline.
	KindPolicy
	// KindFatal errors transition the kernel to Halted.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindLifecycle:
		return "lifecycle"
	case KindRuntime:
		return "runtime"
	case KindPolicy:
		return "policy"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Configuration errors (1xxx)
	ErrCodeDuplicateName      ErrorCode = "CFG_1001"
	ErrCodeUnknownDependency  ErrorCode = "CFG_1002"
	ErrCodeCyclicDependency   ErrorCode = "CFG_1003"
	ErrCodeAbiIncompatible    ErrorCode = "CFG_1004"
	ErrCodeRegistryFrozen     ErrorCode = "CFG_1005"
	ErrCodeNotFound           ErrorCode = "CFG_1006"
	ErrCodeVersionUnsatisfied ErrorCode = "CFG_1007"
	ErrCodeInvalidConfig      ErrorCode = "CFG_1008"

	// Lifecycle errors (2xxx)
	ErrCodeInitFailed          ErrorCode = "LC_2001"
	ErrCodeStopFailed          ErrorCode = "LC_2002"
	ErrCodeRollback            ErrorCode = "LC_2003"
	ErrCodeHealthDeadline      ErrorCode = "LC_2004"
	ErrCodeSnapshotFailed      ErrorCode = "LC_2005"
	ErrCodeRestoreFailed       ErrorCode = "LC_2006"
	ErrCodeSchemaIncompatible  ErrorCode = "LC_2007"
	ErrCodeSwapAborted         ErrorCode = "LC_2008"
	ErrCodeRecoveryExhausted   ErrorCode = "LC_2009"
	ErrCodeUnsupported         ErrorCode = "LC_2010"
	ErrCodePhaseBarrierTimeout ErrorCode = "LC_2011"

	// Runtime errors (3xxx)
	ErrCodeBackpressure      ErrorCode = "RT_3001"
	ErrCodeEventDropped      ErrorCode = "RT_3002"
	ErrCodeAdvisoryDeadline  ErrorCode = "RT_3003"
	ErrCodeCapabilityRevoked ErrorCode = "RT_3004"
	ErrCodeCapabilityDenied  ErrorCode = "RT_3005"
	ErrCodeQuarantined       ErrorCode = "RT_3006"
	ErrCodeLeaseExpired      ErrorCode = "RT_3007"

	// Policy errors (4xxx)
	ErrCodeRuleBudgetExceeded ErrorCode = "POL_4001"
	ErrCodeDepthExceeded      ErrorCode = "POL_4002"
	ErrCodeUnknownAction      ErrorCode = "POL_4003"
	ErrCodeLevelDenied        ErrorCode = "POL_4004"

	// Fatal errors (5xxx)
	ErrCodeStateInvariant        ErrorCode = "FATAL_5001"
	ErrCodeCriticalUnrecoverable ErrorCode = "FATAL_5002"
)

// KernelError represents a structured error with code, kind, and details.
type KernelError struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Subsystem string         `json:"subsystem,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

// Error implements the error interface
func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *KernelError) Unwrap() error {
	return e.Err
}

// Kind returns the taxonomy group for the error's code.
func (e *KernelError) Kind() Kind {
	switch e.Code[0] {
	case 'C':
		return KindConfiguration
	case 'L':
		return KindLifecycle
	case 'R':
		return KindRuntime
	case 'P':
		return KindPolicy
	case 'F':
		return KindFatal
	}
	return KindFatal
}

// WithSubsystem tags the error with the subsystem it originated from.
func (e *KernelError) WithSubsystem(name string) *KernelError {
	e.Subsystem = name
	return e
}

// WithDetail adds additional detail to the error
func (e *KernelError) WithDetail(key string, value any) *KernelError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a KernelError with the given code and message.
func New(code ErrorCode, message string) *KernelError {
	return &KernelError{Code: code, Message: message}
}

// Wrap creates a KernelError wrapping an underlying cause.
func Wrap(code ErrorCode, message string, err error) *KernelError {
	return &KernelError{Code: code, Message: message, Err: err}
}

// Newf creates a KernelError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *KernelError {
	return &KernelError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// Constructors for the common cases
// =============================================================================

// NewDuplicateName reports a second registration under an existing name.
func NewDuplicateName(name string) *KernelError {
	return Newf(ErrCodeDuplicateName, "subsystem %q already registered", name).WithSubsystem(name)
}

// NewUnknownDependency reports an edge to an unregistered subsystem.
func NewUnknownDependency(name, dep string) *KernelError {
	return Newf(ErrCodeUnknownDependency, "subsystem %q depends on unregistered %q", name, dep).WithSubsystem(name)
}

// NewCyclicDependency reports a dependency cycle, naming its vertices.
func NewCyclicDependency(cycle []string) *KernelError {
	e := Newf(ErrCodeCyclicDependency, "dependency cycle detected: %v", cycle)
	return e.WithDetail("cycle", cycle)
}

// NewAbiIncompatible reports an ABI range disjoint from the kernel's.
func NewAbiIncompatible(name, declared, kernel string) *KernelError {
	return Newf(ErrCodeAbiIncompatible, "subsystem %q declares ABI range %q incompatible with kernel ABI %s", name, declared, kernel).WithSubsystem(name)
}

// NewRegistryFrozen reports a mutation attempted after freeze.
func NewRegistryFrozen(op string) *KernelError {
	return Newf(ErrCodeRegistryFrozen, "registry is frozen: %s rejected", op)
}

// NewNotFound reports a lookup miss.
func NewNotFound(name string) *KernelError {
	return Newf(ErrCodeNotFound, "subsystem %q not found", name).WithSubsystem(name)
}

// NewVersionUnsatisfied reports a version requirement the active instance
// does not meet.
func NewVersionUnsatisfied(name, req, have string) *KernelError {
	return Newf(ErrCodeVersionUnsatisfied, "subsystem %q version %s does not satisfy %q", name, have, req).WithSubsystem(name)
}

// NewInitFailed wraps a subsystem init failure.
func NewInitFailed(name string, err error) *KernelError {
	return Wrap(ErrCodeInitFailed, fmt.Sprintf("init of %q failed", name), err).WithSubsystem(name)
}

// NewStopFailed wraps a subsystem stop failure.
func NewStopFailed(name string, err error) *KernelError {
	return Wrap(ErrCodeStopFailed, fmt.Sprintf("stop of %q failed", name), err).WithSubsystem(name)
}

// NewUnsupported reports an optional lifecycle operation the subsystem
// does not implement.
func NewUnsupported(name, op string) *KernelError {
	return Newf(ErrCodeUnsupported, "subsystem %q does not support %s", name, op).WithSubsystem(name)
}

// NewBackpressure reports a full queue at the publisher's priority.
func NewBackpressure(topic string) *KernelError {
	return Newf(ErrCodeBackpressure, "queue full for topic %q", topic)
}

// NewAdvisoryDeadline reports a pipeline stage exceeding the tick budget.
func NewAdvisoryDeadline(stage string) *KernelError {
	return Newf(ErrCodeAdvisoryDeadline, "advisory deadline exceeded in %s stage", stage)
}

// NewCapabilityRevoked reports use of a handle whose provider is gone.
func NewCapabilityRevoked(capability string) *KernelError {
	return Newf(ErrCodeCapabilityRevoked, "capability %q revoked", capability)
}

// NewCapabilityDenied reports a rejected capability request.
func NewCapabilityDenied(capability, reason string) *KernelError {
	return Newf(ErrCodeCapabilityDenied, "capability %q denied: %s", capability, reason)
}

// NewStateInvariant reports a violated orchestrator state invariant.
func NewStateInvariant(detail string) *KernelError {
	return Newf(ErrCodeStateInvariant, "kernel state invariant violated: %s", detail)
}

// =============================================================================
// Inspection helpers
// =============================================================================

// AsKernelError extracts a KernelError from an error chain.
func AsKernelError(err error) (*KernelError, bool) {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke, true
	}
	return nil, false
}

// IsCode reports whether the chain contains a KernelError with the code.
func IsCode(err error, code ErrorCode) bool {
	if ke, ok := AsKernelError(err); ok {
		return ke.Code == code
	}
	return false
}

// KindOf returns the taxonomy kind of the error, defaulting unknown
// errors to Lifecycle so they stay recoverable.
func KindOf(err error) Kind {
	if ke, ok := AsKernelError(err); ok {
		return ke.Kind()
	}
	return KindLifecycle
}

// IsRecoverable reports whether the orchestrator may absorb the error
// without escalating kernel state.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindRuntime, KindLifecycle, KindPolicy:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the error must halt the kernel.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}
