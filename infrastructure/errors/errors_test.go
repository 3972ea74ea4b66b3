package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKernelError_Error(t *testing.T) {
	err := New(ErrCodeDuplicateName, "subsystem already registered")
	expected := "[CFG_1001] subsystem already registered"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
}

func TestKernelError_ErrorWithCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ErrCodeInitFailed, "init of \"sched\" failed", cause)
	if err.Error() != "[LC_2001] init of \"sched\" failed: boom" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause in chain")
	}
}

func TestKernelError_Kind(t *testing.T) {
	tests := []struct {
		code ErrorCode
		kind Kind
	}{
		{ErrCodeDuplicateName, KindConfiguration},
		{ErrCodeCyclicDependency, KindConfiguration},
		{ErrCodeInitFailed, KindLifecycle},
		{ErrCodeSnapshotFailed, KindLifecycle},
		{ErrCodeBackpressure, KindRuntime},
		{ErrCodeCapabilityRevoked, KindRuntime},
		{ErrCodeDepthExceeded, KindPolicy},
		{ErrCodeStateInvariant, KindFatal},
	}
	for _, tt := range tests {
		if got := New(tt.code, "x").Kind(); got != tt.kind {
			t.Errorf("code %s: expected kind %s, got %s", tt.code, tt.kind, got)
		}
	}
}

func TestKernelError_WithDetail(t *testing.T) {
	err := NewCyclicDependency([]string{"A", "B"})
	cycle, ok := err.Details["cycle"].([]string)
	if !ok || len(cycle) != 2 {
		t.Fatalf("expected cycle detail, got %v", err.Details)
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewRegistryFrozen("register"))
	if !IsCode(err, ErrCodeRegistryFrozen) {
		t.Error("expected frozen code through wrapping")
	}
	if IsCode(err, ErrCodeDuplicateName) {
		t.Error("wrong code matched")
	}
	if IsCode(errors.New("plain"), ErrCodeRegistryFrozen) {
		t.Error("plain error matched a code")
	}
}

func TestIsRecoverable(t *testing.T) {
	if !IsRecoverable(NewBackpressure("sched.ticks")) {
		t.Error("backpressure should be recoverable")
	}
	if !IsRecoverable(NewInitFailed("mem", errors.New("oom"))) {
		t.Error("lifecycle errors should be recoverable")
	}
	if IsRecoverable(NewStateInvariant("running after halt")) {
		t.Error("fatal errors are not recoverable")
	}
	// Unknown errors default to recoverable.
	if !IsRecoverable(errors.New("mystery")) {
		t.Error("unknown errors default to lifecycle")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(New(ErrCodeCriticalUnrecoverable, "sched gone")) {
		t.Error("expected fatal")
	}
	if IsFatal(NewNotFound("fs")) {
		t.Error("configuration error is not fatal")
	}
}
