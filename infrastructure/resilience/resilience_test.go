package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errProbe = errors.New("probe failed")

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewBreaker(BreakerConfig{MaxFailures: 3, Timeout: time.Minute})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return errProbe })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewBreaker(BreakerConfig{MaxFailures: 1, Timeout: time.Millisecond, HalfOpenMax: 1})

	_ = cb.Execute(context.Background(), func() error { return errProbe })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(5 * time.Millisecond)
	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("half-open probe should pass: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed after successful half-open probe, got %s", cb.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	cb := NewBreaker(BreakerConfig{MaxFailures: 1, Timeout: time.Hour})
	_ = cb.Execute(context.Background(), func() error { return errProbe })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("expected closed after reset, got %s", cb.State())
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cb := NewBreaker(BreakerConfig{
		MaxFailures: 1,
		Timeout:     time.Hour,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	_ = cb.Execute(context.Background(), func() error { return errProbe })
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("unexpected transitions: %v", transitions)
	}
}

func TestRetry_SucceedsEventually(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}, func() error {
		attempts++
		if attempts < 3 {
			return errProbe
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func() error {
		attempts++
		return errProbe
	})
	if !errors.Is(err, errProbe) {
		t.Fatalf("expected probe error, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetry_OnRetryObservesFailedAttempts(t *testing.T) {
	var observed []int
	cfg := RecoveryRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxAttempts = 3
	cfg.OnRetry = func(attempt int, err error) {
		observed = append(observed, attempt)
	}
	err := Retry(context.Background(), cfg, func() error { return errProbe })
	if !errors.Is(err, errProbe) {
		t.Fatalf("expected probe error, got %v", err)
	}
	// The final attempt exhausts the budget without a retry callback.
	if len(observed) != 2 || observed[0] != 1 || observed[1] != 2 {
		t.Errorf("unexpected retry observations: %v", observed)
	}
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	runs := 0
	err := Retry(context.Background(), RetryConfig{}, func() error {
		runs++
		return errProbe
	})
	if !errors.Is(err, errProbe) || runs != 1 {
		t.Errorf("expected a single run, got runs=%d err=%v", runs, err)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryConfig{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond}, func() error {
		return errProbe
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context cancellation, got %v", err)
	}
}
