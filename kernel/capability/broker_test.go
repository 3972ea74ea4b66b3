package capability

import (
	"context"
	"errors"
	"testing"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/infrastructure/logging"
	"github.com/HelixOS-Org/helix/infrastructure/metrics"
)

type clockSurface struct {
	reads int
}

func newTestBroker(ensure EnsureFunc) *Broker {
	return NewBroker(logging.New("test", "panic", "text"), metrics.Noop(), ensure)
}

func TestRequest_GrantAndUse(t *testing.T) {
	b := newTestBroker(nil)
	surface := &clockSurface{}
	if err := b.Provide("clock.read", "clock", surface); err != nil {
		t.Fatal(err)
	}

	h, err := b.Request(context.Background(), "sched", "clock.read")
	if err != nil {
		t.Fatal(err)
	}
	if h.Provider() != "clock" || h.Capability() != "clock.read" {
		t.Errorf("unexpected handle identity: %s/%s", h.Provider(), h.Capability())
	}

	err = h.Use(context.Background(), func(target any) error {
		target.(*clockSurface).reads++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if surface.reads != 1 {
		t.Errorf("expected surface call, got %d", surface.reads)
	}
}

func TestRequest_DeniedWithoutProvider(t *testing.T) {
	b := newTestBroker(nil)
	_, err := b.Request(context.Background(), "sched", "fs.read")
	if !helixerrors.IsCode(err, helixerrors.ErrCodeCapabilityDenied) {
		t.Fatalf("expected denied, got %v", err)
	}
}

func TestRequest_TriggersLazyInit(t *testing.T) {
	var b *Broker
	ensured := ""
	b = newTestBroker(func(ctx context.Context, name string) error {
		ensured = name
		// Lazy init registers the provider as a side effect.
		return b.Provide(name, "fscache", &clockSurface{})
	})

	h, err := b.Request(context.Background(), "vfs", "fscache.lookup")
	if err != nil {
		t.Fatal(err)
	}
	if ensured != "fscache.lookup" {
		t.Errorf("expected ensure callback, got %q", ensured)
	}
	if h == nil {
		t.Fatal("expected handle after lazy init")
	}
}

func TestRevokeProvider_QuarantineIsolation(t *testing.T) {
	b := newTestBroker(nil)
	_ = b.Provide("fs.read", "fs", &clockSurface{})
	_ = b.Provide("fs.write", "fs", &clockSurface{})

	h1, _ := b.Request(context.Background(), "a", "fs.read")
	h2, _ := b.Request(context.Background(), "b", "fs.write")

	if n := b.RevokeProvider("fs"); n != 2 {
		t.Errorf("expected 2 revocations, got %d", n)
	}

	for _, h := range []*Handle{h1, h2} {
		err := h.Use(context.Background(), func(any) error { return nil })
		if !helixerrors.IsCode(err, helixerrors.ErrCodeCapabilityRevoked) {
			t.Errorf("expected revoked on first use, got %v", err)
		}
	}

	// New requests are denied while quarantined.
	_, err := b.Request(context.Background(), "c", "fs.read")
	if !helixerrors.IsCode(err, helixerrors.ErrCodeCapabilityDenied) {
		t.Errorf("expected denied during quarantine, got %v", err)
	}

	// Recovery re-enables grants; old handles stay dead.
	b.RestoreProvider("fs")
	h3, err := b.Request(context.Background(), "c", "fs.read")
	if err != nil {
		t.Fatalf("expected grant after restore: %v", err)
	}
	if err := h3.Use(context.Background(), func(any) error { return nil }); err != nil {
		t.Errorf("new handle should work: %v", err)
	}
	if !h1.Revoked() {
		t.Error("old handle must stay revoked")
	}
}

func TestHandle_BreakerMapsToRevoked(t *testing.T) {
	b := newTestBroker(nil)
	_ = b.Provide("net.tx", "net", &clockSurface{})
	h, _ := b.Request(context.Background(), "a", "net.tx")

	boom := errors.New("device wedged")
	// Default breaker opens after 5 failures.
	for i := 0; i < 5; i++ {
		_ = h.Use(context.Background(), func(any) error { return boom })
	}
	err := h.Use(context.Background(), func(any) error { return nil })
	if !helixerrors.IsCode(err, helixerrors.ErrCodeCapabilityRevoked) {
		t.Errorf("expected revoked via open breaker, got %v", err)
	}
}

func TestProvide_Duplicate(t *testing.T) {
	b := newTestBroker(nil)
	_ = b.Provide("clock.read", "clock", nil)
	err := b.Provide("clock.read", "clock2", nil)
	if !helixerrors.IsCode(err, helixerrors.ErrCodeDuplicateName) {
		t.Errorf("expected duplicate, got %v", err)
	}
}

func TestResourceBroker_LeaseLifecycle(t *testing.T) {
	rb := NewResourceBroker(metrics.Noop())
	rb.DeclarePool(ResourceInterruptVector, 4)

	l1, err := rb.Acquire("net", ResourceInterruptVector, 2)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := rb.Acquire("disk", ResourceInterruptVector, 2)
	if err != nil {
		t.Fatal(err)
	}
	if rb.Available(ResourceInterruptVector) != 0 {
		t.Errorf("expected pool exhausted, got %d", rb.Available(ResourceInterruptVector))
	}

	_, err = rb.Acquire("late", ResourceInterruptVector, 1)
	if !helixerrors.IsCode(err, helixerrors.ErrCodeCapabilityDenied) {
		t.Errorf("expected exhaustion denial, got %v", err)
	}

	if err := rb.Release(l1.ID); err != nil {
		t.Fatal(err)
	}
	if rb.Available(ResourceInterruptVector) != 2 {
		t.Errorf("expected 2 available, got %d", rb.Available(ResourceInterruptVector))
	}
	if err := rb.Release(l1.ID); !helixerrors.IsCode(err, helixerrors.ErrCodeLeaseExpired) {
		t.Errorf("double release should fail, got %v", err)
	}
	_ = l2
}

func TestResourceBroker_ReleaseOwnerOnShutdown(t *testing.T) {
	rb := NewResourceBroker(metrics.Noop())
	rb.DeclarePool(ResourceMemoryZone, 1024)
	_, _ = rb.Acquire("fs", ResourceMemoryZone, 256)
	_, _ = rb.Acquire("fs", ResourceMemoryZone, 128)
	_, _ = rb.Acquire("net", ResourceMemoryZone, 64)

	if n := rb.ReleaseOwner("fs"); n != 2 {
		t.Errorf("expected 2 leases expired, got %d", n)
	}
	if rb.Available(ResourceMemoryZone) != 1024-64 {
		t.Errorf("expected 960 available, got %d", rb.Available(ResourceMemoryZone))
	}
	if rb.ActiveLeases() != 1 {
		t.Errorf("expected 1 active lease, got %d", rb.ActiveLeases())
	}

	_, err := rb.Acquire("x", "unknown-kind", 1)
	if !helixerrors.IsCode(err, helixerrors.ErrCodeNotFound) {
		t.Errorf("expected not found for unknown pool, got %v", err)
	}
}
