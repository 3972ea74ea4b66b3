// Package capability implements the brokers that gate module access to
// kernel services: typed capability handles with revocation, and leased
// scarce resources.
package capability

import (
	"context"
	"sync"
	"sync/atomic"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/infrastructure/logging"
	"github.com/HelixOS-Org/helix/infrastructure/metrics"
	"github.com/HelixOS-Org/helix/infrastructure/resilience"
)

// EnsureFunc initializes a lazily-declared provider on first request.
type EnsureFunc func(ctx context.Context, name string) error

// Handle is an unforgeable reference to a provider's capability surface.
// It stays valid while the provider is healthy; quarantine revokes it,
// and holders observe CapabilityRevoked on next use.
type Handle struct {
	capability string
	provider   string
	target     any
	revoked    atomic.Bool
	breaker    *resilience.CircuitBreaker
}

// Capability returns the capability name the handle grants.
func (h *Handle) Capability() string { return h.capability }

// Provider returns the providing subsystem.
func (h *Handle) Provider() string { return h.provider }

// Use invokes fn against the provider's surface, routed through the
// provider's circuit breaker. A revoked handle or an open breaker maps
// to CapabilityRevoked.
func (h *Handle) Use(ctx context.Context, fn func(target any) error) error {
	if h.revoked.Load() {
		return helixerrors.NewCapabilityRevoked(h.capability)
	}
	err := h.breaker.Execute(ctx, func() error { return fn(h.target) })
	if err == resilience.ErrCircuitOpen || err == resilience.ErrTooManyRequests {
		return helixerrors.NewCapabilityRevoked(h.capability)
	}
	return err
}

// Revoked reports whether the handle has been revoked.
func (h *Handle) Revoked() bool { return h.revoked.Load() }

type provider struct {
	subsystem string
	target    any
	breaker   *resilience.CircuitBreaker
	handles   []*Handle
	healthy   bool
}

// Broker is the capability broker.
type Broker struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
	ensure  EnsureFunc

	mu        sync.RWMutex
	providers map[string]*provider // capability name -> provider
}

// NewBroker creates a Broker. ensure may be nil when no lazy subsystems
// exist.
func NewBroker(logger *logging.Logger, m *metrics.Metrics, ensure EnsureFunc) *Broker {
	return &Broker{
		logger:    logger.Named("capability"),
		metrics:   m,
		ensure:    ensure,
		providers: make(map[string]*provider),
	}
}

// Provide registers subsystem as the provider of capability, exposing
// target as the capability surface.
func (b *Broker) Provide(capability, subsystem string, target any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.providers[capability]; exists {
		return helixerrors.NewDuplicateName(capability)
	}
	b.providers[capability] = &provider{
		subsystem: subsystem,
		target:    target,
		breaker:   resilience.NewBreaker(resilience.DefaultBreakerConfig()),
		healthy:   true,
	}
	return nil
}

// Request returns a handle for capability, or a Denied error. The first
// request for a lazily-initialized provider triggers its init; an error
// from that init is returned as is.
func (b *Broker) Request(ctx context.Context, requester, capability string) (*Handle, error) {
	b.mu.RLock()
	p, ok := b.providers[capability]
	b.mu.RUnlock()

	if !ok && b.ensure != nil {
		// The provider may be declared lazy; give it a chance to come up.
		if err := b.ensure(ctx, capability); err != nil {
			return nil, err
		}
		b.mu.RLock()
		p, ok = b.providers[capability]
		b.mu.RUnlock()
	}

	decision := "granted"
	defer func() {
		if b.metrics != nil {
			b.metrics.CapabilityGrants.WithLabelValues(capability, decision).Inc()
		}
	}()

	if !ok {
		decision = "denied"
		return nil, helixerrors.NewCapabilityDenied(capability, "no provider")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !p.healthy {
		decision = "denied"
		return nil, helixerrors.NewCapabilityDenied(capability, "provider quarantined")
	}
	h := &Handle{
		capability: capability,
		provider:   p.subsystem,
		target:     p.target,
		breaker:    p.breaker,
	}
	p.handles = append(p.handles, h)
	b.logger.WithFields(map[string]interface{}{
		"capability": capability,
		"requester":  requester,
		"provider":   p.subsystem,
	}).Debug("Capability granted")
	return h, nil
}

// RevokeProvider revokes every handle issued for subsystem's
// capabilities. Called on quarantine.
func (b *Broker) RevokeProvider(subsystem string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	revoked := 0
	for _, p := range b.providers {
		if p.subsystem != subsystem {
			continue
		}
		p.healthy = false
		for _, h := range p.handles {
			if !h.revoked.Swap(true) {
				revoked++
			}
		}
		p.handles = nil
	}
	if revoked > 0 && b.metrics != nil {
		b.metrics.HandleRevocations.Add(float64(revoked))
	}
	return revoked
}

// RestoreProvider re-enables grants for subsystem's capabilities after a
// successful recovery. Existing handles stay revoked; holders must
// re-request.
func (b *Broker) RestoreProvider(subsystem string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.providers {
		if p.subsystem == subsystem {
			p.healthy = true
			p.breaker.Reset()
		}
	}
}

// Capabilities lists registered capability names.
func (b *Broker) Capabilities() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.providers))
	for name := range b.providers {
		out = append(out, name)
	}
	return out
}
