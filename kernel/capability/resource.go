package capability

import (
	"sync"

	"github.com/google/uuid"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/infrastructure/metrics"
)

// ResourceKind names a class of scarce resource.
type ResourceKind string

const (
	ResourceMemoryZone      ResourceKind = "memory-zone"
	ResourceInterruptVector ResourceKind = "interrupt-vector"
	ResourceDeviceWindow    ResourceKind = "device-window"
)

// Lease grants temporary ownership of resource units. Leases expire when
// the owning subsystem shuts down.
type Lease struct {
	ID       string
	Kind     ResourceKind
	Units    uint64
	Owner    string
	released bool
}

type pool struct {
	capacity uint64
	used     uint64
}

// ResourceBroker mediates scarce resources through bounded pools.
type ResourceBroker struct {
	metrics *metrics.Metrics

	mu     sync.Mutex
	pools  map[ResourceKind]*pool
	leases map[string]*Lease
}

// NewResourceBroker creates an empty broker.
func NewResourceBroker(m *metrics.Metrics) *ResourceBroker {
	return &ResourceBroker{
		metrics: m,
		pools:   make(map[ResourceKind]*pool),
		leases:  make(map[string]*Lease),
	}
}

// DeclarePool sets the capacity of a resource class.
func (rb *ResourceBroker) DeclarePool(kind ResourceKind, capacity uint64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.pools[kind] = &pool{capacity: capacity}
}

// Acquire leases units of kind to owner.
func (rb *ResourceBroker) Acquire(owner string, kind ResourceKind, units uint64) (*Lease, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	p, ok := rb.pools[kind]
	if !ok {
		return nil, helixerrors.NewNotFound(string(kind))
	}
	if p.used+units > p.capacity {
		return nil, helixerrors.Newf(helixerrors.ErrCodeCapabilityDenied,
			"resource %s exhausted: %d requested, %d available", kind, units, p.capacity-p.used)
	}
	p.used += units

	lease := &Lease{
		ID:    uuid.New().String(),
		Kind:  kind,
		Units: units,
		Owner: owner,
	}
	rb.leases[lease.ID] = lease
	if rb.metrics != nil {
		rb.metrics.ActiveLeases.Set(float64(len(rb.leases)))
	}
	return lease, nil
}

// Release returns a lease's units to the pool.
func (rb *ResourceBroker) Release(leaseID string) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.releaseLocked(leaseID)
}

func (rb *ResourceBroker) releaseLocked(leaseID string) error {
	lease, ok := rb.leases[leaseID]
	if !ok {
		return helixerrors.New(helixerrors.ErrCodeLeaseExpired, "lease not found or already released")
	}
	delete(rb.leases, leaseID)
	lease.released = true
	if p, ok := rb.pools[lease.Kind]; ok {
		p.used -= lease.Units
	}
	if rb.metrics != nil {
		rb.metrics.ActiveLeases.Set(float64(len(rb.leases)))
	}
	return nil
}

// ReleaseOwner expires every lease held by owner. Invoked on subsystem
// shutdown and quarantine.
func (rb *ResourceBroker) ReleaseOwner(owner string) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	var ids []string
	for id, lease := range rb.leases {
		if lease.Owner == owner {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		_ = rb.releaseLocked(id)
	}
	return len(ids)
}

// Available reports unleased units of kind.
func (rb *ResourceBroker) Available(kind ResourceKind) uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	p, ok := rb.pools[kind]
	if !ok {
		return 0
	}
	return p.capacity - p.used
}

// ActiveLeases reports the current lease count.
func (rb *ResourceBroker) ActiveLeases() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.leases)
}
