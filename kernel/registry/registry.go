package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
)

// Factory instantiates a subsystem.
type Factory func() (Subsystem, error)

// Condition gates an ExecConditional subsystem. It receives the set of
// already-initialized subsystem names.
type Condition func(initialized map[string]bool) bool

// Descriptor is a subsystem's registry entry. The registry owns the
// metadata; the running instance is owned by the module itself and
// borrowed through the active slot.
type Descriptor struct {
	Name                 string
	Version              *semver.Version
	ABIRange             *semver.Constraints
	ABIRangeRaw          string
	Phase                Phase
	DependsOn            []string
	Factory              Factory
	CapabilitiesRequired []string
	Critical             bool
	Mode                 ExecMode
	Condition            Condition
	// Backup, when set, is instantiated by the watchdog's failover step.
	Backup *Descriptor
	// RestoresFrom declares which module versions this build can restore
	// snapshots of. Nil means only its own version.
	RestoresFrom    *semver.Constraints
	RestoresFromRaw string

	// index is the registration order, used for deterministic tie-breaks.
	index int
}

// NewDescriptor builds a Descriptor, parsing version and ABI range.
func NewDescriptor(name, version, abiRange string, phase Phase, factory Factory) (*Descriptor, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, helixerrors.Wrap(helixerrors.ErrCodeInvalidConfig, "invalid version for "+name, err)
	}
	c, err := semver.NewConstraint(abiRange)
	if err != nil {
		return nil, helixerrors.Wrap(helixerrors.ErrCodeInvalidConfig, "invalid ABI range for "+name, err)
	}
	return &Descriptor{
		Name:        name,
		Version:     v,
		ABIRange:    c,
		ABIRangeRaw: abiRange,
		Phase:       phase,
		Factory:     factory,
	}, nil
}

// WithDeps sets dependencies and returns the descriptor.
func (d *Descriptor) WithDeps(deps ...string) *Descriptor {
	d.DependsOn = deps
	return d
}

// WithCritical marks the subsystem critical.
func (d *Descriptor) WithCritical() *Descriptor {
	d.Critical = true
	return d
}

// WithMode sets the execution mode.
func (d *Descriptor) WithMode(mode ExecMode) *Descriptor {
	d.Mode = mode
	return d
}

// WithCondition sets the predicate for ExecConditional.
func (d *Descriptor) WithCondition(cond Condition) *Descriptor {
	d.Mode = ExecConditional
	d.Condition = cond
	return d
}

// WithBackup registers a failover descriptor.
func (d *Descriptor) WithBackup(backup *Descriptor) *Descriptor {
	d.Backup = backup
	return d
}

// WithRestoresFrom declares the snapshot compatibility range.
func (d *Descriptor) WithRestoresFrom(rangeStr string) (*Descriptor, error) {
	c, err := semver.NewConstraint(rangeStr)
	if err != nil {
		return nil, helixerrors.Wrap(helixerrors.ErrCodeInvalidConfig, "invalid restores-from range for "+d.Name, err)
	}
	d.RestoresFrom = c
	d.RestoresFromRaw = rangeStr
	return d, nil
}

// WithCapabilities declares required capabilities.
func (d *Descriptor) WithCapabilities(caps ...string) *Descriptor {
	d.CapabilitiesRequired = caps
	return d
}

// active is the per-name slot holding the running instance. Updated by
// atomic pointer swap; readers see either old or new, never torn.
type active struct {
	instance Subsystem
	version  *semver.Version
}

// Registry is the module catalog. Immutable after Freeze. Catalog reads
// (Lookup, Names, TopoOrder, ListByPhase, Resolve) take the read lock;
// active-slot reads are lock-free atomic loads.
type Registry struct {
	kernelABI *semver.Version

	mu     sync.RWMutex
	frozen atomic.Bool

	descriptors map[string]*Descriptor
	order       []string // registration order
	topo        []string // computed at freeze

	slots sync.Map // name -> *atomic.Pointer[active]
}

// New creates a Registry for a kernel exposing the given ABI version.
func New(kernelABI string) (*Registry, error) {
	v, err := semver.NewVersion(kernelABI)
	if err != nil {
		return nil, helixerrors.Wrap(helixerrors.ErrCodeInvalidConfig, "invalid kernel ABI", err)
	}
	return &Registry{
		kernelABI:   v,
		descriptors: make(map[string]*Descriptor),
	}, nil
}

// KernelABI returns the kernel's ABI version.
func (r *Registry) KernelABI() *semver.Version { return r.kernelABI }

// Register adds a descriptor to the catalog. Dependencies must already
// be registered (leaf-first order); the declared phase must not precede
// any dependency's phase.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return helixerrors.NewRegistryFrozen("register")
	}
	if _, exists := r.descriptors[d.Name]; exists {
		return helixerrors.NewDuplicateName(d.Name)
	}
	if d.ABIRange != nil && !d.ABIRange.Check(r.kernelABI) {
		return helixerrors.NewAbiIncompatible(d.Name, d.ABIRangeRaw, r.kernelABI.String())
	}
	for _, dep := range d.DependsOn {
		depDesc, ok := r.descriptors[dep]
		if !ok {
			return helixerrors.NewUnknownDependency(d.Name, dep)
		}
		if d.Phase < depDesc.Phase {
			return helixerrors.Newf(helixerrors.ErrCodeInvalidConfig,
				"subsystem %q in phase %s precedes dependency %q in phase %s",
				d.Name, d.Phase, dep, depDesc.Phase).WithSubsystem(d.Name)
		}
	}

	d.index = len(r.order)
	r.descriptors[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Freeze validates the dependency graph and transitions the registry to
// immutable. Cycle detection uses Kahn's algorithm; a cycle rejects the
// batch naming at least one cycle vertex.
func (r *Registry) Freeze() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return helixerrors.NewRegistryFrozen("freeze")
	}

	topo, err := r.topoSortLocked()
	if err != nil {
		return err
	}
	r.topo = topo
	r.frozen.Store(true)
	return nil
}

// Frozen reports whether the catalog is immutable.
func (r *Registry) Frozen() bool { return r.frozen.Load() }

// topoSortLocked runs Kahn's algorithm with registration-order
// tie-breaking, producing a deterministic total order.
func (r *Registry) topoSortLocked() ([]string, error) {
	indegree := make(map[string]int, len(r.descriptors))
	dependents := make(map[string][]string, len(r.descriptors))
	for _, name := range r.order {
		indegree[name] = len(r.descriptors[name].DependsOn)
		for _, dep := range r.descriptors[name].DependsOn {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	topo := make([]string, 0, len(r.order))
	for len(ready) > 0 {
		// Lowest registration index first keeps the order stable.
		sort.Slice(ready, func(i, j int) bool {
			return r.descriptors[ready[i]].index < r.descriptors[ready[j]].index
		})
		name := ready[0]
		ready = ready[1:]
		topo = append(topo, name)
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(topo) != len(r.order) {
		return nil, helixerrors.NewCyclicDependency(r.findCycleLocked(indegree))
	}
	return topo, nil
}

// findCycleLocked walks the residual graph to name one cycle.
func (r *Registry) findCycleLocked(indegree map[string]int) []string {
	residual := make(map[string]bool)
	for name, deg := range indegree {
		if deg > 0 {
			residual[name] = true
		}
	}

	var start string
	for _, name := range r.order {
		if residual[name] {
			start = name
			break
		}
	}
	if start == "" {
		return nil
	}

	// Follow dependency edges inside the residual set until a repeat.
	seen := map[string]int{}
	path := []string{}
	cur := start
	for {
		if pos, ok := seen[cur]; ok {
			return path[pos:]
		}
		seen[cur] = len(path)
		path = append(path, cur)
		next := ""
		for _, dep := range r.descriptors[cur].DependsOn {
			if residual[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			return path
		}
		cur = next
	}
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	if !ok {
		return nil, helixerrors.NewNotFound(name)
	}
	return d, nil
}

// Names returns every registered name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// TopoOrder returns the frozen topological order.
func (r *Registry) TopoOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.topo))
	copy(out, r.topo)
	return out
}

// ListByPhase returns descriptors whose declared phase equals phase, in
// topological order with ties broken by registration order. Requires a
// frozen registry.
func (r *Registry) ListByPhase(phase Phase) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Descriptor
	for _, name := range r.topo {
		if d := r.descriptors[name]; d.Phase == phase {
			out = append(out, d)
		}
	}
	return out
}

// =============================================================================
// Active slots
// =============================================================================

func (r *Registry) slot(name string) *atomic.Pointer[active] {
	v, _ := r.slots.LoadOrStore(name, &atomic.Pointer[active]{})
	return v.(*atomic.Pointer[active])
}

// SetActive installs the running instance for name by pointer swap.
func (r *Registry) SetActive(name string, instance Subsystem, version *semver.Version) {
	r.slot(name).Store(&active{instance: instance, version: version})
}

// ClearActive removes the running instance for name.
func (r *Registry) ClearActive(name string) {
	r.slot(name).Store(nil)
}

// Resolve returns the active instance for name, optionally checked
// against a semver requirement ("" skips the check).
func (r *Registry) Resolve(name, versionReq string) (Subsystem, error) {
	r.mu.RLock()
	_, known := r.descriptors[name]
	r.mu.RUnlock()
	if !known {
		return nil, helixerrors.NewNotFound(name)
	}

	a := r.slot(name).Load()
	if a == nil {
		return nil, helixerrors.NewNotFound(name)
	}
	if versionReq != "" {
		c, err := semver.NewConstraint(versionReq)
		if err != nil {
			return nil, helixerrors.Wrap(helixerrors.ErrCodeInvalidConfig, "invalid version requirement", err)
		}
		if !c.Check(a.version) {
			return nil, helixerrors.NewVersionUnsatisfied(name, versionReq, a.version.String())
		}
	}
	return a.instance, nil
}

// ActiveVersion returns the running version for name, or nil.
func (r *Registry) ActiveVersion(name string) *semver.Version {
	a := r.slot(name).Load()
	if a == nil {
		return nil
	}
	return a.version
}
