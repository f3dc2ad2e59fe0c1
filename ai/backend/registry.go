package backend

import (
	"sort"

	"github.com/pkg/errors"
)

// Registry holds the set of pluggable backends keyed by capability.
// It is populated at startup and read-only afterwards; lookups are therefore
// lock-free.
type Registry struct {
	entries map[Capability]registryEntry
}

type registryEntry struct {
	desc    Descriptor
	factory Factory
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Capability]registryEntry)}
}

// Register adds a backend descriptor and its factory.
// Registration happens during startup wiring only; duplicate capabilities and
// invalid descriptors are configuration errors.
func (r *Registry) Register(desc Descriptor, factory Factory) error {
	if desc.Name == "" {
		return errors.New("backend descriptor requires a name")
	}
	if desc.Capability == "" {
		return errors.Errorf("backend %s declares no capability", desc.Name)
	}
	if desc.MemoryCostMB <= 0 {
		return errors.Errorf("backend %s declares non-positive memory cost %d", desc.Name, desc.MemoryCostMB)
	}
	if desc.DefaultTimeout <= 0 {
		return errors.Errorf("backend %s declares non-positive timeout", desc.Name)
	}
	if factory == nil {
		return errors.Errorf("backend %s has no factory", desc.Name)
	}
	if _, ok := r.entries[desc.Capability]; ok {
		return errors.Errorf("capability %s already registered", desc.Capability)
	}
	r.entries[desc.Capability] = registryEntry{desc: desc, factory: factory}
	return nil
}

// Lookup returns the descriptor and factory for a capability.
func (r *Registry) Lookup(capability Capability) (Descriptor, Factory, bool) {
	e, ok := r.entries[capability]
	if !ok {
		return Descriptor{}, nil, false
	}
	return e.desc, e.factory, true
}

// Descriptors lists all registered descriptors, ordered by name for stable
// iteration.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
