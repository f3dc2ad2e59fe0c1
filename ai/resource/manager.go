// Package resource manages the lifecycle of analysis backend instances under
// a fixed memory budget: lazy construction, LRU eviction and in-flight
// pinning.
package resource

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tutorloop/tutorloop/ai/backend"
)

// ErrResourceExhausted signals that a single backend's declared cost exceeds
// the configured budget. This is a configuration fault, not a transient
// condition: callers must not retry.
var ErrResourceExhausted = errors.New("resource: backend cost exceeds memory budget")

// ErrUnknownCapability signals an acquire for a capability nothing registered.
var ErrUnknownCapability = errors.New("resource: unknown capability")

// IsExhausted reports whether err is (or wraps) ErrResourceExhausted.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

// Observer receives residency lifecycle notifications.
type Observer interface {
	BackendLoaded(desc backend.Descriptor)
	BackendEvicted(desc backend.Descriptor)
	ResidentMemory(totalMB int64)
}

// Manager owns all live backend instances. All mutations of the instance
// table (construction, eviction, recency updates) are serialized through its
// mutex; construction itself runs outside the lock, serialized per
// capability through the building handshake so concurrent acquires never
// build duplicates.
type Manager struct {
	registry *backend.Registry
	budgetMB int64

	mu        sync.Mutex
	instances map[backend.Capability]*instance
	totalMB   int64
	waiters   []chan struct{}

	observer Observer
	now      func() time.Time
}

type instance struct {
	desc     backend.Descriptor
	analyzer backend.Analyzer

	loadedAt   time.Time
	lastUsedAt time.Time
	inFlight   int

	building bool
	ready    chan struct{}
	buildErr error
}

// NewManager creates a resource manager over the given registry.
func NewManager(registry *backend.Registry, budgetMB int64) *Manager {
	return &Manager{
		registry:  registry,
		budgetMB:  budgetMB,
		instances: make(map[backend.Capability]*instance),
		now:       time.Now,
	}
}

// SetObserver wires residency notifications, typically to the metrics
// recorder. Must be called before the first Acquire.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// Lease is a pinned reference to a live backend instance. The instance is
// not evictable until Release is called.
type Lease struct {
	manager *Manager
	inst    *instance
	once    sync.Once
}

// Analyzer returns the leased backend.
func (l *Lease) Analyzer() backend.Analyzer {
	return l.inst.analyzer
}

// Descriptor returns the leased backend's descriptor.
func (l *Lease) Descriptor() backend.Descriptor {
	return l.inst.desc
}

// Release unpins the instance and refreshes its recency. Safe to call more
// than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		m := l.manager
		m.mu.Lock()
		l.inst.inFlight--
		l.inst.lastUsedAt = m.now()
		m.mu.Unlock()
		m.notifyWaiters()
	})
}

// Acquire returns a pinned instance for the capability, constructing it on
// first use. The memory budget is enforced here: idle instances are evicted
// in LRU order (ties broken by lowest cost) until the new instance fits.
// Acquire blocks while pinned instances hold the needed headroom and fails
// with ErrResourceExhausted only when the backend could never fit.
func (m *Manager) Acquire(ctx context.Context, capability backend.Capability) (*Lease, error) {
	desc, factory, ok := m.registry.Lookup(capability)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCapability, "%s", capability)
	}
	if desc.MemoryCostMB > m.budgetMB {
		return nil, errors.Wrapf(ErrResourceExhausted,
			"backend %s needs %dMB, budget is %dMB", desc.Name, desc.MemoryCostMB, m.budgetMB)
	}

	for {
		m.mu.Lock()

		// Fast path: instance is resident (double-checked under the lock).
		if inst, ok := m.instances[capability]; ok && !inst.building {
			lease := m.pinLocked(inst)
			m.mu.Unlock()
			return lease, nil
		}

		// Another acquire is constructing this capability: wait for it.
		if inst, ok := m.instances[capability]; ok && inst.building {
			ready := inst.ready
			m.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue // re-check: the build may have failed and been removed
		}

		// Evict idle instances until the newcomer fits.
		if !m.makeRoomLocked(desc.MemoryCostMB) {
			// Headroom is held by in-flight instances; wait for a release.
			wait := make(chan struct{})
			m.waiters = append(m.waiters, wait)
			m.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		// Reserve the budget and construct outside the lock.
		inst := &instance{
			desc:     desc,
			building: true,
			ready:    make(chan struct{}),
		}
		m.instances[capability] = inst
		m.totalMB += desc.MemoryCostMB
		m.mu.Unlock()

		analyzer, err := factory(ctx)

		m.mu.Lock()
		if err != nil {
			delete(m.instances, capability)
			m.totalMB -= desc.MemoryCostMB
			inst.buildErr = err
			close(inst.ready)
			m.mu.Unlock()
			m.notifyWaiters()
			return nil, errors.Wrapf(err, "construct backend %s", desc.Name)
		}
		inst.analyzer = analyzer
		inst.loadedAt = m.now()
		inst.lastUsedAt = inst.loadedAt
		inst.building = false
		close(inst.ready)
		lease := m.pinLocked(inst)
		total := m.totalMB
		m.mu.Unlock()

		slog.Info("resource: backend loaded",
			"backend", desc.Name,
			"capability", desc.Capability,
			"cost_mb", desc.MemoryCostMB,
			"resident_mb", total)
		if m.observer != nil {
			m.observer.BackendLoaded(desc)
			m.observer.ResidentMemory(total)
		}
		return lease, nil
	}
}

// pinLocked marks the instance in use and returns its lease.
// Caller must hold m.mu.
func (m *Manager) pinLocked(inst *instance) *Lease {
	inst.inFlight++
	inst.lastUsedAt = m.now()
	return &Lease{manager: m, inst: inst}
}

// makeRoomLocked evicts idle instances until costMB fits within the budget.
// Returns false when the remaining occupants are pinned or building, in
// which case the caller must wait. Caller must hold m.mu.
func (m *Manager) makeRoomLocked(costMB int64) bool {
	for m.totalMB+costMB > m.budgetMB {
		victim := m.evictionCandidateLocked()
		if victim == nil {
			return false
		}
		m.evictLocked(victim)
	}
	return true
}

// evictionCandidateLocked picks the least-recently-used idle instance,
// breaking timestamp ties by lowest memory cost to free the most headroom
// per eviction. Caller must hold m.mu.
func (m *Manager) evictionCandidateLocked() *instance {
	idle := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if !inst.building && inst.inFlight == 0 {
			idle = append(idle, inst)
		}
	}
	if len(idle) == 0 {
		return nil
	}
	sort.Slice(idle, func(i, j int) bool {
		if !idle[i].lastUsedAt.Equal(idle[j].lastUsedAt) {
			return idle[i].lastUsedAt.Before(idle[j].lastUsedAt)
		}
		return idle[i].desc.MemoryCostMB < idle[j].desc.MemoryCostMB
	})
	return idle[0]
}

// evictLocked removes the instance and releases its model state.
// Caller must hold m.mu.
func (m *Manager) evictLocked(inst *instance) {
	delete(m.instances, inst.desc.Capability)
	m.totalMB -= inst.desc.MemoryCostMB
	if err := inst.analyzer.Close(); err != nil {
		slog.Warn("resource: backend close failed", "backend", inst.desc.Name, "error", err)
	}
	slog.Info("resource: backend evicted",
		"backend", inst.desc.Name,
		"capability", inst.desc.Capability,
		"cost_mb", inst.desc.MemoryCostMB,
		"resident_mb", m.totalMB)
	if m.observer != nil {
		m.observer.BackendEvicted(inst.desc)
		m.observer.ResidentMemory(m.totalMB)
	}
}

// notifyWaiters wakes every acquire blocked on headroom.
func (m *Manager) notifyWaiters() {
	m.mu.Lock()
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// ResidentBackend describes one live instance.
type ResidentBackend struct {
	Name         string    `json:"name"`
	Capability   string    `json:"capability"`
	MemoryCostMB int64     `json:"memory_cost_mb"`
	LoadedAt     time.Time `json:"loaded_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
	InFlight     int       `json:"in_flight"`
}

// Residency is a point-in-time snapshot of the instance table.
type Residency struct {
	BudgetMB   int64             `json:"budget_mb"`
	ResidentMB int64             `json:"resident_mb"`
	Backends   []ResidentBackend `json:"backends"`
}

// Residency reports current residency state for observability.
func (m *Manager) Residency() Residency {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Residency{BudgetMB: m.budgetMB, ResidentMB: m.totalMB}
	for _, inst := range m.instances {
		if inst.building {
			continue
		}
		snap.Backends = append(snap.Backends, ResidentBackend{
			Name:         inst.desc.Name,
			Capability:   inst.desc.Capability.String(),
			MemoryCostMB: inst.desc.MemoryCostMB,
			LoadedAt:     inst.loadedAt,
			LastUsedAt:   inst.lastUsedAt,
			InFlight:     inst.inFlight,
		})
	}
	sort.Slice(snap.Backends, func(i, j int) bool { return snap.Backends[i].Name < snap.Backends[j].Name })
	return snap
}

// ReleasePressure evicts every idle instance, dropping resident memory to
// the in-flight minimum.
func (m *Manager) ReleasePressure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		victim := m.evictionCandidateLocked()
		if victim == nil {
			return
		}
		m.evictLocked(victim)
	}
}

// Shutdown closes every idle instance. In-flight calls keep their instances
// until released; Shutdown is expected to run after sessions drain.
func (m *Manager) Shutdown(ctx context.Context) {
	deadline, hasDeadline := ctx.Deadline()
	for {
		m.ReleasePressure()
		m.mu.Lock()
		remaining := len(m.instances)
		m.mu.Unlock()
		if remaining == 0 {
			return
		}
		if hasDeadline && m.now().After(deadline) {
			slog.Warn("resource: shutdown deadline reached with pinned backends", "remaining", remaining)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}
