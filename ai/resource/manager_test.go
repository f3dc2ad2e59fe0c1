package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorloop/tutorloop/ai/backend"
)

type stubAnalyzer struct {
	closed atomic.Bool
}

func (s *stubAnalyzer) Analyze(context.Context, *backend.Input) (*backend.Result, error) {
	return &backend.Result{}, nil
}

func (s *stubAnalyzer) Close() error {
	s.closed.Store(true)
	return nil
}

type stubBackend struct {
	desc       backend.Descriptor
	buildCount atomic.Int32
	buildDelay time.Duration
	buildErr   error
	analyzers  []*stubAnalyzer
	mu         sync.Mutex
}

func newStubBackend(capability backend.Capability, costMB int64) *stubBackend {
	return &stubBackend{
		desc: backend.Descriptor{
			Name:           string(capability) + "-stub",
			Capability:     capability,
			MemoryCostMB:   costMB,
			DefaultTimeout: 100 * time.Millisecond,
		},
	}
}

func (s *stubBackend) factory(ctx context.Context) (backend.Analyzer, error) {
	s.buildCount.Add(1)
	if s.buildDelay > 0 {
		select {
		case <-time.After(s.buildDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.buildErr != nil {
		return nil, s.buildErr
	}
	a := &stubAnalyzer{}
	s.mu.Lock()
	s.analyzers = append(s.analyzers, a)
	s.mu.Unlock()
	return a, nil
}

func newTestManager(t *testing.T, budgetMB int64, backends ...*stubBackend) *Manager {
	t.Helper()
	registry := backend.NewRegistry()
	for _, b := range backends {
		require.NoError(t, registry.Register(b.desc, b.factory))
	}
	return NewManager(registry, budgetMB)
}

func TestManager_AcquireConstructsOnFirstUse(t *testing.T) {
	grammar := newStubBackend(backend.CapabilityGrammar, 100)
	m := newTestManager(t, 1000, grammar)

	lease, err := m.Acquire(context.Background(), backend.CapabilityGrammar)
	require.NoError(t, err)
	defer lease.Release()

	assert.Equal(t, int32(1), grammar.buildCount.Load())
	assert.NotNil(t, lease.Analyzer())
	assert.Equal(t, "grammar-stub", lease.Descriptor().Name)

	snap := m.Residency()
	assert.Equal(t, int64(100), snap.ResidentMB)
	require.Len(t, snap.Backends, 1)
	assert.Equal(t, 1, snap.Backends[0].InFlight)
}

func TestManager_AcquireUnknownCapability(t *testing.T) {
	m := newTestManager(t, 1000)
	_, err := m.Acquire(context.Background(), backend.CapabilityGrammar)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownCapability))
}

func TestManager_CostOverBudgetFailsFast(t *testing.T) {
	grammar := newStubBackend(backend.CapabilityGrammar, 2000)
	m := newTestManager(t, 1000, grammar)

	_, err := m.Acquire(context.Background(), backend.CapabilityGrammar)
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.Equal(t, int32(0), grammar.buildCount.Load(), "factory must not run when the cost can never fit")
}

func TestManager_ConcurrentAcquiresBuildOnce(t *testing.T) {
	grammar := newStubBackend(backend.CapabilityGrammar, 100)
	grammar.buildDelay = 20 * time.Millisecond
	m := newTestManager(t, 1000, grammar)

	const n = 16
	var wg sync.WaitGroup
	leases := make([]*Lease, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leases[i], errs[i] = m.Acquire(context.Background(), backend.CapabilityGrammar)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		leases[i].Release()
	}
	assert.Equal(t, int32(1), grammar.buildCount.Load(), "concurrent acquires must share one construction")
}

func TestManager_EvictsLRUToMakeRoom(t *testing.T) {
	grammar := newStubBackend(backend.CapabilityGrammar, 400)
	pron := newStubBackend(backend.CapabilityPronunciation, 400)
	loc := newStubBackend(backend.CapabilityLocalization, 400)
	m := newTestManager(t, 1000, grammar, pron, loc)

	l1, err := m.Acquire(context.Background(), backend.CapabilityGrammar)
	require.NoError(t, err)
	l1.Release()

	time.Sleep(2 * time.Millisecond)
	l2, err := m.Acquire(context.Background(), backend.CapabilityPronunciation)
	require.NoError(t, err)
	l2.Release()

	// Budget is full at 800/1000; localization needs 400, so the least
	// recently used instance (grammar) must be evicted.
	l3, err := m.Acquire(context.Background(), backend.CapabilityLocalization)
	require.NoError(t, err)
	defer l3.Release()

	snap := m.Residency()
	assert.LessOrEqual(t, snap.ResidentMB, snap.BudgetMB)
	names := make([]string, 0, len(snap.Backends))
	for _, b := range snap.Backends {
		names = append(names, b.Name)
	}
	assert.NotContains(t, names, "grammar-stub")
	assert.Contains(t, names, "pronunciation-stub")
	assert.Contains(t, names, "localization-stub")

	require.Len(t, grammar.analyzers, 1)
	assert.True(t, grammar.analyzers[0].closed.Load(), "evicted instance must be closed")
}

func TestManager_BudgetNeverExceeded(t *testing.T) {
	grammar := newStubBackend(backend.CapabilityGrammar, 400)
	pron := newStubBackend(backend.CapabilityPronunciation, 400)
	loc := newStubBackend(backend.CapabilityLocalization, 400)
	m := newTestManager(t, 900, grammar, pron, loc)

	capabilities := []backend.Capability{
		backend.CapabilityGrammar,
		backend.CapabilityPronunciation,
		backend.CapabilityLocalization,
	}

	var wg sync.WaitGroup
	for g := 0; g < 6; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				lease, err := m.Acquire(context.Background(), capabilities[(g+i)%3])
				if err != nil {
					continue
				}
				snap := m.Residency()
				assert.LessOrEqual(t, snap.ResidentMB, snap.BudgetMB)
				lease.Release()
			}
		}(g)
	}
	wg.Wait()
}

func TestManager_PinnedInstanceNotEvicted(t *testing.T) {
	grammar := newStubBackend(backend.CapabilityGrammar, 600)
	pron := newStubBackend(backend.CapabilityPronunciation, 600)
	m := newTestManager(t, 1000, grammar, pron)

	pinned, err := m.Acquire(context.Background(), backend.CapabilityGrammar)
	require.NoError(t, err)

	// Pronunciation cannot fit while grammar is pinned; the acquire must
	// block until the lease is released, not evict the pinned instance.
	acquired := make(chan error, 1)
	go func() {
		lease, err := m.Acquire(context.Background(), backend.CapabilityPronunciation)
		if err == nil {
			lease.Release()
		}
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should block while headroom is pinned")
	case <-time.After(50 * time.Millisecond):
	}

	pinned.Release()
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake after release")
	}
}

func TestManager_BlockedAcquireHonorsContext(t *testing.T) {
	grammar := newStubBackend(backend.CapabilityGrammar, 600)
	pron := newStubBackend(backend.CapabilityPronunciation, 600)
	m := newTestManager(t, 1000, grammar, pron)

	pinned, err := m.Acquire(context.Background(), backend.CapabilityGrammar)
	require.NoError(t, err)
	defer pinned.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, backend.CapabilityPronunciation)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestManager_FactoryErrorPropagates(t *testing.T) {
	grammar := newStubBackend(backend.CapabilityGrammar, 100)
	grammar.buildErr = errors.New("model file missing")
	m := newTestManager(t, 1000, grammar)

	_, err := m.Acquire(context.Background(), backend.CapabilityGrammar)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model file missing")

	snap := m.Residency()
	assert.Equal(t, int64(0), snap.ResidentMB, "failed build must release its reservation")

	// A later acquire retries construction.
	grammar.buildErr = nil
	lease, err := m.Acquire(context.Background(), backend.CapabilityGrammar)
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, int32(2), grammar.buildCount.Load())
}

func TestLease_ReleaseIdempotent(t *testing.T) {
	grammar := newStubBackend(backend.CapabilityGrammar, 100)
	m := newTestManager(t, 1000, grammar)

	lease, err := m.Acquire(context.Background(), backend.CapabilityGrammar)
	require.NoError(t, err)

	lease.Release()
	lease.Release()

	snap := m.Residency()
	require.Len(t, snap.Backends, 1)
	assert.Equal(t, 0, snap.Backends[0].InFlight)
}

func TestManager_ReleasePressure(t *testing.T) {
	grammar := newStubBackend(backend.CapabilityGrammar, 100)
	pron := newStubBackend(backend.CapabilityPronunciation, 100)
	m := newTestManager(t, 1000, grammar, pron)

	l1, err := m.Acquire(context.Background(), backend.CapabilityGrammar)
	require.NoError(t, err)
	l1.Release()
	l2, err := m.Acquire(context.Background(), backend.CapabilityPronunciation)
	require.NoError(t, err)

	m.ReleasePressure()

	snap := m.Residency()
	assert.Equal(t, int64(100), snap.ResidentMB, "pinned instance must survive pressure release")
	require.Len(t, snap.Backends, 1)
	assert.Equal(t, "pronunciation-stub", snap.Backends[0].Name)

	l2.Release()
}

func TestManager_Shutdown(t *testing.T) {
	grammar := newStubBackend(backend.CapabilityGrammar, 100)
	m := newTestManager(t, 1000, grammar)

	lease, err := m.Acquire(context.Background(), backend.CapabilityGrammar)
	require.NoError(t, err)
	lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Shutdown(ctx)

	snap := m.Residency()
	assert.Empty(t, snap.Backends)
	assert.Equal(t, int64(0), snap.ResidentMB)
}

type recordingObserver struct {
	mu      sync.Mutex
	loaded  []string
	evicted []string
	totals  []int64
}

func (o *recordingObserver) BackendLoaded(desc backend.Descriptor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loaded = append(o.loaded, desc.Name)
}

func (o *recordingObserver) BackendEvicted(desc backend.Descriptor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evicted = append(o.evicted, desc.Name)
}

func (o *recordingObserver) ResidentMemory(totalMB int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.totals = append(o.totals, totalMB)
}

func TestManager_ObserverNotifications(t *testing.T) {
	grammar := newStubBackend(backend.CapabilityGrammar, 100)
	m := newTestManager(t, 1000, grammar)
	obs := &recordingObserver{}
	m.SetObserver(obs)

	lease, err := m.Acquire(context.Background(), backend.CapabilityGrammar)
	require.NoError(t, err)
	lease.Release()
	m.ReleasePressure()

	assert.Equal(t, []string{"grammar-stub"}, obs.loaded)
	assert.Equal(t, []string{"grammar-stub"}, obs.evicted)
	require.Len(t, obs.totals, 2)
	assert.Equal(t, int64(100), obs.totals[0])
	assert.Equal(t, int64(0), obs.totals[1])
}
