package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tutorloop/tutorloop/ai/backend"
	"github.com/tutorloop/tutorloop/ai/cache"
	"github.com/tutorloop/tutorloop/ai/observability/logging"
	"github.com/tutorloop/tutorloop/ai/resource"
	"github.com/tutorloop/tutorloop/ai/task"
)

// Coordinator runs the per-utterance pipeline: cache consult, task
// analysis, concurrent backend fan-out, degradation ladder, cache write and
// metrics. It is safe for concurrent use by many sessions.
type Coordinator struct {
	resources *resource.Manager
	cache     *cache.LRUCache[cache.Fingerprint, *AggregatedAnalysis]
	cacheTTL  time.Duration
	metrics   Metrics

	// Per-capability timeout overrides; descriptors carry the defaults.
	timeouts map[backend.Capability]time.Duration
}

// Config configures a Coordinator.
type Config struct {
	CacheCapacity int
	CacheTTL      time.Duration
	// TimeoutOverrides replaces descriptor default timeouts per capability.
	TimeoutOverrides map[backend.Capability]time.Duration
	Metrics          Metrics
}

// New creates a Coordinator over the given resource manager.
func New(resources *resource.Manager, cfg Config) *Coordinator {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 4096
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	m := cfg.Metrics
	if m == nil {
		m = NopMetrics{}
	}
	return &Coordinator{
		resources: resources,
		cache:     cache.NewLRUCache[cache.Fingerprint, *AggregatedAnalysis](cfg.CacheCapacity, cfg.CacheTTL),
		cacheTTL:  cfg.CacheTTL,
		metrics:   m,
		timeouts:  cfg.TimeoutOverrides,
	}
}

// Process analyzes one utterance end to end.
//
// Backend timeouts, errors and panics are folded into the degradation
// ladder and never escape. The only errors Process returns are the caller's
// own context cancellation and resource.ErrResourceExhausted, which the
// session maps to a user-visible "try again".
func (c *Coordinator) Process(ctx context.Context, req Request) (*AggregatedAnalysis, error) {
	started := time.Now()
	log := logging.FromContext(ctx)

	profile := task.Analyze(task.Utterance{Text: req.Text, Audio: req.Audio}, req.Learner)
	fp := cache.FingerprintRequest(req.Text, profile.RequiredCapabilities, req.Learner.Level)

	if cached, ok := c.cache.Get(fp); ok {
		c.metrics.RecordCacheHit()
		replay := *cached
		replay.Metadata.Cached = true
		c.metrics.RecordRequest(replay.DegradationLevel, true, time.Since(started))
		log.Debug("coordinator: cache hit", "fingerprint", fp.String(), "degradation", replay.DegradationLevel)
		return &replay, nil
	}
	c.metrics.RecordCacheMiss()

	results, err := c.dispatch(ctx, profile, req)
	if err != nil {
		return nil, err
	}

	analysis := aggregate(req, profile, results)
	analysis.Metadata.ProcessingMS = time.Since(started).Milliseconds()
	analysis.Metadata.Fingerprint = fp.String()

	// Fallback responses are not reliable enough to replay.
	if analysis.DegradationLevel < DegradationFallback {
		c.cache.Set(fp, analysis, c.cacheTTL)
	}

	c.metrics.RecordRequest(analysis.DegradationLevel, false, time.Since(started))
	log.Info("coordinator: utterance processed",
		"degradation", analysis.DegradationLevel,
		"backends", analysis.Metadata.BackendsUsed,
		"strategy", analysis.Strategy,
		"latency_ms", analysis.Metadata.ProcessingMS)
	return analysis, nil
}

// dispatch fans out to every required backend concurrently. One backend's
// timeout or error never cancels its siblings; only caller cancellation and
// budget exhaustion abort the whole dispatch.
func (c *Coordinator) dispatch(ctx context.Context, profile task.Profile, req Request) ([]ExecutionResult, error) {
	in := &backend.Input{Text: req.Text, Audio: req.Audio, LearnerLevel: req.Learner.Level}

	results := make([]ExecutionResult, len(profile.RequiredCapabilities))
	var (
		wg        sync.WaitGroup
		fatalOnce sync.Once
		fatalErr  error
	)
	for i, capability := range profile.RequiredCapabilities {
		wg.Add(1)
		go func(slot int, capability backend.Capability) {
			defer wg.Done()
			res, err := c.callBackend(ctx, capability, in)
			if err != nil {
				fatalOnce.Do(func() { fatalErr = err })
				return
			}
			results[slot] = res
		}(i, capability)
	}
	wg.Wait()

	if fatalErr != nil {
		return nil, fatalErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// callBackend acquires the instance, runs analyze under the per-backend
// deadline and converts every failure mode into an ExecutionResult. The
// returned error is non-nil only for fatal conditions (budget exhaustion,
// caller cancellation).
func (c *Coordinator) callBackend(ctx context.Context, capability backend.Capability, in *backend.Input) (ExecutionResult, error) {
	started := time.Now()

	lease, err := c.resources.Acquire(ctx, capability)
	if err != nil {
		if resource.IsExhausted(err) || ctx.Err() != nil {
			return ExecutionResult{}, err
		}
		// Construction or registration failure: degrade, don't abort.
		c.metrics.RecordBackendCall(capability.String(), string(StatusError), time.Since(started))
		return ExecutionResult{
			BackendName: capability.String(),
			Status:      StatusError,
			Error:       err.Error(),
			LatencyMS:   time.Since(started).Milliseconds(),
		}, nil
	}
	defer lease.Release()

	desc := lease.Descriptor()
	timeout := desc.DefaultTimeout
	if override, ok := c.timeouts[capability]; ok && override > 0 {
		timeout = override
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := c.safeAnalyze(callCtx, lease.Analyzer(), in, desc.Name)
	latency := time.Since(started)

	result := ExecutionResult{
		BackendName: desc.Name,
		LatencyMS:   latency.Milliseconds(),
	}
	switch {
	case err == nil:
		result.Status = StatusSuccess
		result.Payload = payload
	case ctx.Err() != nil:
		// The caller was cancelled (barge-in or disconnect): abort dispatch.
		return ExecutionResult{}, ctx.Err()
	case callCtx.Err() == context.DeadlineExceeded:
		result.Status = StatusTimeout
		result.Error = fmt.Sprintf("backend %s exceeded %s", desc.Name, timeout)
		logging.FromContext(ctx).Warn("coordinator: backend timeout", "backend", desc.Name, "timeout", timeout)
	default:
		result.Status = StatusError
		result.Error = err.Error()
		logging.FromContext(ctx).Warn("coordinator: backend error", "backend", desc.Name, "error", err)
	}
	c.metrics.RecordBackendCall(desc.Name, string(result.Status), latency)
	return result, nil
}

// safeAnalyze isolates backend panics at the call site.
func (c *Coordinator) safeAnalyze(ctx context.Context, analyzer backend.Analyzer, in *backend.Input, name string) (payload *backend.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Error("coordinator: backend panic", "backend", name, "panic", r)
			err = fmt.Errorf("backend %s panicked: %v", name, r)
		}
	}()
	return analyzer.Analyze(ctx, in)
}

// InvalidateCache clears all cached analyses. Used when backend
// configuration changes at runtime.
func (c *Coordinator) InvalidateCache() {
	c.cache.Clear()
}

// CacheSize reports the number of cached analyses.
func (c *Coordinator) CacheSize() int {
	return c.cache.Size()
}
