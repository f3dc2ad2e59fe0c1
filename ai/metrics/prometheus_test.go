package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorloop/tutorloop/ai/backend"
)

func TestRecorderCounters(t *testing.T) {
	r := NewRecorder(DefaultConfig())

	r.RecordRequest(0, false, 120*time.Millisecond)
	r.RecordRequest(0, true, 2*time.Millisecond)
	r.RecordRequest(2, false, 80*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.requests.WithLabelValues("0", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.requests.WithLabelValues("0", "true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.requests.WithLabelValues("2", "false")))

	r.RecordBackendCall("grammar-rules-v1", "success", 30*time.Millisecond)
	r.RecordBackendCall("grammar-rules-v1", "timeout", 200*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.backendCalls.WithLabelValues("grammar-rules-v1", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.backendCalls.WithLabelValues("grammar-rules-v1", "timeout")))

	r.RecordCacheHit()
	r.RecordCacheMiss()
	r.RecordCacheMiss()
	assert.Equal(t, float64(1), testutil.ToFloat64(r.cacheHits))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.cacheMisses))
}

func TestRecorderSessionGauge(t *testing.T) {
	r := NewRecorder(DefaultConfig())

	r.SessionStarted()
	r.SessionStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(r.activeSessions))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.sessionsStarted))

	r.SessionClosed()
	assert.Equal(t, float64(1), testutil.ToFloat64(r.activeSessions))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.sessionsStarted), "started counter never decreases")

	r.RecordInterruption()
	assert.Equal(t, float64(1), testutil.ToFloat64(r.interruptions))
}

func TestRecorderResidencyObserver(t *testing.T) {
	r := NewRecorder(DefaultConfig())
	desc := backend.Descriptor{Name: "grammar-rules-v1", Capability: backend.CapabilityGrammar, MemoryCostMB: 256}

	r.BackendLoaded(desc)
	r.ResidentMemory(256)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.backendLoads.WithLabelValues("grammar-rules-v1")))
	assert.Equal(t, float64(256), testutil.ToFloat64(r.residentMemory))

	r.BackendEvicted(desc)
	r.ResidentMemory(0)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.backendEvicts.WithLabelValues("grammar-rules-v1")))
	assert.Equal(t, float64(0), testutil.ToFloat64(r.residentMemory))
}

func TestHandlerExposition(t *testing.T) {
	r := NewRecorder(DefaultConfig())
	r.RecordRequest(0, false, 50*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "tutorloop_ai_requests_total"))
	assert.True(t, strings.Contains(body, "tutorloop_ai_request_latency_seconds"))
}

func TestIsolatedRegistries(t *testing.T) {
	// Two recorders must not collide; each owns its registry.
	a := NewRecorder(DefaultConfig())
	b := NewRecorder(DefaultConfig())
	a.RecordCacheHit()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.cacheHits))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.cacheHits))
}
