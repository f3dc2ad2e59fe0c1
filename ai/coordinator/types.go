// Package coordinator dispatches learner utterances to analysis backends,
// enforces per-backend timeouts and drives the degradation ladder.
package coordinator

import (
	"time"

	"github.com/tutorloop/tutorloop/ai/backend"
	"github.com/tutorloop/tutorloop/ai/task"
)

// Degradation levels of an aggregated analysis.
const (
	// DegradationNone means every required backend succeeded.
	DegradationNone = 0
	// DegradationPartial means at least one backend failed but at least one
	// succeeded; the response is built from the survivors.
	DegradationPartial = 1
	// DegradationFallback means all required backends failed; the response
	// comes from the deterministic rule fallback.
	DegradationFallback = 2
)

// Status is the outcome of one backend call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// ExecutionResult is one backend's outcome, independent of its siblings.
type ExecutionResult struct {
	BackendName string          `json:"backend_name"`
	Status      Status          `json:"status"`
	Payload     *backend.Result `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	LatencyMS   int64           `json:"latency_ms"`
}

// Scores summarizes the utterance across dimensions, each in [0,1].
type Scores struct {
	Fluency       float64 `json:"fluency"`
	Grammar       float64 `json:"grammar"`
	Pronunciation float64 `json:"pronunciation,omitempty"`
	Vocabulary    float64 `json:"vocabulary"`
	Overall       float64 `json:"overall"`
}

// Metadata carries observability fields that ride along with the response.
type Metadata struct {
	ProcessingMS     int64    `json:"processing_time_ms"`
	BackendsUsed     []string `json:"backends_used"`
	Cached           bool     `json:"cached"`
	DegradationLevel int      `json:"degradation_level"`
	Fingerprint      string   `json:"fingerprint,omitempty"`
}

// AggregatedAnalysis bundles all backend outcomes for one utterance with
// the derived tutoring response.
type AggregatedAnalysis struct {
	Results          []ExecutionResult    `json:"results"`
	DegradationLevel int                  `json:"degradation_level"`
	TutorResponse    string               `json:"tutor_response"`
	Corrections      []backend.Correction `json:"corrections,omitempty"`
	Scores           Scores               `json:"scores"`
	Strategy         task.Strategy        `json:"strategy"`
	NextAction       string               `json:"next_action"`
	VocabularyLevel  string               `json:"vocabulary_level,omitempty"`
	Metadata         Metadata             `json:"metadata"`
}

// Request is one utterance to process.
type Request struct {
	Text    string
	Audio   []byte
	Learner task.LearnerProfile
}

// Metrics is the slice of the metrics recorder the coordinator touches.
// Narrow so tests can observe stages with a fake.
type Metrics interface {
	RecordRequest(degradationLevel int, cached bool, latency time.Duration)
	RecordBackendCall(name, status string, latency time.Duration)
	RecordCacheHit()
	RecordCacheMiss()
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) RecordRequest(int, bool, time.Duration)         {}
func (NopMetrics) RecordBackendCall(string, string, time.Duration) {}
func (NopMetrics) RecordCacheHit()                                 {}
func (NopMetrics) RecordCacheMiss()                                {}
