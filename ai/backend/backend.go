// Package backend defines the pluggable analysis backend contract and the
// built-in analyzers (grammar, pronunciation, localization).
package backend

import (
	"context"
	"time"
)

// Capability identifies one kind of learner-utterance analysis.
type Capability string

const (
	// CapabilityGrammar analyzes grammar and fluency of the utterance text.
	CapabilityGrammar Capability = "grammar"
	// CapabilityPronunciation scores pronunciation from raw audio.
	CapabilityPronunciation Capability = "pronunciation"
	// CapabilityLocalization suggests natural phrasing for mixed-language input.
	CapabilityLocalization Capability = "localization"
)

// String returns the capability tag.
func (c Capability) String() string {
	return string(c)
}

// Input is the normalized request handed to a backend.
// Backends must not mutate it and must not retain it past the call.
type Input struct {
	Text         string
	Audio        []byte
	LearnerLevel string // CEFR level bucket: A1..C2
}

// Correction is a single suggested edit, addressed by byte span in Input.Text.
type Correction struct {
	Start       int        `json:"start"`
	End         int        `json:"end"`
	Original    string     `json:"original"`
	Replacement string     `json:"replacement"`
	Kind        string     `json:"kind"`
	Message     string     `json:"message"`
	Source      Capability `json:"source"`
}

// Overlaps reports whether two corrections address conflicting spans.
func (c Correction) Overlaps(other Correction) bool {
	return c.Start < other.End && other.Start < c.End
}

// Result is one backend's analysis outcome.
type Result struct {
	Capability      Capability   `json:"capability"`
	Corrections     []Correction `json:"corrections,omitempty"`
	Fluency         float64      `json:"fluency,omitempty"`
	Pronunciation   float64      `json:"pronunciation,omitempty"`
	VocabularyLevel string       `json:"vocabulary_level,omitempty"`
	Commentary      string       `json:"commentary,omitempty"`
}

// Analyzer is the contract every backend variant implements.
//
// Analyze must respect ctx cancellation at bounded intervals and must be safe
// for concurrent calls from different sessions: implementations hold no
// per-call mutable state on the receiver.
type Analyzer interface {
	Analyze(ctx context.Context, in *Input) (*Result, error)
	Close() error
}

// Factory lazily constructs an Analyzer. Invoked by the resource manager on
// first use of a capability; construction cost is paid at most once per
// resident instance.
type Factory func(ctx context.Context) (Analyzer, error)

// Descriptor declares one pluggable backend: its identity, memory footprint
// and call deadline. Immutable, defined at process startup.
type Descriptor struct {
	Name           string
	Capability     Capability
	MemoryCostMB   int64
	DefaultTimeout time.Duration
	// Precedence orders conflicting corrections during aggregation;
	// higher wins the span.
	Precedence int
}
