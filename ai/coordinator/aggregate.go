package coordinator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tutorloop/tutorloop/ai/backend"
	"github.com/tutorloop/tutorloop/ai/task"
)

// Correction precedence when two backends address the same span. Grammar
// corrections outrank pronunciation hints, which outrank localization
// suggestions.
var capabilityPrecedence = map[backend.Capability]int{
	backend.CapabilityGrammar:       100,
	backend.CapabilityPronunciation: 50,
	backend.CapabilityLocalization:  10,
}

// aggregate folds per-backend outcomes into one tutoring response. The
// degradation level is derived purely from the success count so partial
// failures still produce a usable answer.
func aggregate(req Request, profile task.Profile, results []ExecutionResult) *AggregatedAnalysis {
	succeeded := 0
	backendsUsed := make([]string, 0, len(results))
	for _, r := range results {
		backendsUsed = append(backendsUsed, r.BackendName)
		if r.Status == StatusSuccess {
			succeeded++
		}
	}

	if succeeded == 0 {
		out := fallbackAnalysis(req, profile)
		out.Results = results
		out.Metadata.BackendsUsed = backendsUsed
		out.Metadata.DegradationLevel = out.DegradationLevel
		return out
	}

	level := DegradationNone
	if succeeded < len(results) {
		level = DegradationPartial
	}

	corrections := mergeCorrections(results)
	scores := computeScores(results, corrections, req.Text)
	vocabLevel := pickVocabularyLevel(results)

	out := &AggregatedAnalysis{
		Results:          results,
		DegradationLevel: level,
		Corrections:      corrections,
		Scores:           scores,
		Strategy:         profile.Strategy,
		VocabularyLevel:  vocabLevel,
		Metadata: Metadata{
			BackendsUsed:     backendsUsed,
			DegradationLevel: level,
		},
	}
	out.TutorResponse = composeResponse(req.Text, profile.Strategy, corrections, scores)
	out.NextAction = nextAction(level, corrections, scores)
	return out
}

// mergeCorrections flattens corrections from all successful backends and
// resolves overlapping spans by capability precedence. Within one backend
// spans never overlap, so ties cannot occur.
func mergeCorrections(results []ExecutionResult) []backend.Correction {
	var all []backend.Correction
	for _, r := range results {
		if r.Status != StatusSuccess || r.Payload == nil {
			continue
		}
		all = append(all, r.Payload.Corrections...)
	}
	if len(all) == 0 {
		return nil
	}

	// Higher precedence first, so a later candidate overlapping a kept span
	// is always the weaker one.
	sort.SliceStable(all, func(i, j int) bool {
		pi, pj := capabilityPrecedence[all[i].Source], capabilityPrecedence[all[j].Source]
		if pi != pj {
			return pi > pj
		}
		return all[i].Start < all[j].Start
	})

	kept := make([]backend.Correction, 0, len(all))
	for _, c := range all {
		conflict := false
		for _, k := range kept {
			if c.Overlaps(k) {
				conflict = true
				break
			}
		}
		if !conflict {
			kept = append(kept, c)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

func computeScores(results []ExecutionResult, corrections []backend.Correction, text string) Scores {
	s := Scores{Fluency: 0.7, Grammar: 1, Vocabulary: 0.5}

	grammarErrors := 0
	for _, c := range corrections {
		if c.Source == backend.CapabilityGrammar {
			grammarErrors++
		}
	}
	words := len(strings.Fields(text))
	if words > 0 {
		s.Grammar = clamp01(1 - 2*float64(grammarErrors)/float64(words))
	}

	for _, r := range results {
		if r.Status != StatusSuccess || r.Payload == nil {
			continue
		}
		switch r.Payload.Capability {
		case backend.CapabilityGrammar:
			if r.Payload.Fluency > 0 {
				s.Fluency = r.Payload.Fluency
			}
			if lvl, ok := levelScore(r.Payload.VocabularyLevel); ok {
				s.Vocabulary = lvl
			}
		case backend.CapabilityPronunciation:
			s.Pronunciation = r.Payload.Pronunciation
		}
	}

	sum := s.Fluency + s.Grammar + s.Vocabulary
	dims := 3
	if s.Pronunciation > 0 {
		sum += s.Pronunciation
		dims = 4
	}
	s.Overall = round3(sum / float64(dims))
	return s
}

// levelScore maps a CEFR bucket onto [0,1].
func levelScore(level string) (float64, bool) {
	idx, ok := map[string]float64{
		"A1": 1, "A2": 2, "B1": 3, "B2": 4, "C1": 5, "C2": 6,
	}[level]
	if !ok {
		return 0, false
	}
	return round3(idx / 6), true
}

func pickVocabularyLevel(results []ExecutionResult) string {
	for _, r := range results {
		if r.Status == StatusSuccess && r.Payload != nil && r.Payload.VocabularyLevel != "" {
			return r.Payload.VocabularyLevel
		}
	}
	return ""
}

// composeResponse renders the tutor's reply for the chosen strategy.
func composeResponse(text string, strategy task.Strategy, corrections []backend.Correction, scores Scores) string {
	switch strategy {
	case task.StrategyPositiveFeedback:
		if len(corrections) == 0 {
			return "Nice! That sentence is correct. Keep going."
		}
		return fmt.Sprintf("Good effort! One small thing: %s Try: %q",
			corrections[0].Message, ApplyCorrections(text, corrections))
	case task.StrategyClarify:
		return "I didn't quite catch that. Could you try saying it again, maybe a bit more simply?"
	default:
		if len(corrections) == 0 {
			if scores.Fluency < 0.5 {
				return "You're on the right track. Try saying it a little more smoothly."
			}
			return "That works! Can you expand on it with another sentence?"
		}
		return fmt.Sprintf("Almost! %s Try: %q",
			corrections[0].Message, ApplyCorrections(text, corrections))
	}
}

func nextAction(level int, corrections []backend.Correction, scores Scores) string {
	switch {
	case level >= DegradationFallback:
		return "retry_simpler"
	case len(corrections) > 0:
		return "practice_correction"
	case scores.Overall >= 0.85:
		return "increase_difficulty"
	default:
		return "continue"
	}
}

// ApplyCorrections rewrites text with every correction applied. Spans are
// replaced right to left so earlier offsets stay valid.
func ApplyCorrections(text string, corrections []backend.Correction) string {
	ordered := make([]backend.Correction, len(corrections))
	copy(ordered, corrections)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start > ordered[j].Start })

	out := text
	for _, c := range ordered {
		if c.Start < 0 || c.End > len(out) || c.Start > c.End || c.Replacement == "" {
			continue
		}
		out = out[:c.Start] + c.Replacement + out[c.End:]
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}
