// Package task classifies learner utterances into task profiles.
// Analysis is a pure function of its inputs: no I/O, no clock, no
// randomness. Cache fingerprinting and the decision tests depend on that.
package task

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/tutorloop/tutorloop/ai/backend"
)

// TaskType classifies the dominant modality of the utterance.
type TaskType string

const (
	TaskTypeText   TaskType = "text_analysis"
	TaskTypeSpeech TaskType = "speech_analysis"
	TaskTypeMixed  TaskType = "mixed_language"
)

// Strategy is the tutoring approach for the response.
type Strategy string

const (
	StrategyPositiveFeedback Strategy = "positive_feedback"
	StrategyCorrectiveHint   Strategy = "corrective_hint"
	StrategyClarify          Strategy = "clarify"
)

// Utterance is one finalized learner input.
type Utterance struct {
	Text  string
	Audio []byte
}

// LearnerProfile carries the learner attributes analysis depends on.
// Resolved by the caller from the external learner service.
type LearnerProfile struct {
	ID    string
	Level string // CEFR: A1..C2
}

// Profile is the analyzer's output for one utterance.
type Profile struct {
	TaskType             TaskType
	Complexity           float64 // 0..1
	RequiredCapabilities []backend.Capability
	Strategy             Strategy
}

// localizationDensityThreshold is the non-English token share above which
// the localization backend joins the required set.
const localizationDensityThreshold = 0.15

// Markers associated with grammar-heavy constructions and with likely errors.
var (
	subordinatorRegex = regexp.MustCompile(`\b(because|although|though|which|whose|unless|whereas|while|however|therefore|if)\b`)
	// Matched against lowercased text.
	errorMarkerRegex  = regexp.MustCompile(`\b(?:i|you|we|they)\s+(?:goes|does|has|says|eats|wants|likes|needs|comes|runs|knows)\b|\ba\s+[aeiou]|\b(?:don't|didn't|doesn't)\s+\w+\s+(?:nothing|nobody)\b`)
	pastMarkerRegex   = regexp.MustCompile(`\b(yesterday|ago|last\s+(?:night|week|month|year))\b`)
)

var levelIndex = map[string]int{
	"A1": 0, "A2": 1, "B1": 2, "B2": 3, "C1": 4, "C2": 5,
}

// Analyze classifies an utterance against the learner profile.
func Analyze(u Utterance, learner LearnerProfile) Profile {
	lower := strings.ToLower(u.Text)
	words := fields(u.Text)

	required := requiredCapabilities(u, words)
	taskType := classifyTaskType(u, required)

	return Profile{
		TaskType:             taskType,
		Complexity:           complexityScore(lower, words, learner),
		RequiredCapabilities: required,
		Strategy:             chooseStrategy(lower, words, learner),
	}
}

// requiredCapabilities applies the fixed classification rules: any text
// requires grammar, audio adds pronunciation, non-English density above the
// threshold adds localization. Order is stable for fingerprinting.
func requiredCapabilities(u Utterance, words []string) []backend.Capability {
	var required []backend.Capability
	if strings.TrimSpace(u.Text) != "" {
		required = append(required, backend.CapabilityGrammar)
	}
	if len(u.Audio) > 0 {
		required = append(required, backend.CapabilityPronunciation)
	}
	if nonEnglishDensity(words) > localizationDensityThreshold {
		required = append(required, backend.CapabilityLocalization)
	}
	return required
}

func classifyTaskType(u Utterance, required []backend.Capability) TaskType {
	for _, c := range required {
		if c == backend.CapabilityLocalization {
			return TaskTypeMixed
		}
	}
	if len(u.Audio) > 0 {
		return TaskTypeSpeech
	}
	return TaskTypeText
}

// complexityScore combines utterance length, vocabulary mismatch against the
// learner level, and grammar-heavy construction markers (weights 0.4/0.3/0.3).
func complexityScore(lower string, words []string, learner LearnerProfile) float64 {
	lengthScore := float64(len(words)) / 30.0
	if lengthScore > 1 {
		lengthScore = 1
	}

	utteranceLevel := levelIndex[estimateLevel(words)]
	learnerLevel, ok := levelIndex[strings.ToUpper(learner.Level)]
	if !ok {
		learnerLevel = 1 // unknown learners default to A2
	}
	mismatch := float64(utteranceLevel-learnerLevel) / 5.0
	if mismatch < 0 {
		mismatch = 0
	}

	markers := len(subordinatorRegex.FindAllString(lower, -1))
	markerScore := float64(markers) / 4.0
	if markerScore > 1 {
		markerScore = 1
	}

	return 0.4*lengthScore + 0.3*mismatch + 0.3*markerScore
}

// chooseStrategy applies the fixed decision table keyed by estimated error
// density and learner level.
//
//	density < 0.08            -> positive_feedback
//	density >= 0.25, A-levels -> clarify (likely beyond the learner's level)
//	otherwise                 -> corrective_hint
func chooseStrategy(lower string, words []string, learner LearnerProfile) Strategy {
	if len(words) == 0 {
		return StrategyClarify
	}
	markers := len(errorMarkerRegex.FindAllString(lower, -1))
	if pastMarkerRegex.MatchString(lower) && errorMarkerRegex.MatchString(lower) {
		markers++ // tense disagreement compounds the base error
	}
	density := float64(markers) / float64(len(words))

	level := strings.ToUpper(learner.Level)
	beginner := level == "A1" || level == "A2"
	switch {
	case density < 0.08:
		return StrategyPositiveFeedback
	case density >= 0.25 && beginner:
		return StrategyClarify
	default:
		return StrategyCorrectiveHint
	}
}

// estimateLevel buckets vocabulary by mean word length, mirroring the
// grammar backend's coarse estimate.
func estimateLevel(words []string) string {
	if len(words) == 0 {
		return "A1"
	}
	total := 0
	for _, w := range words {
		total += len(w)
	}
	mean := float64(total) / float64(len(words))
	switch {
	case mean < 3.5:
		return "A1"
	case mean < 4.2:
		return "A2"
	case mean < 5.0:
		return "B1"
	case mean < 5.8:
		return "B2"
	case mean < 6.6:
		return "C1"
	default:
		return "C2"
	}
}

func nonEnglishDensity(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	foreign := 0
	for _, w := range words {
		if !isLatinWord(w) {
			foreign++
		}
	}
	return float64(foreign) / float64(len(words))
}

func isLatinWord(w string) bool {
	for _, r := range w {
		if unicode.IsLetter(r) && !unicode.In(r, unicode.Latin) {
			return false
		}
	}
	return true
}

func fields(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}
