package backend

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Pre-compiled patterns for the grammar rule engine.
var (
	agreementRegex = regexp.MustCompile(`\b(I|you|we|they|You|We|They)\s+(goes|does|has|says|eats|wants|likes|needs|comes|runs|plays|studies|watches|knows)\b`)
	articleRegex   = regexp.MustCompile(`\b(a)\s+([aeiouAEIOU][a-zA-Z]*)`)
	negativeRegex  = regexp.MustCompile(`\b(don't|doesn't|didn't|can't|won't)\s+(\w+)\s+(nothing|nobody)\b`)
	pastMarkRegex  = regexp.MustCompile(`\b(yesterday|ago|last\s+(?:night|week|month|year|time)|in\s+\d{4})\b`)
	presentRegex   = regexp.MustCompile(`\b(go|goes|eat|eats|see|sees|come|comes|run|runs|is|are|do|does|have|has|say|says)\b`)
)

// irregularPast maps present forms to their past tense.
var irregularPast = map[string]string{
	"go": "went", "goes": "went",
	"eat": "ate", "eats": "ate",
	"see": "saw", "sees": "saw",
	"come": "came", "comes": "came",
	"run": "ran", "runs": "ran",
	"is": "was", "are": "were",
	"do": "did", "does": "did",
	"have": "had", "has": "had",
	"say": "said", "says": "said",
}

// GrammarChecker is the built-in grammar and fluency backend.
// It is a deterministic rule engine: the descriptor contract only requires a
// result within the deadline, not a particular analysis technique.
type GrammarChecker struct{}

// NewGrammarChecker constructs the grammar backend.
func NewGrammarChecker() *GrammarChecker {
	return &GrammarChecker{}
}

// GrammarDescriptor declares the grammar backend.
func GrammarDescriptor(cost int64, timeout time.Duration) Descriptor {
	return Descriptor{
		Name:           "grammar-rules",
		Capability:     CapabilityGrammar,
		MemoryCostMB:   cost,
		DefaultTimeout: timeout,
		Precedence:     100,
	}
}

// Analyze runs the rule set over the utterance text and scores fluency.
func (g *GrammarChecker) Analyze(ctx context.Context, in *Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := in.Text
	hasPastMarker := pastMarkRegex.MatchString(strings.ToLower(text))

	var corrections []Correction
	add := func(c Correction) {
		for _, prev := range corrections {
			if c.Overlaps(prev) {
				return // first matching rule owns the span
			}
		}
		c.Source = CapabilityGrammar
		corrections = append(corrections, c)
	}

	// Subject-verb agreement: non-third-person subject with a third-person verb.
	for _, m := range agreementRegex.FindAllStringSubmatchIndex(text, -1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		verbStart, verbEnd := m[4], m[5]
		verb := text[verbStart:verbEnd]
		replacement := baseForm(verb)
		kind := "subject_verb_agreement"
		msg := fmt.Sprintf("%q does not agree with the subject; use %q", verb, replacement)
		if hasPastMarker {
			replacement = pastForm(verb)
			kind = "verb_tense"
			msg = fmt.Sprintf("past time marker present; use %q instead of %q", replacement, verb)
		}
		add(Correction{
			Start:       verbStart,
			End:         verbEnd,
			Original:    verb,
			Replacement: replacement,
			Kind:        kind,
			Message:     msg,
		})
	}

	// Tense: present-form verbs alongside an explicit past time marker.
	if hasPastMarker {
		for _, m := range presentRegex.FindAllStringSubmatchIndex(text, -1) {
			verb := text[m[2]:m[3]]
			add(Correction{
				Start:       m[2],
				End:         m[3],
				Original:    verb,
				Replacement: pastForm(verb),
				Kind:        "verb_tense",
				Message:     fmt.Sprintf("past time marker present; use %q instead of %q", pastForm(verb), verb),
			})
		}
	}

	// Article choice before vowel-initial words.
	for _, m := range articleRegex.FindAllStringSubmatchIndex(text, -1) {
		add(Correction{
			Start:       m[2],
			End:         m[3],
			Original:    text[m[2]:m[3]],
			Replacement: "an",
			Kind:        "article",
			Message:     `use "an" before a vowel sound`,
		})
	}

	// Double negatives.
	for _, m := range negativeRegex.FindAllStringSubmatchIndex(text, -1) {
		word := text[m[6]:m[7]]
		replacement := "anything"
		if strings.EqualFold(word, "nobody") {
			replacement = "anybody"
		}
		add(Correction{
			Start:       m[6],
			End:         m[7],
			Original:    word,
			Replacement: replacement,
			Kind:        "double_negative",
			Message:     fmt.Sprintf("double negative; use %q", replacement),
		})
	}

	words := countWords(text)
	return &Result{
		Capability:      CapabilityGrammar,
		Corrections:     corrections,
		Fluency:         fluencyScore(len(corrections), words),
		VocabularyLevel: estimateVocabularyLevel(text),
	}, nil
}

// Close releases nothing; the rule engine holds no model state.
func (g *GrammarChecker) Close() error { return nil }

func baseForm(verb string) string {
	switch {
	case verb == "has":
		return "have"
	case verb == "does" || verb == "goes" || verb == "watches":
		return strings.TrimSuffix(verb, "es")
	case strings.HasSuffix(verb, "ies"):
		return strings.TrimSuffix(verb, "ies") + "y"
	case strings.HasSuffix(verb, "s"):
		return strings.TrimSuffix(verb, "s")
	default:
		return verb
	}
}

func pastForm(verb string) string {
	if past, ok := irregularPast[verb]; ok {
		return past
	}
	base := baseForm(verb)
	if past, ok := irregularPast[base]; ok {
		return past
	}
	switch {
	case strings.HasSuffix(base, "e"):
		return base + "d"
	case strings.HasSuffix(base, "y") && len(base) > 1 && !isVowel(rune(base[len(base)-2])):
		return strings.TrimSuffix(base, "y") + "ied"
	default:
		return base + "ed"
	}
}

func isVowel(r rune) bool {
	return strings.ContainsRune("aeiouAEIOU", r)
}

func countWords(text string) int {
	return len(strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	}))
}

// fluencyScore maps error density onto [0,1]. Zero errors scores 1.0; one
// error per two words scores 0.
func fluencyScore(errorCount, wordCount int) float64 {
	if wordCount == 0 {
		return 0
	}
	score := 1.0 - 2.0*float64(errorCount)/float64(wordCount)
	if score < 0 {
		return 0
	}
	return score
}

// estimateVocabularyLevel buckets the utterance by mean word length.
// Coarse but deterministic, which the cache fingerprint depends on.
func estimateVocabularyLevel(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "A1"
	}
	total := 0
	for _, f := range fields {
		total += len(strings.Trim(f, ".,!?;:\"'"))
	}
	mean := float64(total) / float64(len(fields))
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
