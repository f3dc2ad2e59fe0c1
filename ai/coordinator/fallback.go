package coordinator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tutorloop/tutorloop/ai/backend"
	"github.com/tutorloop/tutorloop/ai/task"
)

// Rule patterns for the no-backend fallback. Deliberately narrow: they only
// catch error classes common enough to suggest with confidence and leave
// everything else to a retry once backends recover.
var (
	fallbackAgreement = regexp.MustCompile(`\b(I|you|we|they|You|We|They)\s+(goes|does|has|says|wants|likes|needs|knows)\b`)
	fallbackArticle   = regexp.MustCompile(`\b([aA])\s+([aeiouAEIOU]\w*)`)
	fallbackDoubleNeg = regexp.MustCompile(`\b(don't|didn't|doesn't|can't|won't)\s+(\w+\s+)?(nothing|nobody|nowhere|never)\b`)
)

var fallbackAgreementFix = map[string]string{
	"goes": "go", "does": "do", "has": "have", "says": "say",
	"wants": "want", "likes": "like", "needs": "need", "knows": "know",
}

// fallbackAnalysis produces a best-effort response when every backend
// failed. It never errors: a learner mid-conversation always gets an
// answer, just a cautious one.
func fallbackAnalysis(req Request, profile task.Profile) *AggregatedAnalysis {
	corrections := fallbackCorrections(req.Text)

	response := "I'm having a little trouble right now. Could you try a shorter, simpler sentence?"
	if len(corrections) > 0 {
		response = fmt.Sprintf("Quick tip while I catch up: %s Try: %q",
			corrections[0].Message, ApplyCorrections(req.Text, corrections))
	}

	return &AggregatedAnalysis{
		DegradationLevel: DegradationFallback,
		TutorResponse:    response,
		Corrections:      corrections,
		Scores:           Scores{Fluency: 0.5, Grammar: 0.5, Vocabulary: 0.5, Overall: 0.5},
		Strategy:         task.StrategyClarify,
		NextAction:       "retry_simpler",
		Metadata: Metadata{
			DegradationLevel: DegradationFallback,
		},
	}
}

// fallbackCorrections applies the narrow rule set to the raw text.
func fallbackCorrections(text string) []backend.Correction {
	var out []backend.Correction

	if loc := fallbackAgreement.FindStringSubmatchIndex(text); loc != nil {
		verb := text[loc[4]:loc[5]]
		if fix, ok := fallbackAgreementFix[strings.ToLower(verb)]; ok {
			out = append(out, backend.Correction{
				Start:       loc[4],
				End:         loc[5],
				Original:    verb,
				Replacement: fix,
				Kind:        "subject_verb_agreement",
				Message:     fmt.Sprintf("With %q, use %q instead of %q.", text[loc[2]:loc[3]], fix, verb),
				Source:      backend.CapabilityGrammar,
			})
		}
	}

	if loc := fallbackArticle.FindStringSubmatchIndex(text); loc != nil {
		article := text[loc[2]:loc[3]]
		out = append(out, backend.Correction{
			Start:       loc[2],
			End:         loc[3],
			Original:    article,
			Replacement: article + "n",
			Kind:        "article",
			Message:     fmt.Sprintf("Use %q before a vowel sound, as in %q.", article+"n", article+"n "+text[loc[4]:loc[5]]),
			Source:      backend.CapabilityGrammar,
		})
	}

	if loc := fallbackDoubleNeg.FindStringIndex(text); loc != nil {
		out = append(out, backend.Correction{
			Start:    loc[0],
			End:      loc[1],
			Original: text[loc[0]:loc[1]],
			Kind:     "double_negative",
			Message:  "English usually uses only one negative word per clause.",
			Source:   backend.CapabilityGrammar,
		})
	}

	return out
}
