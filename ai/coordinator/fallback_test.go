package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorloop/tutorloop/ai/task"
)

func TestFallbackAnalysis_AlwaysAnswers(t *testing.T) {
	tests := []string{
		"",
		"hello",
		"completely unremarkable sentence",
		"I goes to school",
	}
	for _, text := range tests {
		out := fallbackAnalysis(Request{Text: text, Learner: learnerA2()}, task.Profile{})
		assert.Equal(t, DegradationFallback, out.DegradationLevel, "text: %q", text)
		assert.NotEmpty(t, out.TutorResponse, "text: %q", text)
		assert.Equal(t, "retry_simpler", out.NextAction, "text: %q", text)
	}
}

func TestFallbackCorrections(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		wantKind    string
		replacement string
	}{
		{
			name:        "subject verb agreement",
			text:        "They goes home now",
			wantKind:    "subject_verb_agreement",
			replacement: "go",
		},
		{
			name:        "article before vowel",
			text:        "I ate a apple",
			wantKind:    "article",
			replacement: "an",
		},
		{
			name:     "double negative",
			text:     "I don't know nothing",
			wantKind: "double_negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fallbackCorrections(tt.text)
			require.NotEmpty(t, got)

			found := false
			for _, c := range got {
				if c.Kind == tt.wantKind {
					found = true
					if tt.replacement != "" {
						assert.Equal(t, tt.replacement, c.Replacement)
					}
				}
			}
			assert.True(t, found, "expected a %s correction in %v", tt.wantKind, got)
		})
	}
}

func TestFallbackCorrections_CleanText(t *testing.T) {
	assert.Empty(t, fallbackCorrections("We walked home together"))
}

func TestFallbackAnalysis_IncludesTip(t *testing.T) {
	out := fallbackAnalysis(Request{Text: "They goes home", Learner: learnerA2()}, task.Profile{})
	require.NotEmpty(t, out.Corrections)
	assert.Contains(t, out.TutorResponse, "They go home")
}
