package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tutorloop/tutorloop/ai/backend"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "Hello World", "hello world"},
		{"collapses whitespace", "hello   world\t again", "hello world again"},
		{"trims trailing punctuation", "hello world!!", "hello world"},
		{"trims surrounding space", "  hello  ", "hello"},
		{"keeps interior punctuation", "don't stop", "don't stop"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeText(tt.in))
		})
	}
}

func TestFingerprintRequest_Equivalence(t *testing.T) {
	caps := []backend.Capability{backend.CapabilityGrammar}

	base := FingerprintRequest("I goes to school yesterday", caps, "A2")

	equivalent := []struct {
		name  string
		text  string
		caps  []backend.Capability
		level string
	}{
		{"case fold", "I GOES to School Yesterday", caps, "A2"},
		{"whitespace collapse", "I  goes   to school yesterday", caps, "A2"},
		{"trailing punctuation", "I goes to school yesterday!", caps, "A2"},
		{"level case", "I goes to school yesterday", caps, "a2"},
	}
	for _, tt := range equivalent {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, base, FingerprintRequest(tt.text, tt.caps, tt.level))
		})
	}
}

func TestFingerprintRequest_CapabilityOrderIndependent(t *testing.T) {
	a := FingerprintRequest("hello", []backend.Capability{backend.CapabilityGrammar, backend.CapabilityPronunciation}, "B1")
	b := FingerprintRequest("hello", []backend.Capability{backend.CapabilityPronunciation, backend.CapabilityGrammar}, "B1")
	assert.Equal(t, a, b)
}

func TestFingerprintRequest_Discriminates(t *testing.T) {
	caps := []backend.Capability{backend.CapabilityGrammar}
	base := FingerprintRequest("I goes to school", caps, "A2")

	assert.NotEqual(t, base, FingerprintRequest("I go to school", caps, "A2"))
	assert.NotEqual(t, base, FingerprintRequest("I goes to school", caps, "B2"))
	assert.NotEqual(t, base, FingerprintRequest("I goes to school",
		[]backend.Capability{backend.CapabilityGrammar, backend.CapabilityLocalization}, "A2"))
}

func TestFingerprint_String(t *testing.T) {
	assert.Equal(t, "ff", Fingerprint(255).String())
	assert.NotEmpty(t, FingerprintRequest("hello", nil, "B1").String())
}
