package cache

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/tutorloop/tutorloop/ai/backend"
)

// Fingerprint is a normalized cache key for one analysis request.
type Fingerprint uint64

// String renders the fingerprint as fixed-width hex for logs and metadata.
func (f Fingerprint) String() string {
	return strconv.FormatUint(uint64(f), 16)
}

// FingerprintRequest derives the cache key from the utterance text, the
// requested capability set and the learner-level bucket.
//
// Two requests fingerprint equal when their texts match after case folding,
// whitespace collapsing and trailing punctuation trimming, their capability
// sets are equal regardless of order, and the learners share a level bucket.
func FingerprintRequest(text string, capabilities []backend.Capability, levelBucket string) Fingerprint {
	h := xxhash.New()
	_, _ = h.WriteString(NormalizeText(text))
	_, _ = h.WriteString("\x1f")

	tags := make([]string, 0, len(capabilities))
	for _, c := range capabilities {
		tags = append(tags, c.String())
	}
	sort.Strings(tags)
	_, _ = h.WriteString(strings.Join(tags, ","))
	_, _ = h.WriteString("\x1f")
	_, _ = h.WriteString(strings.ToUpper(strings.TrimSpace(levelBucket)))

	return Fingerprint(h.Sum64())
}

// NormalizeText applies the equivalence tolerance used by fingerprinting:
// Unicode lower-casing, whitespace collapsing, and trailing sentence
// punctuation trimming. Exported so tests can assert tolerance boundaries.
func NormalizeText(text string) string {
	folded := strings.ToLower(strings.TrimSpace(text))
	folded = strings.TrimRightFunc(folded, func(r rune) bool {
		return unicode.IsPunct(r)
	})
	return strings.Join(strings.Fields(folded), " ")
}
