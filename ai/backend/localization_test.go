package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalizer_GlossaryFallback(t *testing.T) {
	l := NewLocalizer(LocalizationConfig{}) // no API key, glossary only

	res, err := l.Analyze(context.Background(), &Input{Text: "hola, how are you"})
	require.NoError(t, err)
	require.Len(t, res.Corrections, 1)

	c := res.Corrections[0]
	assert.Equal(t, "hola,", c.Original)
	assert.Equal(t, "hello", c.Replacement)
	assert.Equal(t, "localization", c.Kind)
	assert.Equal(t, CapabilityLocalization, c.Source)
	assert.Equal(t, 0, c.Start)
}

func TestLocalizer_NonLatinFragmentWithoutTranslation(t *testing.T) {
	l := NewLocalizer(LocalizationConfig{})

	res, err := l.Analyze(context.Background(), &Input{Text: "I like to play видеоигры after class"})
	require.NoError(t, err)
	require.Len(t, res.Corrections, 1)
	assert.Empty(t, res.Corrections[0].Replacement)
	assert.Contains(t, res.Corrections[0].Message, "not English")
}

func TestLocalizer_KnownNonLatinToken(t *testing.T) {
	l := NewLocalizer(LocalizationConfig{})

	res, err := l.Analyze(context.Background(), &Input{Text: "I walk to 学校 every day"})
	require.NoError(t, err)
	require.Len(t, res.Corrections, 1)
	assert.Equal(t, "school", res.Corrections[0].Replacement)
}

func TestLocalizer_PureEnglishNoCorrections(t *testing.T) {
	l := NewLocalizer(LocalizationConfig{})

	res, err := l.Analyze(context.Background(), &Input{Text: "I walk to school every day"})
	require.NoError(t, err)
	assert.Empty(t, res.Corrections)
}

func TestLocalizer_SpanOffsets(t *testing.T) {
	l := NewLocalizer(LocalizationConfig{})
	text := "many gracias my friend"

	res, err := l.Analyze(context.Background(), &Input{Text: text})
	require.NoError(t, err)
	require.Len(t, res.Corrections, 1)

	c := res.Corrections[0]
	assert.Equal(t, "gracias", text[c.Start:c.End])
}

func TestLocalizer_CancelledContext(t *testing.T) {
	l := NewLocalizer(LocalizationConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Analyze(ctx, &Input{Text: "hola"})
	require.Error(t, err)
}
