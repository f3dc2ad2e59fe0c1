package session

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Transcriber converts the accumulated audio buffer of one utterance into
// text. Implementations must be safe for concurrent use across sessions and
// must respect ctx cancellation.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Synthesizer streams synthesized speech for a tutor response. emit is
// called once per audio chunk, in order; a non-nil return from emit aborts
// synthesis. Implementations check ctx between chunks.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, emit func(chunk []byte) error) error
}

// PassthroughTranscriber treats the audio payload as UTF-8 text. It backs
// development setups and tests where the client sends text in audio frames
// instead of encoded speech.
type PassthroughTranscriber struct{}

func (PassthroughTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !utf8.Valid(audio) {
		return "", errors.New("session: audio payload is not valid UTF-8 text")
	}
	return strings.TrimSpace(string(audio)), nil
}

// ToneSynthesizer emits a deterministic PCM-like chunk per word. Stands in
// for a real TTS engine in development and tests; chunk contents encode the
// word lengths so tests can assert on them.
type ToneSynthesizer struct {
	// ChunkBytes is the size of each emitted chunk. Defaults to 640, which
	// is 20ms of 16kHz 16-bit mono.
	ChunkBytes int
}

func (s ToneSynthesizer) Synthesize(ctx context.Context, text string, emit func(chunk []byte) error) error {
	size := s.ChunkBytes
	if size <= 0 {
		size = 640
	}
	for i, word := range strings.Fields(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := make([]byte, size)
		for j := range chunk {
			chunk[j] = byte((len(word)*31 + i + j) % 251)
		}
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return nil
}
