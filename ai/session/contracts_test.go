package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassthroughTranscriber(t *testing.T) {
	tr := PassthroughTranscriber{}

	t.Run("trims surrounding whitespace", func(t *testing.T) {
		text, err := tr.Transcribe(context.Background(), []byte("  I walk to school \n"))
		require.NoError(t, err)
		assert.Equal(t, "I walk to school", text)
	})

	t.Run("rejects invalid utf8", func(t *testing.T) {
		_, err := tr.Transcribe(context.Background(), []byte{0xff, 0xfe, 0xfd})
		require.Error(t, err)
	})

	t.Run("honors cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := tr.Transcribe(ctx, []byte("hello"))
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestToneSynthesizer(t *testing.T) {
	t.Run("one chunk per word", func(t *testing.T) {
		syn := ToneSynthesizer{ChunkBytes: 32}
		var chunks [][]byte
		err := syn.Synthesize(context.Background(), "nice work today", func(chunk []byte) error {
			chunks = append(chunks, chunk)
			return nil
		})
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		for _, c := range chunks {
			assert.Len(t, c, 32)
		}
	})

	t.Run("deterministic output", func(t *testing.T) {
		syn := ToneSynthesizer{ChunkBytes: 16}
		collect := func() [][]byte {
			var out [][]byte
			_ = syn.Synthesize(context.Background(), "hello world", func(chunk []byte) error {
				out = append(out, chunk)
				return nil
			})
			return out
		}
		assert.Equal(t, collect(), collect())
	})

	t.Run("default chunk size", func(t *testing.T) {
		var got []byte
		err := ToneSynthesizer{}.Synthesize(context.Background(), "hi", func(chunk []byte) error {
			got = chunk
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, got, 640)
	})

	t.Run("emit error aborts", func(t *testing.T) {
		syn := ToneSynthesizer{ChunkBytes: 8}
		calls := 0
		err := syn.Synthesize(context.Background(), "one two three", func([]byte) error {
			calls++
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops synthesis", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := ToneSynthesizer{ChunkBytes: 8}.Synthesize(ctx, "hello", func([]byte) error {
			t.Fatal("emit must not be called")
			return nil
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}
