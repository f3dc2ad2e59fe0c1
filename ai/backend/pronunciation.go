package backend

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

// checkInterval bounds how many samples are processed between ctx checks.
const checkInterval = 32 * 1024

// PronunciationScorer is the built-in pronunciation backend. It scores the
// signal quality of the captured audio: clipping, silence ratio and energy
// variance. The scoring is deterministic for a given byte stream.
type PronunciationScorer struct {
	sampleRate int
}

// NewPronunciationScorer constructs the pronunciation backend.
// sampleRate describes the inbound PCM stream; zero selects 16kHz.
func NewPronunciationScorer(sampleRate int) *PronunciationScorer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &PronunciationScorer{sampleRate: sampleRate}
}

// PronunciationDescriptor declares the pronunciation backend.
func PronunciationDescriptor(cost int64, timeout time.Duration) Descriptor {
	return Descriptor{
		Name:           "pronunciation-signal",
		Capability:     CapabilityPronunciation,
		MemoryCostMB:   cost,
		DefaultTimeout: timeout,
		Precedence:     50,
	}
}

// Analyze scores the audio payload as 16-bit little-endian PCM.
func (p *PronunciationScorer) Analyze(ctx context.Context, in *Input) (*Result, error) {
	if len(in.Audio) < 2 {
		return nil, errors.New("pronunciation backend requires audio input")
	}

	var (
		sumSq    float64
		clipped  int
		silent   int
		nSamples = len(in.Audio) / 2
	)
	for i := 0; i < nSamples; i++ {
		if i%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		s := int16(binary.LittleEndian.Uint16(in.Audio[2*i:])) //nolint:gosec // 16-bit PCM reinterpretation
		v := float64(s) / math.MaxInt16
		sumSq += v * v
		if s == math.MaxInt16 || s == math.MinInt16 {
			clipped++
		}
		if s > -64 && s < 64 {
			silent++
		}
	}

	rms := math.Sqrt(sumSq / float64(nSamples))
	silenceRatio := float64(silent) / float64(nSamples)
	clipRatio := float64(clipped) / float64(nSamples)

	// A clear take sits around -20 dBFS with little clipping and bounded
	// pauses; each defect subtracts from a full score.
	score := 1.0
	score -= clipRatio * 4
	if silenceRatio > 0.6 {
		score -= (silenceRatio - 0.6) * 1.5
	}
	if rms < 0.02 {
		score -= (0.02 - rms) * 20
	}
	if score < 0 {
		score = 0
	}

	commentary := "clear delivery"
	switch {
	case clipRatio > 0.01:
		commentary = "recording is clipping; speak a little further from the microphone"
	case silenceRatio > 0.7:
		commentary = "long pauses detected; try a more continuous delivery"
	case rms < 0.02:
		commentary = "very quiet recording; speak up or move closer to the microphone"
	}

	return &Result{
		Capability:    CapabilityPronunciation,
		Pronunciation: math.Round(score*1000) / 1000,
		Commentary:    commentary,
	}, nil
}

// Close releases nothing; the scorer holds no model state.
func (p *PronunciationScorer) Close() error { return nil }
