// Package session implements the dual-stream conversation protocol: one
// long-lived channel per learner, inbound audio/text frames in, ordered
// transcript and synthesized-speech frames out, with barge-in interruption.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tutorloop/tutorloop/ai/coordinator"
	"github.com/tutorloop/tutorloop/ai/observability/logging"
	"github.com/tutorloop/tutorloop/ai/resource"
	"github.com/tutorloop/tutorloop/ai/task"
)

// State of one conversation session.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateThinking     State = "thinking"
	StateSpeaking     State = "speaking"
	StateClosed       State = "closed"
)

// Processor is the slice of the execution coordinator a session drives.
type Processor interface {
	Process(ctx context.Context, req coordinator.Request) (*coordinator.AggregatedAnalysis, error)
}

// Metrics receives session lifecycle observations.
type Metrics interface {
	SessionStarted()
	SessionClosed()
	RecordInterruption()
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) SessionStarted()     {}
func (NopMetrics) SessionClosed()      {}
func (NopMetrics) RecordInterruption() {}

// Config tunes per-session behavior.
type Config struct {
	// SilenceTimeout finalizes an utterance when no audio arrives for this
	// long. Defaults to 800ms.
	SilenceTimeout time.Duration
	// PartialInterval throttles partial transcript emission. Defaults to 150ms.
	PartialInterval time.Duration
	// AudioChunksPerSecond paces outgoing synthesized audio. Defaults to 50,
	// matching 20ms chunks played back in real time.
	AudioChunksPerSecond float64
	// MaxUtteranceBytes caps the inbound audio buffer for one utterance.
	// Defaults to 1MiB; exceeding it is a protocol error.
	MaxUtteranceBytes int
}

func (c Config) withDefaults() Config {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 800 * time.Millisecond
	}
	if c.PartialInterval <= 0 {
		c.PartialInterval = 150 * time.Millisecond
	}
	if c.AudioChunksPerSecond <= 0 {
		c.AudioChunksPerSecond = 50
	}
	if c.MaxUtteranceBytes <= 0 {
		c.MaxUtteranceBytes = 1 << 20
	}
	return c
}

type eventKind int

const (
	evAudio eventKind = iota
	evText
	evFinal
)

type event struct {
	kind  eventKind
	audio []byte
	text  string
}

type genResult struct {
	interrupted  bool
	transportErr error
}

// Session owns one learner conversation. All state transitions happen on a
// single loop goroutine, so frames are processed strictly in arrival order.
type Session struct {
	ID      string
	learner task.LearnerProfile

	transport   Transport
	processor   Processor
	transcriber Transcriber
	synthesizer Synthesizer
	metrics     Metrics
	limiter     *rate.Limiter // paces outgoing audio to playback speed
	inbound     *rate.Limiter // sheds abusive inbound audio rates
	log         *slog.Logger
	cfg         Config

	ctx    context.Context
	cancel context.CancelFunc

	events  chan event
	genDone chan genResult

	closeOnce sync.Once

	state      atomic.Value // State
	lastActive atomic.Int64 // unix nano

	// Loop-owned; never touched off the loop goroutine.
	buf         bytes.Buffer
	lastPartial time.Time
	generating  bool
	genCancel   context.CancelFunc
	genStopped  chan struct{}
}

func newSession(id string, learner task.LearnerProfile, transport Transport, processor Processor, transcriber Transcriber, synthesizer Synthesizer, metrics Metrics, cfg Config, log *slog.Logger) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:          id,
		learner:     learner,
		transport:   transport,
		processor:   processor,
		transcriber: transcriber,
		synthesizer: synthesizer,
		metrics:     metrics,
		limiter:     rate.NewLimiter(rate.Limit(cfg.AudioChunksPerSecond), 4),
		inbound:     rate.NewLimiter(rate.Limit(4*cfg.AudioChunksPerSecond), int(4*cfg.AudioChunksPerSecond)),
		log:         log.With("session_id", id),
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan event, 256),
		genDone:     make(chan genResult, 1),
	}
	s.state.Store(StateIdle)
	s.touch()
	return s
}

// State reports the session's current state.
func (s *Session) State() State {
	return s.state.Load().(State)
}

// LastActive is the time of the most recent inbound frame.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// PushAudio enqueues one inbound audio frame. The frame is copied, so the
// caller may reuse its buffer.
func (s *Session) PushAudio(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.push(event{kind: evAudio, audio: cp})
}

// PushText enqueues a complete text utterance, bypassing transcription.
func (s *Session) PushText(text string) {
	s.push(event{kind: evText, text: text})
}

// PushFinal signals explicit end of utterance.
func (s *Session) PushFinal() {
	s.push(event{kind: evFinal})
}

func (s *Session) push(ev event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Close tears the session down and cancels any active generation. Safe to
// call from any goroutine, repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(s.cancel)
}

// Fail reports a protocol error to the learner and closes the session.
func (s *Session) Fail(message string) {
	_ = s.transport.SendControl(ControlMessage{Type: TypeError, SessionID: s.ID, Message: message})
	s.log.Warn("session: protocol error", "message", message)
	s.Close()
}

// run is the session's single event loop. Started by the Manager.
func (s *Session) run() {
	defer s.teardown()

	if err := s.send(ControlMessage{Type: TypeConnected, SessionID: s.ID}); err != nil {
		return
	}

	silence := time.NewTimer(s.cfg.SilenceTimeout)
	if !silence.Stop() {
		<-silence.C
	}
	defer silence.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev := <-s.events:
			s.touch()
			switch ev.kind {
			case evAudio:
				if !s.onAudio(ev.audio, silence) {
					return
				}
			case evText:
				s.interruptIfGenerating()
				stopTimer(silence)
				s.finalize(ev.text)
			case evFinal:
				if s.State() == StateListening && s.buf.Len() > 0 {
					stopTimer(silence)
					s.finalizeBuffer()
				}
			}

		case <-silence.C:
			if s.State() == StateListening && s.buf.Len() > 0 {
				s.finalizeBuffer()
			}

		case res := <-s.genDone:
			s.generating = false
			s.genCancel = nil
			if res.transportErr != nil {
				s.log.Debug("session: transport write failed", "error", res.transportErr)
				return
			}
			s.state.Store(StateIdle)
		}
	}
}

// onAudio ingests one audio frame. Returns false when the session must stop.
func (s *Session) onAudio(frame []byte, silence *time.Timer) bool {
	// Barge-in first, then the rate check: a shed frame must still cancel an
	// active generation.
	s.interruptIfGenerating()

	// Shed, don't fail: a client sending faster than real time loses frames
	// but the session keeps answering.
	if !s.inbound.Allow() {
		s.log.Warn("session: inbound audio rate exceeded, frame dropped")
		return true
	}

	if s.State() == StateIdle {
		s.state.Store(StateListening)
		s.buf.Reset()
		s.lastPartial = time.Time{}
	}

	if s.buf.Len()+len(frame) > s.cfg.MaxUtteranceBytes {
		s.Fail("utterance too long")
		return false
	}
	s.buf.Write(frame)
	stopTimer(silence)
	silence.Reset(s.cfg.SilenceTimeout)

	if time.Since(s.lastPartial) >= s.cfg.PartialInterval {
		if text, err := s.transcriber.Transcribe(s.ctx, s.buf.Bytes()); err == nil && text != "" {
			s.lastPartial = time.Now()
			if err := s.send(ControlMessage{Type: TypeTranscriptPartial, Text: text}); err != nil {
				return false
			}
		}
	}
	return true
}

// interruptIfGenerating implements barge-in: cancel the active generation
// and wait for it to fully stop before the new frame is handled. No two
// generations for one session are ever in flight together.
func (s *Session) interruptIfGenerating() {
	if !s.generating {
		return
	}
	// A generation that already finished may have its result queued behind
	// the frame that won the select. That is a completion, not a barge-in.
	select {
	case <-s.genDone:
		<-s.genStopped
		s.generating = false
		s.genCancel = nil
		s.state.Store(StateIdle)
		return
	default:
	}
	s.genCancel()
	<-s.genStopped
	// Drain the stale completion so the next generation's result is not
	// mistaken for this one's.
	select {
	case <-s.genDone:
	default:
	}
	s.generating = false
	s.genCancel = nil
	s.metrics.RecordInterruption()
	s.log.Info("session: generation interrupted")
	s.state.Store(StateListening)
	s.buf.Reset()
	s.lastPartial = time.Time{}
}

// finalizeBuffer transcribes the accumulated audio and starts generation.
func (s *Session) finalizeBuffer() {
	s.state.Store(StateTranscribing)
	text, err := s.transcriber.Transcribe(s.ctx, s.buf.Bytes())
	s.buf.Reset()
	if err != nil {
		s.log.Warn("session: transcription failed", "error", err)
		_ = s.send(ControlMessage{Type: TypeError, Message: "could not understand the audio, please try again"})
		s.state.Store(StateIdle)
		return
	}
	s.finalize(text)
}

// finalize hands one completed utterance to the coordinator on a fresh
// generation goroutine.
func (s *Session) finalize(text string) {
	if text == "" {
		s.state.Store(StateIdle)
		return
	}
	if err := s.send(ControlMessage{Type: TypeTranscriptFinal, Text: text}); err != nil {
		s.Close()
		return
	}

	genCtx, cancel := context.WithCancel(logging.ToContext(s.ctx, s.log))
	s.genCancel = cancel
	s.genStopped = make(chan struct{})
	s.generating = true
	s.state.Store(StateThinking)
	go s.generate(genCtx, text)
}

// generate runs one coordinator call plus downstream synthesis. It owns all
// outbound frames between thinking_start and response_audio_end, so their
// order is exactly production order.
func (s *Session) generate(ctx context.Context, text string) {
	defer close(s.genStopped)

	if err := s.send(ControlMessage{Type: TypeThinkingStart}); err != nil {
		s.genDone <- genResult{transportErr: err}
		return
	}

	analysis, err := s.processor.Process(ctx, coordinator.Request{Text: text, Learner: s.learner})
	if ctx.Err() != nil {
		_ = s.send(ControlMessage{Type: TypeThinkingStop, Reason: ReasonInterrupted})
		s.genDone <- genResult{interrupted: true}
		return
	}
	if err != nil {
		_ = s.send(ControlMessage{Type: TypeThinkingStop, Reason: ReasonCompleted})
		msg := "something went wrong, please try again"
		if resource.IsExhausted(err) {
			msg = "the tutor is over capacity right now, please try again in a moment"
		}
		s.log.Error("session: processing failed", "error", err)
		if serr := s.send(ControlMessage{Type: TypeError, Message: msg}); serr != nil {
			s.genDone <- genResult{transportErr: serr}
			return
		}
		s.genDone <- genResult{}
		return
	}

	if err := s.send(ControlMessage{Type: TypeThinkingStop, Reason: ReasonCompleted}); err != nil {
		s.genDone <- genResult{transportErr: err}
		return
	}

	payload, _ := json.Marshal(analysis)
	if err := s.send(ControlMessage{Type: TypeResponseText, Text: analysis.TutorResponse, Analysis: payload}); err != nil {
		s.genDone <- genResult{transportErr: err}
		return
	}

	if s.synthesizer != nil {
		if res, done := s.speak(ctx, analysis.TutorResponse); done {
			s.genDone <- res
			return
		}
	}
	s.genDone <- genResult{}
}

// speak streams synthesized audio, paced to playback rate. Returns a result
// and true when generate must finish with that result.
func (s *Session) speak(ctx context.Context, text string) (genResult, bool) {
	s.state.Store(StateSpeaking)
	if err := s.send(ControlMessage{Type: TypeResponseAudioStart}); err != nil {
		return genResult{transportErr: err}, true
	}

	synthErr := s.synthesizer.Synthesize(ctx, text, func(chunk []byte) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		return s.transport.SendAudio(chunk)
	})

	// Always close the audio bracket, interrupted or not, so the client
	// never sees a dangling stream.
	endErr := s.send(ControlMessage{Type: TypeResponseAudioEnd})

	switch {
	case ctx.Err() != nil:
		return genResult{interrupted: true}, true
	case synthErr != nil:
		return genResult{transportErr: synthErr}, true
	case endErr != nil:
		return genResult{transportErr: endErr}, true
	}
	return genResult{}, false
}

func (s *Session) send(msg ControlMessage) error {
	return s.transport.SendControl(msg)
}

func (s *Session) teardown() {
	if s.generating {
		s.genCancel()
		<-s.genStopped
	}
	s.state.Store(StateClosed)
	s.cancel()
	_ = s.transport.Close()
	s.metrics.SessionClosed()
	s.log.Info("session: closed")
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
