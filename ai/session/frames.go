package session

import "encoding/json"

// Outbound control message types. Binary audio chunks travel outside these,
// bracketed by response_audio_start and response_audio_end.
const (
	TypeConnected          = "connected"
	TypeTranscriptPartial  = "transcript_partial"
	TypeTranscriptFinal    = "transcript_final"
	TypeThinkingStart      = "thinking_start"
	TypeThinkingStop       = "thinking_stop"
	TypeResponseText       = "response_text"
	TypeResponseAudioStart = "response_audio_start"
	TypeResponseAudioEnd   = "response_audio_end"
	TypeError              = "error"
)

// Reasons carried by thinking_stop.
const (
	ReasonCompleted   = "completed"
	ReasonInterrupted = "interrupted"
)

// ControlMessage is one outbound control frame.
type ControlMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	Analysis  json.RawMessage `json:"analysis,omitempty"`
}

// Inbound control message types. Audio arrives as raw binary frames, not as
// control messages.
const (
	InboundStart = "start"
	InboundText  = "text"
	InboundFinal = "final"
)

// InboundMessage is one parsed inbound control frame.
type InboundMessage struct {
	Type      string `json:"type"`
	LearnerID string `json:"learner_id,omitempty"`
	Level     string `json:"level,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Transport delivers outbound frames to the learner. Implementations must
// preserve call order; the session serializes its own sends so Transport
// methods are never called concurrently for one session.
type Transport interface {
	SendControl(msg ControlMessage) error
	SendAudio(chunk []byte) error
	Close() error
}
