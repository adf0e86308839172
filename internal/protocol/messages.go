package protocol

import "time"

// Transcript is final speech-to-text output from an edge device.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Prompt asks the assistant to answer typed or transcribed text.
// RequestID is echoed on every response chunk; the router assigns one when
// it is empty.
type Prompt struct {
	SessionID string    `json:"session_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Cancel stops the active turn.
type Cancel struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SpeechToggle turns spoken output on or off.
type SpeechToggle struct {
	Enabled bool `json:"enabled"`
}

// ResponseChunk carries assistant output. The final message of a turn has
// Partial unset and holds the full text.
type ResponseChunk struct {
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id"`
	Content   string    `json:"content"`
	Partial   bool      `json:"partial"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Say asks the assistant to speak text outside of a turn, for example a
// reminder raised by a skill.
type Say struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

// TurnStatus reports orchestrator state changes.
type TurnStatus struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptFinal = "stt.text.final"
	SubjectPrompt          = "assistant.prompt"
	SubjectCancel          = "assistant.cancel"
	SubjectSpeech          = "assistant.speech"
	SubjectSay             = "assistant.say"
	SubjectResponsePartial = "assistant.response.partial"
	SubjectResponseFinal   = "assistant.response.final"
	SubjectTurnStatus      = "assistant.turn.status"
)
