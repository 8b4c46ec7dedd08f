package protocol

import "time"

// Subjects published on the bus.
const (
	SubjectStreamStarted   = "assistant.stream.started"
	SubjectStreamCompleted = "assistant.stream.completed"
	SubjectStreamFailed    = "assistant.stream.failed"
	SubjectCommandExecuted = "assistant.command.executed"
	SubjectTTSRequest      = "tts.request"
	SubjectTTSAudio        = "tts.audio"
	SubjectTTSDone         = "tts.done"
)

// StreamNotice summarises a streaming session for bus subscribers.
type StreamNotice struct {
	SessionID      string    `json:"session_id"`
	Filename       string    `json:"filename,omitempty"`
	TotalSentences int       `json:"total_sentences,omitempty"`
	Delivered      int       `json:"delivered"`
	Failed         int       `json:"failed"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// CommandNotice is published after a whitelisted command runs.
type CommandNotice struct {
	Command   string    `json:"command"`
	Allowed   bool      `json:"allowed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSRequest asks the bus speech service to synthesize text.
type TTSRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
	Target    string `json:"target,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// AudioChunk carries synthesized audio on the bus.
type AudioChunk struct {
	SessionID   string `json:"session_id"`
	Target      string `json:"target,omitempty"`
	ContentType string `json:"content_type"`
	Sequence    int    `json:"sequence"`
	Audio       []byte `json:"audio"`
	Final       bool   `json:"final"`
}

// TTSStatus marks the end of a bus synthesis request.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
