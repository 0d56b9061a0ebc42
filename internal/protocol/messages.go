package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// ListenRequest opens a recognition turn for a session.
type ListenRequest struct {
	SessionID         string    `json:"session_id"`
	Locale            string    `json:"locale,omitempty"`
	NoInputTimeoutMS  int       `json:"no_input_timeout_ms"`
	CompleteTimeoutMS int       `json:"complete_timeout_ms"`
	TraceID           string    `json:"trace_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// TTSRequest asks the synthesizer to speak text for a session.
type TTSRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
	Locale    string `json:"locale,omitempty"`
	Target    string `json:"target,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// AudioChunk carries synthesized PCM back to devices.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus reports the end of a synthesis request. Error is set when
// synthesis failed; the turn is complete either way.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlMessage carries UI events such as CLICK.
type ControlMessage struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
}

// AppointmentCreated is announced when a dialogue confirms an appointment.
type AppointmentCreated struct {
	SessionID string    `json:"session_id"`
	Person    string    `json:"person"`
	Day       string    `json:"day"`
	WholeDay  bool      `json:"whole_day"`
	Time      string    `json:"time,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix    = "audio.frame"
	SubjectTranscriptPartial   = "stt.text.partial"
	SubjectTranscriptFinal     = "stt.text.final"
	SubjectListenRequest       = "asr.listen.request"
	SubjectTTSRequest          = "tts.request"
	SubjectTTSAudio            = "tts.audio"
	SubjectTTSDone             = "tts.done"
	SubjectDialogueControl     = "dialogue.control"
	SubjectDialogueStatePrefix = "dialogue.state"
	SubjectAppointmentCreated  = "dialogue.appointment.created"
)

// DialogueStateSubject returns the subject snapshots of a session are published on.
func DialogueStateSubject(sessionID string) string {
	return SubjectDialogueStatePrefix + "." + sessionID
}
