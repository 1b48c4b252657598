package protocol

import "time"

// TranscriptEntry is one finalized utterance. Entries are append-only within a
// session and are never edited or reordered.
type TranscriptEntry struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// PartialTranscript is interim recognizer output. It is display-only and never
// enters the session transcript.
type PartialTranscript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// FinalTranscript is broadcast on the bus when an entry is appended.
type FinalTranscript struct {
	SessionID string          `json:"session_id"`
	Entry     TranscriptEntry `json:"entry"`
}

// AskRequest carries a user question and optional caller-supplied context.
type AskRequest struct {
	Prompt  string `json:"prompt"`
	Context string `json:"context,omitempty"`
}

// ScreenCaptureRequest carries an already captured screenshot for OCR.
type ScreenCaptureRequest struct {
	ImageBase64 string `json:"image_base64"`
	MimeType    string `json:"mime_type"`
}

// STTControlRequest drives the recognizer session.
type STTControlRequest struct {
	Action string   `json:"action"` // reset, flush, ping, vocabulary
	Words  []string `json:"words,omitempty"`
}

// Reply is the common request/reply envelope. Error holds a classified error
// kind, never a raw provider message.
type Reply struct {
	OK        bool         `json:"ok"`
	Text      string       `json:"text,omitempty"`
	Source    string       `json:"source,omitempty"`
	Error     string       `json:"error,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Audit     []AuditEntry `json:"audit,omitempty"`
}

// AuditRequest lists audit entries for a session; an empty SessionID means the
// live session.
type AuditRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// AuditEntry describes one query outcome. It never carries prompt or response
// text.
type AuditEntry struct {
	TraceID       string    `json:"trace_id"`
	Operation     string    `json:"operation"`
	ContextSource string    `json:"context_source,omitempty"`
	Outcome       string    `json:"outcome"`
	Redactions    int       `json:"redactions"`
	PromptChars   int       `json:"prompt_chars"`
	ResponseChars int       `json:"response_chars"`
	LatencyMS     int64     `json:"latency_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Status is the periodic heartbeat published by the runtime.
type Status struct {
	SessionID       string    `json:"session_id"`
	STTState        string    `json:"stt_state"`
	CaptureActive   bool      `json:"capture_active"`
	CaptureSource   string    `json:"capture_source,omitempty"`
	TranscriptLen   int       `json:"transcript_len"`
	HasScreenText   bool      `json:"has_screen_text"`
	CooldownMS      int64     `json:"cooldown_ms"`
	IntervalMS      int64     `json:"interval_ms"`
	CredentialValid bool      `json:"credential_valid"`
	DroppedFrames   uint64    `json:"dropped_frames"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"

	SubjectCaptureStart  = "assist.capture.start"
	SubjectCaptureStop   = "assist.capture.stop"
	SubjectScreenCapture = "assist.screen.capture"
	SubjectAsk           = "assist.ask"
	SubjectChat          = "assist.chat"
	SubjectQuickAnswer   = "assist.quick_answer"
	SubjectSessionEnd    = "assist.session.end"
	SubjectConfigReload  = "assist.config.reload"
	SubjectSTTControl    = "assist.stt.control"
	SubjectStatus        = "assist.status"
	SubjectStatusGet     = "assist.status.get"
	SubjectAuditList     = "assist.audit.list"
)
