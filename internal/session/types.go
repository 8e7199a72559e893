package session

import (
	"time"

	"github.com/antoniostano/speechgw/internal/apperr"
	"github.com/antoniostano/speechgw/internal/speech"
)

type State string

const (
	StateCreated    State = "created"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// canTransition allows forward moves only. Failed is reachable from any
// non-terminal state; Created may skip to Finalizing when nothing was pushed.
func (s State) canTransition(to State) bool {
	if to == StateFailed {
		return !s.Terminal()
	}
	switch s {
	case StateCreated:
		return to == StateStreaming || to == StateFinalizing
	case StateStreaming:
		return to == StateFinalizing
	case StateFinalizing:
		return to == StateClosed
	default:
		return false
	}
}

// Mode selects how recognition sessions reach the backend. Synthesis always
// runs per chunk.
type Mode string

const (
	// ModeBatch buffers audio and recognizes it once on close.
	ModeBatch Mode = "batch"
	// ModeStreaming forwards each chunk to a backend stream as it arrives.
	ModeStreaming Mode = "streaming"
)

func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case "":
		return ModeBatch, true
	case ModeBatch, ModeStreaming:
		return Mode(s), true
	default:
		return "", false
	}
}

type CreateOptions struct {
	Mode Mode
}

// Session is a point-in-time view of a session.
type Session struct {
	ID              string           `json:"session_id"`
	ClientKey       string           `json:"-"`
	Direction       speech.Direction `json:"direction"`
	Mode            Mode             `json:"mode"`
	State           State            `json:"state"`
	Config          speech.Config    `json:"config"`
	ChunksReceived  int              `json:"chunks_received"`
	ChunksProcessed int              `json:"chunks_processed"`
	Pending         int              `json:"pending"`
	CreatedAt       time.Time        `json:"created_at"`
	LastActivityAt  time.Time        `json:"last_activity_at"`
	ErrorCode       apperr.Kind      `json:"error_code,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// Ack confirms a chunk was accepted and queued.
type Ack struct {
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"sequence"`
	Queued    int    `json:"queued"`
	State     State  `json:"state"`
}

// Result is what a session produced. On failure it also carries the input
// chunks the backend never consumed.
type Result struct {
	SessionID       string           `json:"session_id"`
	Direction       speech.Direction `json:"direction"`
	State           State            `json:"state"`
	Audio           []byte           `json:"-"`
	Encoding        speech.Encoding  `json:"encoding,omitempty"`
	Transcript      string           `json:"transcript,omitempty"`
	Confidence      float64          `json:"confidence,omitempty"`
	ChunksProcessed int              `json:"chunks_processed"`
	Unprocessed     [][]byte         `json:"-"`
	ErrorCode       apperr.Kind      `json:"error_code,omitempty"`
	Error           string           `json:"error,omitempty"`
	DurationMS      int64            `json:"duration_ms"`
}

type EventType string

const (
	EventAudio   EventType = "audio_chunk"
	EventInterim EventType = "interim_result"
	EventFinal   EventType = "final_result"
	EventError   EventType = "error"
	EventEnded   EventType = "session_ended"
)

// Event is emitted asynchronously by a session as work completes.
type Event struct {
	Type       EventType
	SessionID  string
	Sequence   int64
	Audio      []byte
	Encoding   speech.Encoding
	Transcript string
	Confidence float64
	State      State
	Code       apperr.Kind
	Message    string
}
