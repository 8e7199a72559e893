// Package protocol defines the JSON messages exchanged on the streaming
// WebSocket.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antoniostano/speechgw/internal/speech"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeStartSession MessageType = "start_session"
	TypeAudioChunk   MessageType = "audio_chunk"
	TypeTextChunk    MessageType = "text_chunk"
	TypeEndSession   MessageType = "end_session"

	TypeSessionStarted MessageType = "session_started"
	TypeChunkAck       MessageType = "chunk_ack"
	TypeInterimResult  MessageType = "interim_result"
	TypeFinalResult    MessageType = "final_result"
	TypeSessionEnded   MessageType = "session_ended"
	TypeError          MessageType = "error"
)

// Error codes sent in error messages. Failures raised by the session layer
// use the upper-cased error kind instead.
const (
	CodeInvalidJSON        = "INVALID_JSON"
	CodeInvalidMessageType = "INVALID_MESSAGE_TYPE"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNoActiveSession    = "NO_ACTIVE_SESSION"
	CodeInvalidAudio       = "INVALID_AUDIO_DATA"
)

// ParseError is returned by ParseClientMessage.
type ParseError struct {
	Code    string
	Message string
}

func (e *ParseError) Error() string { return e.Code + ": " + e.Message }

type Envelope struct {
	Type MessageType `json:"type"`
}

// SessionConfig is the wire form of speech.Config.
type SessionConfig struct {
	Language     string  `json:"language,omitempty"`
	SampleRate   int     `json:"sample_rate,omitempty"`
	Encoding     string  `json:"encoding,omitempty"`
	Model        string  `json:"model,omitempty"`
	Voice        string  `json:"voice,omitempty"`
	Gender       string  `json:"gender,omitempty"`
	SpeakingRate float64 `json:"speaking_rate,omitempty"`
	Pitch        float64 `json:"pitch,omitempty"`
	Interim      *bool   `json:"interim_results,omitempty"`
	Punctuation  *bool   `json:"enable_automatic_punctuation,omitempty"`
}

// SpeechConfig converts the wire config. Interim results and punctuation
// default to on.
func (c SessionConfig) SpeechConfig() (speech.Config, error) {
	out := speech.Config{
		LanguageCode: c.Language,
		VoiceName:    c.Voice,
		VoiceGender:  c.Gender,
		SampleRateHz: c.SampleRate,
		SpeakingRate: c.SpeakingRate,
		Pitch:        c.Pitch,
		Model:        c.Model,
		Interim:      c.Interim == nil || *c.Interim,
		Punctuation:  c.Punctuation == nil || *c.Punctuation,
	}
	if strings.TrimSpace(c.Encoding) != "" {
		enc, ok := speech.ParseEncoding(c.Encoding)
		if !ok {
			return speech.Config{}, fmt.Errorf("unsupported encoding %q", c.Encoding)
		}
		out.Encoding = enc
	}
	return out, nil
}

type StartSession struct {
	Type      MessageType   `json:"type"`
	Direction string        `json:"direction,omitempty"`
	Mode      string        `json:"mode,omitempty"`
	Config    SessionConfig `json:"config"`
}

type AudioChunk struct {
	Type     MessageType `json:"type"`
	Data     string      `json:"data"`
	Sequence int64       `json:"sequence,omitempty"`
}

// Decode returns the base64 payload.
func (m AudioChunk) Decode() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, &ParseError{Code: CodeInvalidAudio, Message: "audio data is not valid base64"}
	}
	if len(b) == 0 {
		return nil, &ParseError{Code: CodeInvalidAudio, Message: "audio data is empty"}
	}
	return b, nil
}

type TextChunk struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type EndSession struct {
	Type MessageType `json:"type"`
}

type SessionStarted struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"session_id"`
	Direction string        `json:"direction"`
	Mode      string        `json:"mode"`
	Config    speech.Config `json:"config"`
}

type ChunkAck struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Sequence  int64       `json:"sequence"`
	Queued    int         `json:"queued"`
}

// TranscriptResult carries interim_result and final_result messages.
type TranscriptResult struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Transcript string      `json:"transcript"`
	Confidence float64     `json:"confidence"`
	IsFinal    bool        `json:"is_final"`
}

type AudioOut struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Sequence    int64       `json:"sequence"`
	Encoding    string      `json:"encoding"`
	AudioBase64 string      `json:"audio_base64"`
}

type SessionEnded struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	State      string      `json:"state"`
	Transcript string      `json:"transcript,omitempty"`
	Code       string      `json:"code,omitempty"`
	Message    string      `json:"message,omitempty"`
}

type ErrorMessage struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id,omitempty"`
	Code         string      `json:"code"`
	Message      string      `json:"message"`
	RetryAfterMS int64       `json:"retry_after_ms,omitempty"`
}

// ParseClientMessage decodes one client frame into StartSession,
// AudioChunk, TextChunk or EndSession. Failures are *ParseError.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ParseError{Code: CodeInvalidJSON, Message: "message is not valid JSON"}
	}

	switch env.Type {
	case TypeStartSession:
		var msg StartSession
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Config.SampleRate < 0 {
			return nil, &ParseError{Code: CodeValidation, Message: "sample_rate must be positive"}
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, &ParseError{Code: CodeValidation, Message: "audio_chunk requires data"}
		}
		if msg.Sequence < 0 {
			return nil, &ParseError{Code: CodeValidation, Message: "sequence must not be negative"}
		}
		return msg, nil
	case TypeTextChunk:
		var msg TextChunk
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, &ParseError{Code: CodeValidation, Message: "text_chunk requires text"}
		}
		return msg, nil
	case TypeEndSession:
		return EndSession{Type: env.Type}, nil
	default:
		return nil, &ParseError{Code: CodeInvalidMessageType, Message: fmt.Sprintf("unknown message type %q", env.Type)}
	}
}

func decode(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ParseError{Code: CodeValidation, Message: err.Error()}
	}
	return nil
}
