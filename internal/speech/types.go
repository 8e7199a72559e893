package speech

import (
	"context"
	"strings"
)

type Direction string

const (
	DirectionSynthesis   Direction = "synthesis"
	DirectionRecognition Direction = "recognition"
)

func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "synthesis", "synthesize", "tts":
		return DirectionSynthesis, true
	case "recognition", "recognize", "stt", "":
		return DirectionRecognition, true
	default:
		return "", false
	}
}

// Encoding names the audio container/codec exchanged with the backend.
type Encoding string

const (
	EncodingLinear16 Encoding = "LINEAR16"
	EncodingMP3      Encoding = "MP3"
	EncodingOggOpus  Encoding = "OGG_OPUS"
	EncodingWebmOpus Encoding = "WEBM_OPUS"
	EncodingFLAC     Encoding = "FLAC"
	EncodingMulaw    Encoding = "MULAW"
)

// ParseEncoding accepts backend names and the short aliases clients send
// ("wav", "webm", "opus", "flac", "mp3").
func ParseEncoding(s string) (Encoding, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LINEAR16", "WAV", "PCM":
		return EncodingLinear16, true
	case "MP3":
		return EncodingMP3, true
	case "OGG_OPUS", "OPUS", "OGG":
		return EncodingOggOpus, true
	case "WEBM_OPUS", "WEBM":
		return EncodingWebmOpus, true
	case "FLAC":
		return EncodingFLAC, true
	case "MULAW":
		return EncodingMulaw, true
	default:
		return "", false
	}
}

// MIMEType returns the content type used when audio of this encoding is
// returned over HTTP.
func (e Encoding) MIMEType() string {
	switch e {
	case EncodingLinear16:
		return "audio/wav"
	case EncodingMP3:
		return "audio/mpeg"
	case EncodingOggOpus:
		return "audio/ogg"
	case EncodingWebmOpus:
		return "audio/webm"
	case EncodingFLAC:
		return "audio/flac"
	case EncodingMulaw:
		return "audio/basic"
	default:
		return "application/octet-stream"
	}
}

var supportedSampleRates = map[int]bool{8000: true, 16000: true, 22050: true, 24000: true, 32000: true, 44100: true, 48000: true}

// Config carries voice and audio settings for one session.
type Config struct {
	LanguageCode string   `json:"language_code"`
	VoiceName    string   `json:"voice"`
	VoiceGender  string   `json:"gender,omitempty"`
	Encoding     Encoding `json:"encoding"`
	SampleRateHz int      `json:"sample_rate_hz"`
	SpeakingRate float64  `json:"speaking_rate,omitempty"`
	Pitch        float64  `json:"pitch,omitempty"`
	Model        string   `json:"model,omitempty"`
	Punctuation  bool     `json:"enable_automatic_punctuation"`
	Interim      bool     `json:"interim_results"`
}

// WithDefaults fills unset fields for the given direction.
func (c Config) WithDefaults(dir Direction) Config {
	if strings.TrimSpace(c.LanguageCode) == "" {
		c.LanguageCode = "en-US"
	}
	if c.Encoding == "" {
		if dir == DirectionSynthesis {
			c.Encoding = EncodingMP3
		} else {
			c.Encoding = EncodingLinear16
		}
	}
	if c.SampleRateHz == 0 && (dir == DirectionRecognition || c.Encoding == EncodingLinear16) {
		c.SampleRateHz = 16000
	}
	if dir == DirectionRecognition && c.Model == "" {
		c.Model = "latest_long"
	}
	if dir == DirectionSynthesis && c.SpeakingRate == 0 {
		c.SpeakingRate = 1.0
	}
	return c
}

// Validate reports the first invalid field, or "" when the config is usable.
func (c Config) Validate(dir Direction) string {
	if len(strings.TrimSpace(c.LanguageCode)) < 2 {
		return "language_code must have at least 2 characters"
	}
	if c.SampleRateHz != 0 && !supportedSampleRates[c.SampleRateHz] {
		return "unsupported sample_rate_hz"
	}
	if dir == DirectionSynthesis {
		if c.SpeakingRate != 0 && (c.SpeakingRate < 0.25 || c.SpeakingRate > 4.0) {
			return "speaking_rate must be within [0.25, 4.0]"
		}
		if c.Pitch < -20 || c.Pitch > 20 {
			return "pitch must be within [-20, 20]"
		}
		if c.Encoding == EncodingWebmOpus || c.Encoding == EncodingFLAC {
			return "encoding not supported for synthesis"
		}
	}
	return ""
}

// Request is one backend call. Text is used for synthesis, Audio for
// recognition.
type Request struct {
	SessionID string
	Direction Direction
	Text      string
	Audio     []byte
	Config    Config
}

// Response is the result of one backend call.
type Response struct {
	Audio      []byte
	Encoding   Encoding
	Transcript string
	Confidence float64
}

// Result is one recognition result delivered by a stream.
type Result struct {
	Transcript string
	Confidence float64
	Final      bool
}

// RecognitionStream feeds audio to a streaming recognizer in send order.
type RecognitionStream interface {
	Send(ctx context.Context, audio []byte) error
	// Results delivers interim and final results; it is closed once the
	// stream ends.
	Results() <-chan Result
	// Finish half-closes the stream and waits for the remaining results.
	Finish(ctx context.Context) (Response, error)
	Close() error
}

// Provider is a raw speech backend. Errors must be classified with apperr
// kinds so the Client can apply its retry policy.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (Response, error)
	Recognize(ctx context.Context, req Request) (Response, error)
	StartRecognition(ctx context.Context, sessionID string, cfg Config) (RecognitionStream, error)
}
