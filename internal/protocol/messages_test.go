package protocol

import (
	"errors"
	"testing"

	"github.com/antoniostano/speechgw/internal/speech"
)

func parseErrorCode(t *testing.T, err error) string {
	t.Helper()
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
	return pe.Code
}

func TestParseClientMessageAudioChunk(t *testing.T) {
	raw := []byte(`{"type":"audio_chunk","data":"AQID","sequence":3}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	chunk, ok := msg.(AudioChunk)
	if !ok {
		t.Fatalf("message type = %T, want AudioChunk", msg)
	}
	if chunk.Sequence != 3 {
		t.Fatalf("Sequence = %d, want 3", chunk.Sequence)
	}
	data, err := chunk.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if string(data) != "\x01\x02\x03" {
		t.Fatalf("Decode() = %v", data)
	}
}

func TestAudioChunkDecodeRejectsBadBase64(t *testing.T) {
	_, err := AudioChunk{Data: "%%%"}.Decode()
	if code := parseErrorCode(t, err); code != CodeInvalidAudio {
		t.Fatalf("code = %q, want %q", code, CodeInvalidAudio)
	}
}

func TestParseClientMessageErrors(t *testing.T) {
	cases := map[string]string{
		`not json`:                          CodeInvalidJSON,
		`{"type":"wat"}`:                    CodeInvalidMessageType,
		`{"type":"audio_chunk"}`:            CodeValidation,
		`{"type":"text_chunk","text":"  "}`: CodeValidation,
		`{"type":"audio_chunk","data":1}`:   CodeValidation,
		`{"type":"start_session","config":{"sample_rate":-1}}`: CodeValidation,
	}
	for raw, want := range cases {
		_, err := ParseClientMessage([]byte(raw))
		if code := parseErrorCode(t, err); code != want {
			t.Fatalf("ParseClientMessage(%s) code = %q, want %q", raw, code, want)
		}
	}
}

func TestParseClientMessageStartSession(t *testing.T) {
	raw := []byte(`{"type":"start_session","direction":"recognition","mode":"streaming","config":{"language":"en-GB","sample_rate":48000,"encoding":"webm","interim_results":false}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	start, ok := msg.(StartSession)
	if !ok {
		t.Fatalf("message type = %T, want StartSession", msg)
	}
	cfg, err := start.Config.SpeechConfig()
	if err != nil {
		t.Fatalf("SpeechConfig() error = %v", err)
	}
	if cfg.LanguageCode != "en-GB" || cfg.SampleRateHz != 48000 || cfg.Encoding != speech.EncodingWebmOpus {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Interim {
		t.Fatalf("Interim = true, want false when disabled explicitly")
	}
	if !cfg.Punctuation {
		t.Fatalf("Punctuation should default to true")
	}
}

func TestSessionConfigRejectsUnknownEncoding(t *testing.T) {
	if _, err := (SessionConfig{Encoding: "aiff"}).SpeechConfig(); err == nil {
		t.Fatalf("SpeechConfig() error = nil, want unsupported encoding")
	}
}

func TestParseClientMessageEndSession(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"end_session"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := msg.(EndSession); !ok {
		t.Fatalf("message type = %T, want EndSession", msg)
	}
}
