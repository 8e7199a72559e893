package httpapi

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/speechgw/internal/config"
	"github.com/antoniostano/speechgw/internal/protocol"
	"github.com/antoniostano/speechgw/internal/ratelimit"
	"github.com/antoniostano/speechgw/internal/session"
)

type wireMessage struct {
	Type         protocol.MessageType `json:"type"`
	SessionID    string               `json:"session_id"`
	Sequence     int64                `json:"sequence"`
	Transcript   string               `json:"transcript"`
	IsFinal      bool                 `json:"is_final"`
	Encoding     string               `json:"encoding"`
	AudioBase64  string               `json:"audio_base64"`
	State        string               `json:"state"`
	Code         string               `json:"code"`
	Message      string               `json:"message"`
	RetryAfterMS int64                `json:"retry_after_ms"`
}

func dialStream(t *testing.T, env *testEnv, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/stream"
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg wireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

// readUntil collects messages up to and including the first of type want.
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.MessageType) []wireMessage {
	t.Helper()
	var out []wireMessage
	for {
		msg := readMessage(t, conn)
		out = append(out, msg)
		if msg.Type == want {
			return out
		}
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func TestStreamRecognition(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialStream(t, env, "language=en-US&sample_rate=16000")

	started := readMessage(t, conn)
	if started.Type != protocol.TypeSessionStarted || started.SessionID == "" {
		t.Fatalf("first message = %+v, want session_started", started)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("one")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	writeJSON(t, conn, map[string]any{
		"type":     "audio_chunk",
		"data":     base64.StdEncoding.EncodeToString([]byte("two")),
		"sequence": 7,
	})

	acks := 0
	for _, msg := range readUntil(t, conn, protocol.TypeChunkAck) {
		if msg.Type == protocol.TypeChunkAck {
			acks++
		}
	}
	writeJSON(t, conn, map[string]any{"type": "end_session"})

	msgs := readUntil(t, conn, protocol.TypeSessionEnded)
	var final, ended wireMessage
	for _, msg := range msgs {
		switch msg.Type {
		case protocol.TypeFinalResult:
			final = msg
		case protocol.TypeSessionEnded:
			ended = msg
		case protocol.TypeChunkAck:
			acks++
		}
	}
	if acks != 2 {
		t.Fatalf("acks = %d, want 2", acks)
	}
	if !final.IsFinal || final.Transcript != "one two" {
		t.Fatalf("final_result = %+v, want transcript %q", final, "one two")
	}
	if ended.State != "closed" || ended.SessionID != started.SessionID {
		t.Fatalf("session_ended = %+v", ended)
	}
}

func TestStreamSynthesis(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialStream(t, env, "direction=synthesis&encoding=mp3")

	if msg := readMessage(t, conn); msg.Type != protocol.TypeSessionStarted {
		t.Fatalf("first message = %+v, want session_started", msg)
	}
	writeJSON(t, conn, map[string]any{"type": "text_chunk", "text": "hi"})

	msgs := readUntil(t, conn, protocol.TypeAudioChunk)
	out := msgs[len(msgs)-1]
	audio, err := base64.StdEncoding.DecodeString(out.AudioBase64)
	if err != nil {
		t.Fatalf("DecodeString() error = %v", err)
	}
	if out.Encoding != "MP3" || string(audio) != "MOCK-MP3:hi" || out.Sequence != 1 {
		t.Fatalf("audio_chunk = %+v audio=%q", out, audio)
	}
}

func TestStreamProtocolErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialStream(t, env, "autostart=false")

	writeJSON(t, conn, map[string]any{"type": "text_chunk", "text": "nobody listening"})
	if msg := readMessage(t, conn); msg.Type != protocol.TypeError || msg.Code != protocol.CodeNoActiveSession {
		t.Fatalf("message = %+v, want NO_ACTIVE_SESSION", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if msg := readMessage(t, conn); msg.Code != protocol.CodeInvalidJSON {
		t.Fatalf("message = %+v, want INVALID_JSON", msg)
	}

	writeJSON(t, conn, map[string]any{"type": "shout"})
	if msg := readMessage(t, conn); msg.Code != protocol.CodeInvalidMessageType {
		t.Fatalf("message = %+v, want INVALID_MESSAGE_TYPE", msg)
	}

	writeJSON(t, conn, map[string]any{"type": "start_session", "direction": "recognition", "mode": "batch"})
	started := readMessage(t, conn)
	if started.Type != protocol.TypeSessionStarted {
		t.Fatalf("message = %+v, want session_started", started)
	}
	writeJSON(t, conn, map[string]any{"type": "start_session"})
	if msg := readMessage(t, conn); msg.Code != protocol.CodeValidation {
		t.Fatalf("message = %+v, want VALIDATION_ERROR for a second session", msg)
	}

	writeJSON(t, conn, map[string]any{"type": "audio_chunk", "data": "%%%"})
	if msg := readMessage(t, conn); msg.Code != protocol.CodeInvalidAudio {
		t.Fatalf("message = %+v, want INVALID_AUDIO_DATA", msg)
	}
}

func TestStreamRateLimitedPushReportsRetryAfter(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.DefaultRateLimits = []ratelimit.Window{{Limit: 2, Period: time.Minute}}
	})
	conn := dialStream(t, env, "direction=synthesis")
	readMessage(t, conn)

	for i := 0; i < 3; i++ {
		writeJSON(t, conn, map[string]any{"type": "text_chunk", "text": "x"})
	}
	msgs := readUntil(t, conn, protocol.TypeError)
	got := msgs[len(msgs)-1]
	if got.Code != "rate_limited" || got.RetryAfterMS <= 0 {
		t.Fatalf("error = %+v, want rate_limited with retry_after_ms", got)
	}
}

func TestStreamDisconnectClosesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialStream(t, env, "")
	started := readMessage(t, conn)

	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, err := env.sessions.Get(started.SessionID); err == nil && s.State.Terminal() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s still open after disconnect", started.SessionID)
}

func TestEventMessageMapping(t *testing.T) {
	if eventMessage(session.Event{Type: "bogus"}) != nil {
		t.Fatalf("unknown event type should map to nil")
	}
	msg, ok := eventMessage(session.Event{Type: session.EventFinal, Transcript: "done"}).(protocol.TranscriptResult)
	if !ok || !msg.IsFinal || msg.Type != protocol.TypeFinalResult || msg.Transcript != "done" {
		t.Fatalf("final_result mapped to %+v", msg)
	}
	ended, ok := eventMessage(session.Event{Type: session.EventEnded, State: session.StateFailed, Code: "timeout"}).(protocol.SessionEnded)
	if !ok || ended.State != "failed" || ended.Code != "timeout" {
		t.Fatalf("session_ended mapped to %+v", ended)
	}
}
