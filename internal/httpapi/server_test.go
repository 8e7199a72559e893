package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/speechgw/internal/audio"
	"github.com/antoniostano/speechgw/internal/config"
	"github.com/antoniostano/speechgw/internal/observability"
	"github.com/antoniostano/speechgw/internal/ratelimit"
	"github.com/antoniostano/speechgw/internal/session"
	"github.com/antoniostano/speechgw/internal/speech"
)

type testEnv struct {
	ts       *httptest.Server
	srv      *Server
	sessions *session.Manager
}

func newTestEnv(t *testing.T, tweak func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Config{
		CORSOrigins:          []string{"*"},
		SecretKey:            "test-secret",
		SpeechBackend:        config.BackendMock,
		DefaultRateLimits:    []ratelimit.Window{{Limit: 1000, Period: time.Minute}},
		WSMaxFramesPerSecond: 200,
	}
	if tweak != nil {
		tweak(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics("test_httpapi")
	client := speech.NewClient(speech.NewMockProvider(0), speech.ClientConfig{CallTimeout: time.Second}, metrics, logger)
	speechLimiter := ratelimit.New("speech", ratelimit.NewMemoryStore(), cfg.DefaultRateLimits)
	sessions := session.NewManager(client, speechLimiter, session.Config{IdleTimeout: time.Minute}, logger, metrics)

	var apiLimiter *ratelimit.Limiter
	if w := cfg.APIWindow(); w != nil {
		apiLimiter = ratelimit.New("api", ratelimit.NewMemoryStore(), w)
	}
	srv := New(cfg, sessions, apiLimiter, metrics, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = sessions.Shutdown(context.Background())
	})
	return &testEnv{ts: ts, srv: srv, sessions: sessions}
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body []byte, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func (e *testEnv) postJSON(t *testing.T, path string, v any, header map[string]string) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return e.do(t, http.MethodPost, path, "application/json", body, header)
}

func decodeBody[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.do(t, http.MethodGet, "/health", "", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body := decodeBody[map[string]any](t, res)
	if body["status"] != "healthy" || body["backend"] != config.BackendMock {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestReadyzReportsDraining(t *testing.T) {
	env := newTestEnv(t, nil)

	if res := env.do(t, http.MethodGet, "/readyz", "", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", res.StatusCode)
	}
	env.srv.Drain()
	if res := env.do(t, http.MethodGet, "/readyz", "", nil, nil); res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status after Drain = %d, want 503", res.StatusCode)
	}
}

func TestSynthesizeReturnsAudio(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.postJSON(t, "/synthesize", map[string]any{"text": "hello", "voice": "en-US-Standard-A"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("Content-Type = %q, want audio/mpeg", ct)
	}
	if res.Header.Get("X-Session-ID") == "" {
		t.Fatalf("missing X-Session-ID header")
	}
	data, _ := io.ReadAll(res.Body)
	if string(data) != "MOCK-MP3:hello" {
		t.Fatalf("audio = %q", data)
	}
}

func TestSynthesizeJSONWithWAV(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.postJSON(t, "/synthesize?format=json", map[string]any{"text": "hi there", "encoding": "wav"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	body := decodeBody[synthesizeResponse](t, res)
	if body.Encoding != speech.EncodingLinear16 {
		t.Fatalf("Encoding = %q, want LINEAR16", body.Encoding)
	}
	wav, err := base64.StdEncoding.DecodeString(body.AudioBase64)
	if err != nil {
		t.Fatalf("DecodeString() error = %v", err)
	}
	if !audio.IsWAV(wav) {
		t.Fatalf("audio is not a WAV container")
	}
}

func TestSynthesizeValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []map[string]any{
		{"text": "   "},
		{"text": "hi", "speaking_rate": 9.0},
		{"text": "hi", "encoding": "aiff"},
	}
	for _, c := range cases {
		res := env.postJSON(t, "/synthesize", c, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("payload %v: status = %d, want 400", c, res.StatusCode)
		}
		body := decodeBody[errorResponse](t, res)
		if body.Code != "validation" || body.Error == "" {
			t.Fatalf("payload %v: body = %+v", c, body)
		}
	}

	res := env.do(t, http.MethodPost, "/synthesize", "application/json", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status = %d, want 400", res.StatusCode)
	}
	if body := decodeBody[errorResponse](t, res); body.Error != "request body is required" {
		t.Fatalf("empty body error = %q", body.Error)
	}

	res = env.do(t, http.MethodPost, "/synthesize", "application/json", []byte(`{"text":"hello"`), nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("truncated body status = %d, want 400", res.StatusCode)
	}
	if body := decodeBody[errorResponse](t, res); !strings.HasPrefix(body.Error, "malformed JSON") {
		t.Fatalf("truncated body error = %q, want malformed JSON", body.Error)
	}
}

func TestRecognizeInputForms(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.do(t, http.MethodPost, "/recognize?language=en-GB", "application/octet-stream", []byte("hello world"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("raw status = %d, want 200", res.StatusCode)
	}
	if got := decodeBody[recognizeResponse](t, res); got.Transcript != "hello world" {
		t.Fatalf("raw transcript = %q", got.Transcript)
	}

	res = env.postJSON(t, "/recognize", map[string]any{
		"audio":    base64.StdEncoding.EncodeToString([]byte("good morning")),
		"language": "en-US",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("json status = %d, want 200", res.StatusCode)
	}
	if got := decodeBody[recognizeResponse](t, res); got.Transcript != "good morning" || got.Confidence == 0 {
		t.Fatalf("json result = %+v", got)
	}

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	fw, err := mw.CreateFormFile("audio", "clip.webm")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = fw.Write([]byte("from a form"))
	_ = mw.WriteField("sample_rate", "48000")
	_ = mw.Close()
	res = env.do(t, http.MethodPost, "/recognize", mw.FormDataContentType(), form.Bytes(), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("multipart status = %d, want 200", res.StatusCode)
	}
	if got := decodeBody[recognizeResponse](t, res); got.Transcript != "from a form" {
		t.Fatalf("multipart transcript = %q", got.Transcript)
	}
}

func TestRecognizeRejectsEmptyAudio(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.do(t, http.MethodPost, "/recognize", "audio/wav", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	res = env.postJSON(t, "/recognize", map[string]any{"audio": "%%%"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad base64 status = %d, want 400", res.StatusCode)
	}
}

func TestSpeechRateLimitReturns429(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.DefaultRateLimits = []ratelimit.Window{{Limit: 2, Period: time.Minute}}
	})

	for i := 0; i < 2; i++ {
		if res := env.postJSON(t, "/synthesize", map[string]any{"text": "ok"}, nil); res.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, res.StatusCode)
		}
	}
	res := env.postJSON(t, "/synthesize", map[string]any{"text": "one too many"}, nil)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", res.StatusCode)
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
	body := decodeBody[errorResponse](t, res)
	if body.Code != "rate_limited" || body.RetryAfterMS <= 0 {
		t.Fatalf("body = %+v", body)
	}
	if env.sessions.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, rejected session should be aborted", env.sessions.ActiveCount())
	}

	other := map[string]string{"X-Real-IP": "203.0.113.9"}
	if res := env.postJSON(t, "/synthesize", map[string]any{"text": "ok"}, other); res.StatusCode != http.StatusOK {
		t.Fatalf("other client status = %d, want 200", res.StatusCode)
	}
}

func TestAPIRateLimitSkipsHealth(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.APIRateLimit = 1 })

	if res := env.do(t, http.MethodGet, "/v1/perf/latency", "", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d, want 200", res.StatusCode)
	}
	if res := env.do(t, http.MethodGet, "/v1/perf/latency", "", nil, nil); res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", res.StatusCode)
	}
	for i := 0; i < 3; i++ {
		if res := env.do(t, http.MethodGet, "/health", "", nil, nil); res.StatusCode != http.StatusOK {
			t.Fatalf("health status = %d, want 200", res.StatusCode)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.postJSON(t, "/v1/sessions", map[string]any{"direction": "synthesis", "config": map[string]any{"encoding": "mp3"}}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", res.StatusCode)
	}
	created := decodeBody[session.Session](t, res)
	if created.ID == "" || created.State != session.StateCreated {
		t.Fatalf("created = %+v", created)
	}
	base := "/v1/sessions/" + created.ID

	if res := env.postJSON(t, base+"/chunks", map[string]any{"text": "first part."}, nil); res.StatusCode != http.StatusAccepted {
		t.Fatalf("json chunk status = %d, want 202", res.StatusCode)
	}
	res = env.do(t, http.MethodPost, base+"/chunks", "text/plain", []byte("second part."), nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("raw chunk status = %d, want 202", res.StatusCode)
	}
	if ack := decodeBody[session.Ack](t, res); ack.Sequence != 2 {
		t.Fatalf("ack = %+v, want sequence 2", ack)
	}

	res = env.do(t, http.MethodPost, base+"/close", "", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d, want 200", res.StatusCode)
	}
	result := decodeBody[resultResponse](t, res)
	audioOut, _ := base64.StdEncoding.DecodeString(result.AudioBase64)
	if result.State != session.StateClosed || string(audioOut) != "MOCK-MP3:first part.MOCK-MP3:second part." {
		t.Fatalf("result = %+v audio=%q", result, audioOut)
	}

	res = env.do(t, http.MethodGet, base, "", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", res.StatusCode)
	}
	if got := decodeBody[session.Session](t, res); got.State != session.StateClosed || got.ChunksProcessed != 2 {
		t.Fatalf("session after close = %+v", got)
	}

	if res := env.postJSON(t, base+"/chunks", map[string]any{"text": "late"}, nil); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("push after close status = %d, want 400", res.StatusCode)
	}
}

func TestSessionsAreScopedToClient(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := map[string]string{"X-Real-IP": "198.51.100.1"}
	stranger := map[string]string{"X-Real-IP": "198.51.100.2"}

	res := env.postJSON(t, "/v1/sessions", map[string]any{"direction": "recognition"}, owner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", res.StatusCode)
	}
	created := decodeBody[session.Session](t, res)

	if res := env.do(t, http.MethodGet, "/v1/sessions/"+created.ID, "", nil, stranger); res.StatusCode != http.StatusNotFound {
		t.Fatalf("stranger get status = %d, want 404", res.StatusCode)
	}
	if res := env.do(t, http.MethodDelete, "/v1/sessions/"+created.ID, "", nil, owner); res.StatusCode != http.StatusOK {
		t.Fatalf("owner abort status = %d, want 200", res.StatusCode)
	}
	if res := env.do(t, http.MethodPost, "/v1/sessions/does-not-exist/close", "", nil, owner); res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown close status = %d, want 404", res.StatusCode)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []map[string]any{
		{"direction": "sideways"},
		{"direction": "recognition", "mode": "burst"},
		{"direction": "recognition", "config": map[string]any{"sample_rate": 12345}},
	}
	for _, c := range cases {
		res := env.postJSON(t, "/v1/sessions", c, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("payload %v: status = %d, want 400", c, res.StatusCode)
		}
	}
}

func TestCORSAllowlist(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.CORSOrigins = []string{"https://app.example"} })

	preflight := func(origin string) *http.Response {
		return env.do(t, http.MethodOptions, "/synthesize", "", nil, map[string]string{
			"Origin":                        origin,
			"Access-Control-Request-Method": http.MethodPost,
		})
	}

	res := preflight("https://app.example")
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("allowed preflight status = %d, want 204", res.StatusCode)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("Allow-Origin = %q", got)
	}
	if !strings.Contains(res.Header.Get("Access-Control-Allow-Methods"), http.MethodPost) {
		t.Fatalf("Allow-Methods = %q", res.Header.Get("Access-Control-Allow-Methods"))
	}

	if res := preflight("https://evil.example"); res.StatusCode != http.StatusForbidden {
		t.Fatalf("disallowed preflight status = %d, want 403", res.StatusCode)
	}

	res = env.do(t, http.MethodGet, "/health", "", nil, map[string]string{"Origin": "https://evil.example"})
	if res.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("disallowed origin got CORS headers")
	}
}

func TestSplitText(t *testing.T) {
	text := "First sentence. Second sentence is longer! Third?"
	parts := splitText(text, 20)
	var joined []string
	for _, p := range parts {
		if len(p) > 20 {
			t.Fatalf("part %q exceeds limit", p)
		}
		joined = append(joined, string(p))
	}
	if strings.Join(joined, " ") != text {
		t.Fatalf("parts = %q", joined)
	}

	runes := strings.Repeat("é", 15)
	for _, p := range splitText(runes, 7) {
		if !strings.HasPrefix(string(p), "é") || len(p)%2 != 0 {
			t.Fatalf("rune split inside a character: %q", p)
		}
	}

	if got := splitText("short", 100); len(got) != 1 || string(got[0]) != "short" {
		t.Fatalf("splitText(short) = %q", got)
	}
}
