// Command speechload replays synthesized utterances through the streaming
// recognition endpoint and reports end-of-utterance latency.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/speechgw/internal/audio"
	"github.com/antoniostano/speechgw/internal/protocol"
)

type options struct {
	baseURL     string
	language    string
	voice       string
	clients     int
	turns       int
	chunkMS     int
	realtime    float64
	turnTimeout time.Duration
	texts       []string
	verbose     bool
}

type audioClip struct {
	Text       string
	PCM16LE    []byte
	SampleRate int
}

// turnResult is the latency of one utterance, measured from end_session to
// the final transcript.
type turnResult struct {
	Latency    time.Duration
	Transcript string
}

type wsEnvelope struct {
	Type       protocol.MessageType `json:"type"`
	SessionID  string               `json:"session_id"`
	Transcript string               `json:"transcript"`
	State      string               `json:"state"`
	Code       string               `json:"code"`
	Message    string               `json:"message"`
}

var defaultUtterances = []string{
	"The quick brown fox jumps over the lazy dog.",
	"Please confirm the delivery window for tomorrow.",
	"How long does a streaming session stay open?",
	"Read the last three results back to me.",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "speechload: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	results, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "speechload: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, results)
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var turnTimeoutMS int

	fs := flag.NewFlagSet("speechload", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:5003", "speechgw base URL")
	fs.StringVar(&cfg.language, "language", "en-US", "BCP-47 language code")
	fs.StringVar(&cfg.voice, "voice", "", "optional voice used to synthesize the utterances")
	fs.IntVar(&cfg.clients, "clients", 1, "number of concurrent websocket clients")
	fs.IntVar(&cfg.turns, "turns", 4, "utterances replayed per client")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 100, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 2.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for session_ended per turn in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print per-turn progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	switch {
	case cfg.baseURL == "":
		return options{}, fmt.Errorf("base-url is required")
	case cfg.clients <= 0:
		return options{}, fmt.Errorf("clients must be > 0")
	case cfg.turns <= 0:
		return options{}, fmt.Errorf("turns must be > 0")
	case cfg.chunkMS < 10 || cfg.chunkMS > 2000:
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	case cfg.realtime <= 0:
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			cfg.texts = append(cfg.texts, t)
		}
	}
	if len(cfg.texts) == 0 {
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options, progress io.Writer) ([]turnResult, error) {
	httpClient := &http.Client{Timeout: 45 * time.Second}
	clips, err := synthClips(ctx, httpClient, cfg)
	if err != nil {
		return nil, fmt.Errorf("prepare utterance audio: %w", err)
	}
	wsURL, err := streamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}

	var (
		mu      sync.Mutex
		results []turnResult
	)
	g, gctx := errgroup.WithContext(ctx)
	for c := 0; c < cfg.clients; c++ {
		g.Go(func() error {
			got, err := replayClient(gctx, cfg, wsURL, clips, c, progress)
			mu.Lock()
			results = append(results, got...)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("client %d: %w", c+1, err)
			}
			return nil
		})
	}
	err = g.Wait()
	return results, err
}

func replayClient(ctx context.Context, cfg options, wsURL string, clips []audioClip, client int, progress io.Writer) ([]turnResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	inbound := make(chan wsEnvelope, 64)
	readErr := make(chan error, 1)
	go readLoop(ctx, conn, inbound, readErr)

	var out []turnResult
	for i := 0; i < cfg.turns; i++ {
		clip := clips[(client+i)%len(clips)]
		if err := conn.WriteJSON(startMessage(cfg, clip.SampleRate)); err != nil {
			return out, err
		}
		if _, err := await(ctx, inbound, readErr, cfg.turnTimeout, protocol.TypeSessionStarted); err != nil {
			return out, fmt.Errorf("turn %d start: %w", i+1, err)
		}
		if err := sendClip(ctx, conn, clip, cfg.chunkMS, cfg.realtime); err != nil {
			return out, fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		sent := time.Now()
		if err := conn.WriteJSON(protocol.EndSession{Type: protocol.TypeEndSession}); err != nil {
			return out, err
		}
		ended, err := await(ctx, inbound, readErr, cfg.turnTimeout, protocol.TypeSessionEnded)
		if err != nil {
			return out, fmt.Errorf("turn %d await session_ended: %w", i+1, err)
		}
		if ended.State != "closed" {
			return out, fmt.Errorf("turn %d ended %s: %s %s", i+1, ended.State, ended.Code, ended.Message)
		}
		res := turnResult{Latency: time.Since(sent), Transcript: ended.Transcript}
		out = append(out, res)
		if cfg.verbose {
			fmt.Fprintf(progress, "speechload: client=%d turn=%d/%d latency=%s transcript=%q\n",
				client+1, i+1, cfg.turns, res.Latency.Round(time.Millisecond), res.Transcript)
		}
	}
	return out, nil
}

func synthClips(ctx context.Context, client *http.Client, cfg options) ([]audioClip, error) {
	cache := make(map[string]audioClip, len(cfg.texts))
	out := make([]audioClip, 0, len(cfg.texts))
	for _, text := range cfg.texts {
		if existing, ok := cache[text]; ok {
			out = append(out, existing)
			continue
		}
		clip, err := synthClip(ctx, client, cfg, text)
		if err != nil {
			return nil, err
		}
		cache[text] = clip
		out = append(out, clip)
	}
	return out, nil
}

func synthClip(ctx context.Context, client *http.Client, cfg options, text string) (audioClip, error) {
	payload, err := json.Marshal(map[string]any{
		"text":     text,
		"language": cfg.language,
		"voice":    cfg.voice,
		"encoding": "LINEAR16",
	})
	if err != nil {
		return audioClip{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/synthesize", bytes.NewReader(payload))
	if err != nil {
		return audioClip{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return audioClip{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 40<<20))
	if err != nil {
		return audioClip{}, err
	}
	if res.StatusCode != http.StatusOK {
		return audioClip{}, fmt.Errorf("synthesize %q HTTP %d: %s", text, res.StatusCode, strings.TrimSpace(string(body)))
	}

	pcm, sampleRate, err := audio.DecodePCM16LE(body)
	if err != nil {
		return audioClip{}, fmt.Errorf("decode wav for %q: %w", text, err)
	}
	if len(pcm) == 0 {
		return audioClip{}, fmt.Errorf("wav for %q produced no PCM bytes", text)
	}
	return audioClip{Text: text, PCM16LE: pcm, SampleRate: sampleRate}, nil
}

func startMessage(cfg options, sampleRate int) protocol.StartSession {
	interim := false
	return protocol.StartSession{
		Type:      protocol.TypeStartSession,
		Direction: "recognition",
		Mode:      "streaming",
		Config: protocol.SessionConfig{
			Language:   cfg.language,
			SampleRate: sampleRate,
			Encoding:   "LINEAR16",
			Interim:    &interim,
		},
	}
}

func streamURL(cfg options) (string, error) {
	u, err := url.Parse(cfg.baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/stream"
	u.RawQuery = url.Values{"autostart": {"false"}}.Encode()
	return u.String(), nil
}

func readLoop(ctx context.Context, conn *websocket.Conn, inbound chan<- wsEnvelope, readErr chan<- error) {
	defer close(inbound)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case inbound <- env:
		case <-ctx.Done():
			return
		}
	}
}

// await returns the first message of type want. Error messages other than
// the ones a session reports on its own end the wait.
func await(ctx context.Context, inbound <-chan wsEnvelope, readErr <-chan error, timeout time.Duration, want protocol.MessageType) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return wsEnvelope{}, ctx.Err()
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timeout after %s", timeout)
		case err := <-readErr:
			return wsEnvelope{}, err
		case env, ok := <-inbound:
			if !ok {
				return wsEnvelope{}, io.ErrUnexpectedEOF
			}
			if env.Type == want {
				return env, nil
			}
			if env.Type == protocol.TypeError && env.SessionID == "" {
				return wsEnvelope{}, fmt.Errorf("%s: %s", env.Code, env.Message)
			}
		}
	}
}

// chunkPCM splits PCM16LE audio into chunkMS pieces, never splitting a
// sample.
func chunkPCM(pcm []byte, sampleRate, chunkMS int) [][]byte {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	size := sampleRate * 2 * chunkMS / 1000
	size -= size % 2
	if size < 2 {
		size = 2
	}
	var out [][]byte
	for off := 0; off+1 < len(pcm); off += size {
		end := min(off+size, len(pcm))
		end -= (end - off) % 2
		out = append(out, pcm[off:end])
	}
	return out
}

func sendClip(ctx context.Context, conn *websocket.Conn, clip audioClip, chunkMS int, realtime float64) error {
	pace := time.Duration(float64(time.Duration(chunkMS)*time.Millisecond) / realtime)
	for i, chunk := range chunkPCM(clip.PCM16LE, clip.SampleRate, chunkMS) {
		msg := protocol.AudioChunk{
			Type:     protocol.TypeAudioChunk,
			Data:     base64.StdEncoding.EncodeToString(chunk),
			Sequence: int64(i + 1),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pace):
		}
	}
	return nil
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted)-1) + 0.5)
	return sorted[idx]
}

func printSummary(w io.Writer, results []turnResult) {
	lat := make([]time.Duration, 0, len(results))
	for _, r := range results {
		lat = append(lat, r.Latency)
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	fmt.Fprintf(w, "speechload: turns=%d p50=%s p95=%s max=%s\n",
		len(lat),
		percentile(lat, 0.50).Round(time.Millisecond),
		percentile(lat, 0.95).Round(time.Millisecond),
		percentile(lat, 1.0).Round(time.Millisecond),
	)
}
