package speech

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/antoniostano/speechgw/internal/apperr"
	"github.com/antoniostano/speechgw/internal/audio"
)

// MockProvider is a local backend used when no cloud credentials are
// configured. Synthesis renders a deterministic tone per character;
// recognition echoes printable audio payloads and otherwise reports a
// fixed transcript.
type MockProvider struct {
	latency time.Duration
}

func NewMockProvider(latency time.Duration) *MockProvider {
	return &MockProvider{latency: latency}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Synthesize(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Response{}, apperr.New(apperr.KindValidation, "synthesize", "text is required")
	}
	if err := p.wait(ctx); err != nil {
		return Response{}, err
	}
	cfg := req.Config.WithDefaults(DirectionSynthesis)
	if cfg.Encoding != EncodingLinear16 {
		// Opaque placeholder bytes for compressed encodings.
		return Response{
			Audio:    []byte(fmt.Sprintf("MOCK-%s:%s", cfg.Encoding, req.Text)),
			Encoding: cfg.Encoding,
		}, nil
	}
	wav, err := audio.EncodeWAVPCM16LE(mockTone(req.Text, cfg.SampleRateHz), cfg.SampleRateHz)
	if err != nil {
		return Response{}, apperr.Wrap(apperr.KindInternal, "synthesize", err)
	}
	return Response{Audio: wav, Encoding: EncodingLinear16}, nil
}

func (p *MockProvider) Recognize(ctx context.Context, req Request) (Response, error) {
	if len(req.Audio) == 0 {
		return Response{}, apperr.New(apperr.KindValidation, "recognize", "audio is required")
	}
	if err := p.wait(ctx); err != nil {
		return Response{}, err
	}
	return Response{Transcript: mockTranscript(req.Audio), Confidence: 0.9}, nil
}

func (p *MockProvider) StartRecognition(ctx context.Context, _ string, cfg Config) (RecognitionStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &mockStream{
		provider: p,
		interim:  cfg.Interim,
		results:  make(chan Result, 64),
	}, nil
}

func (p *MockProvider) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// mockTone emits 20ms of a square wave per rune so longer text yields
// longer audio.
func mockTone(text string, sampleRate int) []byte {
	samplesPerRune := sampleRate / 50
	pcm := make([]byte, 0, utf8.RuneCountInString(text)*samplesPerRune*2)
	for _, r := range text {
		period := 20 + int(r)%40
		for i := 0; i < samplesPerRune; i++ {
			v := int16(4000)
			if (i/period)%2 == 1 {
				v = -4000
			}
			pcm = binary.LittleEndian.AppendUint16(pcm, uint16(v))
		}
	}
	return pcm
}

func mockTranscript(b []byte) string {
	if audio.IsWAV(b) || !utf8.Valid(b) {
		return "simulated voice input"
	}
	s := strings.TrimSpace(string(b))
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return "simulated voice input"
		}
	}
	return s
}

type mockStream struct {
	provider *MockProvider
	interim  bool

	mu       sync.Mutex
	results  chan Result
	parts    []string
	finished bool
	closed   bool
}

func (s *mockStream) Send(ctx context.Context, chunk []byte) error {
	if err := s.provider.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished {
		return apperr.New(apperr.KindValidation, "stream_send", "stream already finished")
	}
	s.parts = append(s.parts, mockTranscript(chunk))
	if s.interim {
		s.emit(Result{Transcript: strings.Join(s.parts, " "), Confidence: 0.5})
	}
	return nil
}

func (s *mockStream) Results() <-chan Result { return s.results }

func (s *mockStream) Finish(ctx context.Context) (Response, error) {
	if err := s.provider.wait(ctx); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	transcript := strings.Join(s.parts, " ")
	if !s.finished && !s.closed {
		s.finished = true
		s.emit(Result{Transcript: transcript, Confidence: 0.9, Final: true})
		close(s.results)
	}
	return Response{Transcript: transcript, Confidence: 0.9}, nil
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.finished {
		close(s.results)
	}
	return nil
}

// emit drops results nobody is reading. Caller holds mu.
func (s *mockStream) emit(r Result) {
	select {
	case s.results <- r:
	default:
	}
}
