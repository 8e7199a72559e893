package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	gspeech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/antoniostano/speechgw/internal/apperr"
	"github.com/antoniostano/speechgw/internal/audio"
)

// maxStreamingChunk is the largest audio payload Cloud Speech accepts in a
// single StreamingRecognizeRequest.
const maxStreamingChunk = 25600

// GoogleProvider talks to Google Cloud Text-to-Speech and Speech-to-Text.
type GoogleProvider struct {
	tts *texttospeech.Client
	stt *gspeech.Client
}

// NewGoogleProvider dials both services. credentialsFile may be empty to use
// application default credentials.
func NewGoogleProvider(ctx context.Context, credentialsFile string) (*GoogleProvider, error) {
	var opts []option.ClientOption
	if strings.TrimSpace(credentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	tts, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("text-to-speech client: %w", err)
	}
	stt, err := gspeech.NewClient(ctx, opts...)
	if err != nil {
		_ = tts.Close()
		return nil, fmt.Errorf("speech-to-text client: %w", err)
	}
	return &GoogleProvider{tts: tts, stt: stt}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) Close() error {
	return errors.Join(p.tts.Close(), p.stt.Close())
}

func (p *GoogleProvider) Synthesize(ctx context.Context, req Request) (Response, error) {
	cfg := req.Config.WithDefaults(DirectionSynthesis)
	voice := &texttospeechpb.VoiceSelectionParams{
		LanguageCode: languageFor(cfg),
		Name:         cfg.VoiceName,
		SsmlGender:   ssmlGender(cfg.VoiceGender),
	}
	resp, err := p.tts.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: req.Text},
		},
		Voice: voice,
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   synthesisEncoding(cfg.Encoding),
			SampleRateHertz: int32(cfg.SampleRateHz),
			SpeakingRate:    cfg.SpeakingRate,
			Pitch:           cfg.Pitch,
		},
	})
	if err != nil {
		return Response{}, classifyGRPC("synthesize", err)
	}
	return Response{Audio: resp.GetAudioContent(), Encoding: cfg.Encoding}, nil
}

func (p *GoogleProvider) Recognize(ctx context.Context, req Request) (Response, error) {
	cfg := req.Config.WithDefaults(DirectionRecognition)
	resp, err := p.stt.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: recognitionConfig(cfg, req.Audio),
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: req.Audio},
		},
	})
	if err != nil {
		return Response{}, classifyGRPC("recognize", err)
	}
	var (
		parts []string
		conf  float64
	)
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		parts = append(parts, strings.TrimSpace(alts[0].GetTranscript()))
		conf += float64(alts[0].GetConfidence())
	}
	out := Response{Transcript: strings.Join(parts, " ")}
	if len(parts) > 0 {
		out.Confidence = conf / float64(len(parts))
	}
	return out, nil
}

// StartRecognition opens a StreamingRecognize call bound to ctx and sends
// the streaming config as its first message.
func (p *GoogleProvider) StartRecognition(ctx context.Context, _ string, cfg Config) (RecognitionStream, error) {
	cfg = cfg.WithDefaults(DirectionRecognition)
	streamCtx, cancel := context.WithCancel(ctx)
	client, err := p.stt.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		return nil, classifyGRPC("stream_open", err)
	}
	err = client.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig(cfg, nil),
				InterimResults: cfg.Interim,
			},
		},
	})
	if err != nil {
		cancel()
		return nil, classifyGRPC("stream_open", err)
	}
	s := &googleStream{
		client:  client,
		cancel:  cancel,
		results: make(chan Result, 64),
		done:    make(chan struct{}),
	}
	go s.recvLoop(streamCtx)
	return s, nil
}

type googleStream struct {
	client speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc

	sendMu  sync.Mutex
	results chan Result
	done    chan struct{}

	// Written by recvLoop before done is closed.
	finals  []string
	conf    float64
	recvErr error
}

func (s *googleStream) recvLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.results)
	for {
		resp, err := s.client.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.recvErr = classifyGRPC("stream_recv", err)
			return
		}
		for _, r := range resp.GetResults() {
			alts := r.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			res := Result{
				Transcript: strings.TrimSpace(alts[0].GetTranscript()),
				Confidence: float64(alts[0].GetConfidence()),
				Final:      r.GetIsFinal(),
			}
			if res.Final {
				s.finals = append(s.finals, res.Transcript)
				s.conf += res.Confidence
			}
			select {
			case s.results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Send splits audio into request-sized pieces. A send that outlives ctx
// returns early; the stream is unusable afterwards.
func (s *googleStream) Send(ctx context.Context, chunk []byte) error {
	errc := make(chan error, 1)
	go func() {
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		for len(chunk) > 0 {
			n := min(len(chunk), maxStreamingChunk)
			err := s.client.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk[:n]},
			})
			if err != nil {
				errc <- s.sendError(err)
				return
			}
			chunk = chunk[n:]
		}
		errc <- nil
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendError surfaces the server's status; gRPC reports it on Recv and
// returns a bare io.EOF from Send.
func (s *googleStream) sendError(err error) error {
	if errors.Is(err, io.EOF) {
		<-s.done
		if s.recvErr != nil {
			return s.recvErr
		}
		return apperr.New(apperr.KindUnavailable, "stream_send", "stream closed by backend")
	}
	return classifyGRPC("stream_send", err)
}

func (s *googleStream) Results() <-chan Result { return s.results }

func (s *googleStream) Finish(ctx context.Context) (Response, error) {
	s.sendMu.Lock()
	err := s.client.CloseSend()
	s.sendMu.Unlock()
	if err != nil {
		return Response{}, classifyGRPC("stream_finish", err)
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	if s.recvErr != nil {
		return Response{}, s.recvErr
	}
	out := Response{Transcript: strings.Join(s.finals, " ")}
	if len(s.finals) > 0 {
		out.Confidence = s.conf / float64(len(s.finals))
	}
	return out, nil
}

func (s *googleStream) Close() error {
	s.cancel()
	return nil
}

func recognitionConfig(cfg Config, sample []byte) *speechpb.RecognitionConfig {
	rc := &speechpb.RecognitionConfig{
		Encoding:                   recognitionEncoding(cfg.Encoding),
		SampleRateHertz:            int32(cfg.SampleRateHz),
		LanguageCode:               cfg.LanguageCode,
		EnableAutomaticPunctuation: cfg.Punctuation,
		Model:                      cfg.Model,
		MaxAlternatives:            1,
	}
	// WAV and FLAC carry their own rate; a mismatch is rejected upstream.
	if audio.IsWAV(sample) || cfg.Encoding == EncodingFLAC {
		rc.SampleRateHertz = 0
	}
	return rc
}

func recognitionEncoding(e Encoding) speechpb.RecognitionConfig_AudioEncoding {
	switch e {
	case EncodingLinear16:
		return speechpb.RecognitionConfig_LINEAR16
	case EncodingFLAC:
		return speechpb.RecognitionConfig_FLAC
	case EncodingMulaw:
		return speechpb.RecognitionConfig_MULAW
	case EncodingOggOpus:
		return speechpb.RecognitionConfig_OGG_OPUS
	case EncodingWebmOpus:
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}

func synthesisEncoding(e Encoding) texttospeechpb.AudioEncoding {
	switch e {
	case EncodingLinear16:
		return texttospeechpb.AudioEncoding_LINEAR16
	case EncodingOggOpus:
		return texttospeechpb.AudioEncoding_OGG_OPUS
	case EncodingMulaw:
		return texttospeechpb.AudioEncoding_MULAW
	default:
		return texttospeechpb.AudioEncoding_MP3
	}
}

func ssmlGender(g string) texttospeechpb.SsmlVoiceGender {
	switch strings.ToUpper(strings.TrimSpace(g)) {
	case "MALE":
		return texttospeechpb.SsmlVoiceGender_MALE
	case "FEMALE":
		return texttospeechpb.SsmlVoiceGender_FEMALE
	case "NEUTRAL":
		return texttospeechpb.SsmlVoiceGender_NEUTRAL
	default:
		return texttospeechpb.SsmlVoiceGender_SSML_VOICE_GENDER_UNSPECIFIED
	}
}

// languageFor prefers the locale embedded in a voice name such as
// "en-GB-Standard-A" over the configured language code.
func languageFor(cfg Config) string {
	parts := strings.SplitN(cfg.VoiceName, "-", 3)
	if len(parts) == 3 && len(parts[0]) == 2 && len(parts[1]) == 2 {
		return parts[0] + "-" + parts[1]
	}
	return cfg.LanguageCode
}

// classifyGRPC maps Google API status codes onto the error taxonomy.
func classifyGRPC(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return apperr.Wrap(apperr.KindUnavailable, op, err)
	}
	var kind apperr.Kind
	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.NotFound:
		kind = apperr.KindValidation
	case codes.ResourceExhausted:
		kind = apperr.KindQuotaExceeded
	case codes.Unavailable, codes.Aborted, codes.Internal:
		kind = apperr.KindUnavailable
	case codes.DeadlineExceeded:
		kind = apperr.KindTimeout
	case codes.Canceled:
		kind = apperr.KindCanceled
	default:
		kind = apperr.KindInternal
	}
	return &apperr.Error{Kind: kind, Op: op, Message: st.Message(), Err: err}
}
