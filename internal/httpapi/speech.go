package httpapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/antoniostano/speechgw/internal/apperr"
	"github.com/antoniostano/speechgw/internal/protocol"
	"github.com/antoniostano/speechgw/internal/session"
	"github.com/antoniostano/speechgw/internal/speech"
)

const (
	maxUploadBytes = 10 << 20
	// Google caps synthesis input at 5000 bytes per request.
	maxSynthesisChunkBytes = 4800
	maxSynthesisTextBytes  = 100_000
)

type synthesizeRequest struct {
	Text string `json:"text"`
	protocol.SessionConfig
}

type synthesizeResponse struct {
	SessionID   string          `json:"session_id"`
	Encoding    speech.Encoding `json:"encoding"`
	AudioBase64 string          `json:"audio_base64"`
	DurationMS  int64           `json:"duration_ms"`
}

type recognizeRequest struct {
	Audio string `json:"audio"`
	protocol.SessionConfig
}

type recognizeResponse struct {
	SessionID  string  `json:"session_id"`
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	DurationMS int64   `json:"duration_ms"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	const op = "synthesize"
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var req synthesizeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, bodyError(op, err))
		return
	}
	text := strings.TrimSpace(req.Text)
	switch {
	case text == "":
		s.writeError(w, r, apperr.New(apperr.KindValidation, op, "text is required"))
		return
	case len(text) > maxSynthesisTextBytes:
		s.writeError(w, r, apperr.New(apperr.KindValidation, op, fmt.Sprintf("text exceeds %d bytes", maxSynthesisTextBytes)))
		return
	}
	cfg, err := req.SessionConfig.SpeechConfig()
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindValidation, op, err))
		return
	}

	res, err := s.oneShot(r, speech.DirectionSynthesis, cfg, splitText(text, maxSynthesisChunkBytes))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("X-Session-ID", res.SessionID)
	if wantsJSON(r) {
		respondJSON(w, http.StatusOK, synthesizeResponse{
			SessionID:   res.SessionID,
			Encoding:    res.Encoding,
			AudioBase64: base64.StdEncoding.EncodeToString(res.Audio),
			DurationMS:  res.DurationMS,
		})
		return
	}
	w.Header().Set("Content-Type", res.Encoding.MIMEType())
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Audio)
}

// handleRecognize accepts a JSON body with base64 audio, a multipart form
// with an "audio" file, or the raw audio as the request body.
func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	const op = "recognize"
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	data, wire, err := readRecognizeInput(r)
	if err != nil {
		s.writeError(w, r, bodyError(op, err))
		return
	}
	if len(data) == 0 {
		s.writeError(w, r, apperr.New(apperr.KindValidation, op, "audio is required"))
		return
	}
	cfg, err := wire.SpeechConfig()
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindValidation, op, err))
		return
	}

	res, err := s.oneShot(r, speech.DirectionRecognition, cfg, [][]byte{data})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Session-ID", res.SessionID)
	respondJSON(w, http.StatusOK, recognizeResponse{
		SessionID:  res.SessionID,
		Transcript: res.Transcript,
		Confidence: res.Confidence,
		DurationMS: res.DurationMS,
	})
}

// oneShot runs create, push and close as a single request. A rejected push
// aborts the session so it does not linger until the janitor finds it.
func (s *Server) oneShot(r *http.Request, dir speech.Direction, cfg speech.Config, chunks [][]byte) (session.Result, error) {
	sess, err := s.sessions.Create(s.clientKey(r), dir, cfg, session.CreateOptions{Mode: session.ModeBatch})
	if err != nil {
		return session.Result{}, err
	}
	for _, c := range chunks {
		if _, err := s.sessions.Push(r.Context(), sess.ID, c); err != nil {
			_, _ = s.sessions.Abort(sess.ID, "request rejected")
			return session.Result{}, err
		}
	}
	return s.sessions.Close(r.Context(), sess.ID)
}

func readRecognizeInput(r *http.Request) ([]byte, protocol.SessionConfig, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var req recognizeRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, protocol.SessionConfig{}, err
		}
		data, err := base64.StdEncoding.DecodeString(req.Audio)
		if err != nil {
			return nil, protocol.SessionConfig{}, errors.New("audio is not valid base64")
		}
		return data, req.SessionConfig, nil

	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, protocol.SessionConfig{}, err
		}
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			return nil, protocol.SessionConfig{}, errors.New(`form field "audio" is required`)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, protocol.SessionConfig{}, err
		}
		wire, err := sessionConfigFromValues(r.MultipartForm.Value)
		if err != nil {
			return nil, protocol.SessionConfig{}, err
		}
		if wire.Encoding == "" {
			wire.Encoding = encodingFromName(hdr.Filename)
		}
		if wire.Encoding == "" {
			wire.Encoding = encodingFromMediaType(hdr.Header.Get("Content-Type"))
		}
		return data, wire, nil

	default:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, protocol.SessionConfig{}, err
		}
		wire, err := sessionConfigFromValues(r.URL.Query())
		if err != nil {
			return nil, protocol.SessionConfig{}, err
		}
		if wire.Encoding == "" {
			wire.Encoding = encodingFromMediaType(mediaType)
		}
		return data, wire, nil
	}
}

// sessionConfigFromValues reads the wire config from query or form values
// using the same field names as the JSON form.
func sessionConfigFromValues(v url.Values) (protocol.SessionConfig, error) {
	cfg := protocol.SessionConfig{
		Language: strings.TrimSpace(v.Get("language")),
		Encoding: strings.TrimSpace(v.Get("encoding")),
		Model:    strings.TrimSpace(v.Get("model")),
		Voice:    strings.TrimSpace(v.Get("voice")),
		Gender:   strings.TrimSpace(v.Get("gender")),
	}
	if raw := strings.TrimSpace(v.Get("sample_rate")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return protocol.SessionConfig{}, fmt.Errorf("sample_rate must be a positive integer")
		}
		cfg.SampleRate = n
	}
	for key, dst := range map[string]*float64{"speaking_rate": &cfg.SpeakingRate, "pitch": &cfg.Pitch} {
		if raw := strings.TrimSpace(v.Get(key)); raw != "" {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return protocol.SessionConfig{}, fmt.Errorf("%s must be a number", key)
			}
			*dst = f
		}
	}
	for key, dst := range map[string]**bool{"interim_results": &cfg.Interim, "enable_automatic_punctuation": &cfg.Punctuation} {
		if raw := strings.TrimSpace(v.Get(key)); raw != "" {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return protocol.SessionConfig{}, fmt.Errorf("%s must be a boolean", key)
			}
			*dst = &b
		}
	}
	return cfg, nil
}

func encodingFromName(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".wav":
		return string(speech.EncodingLinear16)
	case ".webm":
		return string(speech.EncodingWebmOpus)
	case ".ogg", ".opus":
		return string(speech.EncodingOggOpus)
	case ".flac":
		return string(speech.EncodingFLAC)
	case ".mp3":
		return string(speech.EncodingMP3)
	default:
		return ""
	}
}

func encodingFromMediaType(mediaType string) string {
	mediaType, _, _ = mime.ParseMediaType(mediaType)
	switch mediaType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return string(speech.EncodingLinear16)
	case "audio/webm":
		return string(speech.EncodingWebmOpus)
	case "audio/ogg", "audio/opus":
		return string(speech.EncodingOggOpus)
	case "audio/flac", "audio/x-flac":
		return string(speech.EncodingFLAC)
	case "audio/mpeg":
		return string(speech.EncodingMP3)
	default:
		return ""
	}
}

// splitText breaks text into pieces of at most max bytes, preferring
// sentence ends, then spaces. Runes are never split.
func splitText(text string, max int) [][]byte {
	var out [][]byte
	for len(text) > max {
		cut := strings.LastIndexAny(text[:max], ".!?\n")
		if cut <= 0 {
			cut = strings.LastIndexByte(text[:max], ' ')
		}
		if cut <= 0 {
			cut = max
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		} else {
			cut++
		}
		if piece := strings.TrimSpace(text[:cut]); piece != "" {
			out = append(out, []byte(piece))
		}
		text = text[cut:]
	}
	if piece := strings.TrimSpace(text); piece != "" {
		out = append(out, []byte(piece))
	}
	return out
}

func wantsJSON(r *http.Request) bool {
	if strings.EqualFold(r.URL.Query().Get("format"), "json") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// bodyError classifies request decoding failures. An oversized body is a
// validation error like any other malformed input.
func bodyError(op string, err error) error {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, errEmptyBody):
		return apperr.New(apperr.KindValidation, op, "request body is required")
	case errors.As(err, &tooLarge):
		return apperr.New(apperr.KindValidation, op, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	default:
		return apperr.New(apperr.KindValidation, op, err.Error())
	}
}
