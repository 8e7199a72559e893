package httpapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/speechgw/internal/apperr"
	"github.com/antoniostano/speechgw/internal/protocol"
	"github.com/antoniostano/speechgw/internal/session"
	"github.com/antoniostano/speechgw/internal/speech"
)

type createSessionRequest struct {
	Direction string                 `json:"direction"`
	Mode      string                 `json:"mode"`
	Config    protocol.SessionConfig `json:"config"`
}

// chunkRequest is the JSON form of a pushed chunk: text for synthesis,
// base64 data for recognition.
type chunkRequest struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

type resultResponse struct {
	session.Result
	AudioBase64       string `json:"audio_base64,omitempty"`
	UnprocessedChunks int    `json:"unprocessed_chunks,omitempty"`
}

func newResultResponse(res session.Result) resultResponse {
	out := resultResponse{Result: res, UnprocessedChunks: len(res.Unprocessed)}
	if len(res.Audio) > 0 {
		out.AudioBase64 = base64.StdEncoding.EncodeToString(res.Audio)
	}
	return out
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	const op = "create_session"
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		s.writeError(w, r, bodyError(op, err))
		return
	}
	dir, ok := speech.ParseDirection(req.Direction)
	if !ok {
		s.writeError(w, r, apperr.New(apperr.KindValidation, op, fmt.Sprintf("unknown direction %q", req.Direction)))
		return
	}
	cfg, err := req.Config.SpeechConfig()
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindValidation, op, err))
		return
	}

	sess, err := s.sessions.Create(s.clientKey(r), dir, cfg, session.CreateOptions{Mode: session.Mode(strings.ToLower(req.Mode))})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+sess.ID)
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handlePushChunk(w http.ResponseWriter, r *http.Request) {
	const op = "push_chunk"
	sess, err := s.ownedSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	data, err := readChunk(r)
	if err != nil {
		s.writeError(w, r, bodyError(op, err))
		return
	}

	ack, err := s.sessions.Push(r.Context(), sess.ID, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ack)
}

// handleCloseSession drains and finalizes the session. A failed session
// still returns its result body under the failure's status code.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.sessions.Close(r.Context(), sess.ID)
	if err != nil && res.SessionID == "" {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = apperr.HTTPStatus(apperr.KindOf(err))
	}
	respondJSON(w, status, newResultResponse(res))
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.sessions.Abort(sess.ID, "aborted by client")
	if err != nil && res.SessionID == "" {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newResultResponse(res))
}

// ownedSession resolves {id} and hides sessions that belong to another
// client behind not_found.
func (s *Server) ownedSession(r *http.Request) (session.Session, error) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.Get(id)
	if err != nil {
		return session.Session{}, err
	}
	if sess.ClientKey != s.clientKey(r) {
		return session.Session{}, apperr.New(apperr.KindNotFound, "get_session", fmt.Sprintf("session %s not found", id))
	}
	return sess, nil
}

func readChunk(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, errEmptyBody
		}
		return data, nil
	}

	var req chunkRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	switch {
	case req.Text != "" && req.Data != "":
		return nil, errors.New("send either text or data, not both")
	case req.Text != "":
		return []byte(req.Text), nil
	case req.Data != "":
		data, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			return nil, errors.New("data is not valid base64")
		}
		return data, nil
	default:
		return nil, errors.New("chunk requires text or data")
	}
}
