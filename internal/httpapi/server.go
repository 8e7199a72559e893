package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/antoniostano/speechgw/internal/apperr"
	"github.com/antoniostano/speechgw/internal/config"
	"github.com/antoniostano/speechgw/internal/observability"
	"github.com/antoniostano/speechgw/internal/ratelimit"
	"github.com/antoniostano/speechgw/internal/session"
)

type Server struct {
	cfg        config.Config
	sessions   *session.Manager
	apiLimiter *ratelimit.Limiter
	metrics    *observability.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	draining   atomic.Bool
}

// New builds the gateway. apiLimiter may be nil to disable the per-client
// HTTP limit.
func New(cfg config.Config, sessions *session.Manager, apiLimiter *ratelimit.Limiter, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		sessions:   sessions,
		apiLimiter: apiLimiter,
		metrics:    metrics,
		logger:     logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin admits non-browser clients, allowlisted origins and same-host
// pages.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || s.originAllowed(origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Drain makes /readyz report not ready so load balancers stop routing here
// before shutdown.
func (s *Server) Drain() {
	s.draining.Store(true)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)

		r.Post("/synthesize", s.handleSynthesize)
		r.Post("/recognize", s.handleRecognize)

		r.Get("/stream", s.handleStream)
		r.Get("/api/stt/stream", s.handleStream)

		r.Route("/v1", func(r chi.Router) {
			r.Get("/perf/latency", s.handlePerfLatency)
			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Post("/sessions/{id}/chunks", s.handlePushChunk)
			r.Post("/sessions/{id}/close", s.handleCloseSession)
			r.Delete("/sessions/{id}", s.handleAbortSession)
		})
	})

	return otelhttp.NewHandler(r, "speechgw",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics" && r.URL.Path != "/healthz" && r.URL.Path != "/readyz"
		}),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"service":         "speechgw",
		"version":         config.Version,
		"backend":         s.cfg.SpeechBackend,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		respondError(w, http.StatusServiceUnavailable, "draining", "server is shutting down")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"backend": s.cfg.SpeechBackend,
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotLatency())
}

type errorResponse struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// writeError maps a classified error onto its status code. Internal errors
// are logged and their detail withheld from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	resp := errorResponse{Error: apperr.Message(err), Code: string(kind)}
	if kind == apperr.KindInternal {
		s.logger.Error("request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		resp.Error = "internal error"
	}
	if ra := apperr.RetryAfterOf(err); ra > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(ra))
		resp.RetryAfterMS = ra.Milliseconds()
	}
	respondJSON(w, apperr.HTTPStatus(kind), resp)
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("malformed JSON: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
