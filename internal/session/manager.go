// Package session implements the streaming session manager: per-session
// ordered chunk processing over the speech backend, admission through the
// rate limiter, cancellation and idle expiry.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/speechgw/internal/apperr"
	"github.com/antoniostano/speechgw/internal/audio"
	"github.com/antoniostano/speechgw/internal/observability"
	"github.com/antoniostano/speechgw/internal/policy"
	"github.com/antoniostano/speechgw/internal/ratelimit"
	"github.com/antoniostano/speechgw/internal/speech"
)

// Backend is the adapter sessions call into. *speech.Client satisfies it.
type Backend interface {
	Synthesize(ctx context.Context, req speech.Request) (speech.Response, error)
	Recognize(ctx context.Context, req speech.Request) (speech.Response, error)
	StartRecognition(ctx context.Context, sessionID string, cfg speech.Config) (speech.RecognitionStream, error)
}

// Admitter makes rate-limit decisions. *ratelimit.Limiter satisfies it.
type Admitter interface {
	Allow(ctx context.Context, key string, cost int64) (ratelimit.Decision, error)
}

type Config struct {
	IdleTimeout     time.Duration
	FinalizeTimeout time.Duration
	QueueSize       int
	EventBuffer     int
	// TombstoneTTL is how long a finished session's result stays readable.
	// Defaults to IdleTimeout.
	TombstoneTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 15 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = c.IdleTimeout
	}
	return c
}

type chunk struct {
	seq  int64
	data []byte
}

type session struct {
	id        string
	clientKey string
	direction speech.Direction
	mode      Mode
	cfg       speech.Config
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	chunks chan chunk
	done   chan struct{}

	eventsMu     sync.RWMutex
	events       chan Event
	eventsClosed bool

	// Owned by the worker goroutine.
	stream  speech.RecognitionStream
	fwdDone chan struct{}

	mu           sync.Mutex
	state        State
	closing      bool
	nextSeq      int64
	pending      []chunk
	processed    int
	segments     [][]byte
	encoding     speech.Encoding
	finals       []string
	lastActivity time.Time
	err          error
	result       Result
}

type tombstone struct {
	view    Session
	result  Result
	expires time.Time
}

type Manager struct {
	backend Backend
	limiter Admitter
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu         sync.RWMutex
	sessions   map[string]*session
	tombstones map[string]*tombstone
	onExpire   func(Session)
}

// NewManager wires a manager over backend. limiter may be nil to admit
// every push.
func NewManager(backend Backend, limiter Admitter, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend:    backend,
		limiter:    limiter,
		cfg:        cfg.withDefaults(),
		logger:     logger.With("component", "session"),
		metrics:    metrics,
		sessions:   make(map[string]*session),
		tombstones: make(map[string]*tombstone),
	}
}

func (m *Manager) SetExpireHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create validates cfg and starts the session's worker.
func (m *Manager) Create(clientKey string, dir speech.Direction, cfg speech.Config, opts CreateOptions) (Session, error) {
	const op = "create_session"
	if dir != speech.DirectionSynthesis && dir != speech.DirectionRecognition {
		return Session{}, apperr.New(apperr.KindValidation, op, fmt.Sprintf("unknown direction %q", dir))
	}
	mode, ok := ParseMode(string(opts.Mode))
	if !ok {
		return Session{}, apperr.New(apperr.KindValidation, op, fmt.Sprintf("unknown mode %q", opts.Mode))
	}
	if dir == speech.DirectionSynthesis {
		mode = ModeBatch
	}
	cfg = cfg.WithDefaults(dir)
	if msg := cfg.Validate(dir); msg != "" {
		return Session{}, apperr.New(apperr.KindValidation, op, msg)
	}

	now := time.Now().UTC()
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &session{
		id:           uuid.NewString(),
		clientKey:    clientKey,
		direction:    dir,
		mode:         mode,
		cfg:          cfg,
		createdAt:    now,
		ctx:          ctx,
		cancel:       cancel,
		chunks:       make(chan chunk, m.cfg.QueueSize),
		done:         make(chan struct{}),
		events:       make(chan Event, m.cfg.EventBuffer),
		state:        StateCreated,
		lastActivity: now,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	active := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetActiveSessions(active)
	m.metrics.ObserveSessionEvent("created")
	m.logger.Debug("session created", "session_id", s.id, "direction", dir, "mode", mode)

	go m.run(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(), nil
}

// Get returns the live or recently finished session.
func (m *Manager) Get(id string) (Session, error) {
	s, tomb := m.lookup(id)
	switch {
	case s != nil:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.viewLocked(), nil
	case tomb != nil:
		return tomb.view, nil
	default:
		return Session{}, notFound("get_session", id)
	}
}

// Events returns the session's event stream. It is closed after the
// session_ended event.
func (m *Manager) Events(id string) (<-chan Event, error) {
	s, _ := m.lookup(id)
	if s == nil {
		return nil, notFound("session_events", id)
	}
	return s.events, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Push validates data, admits it through the rate limiter and queues it
// behind the session's earlier chunks.
func (m *Manager) Push(ctx context.Context, id string, data []byte) (Ack, error) {
	const op = "push_chunk"
	s, tomb := m.lookup(id)
	if s == nil {
		if tomb != nil {
			return Ack{}, apperr.New(apperr.KindValidation, op, "session is closed")
		}
		return Ack{}, notFound(op, id)
	}

	// Malformed input is rejected before it is charged against the limit.
	if len(data) == 0 {
		return Ack{}, apperr.New(apperr.KindValidation, op, "chunk is empty")
	}
	if s.direction == speech.DirectionSynthesis && (!utf8.Valid(data) || strings.TrimSpace(string(data)) == "") {
		return Ack{}, apperr.New(apperr.KindValidation, op, "text chunk must be non-empty UTF-8")
	}

	if m.limiter != nil {
		d, err := m.limiter.Allow(ctx, s.clientKey, 1)
		if err != nil {
			return Ack{}, apperr.Wrap(apperr.KindInternal, op, err)
		}
		if !d.Allowed {
			m.metrics.ObserveSessionEvent("rate_limited")
			return Ack{}, apperr.RateLimited(op, d.RetryAfter)
		}
	}
	buf := append([]byte(nil), data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateFailed:
		return Ack{}, s.err
	case s.closing || s.state.Terminal():
		return Ack{}, apperr.New(apperr.KindValidation, op, "session is closing")
	}
	c := chunk{seq: s.nextSeq + 1, data: buf}
	select {
	case s.chunks <- c:
	default:
		return Ack{}, apperr.New(apperr.KindUnavailable, op, "session queue is full")
	}
	s.nextSeq = c.seq
	s.pending = append(s.pending, c)
	s.lastActivity = time.Now().UTC()
	s.setStateLocked(StateStreaming)
	return Ack{SessionID: s.id, Sequence: c.seq, Queued: len(s.pending), State: s.state}, nil
}

// Close drains queued chunks and finalizes the session. Closing a session
// that already finished returns its stored result.
func (m *Manager) Close(ctx context.Context, id string) (Result, error) {
	s, tomb := m.lookup(id)
	switch {
	case s != nil:
		return m.closeSession(ctx, s, nil)
	case tomb != nil:
		return tomb.result, nil
	default:
		return Result{}, notFound("close_session", id)
	}
}

// Abort cancels in-flight work and ends the session as failed.
func (m *Manager) Abort(id, reason string) (Result, error) {
	s, tomb := m.lookup(id)
	switch {
	case s != nil:
		return m.closeSession(context.Background(), s, apperr.New(apperr.KindCanceled, "abort_session", reason))
	case tomb != nil:
		return tomb.result, nil
	default:
		return Result{}, notFound("abort_session", id)
	}
}

// Shutdown closes every live session, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	live := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, s := range live {
		g.Go(func() error {
			_, _ = m.closeSession(ctx, s, nil)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) expireIdle() {
	now := time.Now().UTC()
	var idle []*session

	m.mu.Lock()
	for id, t := range m.tombstones {
		if now.After(t.expires) {
			delete(m.tombstones, id)
		}
	}
	for _, s := range m.sessions {
		s.mu.Lock()
		if !s.closing && now.Sub(s.lastActivity) >= m.cfg.IdleTimeout {
			idle = append(idle, s)
		}
		s.mu.Unlock()
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, s := range idle {
		go func() {
			m.logger.Info("closing idle session", "session_id", s.id)
			m.metrics.ObserveSessionEvent("expired")
			_, _ = m.closeSession(context.Background(), s, nil)
			if hook != nil {
				s.mu.Lock()
				view := s.viewLocked()
				s.mu.Unlock()
				hook(view)
			}
		}()
	}
}

func (m *Manager) lookup(id string) (*session, *tombstone) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, m.tombstones[id]
}

// closeSession is the single path by which sessions end. cause, when set,
// cancels in-flight work immediately.
func (m *Manager) closeSession(ctx context.Context, s *session, cause error) (Result, error) {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		s.setStateLocked(StateFinalizing)
		close(s.chunks)
	}
	s.mu.Unlock()
	if cause != nil {
		s.cancel(cause)
	}

	timer := time.NewTimer(m.cfg.FinalizeTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.cancel(apperr.New(apperr.KindTimeout, "close_session",
			fmt.Sprintf("session did not finalize within %s", m.cfg.FinalizeTimeout)))
		<-s.done
	case <-ctx.Done():
		s.cancel(apperr.Wrap(apperr.KindCanceled, "close_session", ctx.Err()))
		<-s.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result.State == StateFailed {
		return s.result, s.err
	}
	return s.result, nil
}

// run is the session's single consumer. Chunks are handled strictly in
// queue order; after a failure the rest stay pending for the result.
func (m *Manager) run(s *session) {
	defer m.retire(s)
	for c := range s.chunks {
		if s.ctx.Err() != nil || s.failed() {
			continue
		}
		if err := m.process(s, c); err != nil {
			m.fail(s, err)
		}
	}
	m.finalize(s)
}

func (m *Manager) process(s *session, c chunk) error {
	switch {
	case s.direction == speech.DirectionSynthesis:
		if m.logger.Enabled(s.ctx, slog.LevelDebug) {
			redacted, kinds := policy.RedactPII(string(c.data))
			m.logger.Debug("synthesis chunk", "session_id", s.id, "sequence", c.seq, "text", redacted, "redacted", kinds)
		}
		resp, err := m.backend.Synthesize(s.ctx, speech.Request{
			SessionID: s.id,
			Direction: s.direction,
			Text:      string(c.data),
			Config:    s.cfg,
		})
		if err != nil {
			return err
		}
		if len(resp.Audio) == 0 {
			return apperr.New(apperr.KindInternal, "synthesize", "backend returned no audio")
		}
		s.mu.Lock()
		s.segments = append(s.segments, resp.Audio)
		s.encoding = resp.Encoding
		s.consumeLocked(c.seq)
		s.mu.Unlock()
		m.emit(s, Event{Type: EventAudio, Sequence: c.seq, Audio: resp.Audio, Encoding: resp.Encoding})

	case s.mode == ModeStreaming:
		if s.stream == nil {
			stream, err := m.backend.StartRecognition(s.ctx, s.id, s.cfg)
			if err != nil {
				return err
			}
			s.stream = stream
			s.fwdDone = make(chan struct{})
			go m.forward(s, stream)
		}
		if err := s.stream.Send(s.ctx, c.data); err != nil {
			return err
		}
		s.mu.Lock()
		s.consumeLocked(c.seq)
		s.mu.Unlock()

	default:
		// Batch audio stays pending until the backend has recognized it.
		s.mu.Lock()
		s.lastActivity = time.Now().UTC()
		s.mu.Unlock()
	}
	return nil
}

// forward relays stream results as events until the stream ends.
func (m *Manager) forward(s *session, stream speech.RecognitionStream) {
	defer close(s.fwdDone)
	results := stream.Results()
	for {
		select {
		case <-s.ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			ev := Event{Type: EventInterim, Transcript: r.Transcript, Confidence: r.Confidence}
			if r.Final {
				ev.Type = EventFinal
				s.mu.Lock()
				s.finals = append(s.finals, r.Transcript)
				s.mu.Unlock()
			}
			m.emit(s, ev)
		}
	}
}

func (m *Manager) finalize(s *session) {
	if s.stream != nil {
		defer s.stream.Close()
	}
	if s.ctx.Err() != nil && !s.failed() {
		m.fail(s, causeOf(s.ctx))
	}

	var final speech.Response
	haveFinal := false
	if !s.failed() && s.direction == speech.DirectionRecognition {
		var err error
		switch {
		case s.stream != nil:
			final, err = s.stream.Finish(s.ctx)
			if err == nil {
				haveFinal = true
				select {
				case <-s.fwdDone:
				case <-s.ctx.Done():
				}
			}
		case s.mode == ModeBatch:
			final, haveFinal, err = m.recognizeBatch(s)
		}
		if err != nil {
			m.fail(s, err)
		}
	}

	s.mu.Lock()
	if s.state != StateFailed {
		s.setStateLocked(StateClosed)
	}
	s.result = s.resultLocked(final, haveFinal)
	res := s.result
	s.mu.Unlock()

	if res.State == StateClosed {
		m.metrics.ObserveSessionEvent("closed")
	} else {
		m.metrics.ObserveSessionEvent("failed")
	}
	if res.Transcript != "" {
		redacted, kinds := policy.RedactPII(res.Transcript)
		m.logger.Debug("session transcript", "session_id", s.id, "transcript", redacted, "redacted", kinds)
	}
	m.logger.Info("session ended",
		"session_id", s.id,
		"direction", s.direction,
		"state", res.State,
		"chunks_processed", res.ChunksProcessed,
		"unprocessed", len(res.Unprocessed),
		"duration_ms", res.DurationMS,
	)
	m.emit(s, Event{Type: EventEnded, State: res.State, Transcript: res.Transcript, Code: res.ErrorCode, Message: res.Error})
	s.closeEvents()
}

func (m *Manager) recognizeBatch(s *session) (speech.Response, bool, error) {
	s.mu.Lock()
	var buf bytes.Buffer
	last := int64(0)
	for _, c := range s.pending {
		buf.Write(c.data)
		last = c.seq
	}
	s.mu.Unlock()
	if buf.Len() == 0 {
		return speech.Response{}, false, nil
	}

	resp, err := m.backend.Recognize(s.ctx, speech.Request{
		SessionID: s.id,
		Direction: s.direction,
		Audio:     buf.Bytes(),
		Config:    s.cfg,
	})
	if err != nil {
		return speech.Response{}, false, err
	}
	s.mu.Lock()
	s.consumeLocked(last)
	s.mu.Unlock()
	m.emit(s, Event{Type: EventFinal, Sequence: last, Transcript: resp.Transcript, Confidence: resp.Confidence})
	return resp, true, nil
}

// fail records the first failure. Errors raised after the session context
// was cancelled are replaced by the cancellation cause.
func (m *Manager) fail(s *session, err error) {
	if s.ctx.Err() != nil {
		err = causeOf(s.ctx)
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.setStateLocked(StateFailed)
	err = s.err
	s.mu.Unlock()

	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		m.logger.Error("session failed", "session_id", s.id, "error", err)
	} else {
		m.logger.Warn("session failed", "session_id", s.id, "code", kind, "error", err)
	}
	m.emit(s, Event{Type: EventError, Code: kind, Message: apperr.Message(err)})
}

func (m *Manager) retire(s *session) {
	now := time.Now().UTC()
	s.mu.Lock()
	view := s.viewLocked()
	res := s.result
	// Release buffered input and output; the result keeps what callers need.
	s.pending = nil
	s.segments = nil
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, s.id)
	m.tombstones[s.id] = &tombstone{view: view, result: res, expires: now.Add(m.cfg.TombstoneTTL)}
	active := len(m.sessions)
	m.mu.Unlock()

	s.cancel(nil)
	close(s.done)
	m.metrics.SetActiveSessions(active)
}

// emit never blocks the worker; events are dropped when the consumer lags.
func (m *Manager) emit(s *session, ev Event) {
	ev.SessionID = s.id
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		m.metrics.ObserveDroppedEvent(string(ev.Type))
	}
}

func (s *session) closeEvents() {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.events)
	}
}

func (s *session) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateFailed
}

func (s *session) setStateLocked(to State) bool {
	if !s.state.canTransition(to) {
		return false
	}
	s.state = to
	return true
}

// consumeLocked drops every pending chunk up to and including seq.
func (s *session) consumeLocked(seq int64) {
	n := 0
	for n < len(s.pending) && s.pending[n].seq <= seq {
		n++
	}
	s.processed += n
	s.pending = s.pending[n:]
	s.lastActivity = time.Now().UTC()
}

func (s *session) viewLocked() Session {
	v := Session{
		ID:              s.id,
		ClientKey:       s.clientKey,
		Direction:       s.direction,
		Mode:            s.mode,
		State:           s.state,
		Config:          s.cfg,
		ChunksReceived:  int(s.nextSeq),
		ChunksProcessed: s.processed,
		Pending:         len(s.pending),
		CreatedAt:       s.createdAt,
		LastActivityAt:  s.lastActivity,
	}
	if s.err != nil {
		v.ErrorCode = apperr.KindOf(s.err)
		v.Error = apperr.Message(s.err)
	}
	return v
}

func (s *session) resultLocked(final speech.Response, haveFinal bool) Result {
	r := Result{
		SessionID:       s.id,
		Direction:       s.direction,
		State:           s.state,
		ChunksProcessed: s.processed,
		DurationMS:      time.Since(s.createdAt).Milliseconds(),
	}
	if s.direction == speech.DirectionSynthesis {
		r.Audio, r.Encoding = joinSegments(s.segments, s.encoding, s.cfg.SampleRateHz)
	} else if haveFinal {
		r.Transcript, r.Confidence = final.Transcript, final.Confidence
	} else {
		r.Transcript = strings.Join(s.finals, " ")
	}
	if len(s.pending) > 0 {
		r.Unprocessed = make([][]byte, len(s.pending))
		for i, c := range s.pending {
			r.Unprocessed[i] = c.data
		}
	}
	if s.err != nil {
		r.ErrorCode = apperr.KindOf(s.err)
		r.Error = apperr.Message(s.err)
	}
	return r
}

// joinSegments concatenates synthesized audio. WAV segments are merged
// into one container; other encodings are frame streams that concatenate.
func joinSegments(segments [][]byte, enc speech.Encoding, sampleRate int) ([]byte, speech.Encoding) {
	if len(segments) == 0 {
		return nil, enc
	}
	if len(segments) == 1 {
		return segments[0], enc
	}
	if enc == speech.EncodingLinear16 {
		if wav, err := audio.ConcatWAV(segments, sampleRate); err == nil {
			return wav, enc
		}
	}
	return bytes.Join(segments, nil), enc
}

func causeOf(ctx context.Context) error {
	cause := context.Cause(ctx)
	var ae *apperr.Error
	if errors.As(cause, &ae) {
		return cause
	}
	return apperr.Wrap(apperr.KindCanceled, "session", ctx.Err())
}

func notFound(op, id string) error {
	return apperr.New(apperr.KindNotFound, op, fmt.Sprintf("session %s not found", id))
}
