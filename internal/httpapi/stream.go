package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/antoniostano/speechgw/internal/apperr"
	"github.com/antoniostano/speechgw/internal/protocol"
	"github.com/antoniostano/speechgw/internal/session"
	"github.com/antoniostano/speechgw/internal/speech"
)

const (
	wsReadLimit    = 2 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// streamConn is one websocket client. The read loop owns the connection's
// reads, the writer goroutine owns its writes, and at most one session is
// active at a time.
type streamConn struct {
	s         *Server
	conn      *websocket.Conn
	clientKey string
	ctx       context.Context
	cancel    context.CancelFunc
	outbound  chan any
	frames    *rate.Limiter

	mu      sync.Mutex
	current string
	pumps   sync.WaitGroup
}

// handleStream upgrades to a websocket. Unless autostart=false, a session
// is opened right away from the query parameters (direction, mode and the
// config fields), defaulting to streaming recognition.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start := protocol.StartSession{
		Type:      protocol.TypeStartSession,
		Direction: q.Get("direction"),
		Mode:      q.Get("mode"),
	}
	if start.Mode == "" {
		start.Mode = string(session.ModeStreaming)
	}
	wire, err := sessionConfigFromValues(q)
	if err != nil {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), err.Error())
		return
	}
	start.Config = wire
	autostart := !strings.EqualFold(q.Get("autostart"), "false")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &streamConn{
		s:         s,
		conn:      conn,
		clientKey: s.clientKey(r),
		ctx:       ctx,
		cancel:    cancel,
		outbound:  make(chan any, 256),
		frames:    rate.NewLimiter(rate.Limit(s.cfg.WSMaxFramesPerSecond), max(1, s.cfg.WSMaxFramesPerSecond)),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	if autostart {
		c.start(start)
	}
	c.readLoop()

	c.disconnect()
	cancel()
	<-writerDone
	c.pumps.Wait()
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

func (c *streamConn) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				c.abort()
				return
			}
		case msg := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.s.metrics.ObserveWSMessage("outbound", "write_error")
				c.abort()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				c.s.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}
}

func (c *streamConn) readLoop() {
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		if !c.frames.Allow() {
			c.sendError("", string(apperr.KindRateLimited), "too many frames", 0)
			continue
		}

		if msgType == websocket.BinaryMessage {
			c.s.metrics.ObserveWSMessage("inbound", "binary")
			c.push(data, 0)
			continue
		}
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			var pe *protocol.ParseError
			if errors.As(err, &pe) {
				c.sendError(c.active(), pe.Code, pe.Message, 0)
			}
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			c.s.metrics.ObserveWSMessage("inbound", string(t))
		}

		switch m := parsed.(type) {
		case protocol.StartSession:
			if id := c.active(); id != "" {
				c.sendError(id, protocol.CodeValidation, "a session is already active", 0)
				continue
			}
			c.start(m)
		case protocol.AudioChunk:
			audio, err := m.Decode()
			if err != nil {
				var pe *protocol.ParseError
				errors.As(err, &pe)
				c.sendError(c.active(), pe.Code, pe.Message, 0)
				continue
			}
			c.push(audio, m.Sequence)
		case protocol.TextChunk:
			c.push([]byte(m.Text), 0)
		case protocol.EndSession:
			id := c.active()
			if id == "" {
				c.sendError("", protocol.CodeNoActiveSession, "no active session", 0)
				continue
			}
			// The session_ended event reports the outcome.
			go func() {
				_, _ = c.s.sessions.Close(context.WithoutCancel(c.ctx), id)
			}()
		}
	}
}

func (c *streamConn) start(m protocol.StartSession) {
	dir, ok := speech.ParseDirection(m.Direction)
	if !ok {
		c.sendError("", protocol.CodeValidation, fmt.Sprintf("unknown direction %q", m.Direction), 0)
		return
	}
	cfg, err := m.Config.SpeechConfig()
	if err != nil {
		c.sendError("", protocol.CodeValidation, err.Error(), 0)
		return
	}
	sess, err := c.s.sessions.Create(c.clientKey, dir, cfg, session.CreateOptions{Mode: session.Mode(strings.ToLower(m.Mode))})
	if err != nil {
		c.sendSessionError("", err)
		return
	}
	events, err := c.s.sessions.Events(sess.ID)
	if err != nil {
		c.sendSessionError(sess.ID, err)
		return
	}

	c.mu.Lock()
	c.current = sess.ID
	c.mu.Unlock()

	c.send(protocol.SessionStarted{
		Type:      protocol.TypeSessionStarted,
		SessionID: sess.ID,
		Direction: string(sess.Direction),
		Mode:      string(sess.Mode),
		Config:    sess.Config,
	})

	c.pumps.Add(1)
	go func() {
		defer c.pumps.Done()
		c.pump(sess.ID, events)
	}()
}

// pump relays session events to the client until the session ends or the
// connection goes away. The session is released before session_ended is
// sent so the client can start the next one as soon as it sees it.
func (c *streamConn) pump(id string, events <-chan session.Event) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok || ev.Type == session.EventEnded {
				c.release(id)
			}
			if !ok {
				return
			}
			if msg := eventMessage(ev); msg != nil {
				c.send(msg)
			}
		}
	}
}

func (c *streamConn) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == id {
		c.current = ""
	}
}

func (c *streamConn) push(data []byte, sequence int64) {
	id := c.active()
	if id == "" {
		c.sendError("", protocol.CodeNoActiveSession, "no active session", 0)
		return
	}
	ack, err := c.s.sessions.Push(c.ctx, id, data)
	if err != nil {
		c.sendSessionError(id, err)
		return
	}
	if sequence == 0 {
		sequence = ack.Sequence
	}
	c.send(protocol.ChunkAck{
		Type:      protocol.TypeChunkAck,
		SessionID: id,
		Sequence:  sequence,
		Queued:    ack.Queued,
	})
}

// disconnect closes the active session gracefully in the background; its
// results are only recorded server side.
func (c *streamConn) disconnect() {
	id := c.active()
	if id == "" {
		return
	}
	go func() {
		if _, err := c.s.sessions.Close(context.Background(), id); err != nil {
			c.s.logger.Debug("session closed after disconnect", "session_id", id, "error", err)
		}
	}()
}

// abort stops the connection after a failed write; closing the socket
// unblocks the read loop.
func (c *streamConn) abort() {
	c.cancel()
	_ = c.conn.Close()
}

func (c *streamConn) active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *streamConn) send(msg any) {
	select {
	case c.outbound <- msg:
	case <-c.ctx.Done():
	}
}

func (c *streamConn) sendError(sessionID, code, message string, retryAfter time.Duration) {
	c.send(protocol.ErrorMessage{
		Type:         protocol.TypeError,
		SessionID:    sessionID,
		Code:         code,
		Message:      message,
		RetryAfterMS: retryAfter.Milliseconds(),
	})
}

func (c *streamConn) sendSessionError(sessionID string, err error) {
	kind := apperr.KindOf(err)
	msg := apperr.Message(err)
	if kind == apperr.KindInternal {
		c.s.logger.Error("stream request failed", "session_id", sessionID, "error", err)
		msg = "internal error"
	}
	c.sendError(sessionID, string(kind), msg, apperr.RetryAfterOf(err))
}

func eventMessage(ev session.Event) any {
	switch ev.Type {
	case session.EventAudio:
		return protocol.AudioOut{
			Type:        protocol.TypeAudioChunk,
			SessionID:   ev.SessionID,
			Sequence:    ev.Sequence,
			Encoding:    string(ev.Encoding),
			AudioBase64: base64.StdEncoding.EncodeToString(ev.Audio),
		}
	case session.EventInterim, session.EventFinal:
		t := protocol.TypeInterimResult
		if ev.Type == session.EventFinal {
			t = protocol.TypeFinalResult
		}
		return protocol.TranscriptResult{
			Type:       t,
			SessionID:  ev.SessionID,
			Transcript: ev.Transcript,
			Confidence: ev.Confidence,
			IsFinal:    ev.Type == session.EventFinal,
		}
	case session.EventError:
		return protocol.ErrorMessage{
			Type:      protocol.TypeError,
			SessionID: ev.SessionID,
			Code:      string(ev.Code),
			Message:   ev.Message,
		}
	case session.EventEnded:
		return protocol.SessionEnded{
			Type:       protocol.TypeSessionEnded,
			SessionID:  ev.SessionID,
			State:      string(ev.State),
			Transcript: ev.Transcript,
			Code:       string(ev.Code),
			Message:    ev.Message,
		}
	default:
		return nil
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.StartSession:
		return m.Type, true
	case protocol.AudioChunk:
		return m.Type, true
	case protocol.TextChunk:
		return m.Type, true
	case protocol.EndSession:
		return m.Type, true
	case protocol.SessionStarted:
		return m.Type, true
	case protocol.ChunkAck:
		return m.Type, true
	case protocol.TranscriptResult:
		return m.Type, true
	case protocol.AudioOut:
		return m.Type, true
	case protocol.SessionEnded:
		return m.Type, true
	case protocol.ErrorMessage:
		return m.Type, true
	default:
		return "", false
	}
}
