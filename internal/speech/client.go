// Package speech adapts external text-to-speech and speech-to-text providers
// behind a single client that applies per-call timeouts and a bounded
// exponential-backoff retry policy.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/antoniostano/speechgw/internal/apperr"
	"github.com/antoniostano/speechgw/internal/observability"
	"github.com/antoniostano/speechgw/internal/reliability"
)

type ClientConfig struct {
	// CallTimeout bounds each attempt, independent of provider deadlines.
	CallTimeout time.Duration
	Retry       reliability.Policy
}

// Client is the backend adapter used by the session manager.
type Client struct {
	provider Provider
	cfg      ClientConfig
	metrics  *observability.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewClient(provider Provider, cfg ClientConfig, metrics *observability.Metrics, logger *slog.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry.Base = 200 * time.Millisecond
	}
	if cfg.Retry.Cap < cfg.Retry.Base {
		cfg.Retry.Cap = cfg.Retry.Base
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		provider: provider,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With("component", "speech", "provider", provider.Name()),
		tracer:   observability.Tracer(),
	}
}

func (c *Client) ProviderName() string { return c.provider.Name() }

func (c *Client) Synthesize(ctx context.Context, req Request) (Response, error) {
	if req.Text == "" {
		return Response{}, apperr.New(apperr.KindValidation, "synthesize", "text is required")
	}
	return c.call(ctx, "synthesize", req.SessionID, func(ctx context.Context) (Response, error) {
		return c.provider.Synthesize(ctx, req)
	})
}

func (c *Client) Recognize(ctx context.Context, req Request) (Response, error) {
	if len(req.Audio) == 0 {
		return Response{}, apperr.New(apperr.KindValidation, "recognize", "audio is required")
	}
	return c.call(ctx, "recognize", req.SessionID, func(ctx context.Context) (Response, error) {
		return c.provider.Recognize(ctx, req)
	})
}

// StartRecognition opens a streaming recognizer. Opening is retried like a
// unary call; the returned stream lives until ctx is done or it is closed,
// and its sends are bounded by the call timeout but never retried.
func (c *Client) StartRecognition(ctx context.Context, sessionID string, cfg Config) (RecognitionStream, error) {
	const op = "stream_open"
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "speech."+op, trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	var stream RecognitionStream
	err := reliability.Do(ctx, c.cfg.Retry, func(ctx context.Context, _ int) error {
		s, err := c.provider.StartRecognition(ctx, sessionID, cfg)
		if err != nil {
			return c.classify(ctx, ctx, op, err)
		}
		stream = s
		return nil
	}, c.retryHook(op, sessionID))
	c.finish(span, op, start, err)
	if err != nil {
		return nil, err
	}
	return &clientStream{client: c, inner: stream, sessionID: sessionID}, nil
}

func (c *Client) call(ctx context.Context, op, sessionID string, fn func(context.Context) (Response, error)) (Response, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "speech."+op, trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	var resp Response
	err := reliability.Do(ctx, c.cfg.Retry, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		span.SetAttributes(attribute.Int("attempt", attempt))
		r, err := fn(callCtx)
		if err != nil {
			return c.classify(ctx, callCtx, op, err)
		}
		resp = r
		return nil
	}, c.retryHook(op, sessionID))
	c.finish(span, op, start, err)
	return resp, err
}

// classify turns any provider failure into an apperr.Error. parent is the
// caller's context; callCtx carries the per-attempt deadline.
func (c *Client) classify(parent, callCtx context.Context, op string, err error) error {
	if perr := parent.Err(); perr != nil {
		if errors.Is(perr, context.DeadlineExceeded) {
			return apperr.Wrap(apperr.KindTimeout, op, perr)
		}
		return apperr.Wrap(apperr.KindCanceled, op, perr)
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &apperr.Error{
			Kind:    apperr.KindTimeout,
			Op:      op,
			Message: fmt.Sprintf("backend call exceeded %s", c.cfg.CallTimeout),
			Err:     err,
		}
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Wrap(apperr.KindInternal, op, err)
}

func (c *Client) retryHook(op, sessionID string) func(int, time.Duration, error) {
	return func(attempt int, wait time.Duration, err error) {
		c.metrics.ObserveBackendRetry(c.provider.Name(), op)
		c.logger.Warn("retrying backend call",
			"op", op,
			"session_id", sessionID,
			"attempt", attempt,
			"backoff_ms", wait.Milliseconds(),
			"error", err,
		)
	}
}

func (c *Client) finish(span trace.Span, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	c.metrics.ObserveBackendCall(c.provider.Name(), op, outcome, time.Since(start))
}

type clientStream struct {
	client    *Client
	inner     RecognitionStream
	sessionID string
}

func (s *clientStream) Send(ctx context.Context, audio []byte) error {
	const op = "stream_send"
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, s.client.cfg.CallTimeout)
	defer cancel()
	err := s.inner.Send(callCtx, audio)
	if err != nil {
		err = s.client.classify(ctx, callCtx, op, err)
	}
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	s.client.metrics.ObserveBackendCall(s.client.provider.Name(), op, outcome, time.Since(start))
	return err
}

func (s *clientStream) Results() <-chan Result { return s.inner.Results() }

func (s *clientStream) Finish(ctx context.Context) (Response, error) {
	const op = "stream_finish"
	start := time.Now()
	ctx, span := s.client.tracer.Start(ctx, "speech."+op, trace.WithAttributes(attribute.String("session.id", s.sessionID)))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, s.client.cfg.CallTimeout)
	defer cancel()
	resp, err := s.inner.Finish(callCtx)
	if err != nil {
		err = s.client.classify(ctx, callCtx, op, err)
	}
	s.client.finish(span, op, start, err)
	return resp, err
}

func (s *clientStream) Close() error { return s.inner.Close() }
