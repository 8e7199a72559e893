// Package ratelimit admits or denies client requests against fixed-window
// counters ("100 per day", "10 per minute").
//
// A Limiter owns its windows and delegates counting to a Store, which must
// check every window and increment all of them as one atomic step. Denied
// attempts are recorded but never consume quota, so retrying while denied
// cannot reset or extend a window.
package ratelimit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Window is the exceeded window with the longest wait when denied.
	Window Window
}

// Store counts admitted cost per key and window.
type Store interface {
	Take(ctx context.Context, key string, windows []Window, cost int64, now time.Time) (Decision, error)
	Close() error
}

type Limiter struct {
	scope    string
	store    Store
	windows  []Window
	now      func() time.Time
	failOpen bool
	logger   *slog.Logger
	observe  func(scope string, d Decision)
}

type Option func(*Limiter)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithFailOpen admits requests when the store is unreachable instead of
// returning the store error.
func WithFailOpen(v bool) Option {
	return func(l *Limiter) { l.failOpen = v }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithObserver registers a callback invoked for every decision.
func WithObserver(fn func(scope string, d Decision)) Option {
	return func(l *Limiter) { l.observe = fn }
}

func New(scope string, store Store, windows []Window, opts ...Option) *Limiter {
	l := &Limiter{
		scope:   scope,
		store:   store,
		windows: append([]Window(nil), windows...),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Windows() []Window {
	return append([]Window(nil), l.windows...)
}

// Allow checks cost against every window for key.
func (l *Limiter) Allow(ctx context.Context, key string, cost int64) (Decision, error) {
	if l == nil || len(l.windows) == 0 {
		return Decision{Allowed: true}, nil
	}
	if cost <= 0 {
		cost = 1
	}
	if strings.TrimSpace(key) == "" {
		key = "anonymous"
	}

	d, err := l.store.Take(ctx, l.scope+":"+key, l.windows, cost, l.now())
	if err != nil {
		if l.failOpen {
			l.logger.Warn("rate limit store unavailable, admitting request", "scope", l.scope, "error", err)
			return Decision{Allowed: true}, nil
		}
		return Decision{}, fmt.Errorf("rate limit %s: %w", l.scope, err)
	}
	if l.observe != nil {
		l.observe(l.scope, d)
	}
	return d, nil
}

func (l *Limiter) Close() error {
	if l == nil || l.store == nil {
		return nil
	}
	return l.store.Close()
}

// ClientKey derives a stable limiter key from a client address so raw
// addresses never reach the counter store.
func ClientKey(secret, addr string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.TrimSpace(addr)))
	sum := mac.Sum(nil)
	return "c_" + hex.EncodeToString(sum[:16])
}
