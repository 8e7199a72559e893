package speech

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/antoniostano/speechgw/internal/apperr"
)

// FailoverProvider prefers the primary backend and switches to the fallback
// when the primary is unavailable. Once the fallback has served a call it
// stays active until it fails itself; then the primary is tried again.
type FailoverProvider struct {
	primary  Provider
	fallback Provider
	onSwitch func(from, to string, err error)

	fallbackActive atomic.Bool
}

// NewFailoverProvider wraps primary and fallback. onSwitch may be nil.
func NewFailoverProvider(primary, fallback Provider, onSwitch func(from, to string, err error)) *FailoverProvider {
	return &FailoverProvider{primary: primary, fallback: fallback, onSwitch: onSwitch}
}

func (p *FailoverProvider) Name() string {
	return p.primary.Name() + "+" + p.fallback.Name()
}

// Active returns the name of the backend the next call goes to first.
func (p *FailoverProvider) Active() string {
	if p.fallbackActive.Load() {
		return p.fallback.Name()
	}
	return p.primary.Name()
}

func (p *FailoverProvider) Synthesize(ctx context.Context, req Request) (Response, error) {
	return failover(p, func(b Provider) (Response, error) { return b.Synthesize(ctx, req) })
}

func (p *FailoverProvider) Recognize(ctx context.Context, req Request) (Response, error) {
	return failover(p, func(b Provider) (Response, error) { return b.Recognize(ctx, req) })
}

// StartRecognition only fails over at stream start; an open stream stays on
// the backend that accepted it.
func (p *FailoverProvider) StartRecognition(ctx context.Context, sessionID string, cfg Config) (RecognitionStream, error) {
	return failover(p, func(b Provider) (RecognitionStream, error) { return b.StartRecognition(ctx, sessionID, cfg) })
}

// Close releases whichever backends hold connections.
func (p *FailoverProvider) Close() error {
	var errs []error
	for _, b := range []Provider{p.primary, p.fallback} {
		if c, ok := b.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func failover[T any](p *FailoverProvider, call func(Provider) (T, error)) (T, error) {
	first, second := p.primary, p.fallback
	usingFallback := p.fallbackActive.Load()
	if usingFallback {
		first, second = p.fallback, p.primary
	}

	out, firstErr := call(first)
	if firstErr == nil || !shouldFailover(firstErr) {
		return out, firstErr
	}

	out, secondErr := call(second)
	if secondErr != nil {
		var zero T
		return zero, apperr.Wrap(apperr.KindOf(secondErr), "failover",
			fmt.Errorf("%s failed: %v; %s failed: %w", first.Name(), firstErr, second.Name(), secondErr))
	}
	p.fallbackActive.Store(!usingFallback)
	if p.onSwitch != nil {
		p.onSwitch(first.Name(), second.Name(), firstErr)
	}
	return out, nil
}

// shouldFailover is true for failures another backend might not share.
// Invalid input fails the same way everywhere.
func shouldFailover(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindUnavailable, apperr.KindQuotaExceeded, apperr.KindTimeout:
		return true
	default:
		return false
	}
}
