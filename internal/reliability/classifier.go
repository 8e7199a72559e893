package reliability

import (
	"context"
	"time"

	"github.com/antoniostano/speechgw/internal/apperr"
)

// Policy bounds how often and how fast a failed call is retried.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// IsRetryable classifies errors that may succeed on a later attempt.
// Invalid arguments and exhausted quota never are.
func IsRetryable(err error) bool {
	return apperr.Retryable(apperr.KindOf(err))
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. onRetry, when set, is called before each backoff sleep.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, wait time.Duration, err error)) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == attempts-1 {
			return err
		}
		// The caller gave up; report that rather than another backend failure.
		if ctx.Err() != nil {
			return err
		}
		wait := ExponentialBackoff(attempt, p.Base, p.Cap)
		if onRetry != nil {
			onRetry(attempt+1, wait, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
