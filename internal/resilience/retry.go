package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/corpnet/llmgateway/internal/models"
)

// RetryPolicy implements §4.7's retry policy: only Transient and
// RateLimited kinds are retried, at most 3 attempts, backoff
// min(cap, base*2^attempt) + uniform jitter with base=200ms, cap=5s. The
// caller's deadline bounds total wall-clock including backoff sleeps.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultRetryPolicy returns the §4.7 defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 200 * time.Millisecond, Cap: 5 * time.Second}
}

// backoffFor returns the delay after failed attempt N (1-indexed), i.e.
// before attempt N+1: Base·2^(N-1), capped at Cap, plus uniform jitter in
// [0, Base] (§4.7). The base, multiplier and cap are set on a
// cenkalti/backoff/v4 ExponentialBackOff (matching the teacher's own use
// of that library); the curve itself is computed here.
func (p RetryPolicy) backoffFor(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.Multiplier = 2
	eb.MaxInterval = p.Cap
	eb.RandomizationFactor = 0

	d := eb.InitialInterval
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * eb.Multiplier)
		if d > p.Cap {
			d = p.Cap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(p.Base) + 1))
	return d + jitter
}

// Do runs fn, retrying per policy while the error's ErrorKind is retryable
// and the deadline has wall-clock room for the next backoff. fn's error
// must be (or wrap) a *models.GatewayError so its Kind can be read; a nil
// deadline (<=0) means no caller deadline, so the only bound is MaxAttempts.
func (p RetryPolicy) Do(ctx context.Context, deadline time.Duration, fn func(attempt int) error) error {
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return models.WrapError(models.ErrCancelled, "context cancelled", ctx.Err())
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		kind := models.KindOf(lastErr)
		if !kind.Retryable() || attempt == p.MaxAttempts {
			return lastErr
		}

		delay := p.backoffFor(attempt)
		if deadline > 0 {
			elapsed := time.Since(start)
			if elapsed+delay >= deadline {
				return models.WrapError(models.ErrTimeout, "retry budget exhausted before next attempt", lastErr)
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return models.WrapError(models.ErrCancelled, "context cancelled during backoff", ctx.Err())
		case <-timer.C:
		}
	}
	return lastErr
}
