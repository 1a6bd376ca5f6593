// Package coalesce implements the Single-Flight Coordinator (C4): at most
// one in-flight computation per key, with concurrent callers subscribing to
// the same outcome (§4.4, §5, §8).
//
// Grounded on golang.org/x/sync/singleflight, the library the retrieval
// pack's own distributed cache manager reaches for to prevent a thundering
// herd on cache misses ("Request coalescing via golang.org/x/sync/singleflight
// prevents thundering herd on cache misses"). singleflight.Group already
// gives us the winner/waiter protocol of §4.4 steps 1-2; what it does not
// give us is per-waiter deadlines and a distinguishable Cancelled outcome,
// which this package adds on top.
package coalesce

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/corpnet/llmgateway/internal/models"
)

// Group deduplicates concurrent work keyed by a fingerprint (typically a
// textHash or a generation fingerprint).
type Group struct {
	sf singleflight.Group
}

// New returns an empty coordinator. Slots are created lazily per key and
// removed by singleflight.Group as soon as the winning fn returns; callers
// arriving after that start a fresh slot.
func New() *Group {
	return &Group{}
}

// Do executes fn for the first caller with key, and has every concurrent
// caller with the same key wait on and receive that same result (§4.4
// step 1-2). If the caller's deadline elapses before the winner finishes,
// Do returns ErrTimeout and the caller unsubscribes without affecting the
// winner (§4.4 step 3, §5).
//
// fn itself is expected to honor ctx cancellation; if the winning fn
// returns a context.Canceled-flavored error because ITS OWN deadline fired,
// callers see ErrCancelled and may independently retry as a fresh winner
// (§4.4 step 3).
func (g *Group) Do(ctx context.Context, key string, deadline time.Duration, fn func() (interface{}, error)) (interface{}, error) {
	resultCh := g.sf.DoChan(key, fn)

	if deadline <= 0 {
		select {
		case res := <-resultCh:
			return res.Val, classify(res.Err)
		case <-ctx.Done():
			return nil, models.WrapError(models.ErrCancelled, "caller context cancelled", ctx.Err())
		}
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case res := <-resultCh:
		return res.Val, classify(res.Err)
	case <-timer.C:
		return nil, models.NewError(models.ErrTimeout, "deadline exceeded waiting for in-flight result")
	case <-ctx.Done():
		return nil, models.WrapError(models.ErrCancelled, "caller context cancelled", ctx.Err())
	}
}

// classify passes through a *models.GatewayError unchanged, reports a
// winner that stopped on context.Canceled or context.DeadlineExceeded as
// Cancelled, and wraps any other winner error as Transient so an
// unrecognized failure still gets a chance at caller-side retry per the
// Retryable default in models.ErrorKind.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*models.GatewayError); ok {
		return ge
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.WrapError(models.ErrCancelled, "single-flight winner was cancelled", err)
	}
	return models.WrapError(models.ErrTransient, "single-flight winner failed", err)
}

// Forget removes key from the group so the next caller becomes a fresh
// winner instead of joining a stale slot. Used after a Cancelled outcome
// when the caller chooses to retry immediately (§4.4 step 3).
func (g *Group) Forget(key string) {
	g.sf.Forget(key)
}
