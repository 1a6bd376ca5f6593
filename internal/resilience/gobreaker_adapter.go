package resilience

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
)

// GobreakerBreaker adapts github.com/sony/gobreaker's CircuitBreaker to the
// Breaker interface. Grounded on the teacher's go.mod carrying gobreaker
// alongside its own hand-rolled breaker: rather than dropping one, this
// gateway wires both behind the same seam (§9: "an implementation selects
// one backend at construction"), so a deployment can pick the gobreaker
// implementation for a dependency without touching Gateway or Router.
type GobreakerBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewGobreakerBreaker builds a gobreaker-backed Breaker from the same
// CircuitBreakerConfig shape the native breaker uses, so the two
// implementations trip on equivalent thresholds (§4.7).
func NewGobreakerBreaker(name string, cfg CircuitBreakerConfig) *GobreakerBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.MaxRequestsHalfOpen),
		Interval:    cfg.FailureWindow,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold) {
				return true
			}
			if counts.Requests >= uint32(cfg.MinimumRequestCount) {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= cfg.FailureRatio
			}
			return false
		},
	}
	return &GobreakerBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through gobreaker, translating its open/half-open
// rejection errors into resilience.ErrCircuitBreakerOpen so callers
// (Gateway.Generate, Gateway.embedViaInvoker) can branch on it the same
// way regardless of which Breaker implementation a dependency uses.
func (g *GobreakerBreaker) Execute(_ context.Context, fn func() (interface{}, error)) (interface{}, error) {
	out, err := g.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Wrap(ErrCircuitBreakerOpen, "gobreaker rejected the call")
		}
		return nil, errors.Wrap(err, "gobreaker execution failed")
	}
	return out, nil
}

func (g *GobreakerBreaker) StateString() string {
	switch g.cb.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
