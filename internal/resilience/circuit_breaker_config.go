package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/corpnet/llmgateway/internal/observability"
)

// Dependency names the three external collaborators the gateway breaks on
// (§4.2, §4.7): the model provider, the object store, and the relational
// store.
type Dependency string

const (
	DependencyModelProvider     Dependency = "model_provider"
	DependencyObjectStore       Dependency = "object_store"
	DependencyRelationalStore   Dependency = "relational_store"
)

// DefaultCircuitBreakerConfigs provides the per-dependency defaults from
// §4.7: failureThreshold=5 within a 60s window, resetTimeout=60s. The model
// provider gets a shorter half-open allowance since a bad generation call is
// costly; the relational store gets a lower ratio threshold since it backs
// the cache and audit log that every request touches.
var DefaultCircuitBreakerConfigs = map[Dependency]CircuitBreakerConfig{
	DependencyModelProvider: {
		FailureThreshold:    5,
		FailureRatio:        0.6,
		FailureWindow:       60 * time.Second,
		ResetTimeout:        60 * time.Second,
		SuccessThreshold:    1,
		TimeoutThreshold:    300 * time.Second,
		MaxRequestsHalfOpen: 1,
		MinimumRequestCount: 10,
	},
	DependencyObjectStore: {
		FailureThreshold:    5,
		FailureRatio:        0.5,
		FailureWindow:       60 * time.Second,
		ResetTimeout:        60 * time.Second,
		SuccessThreshold:    2,
		TimeoutThreshold:    30 * time.Second,
		MaxRequestsHalfOpen: 5,
		MinimumRequestCount: 10,
	},
	DependencyRelationalStore: {
		FailureThreshold:    5,
		FailureRatio:        0.4,
		FailureWindow:       60 * time.Second,
		ResetTimeout:        60 * time.Second,
		SuccessThreshold:    2,
		TimeoutThreshold:    10 * time.Second,
		MaxRequestsHalfOpen: 5,
		MinimumRequestCount: 10,
	},
}

// defaultRatePerSecond and defaultBurst bound outbound call rate per
// dependency independent of breaker state (§5: "a bounded number of
// connections... blocking checkout with timeout" generalized to a token
// bucket in front of every dependency, not just the relational pool).
const defaultRatePerSecond = 50
const defaultBurst = 50

// Registry owns one Breaker and one rate.Limiter per dependency. Unlike
// the teacher's package-level GlobalCircuitBreakerRegistry, this registry
// is a value the Gateway constructs and owns (§9 "global singletons...
// replace with a constructed Gateway value").
type Registry struct {
	breakers map[Dependency]Breaker
	limiters map[Dependency]*rate.Limiter
}

// NewRegistry builds native CircuitBreaker-backed breakers for all three
// dependencies up front so every caller sees a populated registry without
// a lazy-create race.
func NewRegistry(logger observability.Logger, metrics observability.MetricsClient) *Registry {
	return newRegistry(logger, metrics, "native")
}

// NewRegistryWithImplementation builds the registry using the named Breaker
// implementation ("native" or "gobreaker"), letting a deployment swap the
// breaker backend for a dependency without touching Gateway or Router
// (§9, SPEC_FULL DOMAIN STACK: github.com/sony/gobreaker wired as an
// alternate/compat breaker behind this same interface).
func NewRegistryWithImplementation(implementation string, logger observability.Logger, metrics observability.MetricsClient) *Registry {
	return newRegistry(logger, metrics, implementation)
}

func newRegistry(logger observability.Logger, metrics observability.MetricsClient, implementation string) *Registry {
	r := &Registry{
		breakers: make(map[Dependency]Breaker, len(DefaultCircuitBreakerConfigs)),
		limiters: make(map[Dependency]*rate.Limiter, len(DefaultCircuitBreakerConfigs)),
	}
	for dep, cfg := range DefaultCircuitBreakerConfigs {
		switch implementation {
		case "gobreaker":
			r.breakers[dep] = NewGobreakerBreaker(string(dep), cfg)
		default:
			r.breakers[dep] = NewCircuitBreaker(string(dep), cfg, logger, metrics)
		}
		r.limiters[dep] = rate.NewLimiter(rate.Limit(defaultRatePerSecond), defaultBurst)
	}
	return r
}

// Get returns the breaker for dep, or nil if dep is not one of the three
// recognized dependencies.
func (r *Registry) Get(dep Dependency) Breaker {
	return r.breakers[dep]
}

// Wait blocks until dep's token bucket admits one more call, or returns
// ctx's error if it is cancelled first. Called ahead of Breaker.Execute so
// the rate limit applies regardless of breaker state (§5).
func (r *Registry) Wait(ctx context.Context, dep Dependency) error {
	limiter, ok := r.limiters[dep]
	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}

// Statuses returns the {name, state} pairs consumed by Gateway.Health().
func (r *Registry) Statuses() []Status {
	statuses := make([]Status, 0, len(r.breakers))
	for dep, b := range r.breakers {
		statuses = append(statuses, Status{Name: string(dep), State: b.StateString()})
	}
	return statuses
}

// Status is the {name, state} pair reported by Health() (§4.9).
type Status struct {
	Name  string
	State string
}
