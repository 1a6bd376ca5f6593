package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpnet/llmgateway/internal/observability"
)

func testConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		FailureRatio:        0.99,
		FailureWindow:       time.Minute,
		ResetTimeout:        30 * time.Millisecond,
		SuccessThreshold:    1,
		TimeoutThreshold:    time.Second,
		MaxRequestsHalfOpen: 1,
		MinimumRequestCount: 1000,
	}
}

func TestCircuitBreakerOpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker("dep", testConfig(), observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	for i := 0; i < 5; i++ {
		_, err := cb.Execute(context.Background(), func() (interface{}, error) {
			return nil, errors.New("boom")
		})
		require.Error(t, err)
	}
	assert.Equal(t, "open", cb.StateString())

	_, err := cb.Execute(context.Background(), func() (interface{}, error) {
		t.Fatal("breaker is open, fn must not run")
		return nil, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestCircuitBreakerHalfOpensAfterResetTimeoutAndCloses(t *testing.T) {
	cfg := testConfig()
	cb := NewCircuitBreaker("dep", cfg, observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	for i := 0; i < cfg.FailureThreshold; i++ {
		_, _ = cb.Execute(context.Background(), func() (interface{}, error) {
			return nil, errors.New("boom")
		})
	}
	require.Equal(t, "open", cb.StateString())

	time.Sleep(cfg.ResetTimeout + 5*time.Millisecond)

	out, err := cb.Execute(context.Background(), func() (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "closed", cb.StateString())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	cb := NewCircuitBreaker("dep", cfg, observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	for i := 0; i < cfg.FailureThreshold; i++ {
		_, _ = cb.Execute(context.Background(), func() (interface{}, error) {
			return nil, errors.New("boom")
		})
	}
	time.Sleep(cfg.ResetTimeout + 5*time.Millisecond)

	_, err := cb.Execute(context.Background(), func() (interface{}, error) {
		return nil, errors.New("still failing")
	})
	require.Error(t, err)
	assert.Equal(t, "open", cb.StateString())
}

func TestRegistryReportsStatusesForAllDependencies(t *testing.T) {
	r := NewRegistry(observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	statuses := r.Statuses()
	assert.Len(t, statuses, len(DefaultCircuitBreakerConfigs))
	for _, s := range statuses {
		assert.Equal(t, "closed", s.State)
	}
}

func TestRegistryWaitAdmitsWithinBurst(t *testing.T) {
	r := NewRegistry(observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	err := r.Wait(context.Background(), DependencyModelProvider)
	require.NoError(t, err)
}

func TestGobreakerImplementationSatisfiesBreaker(t *testing.T) {
	r := NewRegistryWithImplementation("gobreaker", observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	b := r.Get(DependencyModelProvider)
	require.NotNil(t, b)
	assert.Equal(t, "closed", b.StateString())

	out, err := b.Execute(context.Background(), func() (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}
