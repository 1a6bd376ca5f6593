package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpnet/llmgateway/internal/models"
)

func TestRetryDoSucceedsOnThirdAttempt(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond}
	attempts := 0
	err := p.Do(context.Background(), time.Second, func(attempt int) error {
		attempts++
		if attempt < 3 {
			return models.NewError(models.ErrRateLimited, "throttled")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryDoDoesNotRetryClientError(t *testing.T) {
	p := DefaultRetryPolicy()
	attempts := 0
	err := p.Do(context.Background(), time.Second, func(attempt int) error {
		attempts++
		return models.NewError(models.ErrClient, "bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, models.ErrClient, models.KindOf(err))
}

func TestRetryDoAbortsWhenBudgetExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Base: 100 * time.Millisecond, Cap: 100 * time.Millisecond}
	err := p.Do(context.Background(), 10*time.Millisecond, func(attempt int) error {
		return models.NewError(models.ErrTransient, "down")
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrTimeout, models.KindOf(err))
}

func TestRetryDoStopsAfterMaxAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond}
	attempts := 0
	err := p.Do(context.Background(), time.Second, func(attempt int) error {
		attempts++
		return models.NewError(models.ErrTransient, "down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}
