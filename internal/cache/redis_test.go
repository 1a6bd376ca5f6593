package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpnet/llmgateway/internal/config"
	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
)

func newTestRedisCache(t *testing.T) (*ResilientRedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := NewResilientRedisCache(config.RedisConfig{Addr: mr.Addr(), TTL: time.Hour}, observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestResilientRedisCacheMissWhenEmpty(t *testing.T) {
	rc, _ := newTestRedisCache(t)

	_, ok, err := rc.Get(context.Background(), [32]byte{1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResilientRedisCacheSetThenGetRoundTrips(t *testing.T) {
	rc, _ := newTestRedisCache(t)

	hash := [32]byte{2}
	entry := &models.CachedEmbedding{
		TextHash:     hash,
		Text:         "hello redis",
		Vector:       []float32{0.1, 0.2, 0.3},
		ModelID:      "titan-embed-v1",
		ModelVersion: "v1",
		QualityScore: 0.9,
		CreatedAt:    time.Now().Truncate(time.Second),
	}
	require.NoError(t, rc.Set(context.Background(), entry))

	got, ok, err := rc.Get(context.Background(), hash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.Text, got.Text)
	assert.Equal(t, entry.Vector, got.Vector)
	assert.Equal(t, entry.ModelID, got.ModelID)
}

func TestResilientRedisCacheUnreachableReportsErrNotMiss(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	rc := NewResilientRedisCache(config.RedisConfig{Addr: addr}, observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	t.Cleanup(func() { _ = rc.Close() })

	_, ok, err := rc.Get(context.Background(), [32]byte{3})
	assert.False(t, ok)
	assert.Error(t, err, "an unreachable redis must surface an error so the caller falls through to Postgres rather than treating it as a confirmed miss")
}
