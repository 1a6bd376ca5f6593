package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/corpnet/llmgateway/internal/config"
	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
)

func TestTestDependencyRejectsUnknownName(t *testing.T) {
	m := NewManager(config.Config{}, observability.NewNoopLogger())
	health := m.TestDependency(context.Background(), "not_a_real_dependency")
	assert.False(t, health.OK)
	assert.Equal(t, "not_a_real_dependency", health.Name)
}

func TestCloseWithoutConstructionIsNoop(t *testing.T) {
	m := NewManager(config.Config{}, observability.NewNoopLogger())
	assert.NoError(t, m.Close())
}

func TestGetRelationalPoolSurfacesConfigErrorOnBadDSN(t *testing.T) {
	cfg := config.Config{
		RelationalStore: config.RelationalStoreConfig{DSN: "://not-a-valid-dsn"},
	}
	m := NewManager(cfg, observability.NewNoopLogger())
	_, err := m.GetRelationalPool(context.Background())
	assert.Error(t, err)
	kind := models.KindOf(err)
	assert.True(t, kind == models.ErrConfig || kind == models.ErrBackingStoreDown)
}
