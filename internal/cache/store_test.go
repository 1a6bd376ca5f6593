package cache

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpnet/llmgateway/internal/config"
	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
)

func newTestStore(t *testing.T, catalog config.ModelCatalog) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM pg_extension WHERE extname = 'vector'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	store, err := NewPostgresStore(db, "llmgateway", 16, observability.NewNoopLogger(), catalog)
	require.NoError(t, err)
	return store, mock
}

func TestNewPostgresStoreRequiresPgvector(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err = NewPostgresStore(db, "llmgateway", 16, observability.NewNoopLogger(), config.ModelCatalog{})
	require.Error(t, err)
	assert.Equal(t, models.ErrConfig, models.KindOf(err))
}

func TestPutThenLookupHitsL1WithoutQuery(t *testing.T) {
	store, mock := newTestStore(t, config.ModelCatalog{})

	entry := &models.CachedEmbedding{
		TextHash:       TextHash("hello", "claude-3", "v1"),
		Text:           "hello",
		Vector:         []float32{0.1, 0.2, 0.3},
		ModelID:        "claude-3",
		ModelVersion:   "v1",
		QualityScore:   0.5,
		CreatedAt:      time.Now(),
		LastAccessedAt: time.Now(),
	}

	mock.ExpectQuery(`INSERT INTO llmgateway.smart_embeddings`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	require.NoError(t, store.Put(context.Background(), entry))

	got, ok, err := store.Lookup(context.Background(), entry.TextHash, "hello")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, entry.Text, got.Text)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupRejectsHashCollisionWithDifferentText(t *testing.T) {
	store, mock := newTestStore(t, config.ModelCatalog{})

	entry := &models.CachedEmbedding{
		TextHash:       TextHash("hello", "claude-3", "v1"),
		Text:           "hello",
		Vector:         []float32{0.1, 0.2, 0.3},
		ModelID:        "claude-3",
		ModelVersion:   "v1",
		CreatedAt:      time.Now(),
		LastAccessedAt: time.Now(),
	}
	mock.ExpectQuery(`INSERT INTO llmgateway.smart_embeddings`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	require.NoError(t, store.Put(context.Background(), entry))

	_, ok, err := store.Lookup(context.Background(), entry.TextHash, "not the same text")
	require.NoError(t, err)
	assert.False(t, ok, "a stored-text mismatch on an L1 hit must report a miss, not a false positive")
}

func TestLookupMissFallsThroughToQuery(t *testing.T) {
	store, mock := newTestStore(t, config.ModelCatalog{})

	hash := TextHash("missing", "claude-3", "v1")
	mock.ExpectQuery(`SELECT id, text_hash, text, embedding::text`).
		WithArgs(hash[:]).
		WillReturnError(sql.ErrNoRows)

	_, ok, err := store.Lookup(context.Background(), hash, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookupReportsProtocolErrorOnDimensionMismatch(t *testing.T) {
	catalog := config.ModelCatalog{Models: []config.ModelEntry{{ModelID: "titan-embed-v1", Dimension: 1536}}}
	store, mock := newTestStore(t, catalog)

	entry := &models.CachedEmbedding{
		TextHash:       TextHash("hello", "titan-embed-v1", "v1"),
		Text:           "hello",
		Vector:         []float32{0.1, 0.2, 0.3},
		ModelID:        "titan-embed-v1",
		ModelVersion:   "v1",
		CreatedAt:      time.Now(),
		LastAccessedAt: time.Now(),
	}
	mock.ExpectQuery(`INSERT INTO llmgateway.smart_embeddings`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	require.NoError(t, store.Put(context.Background(), entry))

	_, ok, err := store.Lookup(context.Background(), entry.TextHash, "hello")
	require.Error(t, err, "a stored vector shorter than the catalog's declared dimension must surface a ProtocolError, not a silent hit")
	assert.False(t, ok)
	assert.Equal(t, models.ErrProtocol, models.KindOf(err))
}

func TestLookupPrefersRedisTierOverRelationalStoreOnL1Miss(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, mock := newTestStore(t, config.ModelCatalog{})
	redisTier := NewResilientRedisCache(config.RedisConfig{Addr: mr.Addr()}, observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	store.SetRedisTier(redisTier)

	entry := &models.CachedEmbedding{
		TextHash:       TextHash("hello redis tier", "titan-embed-v1", "v1"),
		Text:           "hello redis tier",
		Vector:         []float32{0.1, 0.2, 0.3},
		ModelID:        "titan-embed-v1",
		ModelVersion:   "v1",
		CreatedAt:      time.Now(),
		LastAccessedAt: time.Now(),
	}
	mock.ExpectQuery(`INSERT INTO llmgateway.smart_embeddings`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	require.NoError(t, store.Put(context.Background(), entry))

	// Force an L1 miss; the row must now resolve from Redis, not Postgres.
	// No further sqlmock expectation is set, so a fallthrough to Postgres
	// would fail the test via an unexpected-query error.
	store.l1.Remove(entry.TextHash)

	got, ok, err := store.Lookup(context.Background(), entry.TextHash, "hello redis tier")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.Text, got.Text)
	assert.NoError(t, mock.ExpectationsWereMet())
}
