// Package cache implements the Cache Store (C3): content-addressed storage
// and retrieval of embedding vectors, quality scores, and usage statistics.
//
// Grounded on the retrieval pack's pgvector storage layer
// (pkg/embedding/postgres.go, pkg/repository/embedding_repository.go): both
// format vectors as Postgres array literals and push similarity ranking
// into pgvector's <=> operator rather than computing cosine similarity in
// Go. An L1 layer backed by hashicorp/golang-lru/v2 sits in front of
// Postgres to absorb repeat lookups within a process, the same shape the
// teacher uses for its in-memory cache tier.
//
// Optionally, a Redis tier (redis.go's ResilientRedisCache) sits between
// the L1 and Postgres, adapted from the teacher's
// pkg/embedding/cache.ResilientRedisClient/SemanticCache: a process-local
// L1 hit still avoids Redis entirely, but an L1 miss checks Redis before
// falling through to the relational store. A circuit-broken or erroring
// Redis degrades silently back to Postgres-only lookups rather than
// failing the request.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/corpnet/llmgateway/internal/config"
	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
)

// tracer spans the store's Postgres round-trips, grounded on the
// teacher's pkg/observability tracing seam. Without a registered
// TracerProvider this is the global no-op tracer, so spans cost nothing
// when tracing isn't wired up downstream (§6, DOMAIN STACK: otel/trace
// "span creation around C6 remote calls and C3 store calls").
var tracer = otel.Tracer("llmgateway/cache")

// Store is the Cache Store contract consumed by the Router (C5) and the
// Gateway façade (C9).
type Store interface {
	// Lookup resolves a cache entry by its exact content address, promoting
	// an L1 hit without touching the relational store. On a hit, the
	// caller's text is re-checked against the stored row's text to defend
	// against a hash collision without a string match (§4.3); a mismatch
	// is reported as a miss rather than a false hit.
	Lookup(ctx context.Context, hash [32]byte, text string) (*models.CachedEmbedding, bool, error)

	// Search runs one pgvector cosine-similarity query over the full
	// vectors of rows with the same modelId, returning at most limit
	// entries with similarity >= minSimilarity, most similar first. It
	// does not consult the hash index, the compressed vector column, or
	// rows of other models.
	Search(ctx context.Context, vector []float32, modelID string, limit int, minSimilarity float64) ([]ScoredEmbedding, error)

	// Put inserts or refreshes a cache entry.
	Put(ctx context.Context, entry *models.CachedEmbedding) error

	// RecordUsage applies the EWMA quality update (q ← 0.95·q + 0.05 on
	// success, q ← 0.95·q on failure) and bumps usage counters (§4.3,
	// SPEC_FULL supplemented features).
	RecordUsage(ctx context.Context, hash [32]byte, success bool, retrievalRank int) error

	// Expire removes entries past ExpiresAt, returning the count removed.
	Expire(ctx context.Context) (int, error)

	// Stats summarizes the store for the CLI's cache-stats command (§6):
	// total row count, hit rate (successful uses over total uses across
	// recently accessed rows), and mean quality score.
	Stats(ctx context.Context, window time.Duration) (models.CacheStats, error)
}

// ScoredEmbedding pairs a cached entry with its similarity to the query
// vector, as returned by pgvector's <=> cosine-distance operator.
type ScoredEmbedding struct {
	Entry      *models.CachedEmbedding
	Similarity float64
}

const ewmaDecay = 0.95
const ewmaGain = 0.05

// PostgresStore is the relational-store-backed Store implementation.
// Schema is owned by golang-migrate/migrate/v4 migrations (see
// internal/cache/migrations); it does not create tables itself, matching
// the teacher's own "verify pgvector extension is available, fail fast
// otherwise" posture in NewPgVectorStorage.
type PostgresStore struct {
	db      *sql.DB
	schema  string
	l1      *lru.Cache[[32]byte, *models.CachedEmbedding]
	logger  observability.Logger
	catalog config.ModelCatalog
	redis   *ResilientRedisCache
}

// NewPostgresStore wraps db with an L1 LRU of l1Size entries. schema
// defaults to "llmgateway" when empty. catalog supplies each model's
// declared embedding dimension so Lookup can detect a stored vector whose
// length no longer matches its model (§8).
func NewPostgresStore(db *sql.DB, schema string, l1Size int, logger observability.Logger, catalog config.ModelCatalog) (*PostgresStore, error) {
	if db == nil {
		return nil, models.NewError(models.ErrConfig, "cache store requires a database handle")
	}
	if schema == "" {
		schema = "llmgateway"
	}
	if l1Size <= 0 {
		l1Size = 4096
	}

	var exists bool
	if err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&exists); err != nil {
		return nil, models.WrapError(models.ErrBackingStoreDown, "checking pgvector extension", err)
	}
	if !exists {
		return nil, models.NewError(models.ErrConfig, "pgvector extension is not installed in the relational store")
	}

	cache, err := lru.New[[32]byte, *models.CachedEmbedding](l1Size)
	if err != nil {
		return nil, models.WrapError(models.ErrConfig, "constructing L1 LRU", err)
	}

	return &PostgresStore{db: db, schema: schema, l1: cache, logger: logger, catalog: catalog}, nil
}

// SetRedisTier wires a Redis tier in front of Postgres, between the
// in-process L1 and the relational store. Passing nil disables it, which
// is also what a circuit-broken or erroring Redis degrades to at
// runtime: lookups simply fall through to Postgres.
func (s *PostgresStore) SetRedisTier(redis *ResilientRedisCache) {
	s.redis = redis
}

func (s *PostgresStore) Lookup(ctx context.Context, hash [32]byte, text string) (*models.CachedEmbedding, bool, error) {
	entry, ok, err := s.lookupByHash(ctx, hash)
	if err != nil || !ok {
		return nil, false, err
	}
	if entry.Text != text {
		return nil, false, nil
	}
	if model, found := s.catalog.ByID(entry.ModelID); found && model.Dimension > 0 && len(entry.Vector) != model.Dimension {
		return nil, false, models.NewError(models.ErrProtocol, fmt.Sprintf(
			"cached vector for model %s has dimension %d, catalog declares %d", entry.ModelID, len(entry.Vector), model.Dimension))
	}
	return entry, true, nil
}

// lookupByHash resolves an entry by content address only, skipping the
// text-equality defense used by the public Lookup. Used internally by
// RecordUsage, which already trusts the hash it was given.
func (s *PostgresStore) lookupByHash(ctx context.Context, hash [32]byte) (*models.CachedEmbedding, bool, error) {
	if cached, ok := s.l1.Get(hash); ok {
		return cached, true, nil
	}

	if s.redis != nil {
		if entry, ok, err := s.redis.Get(ctx, hash); err == nil && ok {
			s.l1.Add(hash, entry)
			return entry, true, nil
		} else if err != nil {
			s.logger.Warn("redis cache tier unavailable, falling through to relational store", map[string]interface{}{"error": err.Error()})
		}
	}

	ctx, span := tracer.Start(ctx, "cache.lookupByHash", trace.WithAttributes(
		attribute.String("schema", s.schema),
		attribute.String("request_id", observability.GetRequestID(ctx)),
	))
	defer span.End()

	query := fmt.Sprintf(`
		SELECT id, text_hash, text, embedding::text, model_id, model_version,
		       is_ensemble, quality_score, confidence_score, usage_count,
		       successful_uses, failed_uses, avg_retrieval_rank,
		       created_at, last_accessed_at, expires_at,
		       pos_feedback, neg_feedback
		FROM %s.smart_embeddings
		WHERE text_hash = $1
	`, s.schema)

	row := s.db.QueryRowContext(ctx, query, hash[:])
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, models.WrapError(classifyPgErr(err), "cache lookup", err)
	}

	s.l1.Add(hash, entry)
	if s.redis != nil {
		if err := s.redis.Set(ctx, entry); err != nil {
			s.logger.Warn("failed to populate redis cache tier from relational store", map[string]interface{}{"error": err.Error()})
		}
	}
	return entry, true, nil
}

func (s *PostgresStore) Search(ctx context.Context, vector []float32, modelID string, limit int, minSimilarity float64) ([]ScoredEmbedding, error) {
	if limit <= 0 {
		limit = 5
	}
	if minSimilarity <= 0 {
		minSimilarity = 0.85
	}

	vectorStr := formatVectorForPg(vector)
	query := fmt.Sprintf(`
		SELECT id, text_hash, text, embedding::text, model_id, model_version,
		       is_ensemble, quality_score, confidence_score, usage_count,
		       successful_uses, failed_uses, avg_retrieval_rank,
		       created_at, last_accessed_at, expires_at,
		       pos_feedback, neg_feedback,
		       (1 - (embedding <=> $1::vector))::float AS similarity
		FROM %s.smart_embeddings
		WHERE model_id = $2
		  AND (1 - (embedding <=> $1::vector))::float >= $3
		ORDER BY similarity DESC
		LIMIT $4
	`, s.schema)

	rows, err := s.db.QueryContext(ctx, query, vectorStr, modelID, minSimilarity, limit)
	if err != nil {
		return nil, models.WrapError(classifyPgErr(err), "cache similarity search", err)
	}
	defer rows.Close()

	var results []ScoredEmbedding
	for rows.Next() {
		entry, similarity, err := scanScoredEntry(rows)
		if err != nil {
			return nil, models.WrapError(models.ErrProtocol, "scanning similarity row", err)
		}
		results = append(results, ScoredEmbedding{Entry: entry, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, models.WrapError(classifyPgErr(err), "iterating similarity rows", err)
	}
	return results, nil
}

// Put is idempotent by TextHash: a second Put with the same hash updates
// the non-identity fields and bumps usage_count rather than inserting a
// duplicate row (§4.3). The RETURNING id clause also resolves the
// duplicate-key race: a concurrent loser's INSERT becomes an UPDATE against
// the winner's row and returns the winner's id, exactly as §4.3 requires.
func (s *PostgresStore) Put(ctx context.Context, entry *models.CachedEmbedding) error {
	if entry == nil {
		return models.NewError(models.ErrClient, "cache entry cannot be nil")
	}

	ctx, span := tracer.Start(ctx, "cache.Put", trace.WithAttributes(
		attribute.String("model_id", entry.ModelID),
		attribute.String("schema", s.schema),
		attribute.String("request_id", observability.GetRequestID(ctx)),
	))
	defer span.End()

	vectorStr := formatVectorForPg(entry.Vector)
	query := fmt.Sprintf(`
		INSERT INTO %s.smart_embeddings (
			text_hash, text, embedding, model_id, model_version,
			is_ensemble, quality_score, confidence_score, usage_count,
			successful_uses, failed_uses, avg_retrieval_rank,
			created_at, last_accessed_at, expires_at,
			pos_feedback, neg_feedback
		) VALUES (
			$1, $2, $3::vector, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15,
			$16, $17
		)
		ON CONFLICT (text_hash) DO UPDATE SET
			embedding = $3::vector,
			quality_score = $7,
			confidence_score = $8,
			last_accessed_at = $14,
			expires_at = $15,
			usage_count = %[1]s.smart_embeddings.usage_count + 1
		RETURNING id
	`, s.schema)

	err := s.db.QueryRowContext(ctx, query,
		entry.TextHash[:], entry.Text, vectorStr, entry.ModelID, entry.ModelVersion,
		entry.IsEnsemble, entry.QualityScore, entry.ConfidenceScore, entry.UsageCount,
		entry.SuccessfulUses, entry.FailedUses, nullableFloat(entry.AvgRetrievalRank),
		entry.CreatedAt, entry.LastAccessedAt, nullableTime(entry.ExpiresAt),
		entry.PosFeedback, entry.NegFeedback,
	).Scan(&entry.ID)
	if err != nil {
		span.RecordError(err)
		return models.WrapError(classifyPgErr(err), "storing cache entry", err)
	}

	s.l1.Add(entry.TextHash, entry)
	if s.redis != nil {
		if err := s.redis.Set(ctx, entry); err != nil {
			s.logger.Warn("failed to write cache entry through to redis", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

func (s *PostgresStore) RecordUsage(ctx context.Context, hash [32]byte, success bool, retrievalRank int) error {
	cached, ok := s.l1.Get(hash)
	entry := cached
	if !ok {
		fetched, found, err := s.lookupByHash(ctx, hash)
		if err != nil {
			return err
		}
		if !found {
			return models.NewError(models.ErrClient, "cannot record usage for unknown cache entry")
		}
		entry = fetched
	}

	if success {
		entry.QualityScore = ewmaDecay*entry.QualityScore + ewmaGain
		entry.SuccessfulUses++
		entry.PosFeedback++
	} else {
		entry.QualityScore = ewmaDecay * entry.QualityScore
		entry.FailedUses++
		entry.NegFeedback++
	}
	entry.UsageCount++
	entry.LastAccessedAt = nowFunc()

	rank := float64(retrievalRank)
	if entry.AvgRetrievalRank == nil {
		entry.AvgRetrievalRank = &rank
	} else {
		avg := 0.9*(*entry.AvgRetrievalRank) + 0.1*rank
		entry.AvgRetrievalRank = &avg
	}

	query := fmt.Sprintf(`
		UPDATE %s.smart_embeddings SET
			quality_score = $2, usage_count = $3, successful_uses = $4,
			failed_uses = $5, avg_retrieval_rank = $6, last_accessed_at = $7,
			pos_feedback = $8, neg_feedback = $9
		WHERE text_hash = $1
	`, s.schema)

	_, err = s.db.ExecContext(ctx, query,
		hash[:], entry.QualityScore, entry.UsageCount, entry.SuccessfulUses,
		entry.FailedUses, nullableFloat(entry.AvgRetrievalRank), entry.LastAccessedAt,
		entry.PosFeedback, entry.NegFeedback,
	)
	if err != nil {
		return models.WrapError(classifyPgErr(err), "recording cache usage", err)
	}

	s.l1.Add(hash, entry)
	return nil
}

// Stats aggregates across all rows for total row count and mean quality,
// and across rows accessed within window for the hit rate (successful
// uses over total uses), grounded on the teacher's cache instrumentation
// in pkg/embedding/postgres.go (SPEC_FULL supplemented features).
func (s *PostgresStore) Stats(ctx context.Context, window time.Duration) (models.CacheStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}

	query := fmt.Sprintf(`
		SELECT
			(SELECT count(*) FROM %[1]s.smart_embeddings) AS row_count,
			coalesce((SELECT avg(quality_score) FROM %[1]s.smart_embeddings), 0) AS avg_quality,
			coalesce(
				(SELECT sum(successful_uses)::float / NULLIF(sum(usage_count), 0)
				 FROM %[1]s.smart_embeddings
				 WHERE last_accessed_at >= now() - $1::interval),
				0
			) AS hit_rate
	`, s.schema)

	var stats models.CacheStats
	intervalLiteral := fmt.Sprintf("%d seconds", int(window.Seconds()))
	if err := s.db.QueryRowContext(ctx, query, intervalLiteral).Scan(&stats.RowCount, &stats.AvgQualityScore, &stats.HitRate); err != nil {
		return models.CacheStats{}, models.WrapError(classifyPgErr(err), "computing cache stats", err)
	}
	return stats, nil
}

func (s *PostgresStore) Expire(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s.smart_embeddings WHERE expires_at IS NOT NULL AND expires_at < now()`, s.schema)
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, models.WrapError(classifyPgErr(err), "expiring cache entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, models.WrapError(models.ErrProtocol, "reading rows affected", err)
	}
	s.l1.Purge()
	return int(n), nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows so scanEntry can
// serve Lookup (single row) without duplicating the column list.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*models.CachedEmbedding, error) {
	e := &models.CachedEmbedding{}
	var hashBytes []byte
	var vectorStr string
	var avgRank sql.NullFloat64
	var expiresAt sql.NullTime

	if err := row.Scan(
		&e.ID, &hashBytes, &e.Text, &vectorStr, &e.ModelID, &e.ModelVersion,
		&e.IsEnsemble, &e.QualityScore, &e.ConfidenceScore, &e.UsageCount,
		&e.SuccessfulUses, &e.FailedUses, &avgRank,
		&e.CreatedAt, &e.LastAccessedAt, &expiresAt,
		&e.PosFeedback, &e.NegFeedback,
	); err != nil {
		return nil, err
	}

	copy(e.TextHash[:], hashBytes)
	vector, err := parseVectorFromPg(vectorStr)
	if err != nil {
		return nil, err
	}
	e.Vector = vector
	if avgRank.Valid {
		e.AvgRetrievalRank = &avgRank.Float64
	}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	return e, nil
}

func scanScoredEntry(rows *sql.Rows) (*models.CachedEmbedding, float64, error) {
	e := &models.CachedEmbedding{}
	var hashBytes []byte
	var vectorStr string
	var avgRank sql.NullFloat64
	var expiresAt sql.NullTime
	var similarity float64

	if err := rows.Scan(
		&e.ID, &hashBytes, &e.Text, &vectorStr, &e.ModelID, &e.ModelVersion,
		&e.IsEnsemble, &e.QualityScore, &e.ConfidenceScore, &e.UsageCount,
		&e.SuccessfulUses, &e.FailedUses, &avgRank,
		&e.CreatedAt, &e.LastAccessedAt, &expiresAt,
		&e.PosFeedback, &e.NegFeedback,
		&similarity,
	); err != nil {
		return nil, 0, err
	}

	copy(e.TextHash[:], hashBytes)
	vector, err := parseVectorFromPg(vectorStr)
	if err != nil {
		return nil, 0, err
	}
	e.Vector = vector
	if avgRank.Valid {
		e.AvgRetrievalRank = &avgRank.Float64
	}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	return e, similarity, nil
}

// formatVectorForPg and parseVectorFromPg follow the teacher's pgvector
// array-literal convention in pkg/embedding/postgres.go.
func formatVectorForPg(vector []float32) string {
	elements := make([]string, len(vector))
	for i, v := range vector {
		elements[i] = fmt.Sprintf("%f", v)
	}
	return "[" + strings.Join(elements, ",") + "]"
}

func parseVectorFromPg(vectorStr string) ([]float32, error) {
	vectorStr = strings.Trim(vectorStr, "[]")
	if vectorStr == "" {
		return nil, nil
	}
	elements := strings.Split(vectorStr, ",")
	vector := make([]float32, len(elements))
	for i, elem := range elements {
		var val float64
		if _, err := fmt.Sscanf(elem, "%f", &val); err != nil {
			return nil, fmt.Errorf("parsing vector element %d: %w", i, err)
		}
		vector[i] = float32(val)
	}
	return vector, nil
}

func classifyPgErr(err error) models.ErrorKind {
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "58": // connection, resource, operator intervention, system
			return models.ErrBackingStoreDown
		case "22", "23": // data exception, integrity constraint
			return models.ErrClient
		}
	}
	return models.ErrBackingStoreDown
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// nowFunc is overridden in tests to produce deterministic timestamps.
var nowFunc = time.Now
