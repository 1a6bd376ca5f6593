package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/corpnet/llmgateway/internal/config"
	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
	"github.com/corpnet/llmgateway/internal/resilience"
)

// ResilientRedisCache fronts the relational store with a Redis tier,
// adapted from the teacher's pkg/embedding/cache.ResilientRedisClient: a
// circuit breaker and retry policy wrap every round trip so a failing
// Redis degrades the lookup path to the in-process L1 plus Postgres
// rather than blocking or erroring the caller (§8 scenario: "Cache
// degraded"). Unlike the teacher's SemanticCache, this tier stores exact
// content-addressed entries only — §4.3's similarity search already runs
// against pgvector, so Redis here serves as a second, faster exact-match
// tier rather than a similarity index.
type ResilientRedisCache struct {
	client  *redis.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
	ttl     time.Duration
	logger  observability.Logger
}

// NewResilientRedisCache builds the tier from cfg, matching the breaker
// thresholds the teacher's NewResilientRedisClient hardcodes for its
// Redis dependency (FailureThreshold 5, ResetTimeout 30s).
func NewResilientRedisCache(cfg config.RedisConfig, logger observability.Logger, metrics observability.MetricsClient) *ResilientRedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	cbConfig := resilience.CircuitBreakerConfig{
		FailureThreshold:    5,
		FailureRatio:        0.6,
		ResetTimeout:        30 * time.Second,
		SuccessThreshold:    2,
		TimeoutThreshold:    5 * time.Second,
		MaxRequestsHalfOpen: 5,
		MinimumRequestCount: 10,
	}

	return &ResilientRedisCache{
		client:  client,
		breaker: resilience.NewCircuitBreaker("redis_embedding_cache", cbConfig, logger, metrics),
		retry:   resilience.RetryPolicy{MaxAttempts: 2, Base: 50 * time.Millisecond, Cap: 500 * time.Millisecond},
		ttl:     ttl,
		logger:  logger,
	}
}

// redisEntry is the wire shape stored in Redis: the same fields Postgres
// carries, so a Redis hit can populate the L1 exactly as a Postgres hit
// does without a second round trip to reload quality/usage stats.
type redisEntry struct {
	Text            string     `json:"text"`
	Vector          []float32  `json:"vector"`
	ModelID         string     `json:"model_id"`
	ModelVersion    string     `json:"model_version"`
	IsEnsemble      bool       `json:"is_ensemble"`
	QualityScore    float64    `json:"quality_score"`
	ConfidenceScore float64    `json:"confidence_score"`
	UsageCount      int        `json:"usage_count"`
	SuccessfulUses  int        `json:"successful_uses"`
	FailedUses      int        `json:"failed_uses"`
	CreatedAt       time.Time  `json:"created_at"`
	LastAccessedAt  time.Time  `json:"last_accessed_at"`
	PosFeedback     int        `json:"pos_feedback"`
	NegFeedback     int        `json:"neg_feedback"`
}

func redisKey(hash [32]byte) string {
	return "llmgateway:embed:" + hex.EncodeToString(hash[:])
}

// Get returns (entry, true, nil) on a hit, (nil, false, nil) on a clean
// miss, and (nil, false, err) only when the circuit is open or Redis
// itself errors — callers treat that as "tier unavailable", not "entry
// absent", and fall through to Postgres.
func (r *ResilientRedisCache) Get(ctx context.Context, hash [32]byte) (*models.CachedEmbedding, bool, error) {
	raw, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		var out string
		// The 0 here is this tier's own internal retry budget, unrelated to
		// a caller's Request/EmbedRequest.Deadline (that zero-vs-unset
		// distinction lives at the gateway façade, not inside a cache tier).
		doErr := r.retry.Do(ctx, 0, func(int) error {
			var getErr error
			out, getErr = r.client.Get(ctx, redisKey(hash)).Result()
			if getErr == redis.Nil {
				return nil
			}
			if getErr != nil {
				return models.WrapError(models.ErrBackingStoreDown, "redis GET", getErr)
			}
			return nil
		})
		return out, doErr
	})
	if err != nil {
		return nil, false, err
	}

	payload, _ := raw.(string)
	if payload == "" {
		return nil, false, nil
	}

	var e redisEntry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		r.logger.Warn("discarding unreadable redis cache entry", map[string]interface{}{"error": err.Error()})
		return nil, false, nil
	}

	entry := &models.CachedEmbedding{
		TextHash:        hash,
		Text:            e.Text,
		Vector:          e.Vector,
		ModelID:         e.ModelID,
		ModelVersion:    e.ModelVersion,
		IsEnsemble:      e.IsEnsemble,
		QualityScore:    e.QualityScore,
		ConfidenceScore: e.ConfidenceScore,
		UsageCount:      e.UsageCount,
		SuccessfulUses:  e.SuccessfulUses,
		FailedUses:      e.FailedUses,
		CreatedAt:       e.CreatedAt,
		LastAccessedAt:  e.LastAccessedAt,
		PosFeedback:     e.PosFeedback,
		NegFeedback:     e.NegFeedback,
	}
	return entry, true, nil
}

// Set writes entry through to Redis with the configured TTL. A failure
// here only drops the write-through (Postgres already has the row by the
// time Put calls this); it never surfaces to the caller.
func (r *ResilientRedisCache) Set(ctx context.Context, entry *models.CachedEmbedding) error {
	payload, err := json.Marshal(redisEntry{
		Text:            entry.Text,
		Vector:          entry.Vector,
		ModelID:         entry.ModelID,
		ModelVersion:    entry.ModelVersion,
		IsEnsemble:      entry.IsEnsemble,
		QualityScore:    entry.QualityScore,
		ConfidenceScore: entry.ConfidenceScore,
		UsageCount:      entry.UsageCount,
		SuccessfulUses:  entry.SuccessfulUses,
		FailedUses:      entry.FailedUses,
		CreatedAt:       entry.CreatedAt,
		LastAccessedAt:  entry.LastAccessedAt,
		PosFeedback:     entry.PosFeedback,
		NegFeedback:     entry.NegFeedback,
	})
	if err != nil {
		return models.WrapError(models.ErrProtocol, "marshaling redis cache entry", err)
	}

	_, err = r.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, r.retry.Do(ctx, 0, func(int) error {
			if setErr := r.client.Set(ctx, redisKey(entry.TextHash), payload, r.ttl).Err(); setErr != nil {
				return models.WrapError(models.ErrBackingStoreDown, "redis SET", setErr)
			}
			return nil
		})
	})
	return err
}

// Close releases the underlying client's connections, used by the CLI's
// shutdown path.
func (r *ResilientRedisCache) Close() error {
	return r.client.Close()
}
