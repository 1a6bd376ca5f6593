package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
)

// Aggregator is the single-writer periodic job that rolls recent
// audit_log rows up into model_performance (§4.8).
type Aggregator struct {
	db       *sql.DB
	schema   string
	interval time.Duration
	window   time.Duration
	logger   observability.Logger
}

// NewAggregator builds an Aggregator. interval governs how often Run
// sweeps; window bounds how far back each sweep looks.
func NewAggregator(db *sql.DB, schema string, interval, window time.Duration, logger observability.Logger) *Aggregator {
	if schema == "" {
		schema = "llmgateway"
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Aggregator{db: db, schema: schema, interval: interval, window: window, logger: logger}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sweep(ctx); err != nil {
				a.logger.Error("model performance aggregation failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// sweep recomputes per-model rolling stats from audit_log rows newer than
// the aggregation window and upserts them into model_performance.
func (a *Aggregator) sweep(ctx context.Context) error {
	since := time.Now().Add(-a.window)

	query := fmt.Sprintf(`
		SELECT model_id,
		       avg(processing_time_ms) AS avg_latency_ms,
		       avg(CASE WHEN success THEN 1 ELSE 0 END) AS success_rate,
		       count(*) AS sample_count
		FROM %s.audit_log
		WHERE recorded_at >= $1 AND model_id <> ''
		GROUP BY model_id`, a.schema)

	rows, err := a.db.QueryContext(ctx, query, since)
	if err != nil {
		return models.WrapError(models.ErrBackingStoreDown, "querying audit log for aggregation", err)
	}
	defer rows.Close()

	type row struct {
		modelID     string
		avgLatency  float64
		successRate float64
		sampleCount int64
	}
	var results []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.modelID, &r.avgLatency, &r.successRate, &r.sampleCount); err != nil {
			return models.WrapError(models.ErrBackingStoreDown, "scanning aggregation row", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return models.WrapError(models.ErrBackingStoreDown, "iterating aggregation rows", err)
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s.model_performance (model_id, avg_quality, avg_latency_ms, success_rate, sample_count, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (model_id) DO UPDATE SET
			avg_latency_ms = $3,
			success_rate = $4,
			sample_count = $5,
			last_updated_at = $6`, a.schema)

	for _, r := range results {
		// This aggregator does not compute avg_quality: the upsert's DO
		// UPDATE SET omits the column, so an existing row keeps its score,
		// and only a brand new row gets the neutral 0.5 starting value
		// supplied below. The cache store's EWMA quality tracking updates
		// smart_embeddings.quality_score and does not write this column.
		if _, err := a.db.ExecContext(ctx, upsert, r.modelID, 0.5, r.avgLatency, r.successRate, r.sampleCount, time.Now()); err != nil {
			return models.WrapError(models.ErrBackingStoreDown, "upserting model performance", err)
		}
	}
	return nil
}
