// Package audit implements the Audit & Telemetry Recorder (C8): an
// append-only emitter for AuditRecord entries and a periodic aggregation
// job that rolls them up into ModelPerformance (§4.8).
//
// Grounded on the teacher's pkg/embedding/router.go QualityTracker/
// CostOptimizer pattern (rolling stats derived from observed outcomes,
// owned by the router rather than recomputed ad hoc), adapted here into a
// dedicated recorder since §4.8 calls for audit emission and aggregation
// to be independent of routing. The bounded, drop-oldest queue is
// grounded on §5's backpressure policy ("drop-oldest with a counter
// metric when full; never blocks callers").
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
)

// defaultQueueSize bounds the in-memory backlog between the caller's
// request path and the single background writer goroutine.
const defaultQueueSize = 1024

// Recorder emits AuditRecord entries without ever blocking or failing
// the caller's primary request (§4.8). A full queue drops the oldest
// pending record and increments a counter metric rather than blocking.
type Recorder struct {
	db      *sql.DB
	schema  string
	logger  observability.Logger
	metrics observability.MetricsClient

	mu      sync.Mutex
	queue   []models.AuditRecord
	maxSize int
	dropped int64

	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// NewRecorder builds a Recorder and starts its background writer. Close
// must be called to stop the writer and flush any remaining records.
func NewRecorder(db *sql.DB, schema string, logger observability.Logger, metrics observability.MetricsClient) *Recorder {
	if schema == "" {
		schema = "llmgateway"
	}
	r := &Recorder{
		db:      db,
		schema:  schema,
		logger:  logger,
		metrics: metrics,
		maxSize: defaultQueueSize,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues rec for asynchronous persistence. It never blocks and
// never returns an error to the caller (§4.8: "emission failures... must
// not fail the caller's primary request").
func (r *Recorder) Record(rec models.AuditRecord) {
	r.mu.Lock()
	if len(r.queue) >= r.maxSize {
		r.queue = r.queue[1:]
		r.dropped++
		r.metrics.IncrementCounterWithLabels("audit_records_dropped_total", 1, map[string]string{"model_id": rec.ModelID})
	}
	r.queue = append(r.queue, rec)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// RecordDependencyOpen records a breaker short-circuit as an AuditRecord
// with errorKind=DependencyOpen, per §4.8's explicit carve-out.
func (r *Recorder) RecordDependencyOpen(modelID, requestID string) {
	r.Record(models.AuditRecord{
		Timestamp: nowFunc(),
		ModelID:   modelID,
		Success:   false,
		ErrorKind: models.ErrDependencyOpen,
		RequestID: requestID,
	})
}

// Close stops the background writer and blocks until it drains.
func (r *Recorder) Close() {
	close(r.done)
	<-r.stopped
}

func (r *Recorder) run() {
	defer close(r.stopped)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.notify:
			r.drain()
		case <-ticker.C:
			r.drain()
		case <-r.done:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, rec := range batch {
		if err := r.insert(rec); err != nil {
			r.logger.Error("audit record write failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (r *Recorder) insert(rec models.AuditRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s.audit_log (
			recorded_at, user_id, audit_reason, model_id, temperature, max_tokens,
			processing_time_ms, success, error_kind, error_detail, request_id,
			input_tokens, output_tokens, overflow_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, r.schema)

	_, err := r.db.ExecContext(ctx, query,
		rec.Timestamp, rec.UserID, rec.AuditReason, rec.ModelID, rec.Temperature, rec.MaxTokens,
		rec.ProcessingTimeMs, rec.Success, string(rec.ErrorKind), rec.ErrorDetail, rec.RequestID,
		rec.InputTokens, rec.OutputTokens, nullIfEmpty(rec.OverflowKey),
	)
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var nowFunc = time.Now
