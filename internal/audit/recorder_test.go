package audit

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
)

func newTestRecorder(t *testing.T) (*Recorder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	r := NewRecorder(db, "llmgateway", observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	t.Cleanup(r.Close)
	return r, mock
}

func TestRecordWritesThroughAsynchronously(t *testing.T) {
	r, mock := newTestRecorder(t)
	mock.ExpectExec("INSERT INTO llmgateway.audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))

	r.Record(models.AuditRecord{ModelID: "anthropic.claude-3-sonnet", Success: true})

	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, 10*time.Millisecond)
}

func TestRecordDependencyOpenSetsErrorKind(t *testing.T) {
	r, mock := newTestRecorder(t)
	mock.ExpectExec("INSERT INTO llmgateway.audit_log").
		WithArgs(sqlmock.AnyArg(), "", "", "m1", float64(0), 0, float64(0), false, string(models.ErrDependencyOpen), "", "req-1", 0, 0, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	r.RecordDependencyOpen("m1", "req-1")

	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, 10*time.Millisecond)
}

func TestRecordDropsOldestWhenQueueFull(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := &Recorder{
		db:      db,
		schema:  "llmgateway",
		logger:  observability.NewNoopLogger(),
		metrics: observability.NewNoOpMetricsClient(),
		maxSize: 2,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	r.Record(models.AuditRecord{ModelID: "a"})
	r.Record(models.AuditRecord{ModelID: "b"})
	r.Record(models.AuditRecord{ModelID: "c"})

	assert.Len(t, r.queue, 2)
	assert.Equal(t, "b", r.queue[0].ModelID)
	assert.Equal(t, "c", r.queue[1].ModelID)
	assert.Equal(t, int64(1), r.dropped)
	_ = mock
}
