package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpnet/llmgateway/internal/audit"
	"github.com/corpnet/llmgateway/internal/cache"
	"github.com/corpnet/llmgateway/internal/config"
	"github.com/corpnet/llmgateway/internal/invoker"
	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
	"github.com/corpnet/llmgateway/internal/resilience"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

type fakeStore struct {
	entries map[[32]byte]*models.CachedEmbedding
	puts    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[[32]byte]*models.CachedEmbedding)}
}

func (f *fakeStore) Lookup(ctx context.Context, hash [32]byte, text string) (*models.CachedEmbedding, bool, error) {
	e, ok := f.entries[hash]
	if !ok || e.Text != text {
		return nil, false, nil
	}
	return e, true, nil
}

func (f *fakeStore) Search(ctx context.Context, vector []float32, modelID string, limit int, minSimilarity float64) ([]cache.ScoredEmbedding, error) {
	return nil, nil
}

func (f *fakeStore) Put(ctx context.Context, entry *models.CachedEmbedding) error {
	f.puts++
	entry.ID = int64(f.puts)
	f.entries[entry.TextHash] = entry
	return nil
}

func (f *fakeStore) RecordUsage(ctx context.Context, hash [32]byte, success bool, retrievalRank int) error {
	return nil
}

func (f *fakeStore) Expire(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeStore) Stats(ctx context.Context, window time.Duration) (models.CacheStats, error) {
	return models.CacheStats{RowCount: int64(len(f.entries))}, nil
}

type fakeInvokeModelAPI struct {
	body []byte
	err  error
}

func (f *fakeInvokeModelAPI) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: f.body}, nil
}

func newTestGateway(t *testing.T, store cache.Store, api invoker.InvokeModelAPI, catalog config.ModelCatalog) *Gateway {
	t.Helper()
	logger := observability.NewNoopLogger()
	cfg := config.Config{Provider: config.ProviderConfig{DefaultModelID: "anthropic.claude-3-sonnet"}, ModelCatalog: catalog}
	inv := invoker.NewInvoker(api, cfg.Timeouts, logger)
	breakers := resilience.NewRegistry(logger, observability.NewNoOpMetricsClient())

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	recorder := audit.NewRecorder(db, "llmgateway", logger, observability.NewNoOpMetricsClient())
	t.Cleanup(recorder.Close)
	return New(cfg, store, inv, breakers, recorder, logger, nil)
}

func TestGenerateRejectsUnregisteredModel(t *testing.T) {
	g := newTestGateway(t, newFakeStore(), &fakeInvokeModelAPI{}, config.ModelCatalog{})
	_, err := g.Generate(context.Background(), models.Request{ModelID: "anthropic.claude-3-sonnet"})
	require.Error(t, err)
	assert.Equal(t, models.ErrClient, models.KindOf(err))
}

func TestGenerateZeroDeadlineReturnsTimeoutBeforeInvoker(t *testing.T) {
	catalog := config.ModelCatalog{Models: []config.ModelEntry{{ModelID: "anthropic.claude-3-sonnet", MaxTokens: 4096}}}
	api := &fakeInvokeModelAPI{err: errors.New("invoker must not be called when the deadline is zero")}
	g := newTestGateway(t, newFakeStore(), api, catalog)

	zero := time.Duration(0)
	_, err := g.Generate(context.Background(), models.Request{ModelID: "anthropic.claude-3-sonnet", MaxTokens: 100, Deadline: &zero})
	require.Error(t, err)
	assert.Equal(t, models.ErrTimeout, models.KindOf(err))
}

func TestGenerateSucceeds(t *testing.T) {
	catalog := config.ModelCatalog{Models: []config.ModelEntry{{ModelID: "anthropic.claude-3-sonnet", MaxTokens: 4096}}}
	api := &fakeInvokeModelAPI{body: []byte(`{"content":[{"text":"hi"}],"usage":{"input_tokens":1,"output_tokens":1}}`)}
	g := newTestGateway(t, newFakeStore(), api, catalog)

	resp, err := g.Generate(context.Background(), models.Request{ModelID: "anthropic.claude-3-sonnet", MaxTokens: 100})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "hi", resp.Content)
}

func TestEmbedCacheHitShortCircuitsInvoker(t *testing.T) {
	store := newFakeStore()
	hash := cache.TextHash("hello world", "anthropic.claude-3-sonnet", "")
	store.entries[hash] = &models.CachedEmbedding{ID: 42, TextHash: hash, Text: "hello world", Vector: []float32{1, 2, 3}, ModelID: "anthropic.claude-3-sonnet", QualityScore: 0.9}

	api := &fakeInvokeModelAPI{err: errors.New("invoker must not be called on a cache hit")}
	g := newTestGateway(t, store, api, config.ModelCatalog{})

	result, err := g.Embed(context.Background(), models.EmbedRequest{Text: "hello world", ModelID: "anthropic.claude-3-sonnet", UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, result.Source)
	assert.Equal(t, int64(42), result.CacheID)
}

func TestEmbedRejectsEmptyText(t *testing.T) {
	api := &fakeInvokeModelAPI{err: errors.New("invoker must not be called for empty text")}
	g := newTestGateway(t, newFakeStore(), api, config.ModelCatalog{})

	_, err := g.Embed(context.Background(), models.EmbedRequest{Text: "", ModelID: "anthropic.claude-3-sonnet"})
	require.Error(t, err)
	assert.Equal(t, models.ErrClient, models.KindOf(err))
}

func TestEmbedZeroDeadlineReturnsTimeoutBeforeInvoker(t *testing.T) {
	api := &fakeInvokeModelAPI{err: errors.New("invoker must not be called when the deadline is zero")}
	g := newTestGateway(t, newFakeStore(), api, config.ModelCatalog{})

	zero := time.Duration(0)
	_, err := g.Embed(context.Background(), models.EmbedRequest{Text: "hello world", ModelID: "anthropic.claude-3-sonnet", Deadline: &zero})
	require.Error(t, err)
	assert.Equal(t, models.ErrTimeout, models.KindOf(err))
}

func TestEmbedBatchIsolatesFailures(t *testing.T) {
	catalog := config.ModelCatalog{}
	api := &fakeInvokeModelAPI{body: []byte(`{"embedding":[0.1,0.2]}`)}
	g := newTestGateway(t, newFakeStore(), api, catalog)

	reqs := []models.EmbedRequest{
		{Text: "short one"},
		{Text: "short two"},
	}
	results := g.EmbedBatch(context.Background(), reqs)
	assert.Len(t, results, 2)
}

func TestHealthReportsBreakerStatuses(t *testing.T) {
	g := newTestGateway(t, newFakeStore(), &fakeInvokeModelAPI{}, config.ModelCatalog{})
	report := g.Health(context.Background())
	assert.NotEmpty(t, report.Breakers)
	assert.Empty(t, report.Dependencies)
}

type fakeProber struct{}

func (fakeProber) TestDependency(ctx context.Context, name string) models.DependencyHealth {
	return models.DependencyHealth{Name: name, OK: true, Detail: "ok"}
}

func TestHealthReportsDependenciesWhenSessionWired(t *testing.T) {
	logger := observability.NewNoopLogger()
	cfg := config.Config{Provider: config.ProviderConfig{DefaultModelID: "anthropic.claude-3-sonnet"}}
	inv := invoker.NewInvoker(&fakeInvokeModelAPI{}, cfg.Timeouts, logger)
	breakers := resilience.NewRegistry(logger, observability.NewNoOpMetricsClient())

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	recorder := audit.NewRecorder(db, "llmgateway", logger, observability.NewNoOpMetricsClient())
	t.Cleanup(recorder.Close)

	g := New(cfg, newFakeStore(), inv, breakers, recorder, logger, fakeProber{})
	report := g.Health(context.Background())
	require.Len(t, report.Dependencies, 3)
	assert.True(t, report.Dependencies[0].OK)
}

func TestCacheStatsPassesThrough(t *testing.T) {
	store := newFakeStore()
	hash := cache.TextHash("hello", "m", "")
	store.entries[hash] = &models.CachedEmbedding{Text: "hello"}
	g := newTestGateway(t, store, &fakeInvokeModelAPI{}, config.ModelCatalog{})

	stats, err := g.CacheStats(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.RowCount)
}
