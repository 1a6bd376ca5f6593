package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpnet/llmgateway/internal/config"
	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
	"github.com/corpnet/llmgateway/internal/resilience"
)

func newTestRouter(catalog config.ModelCatalog) *Router {
	return New(catalog, resilience.NewRegistry(observability.NewNoopLogger(), observability.NewNoOpMetricsClient()))
}

func TestRouteEmbedCacheHit(t *testing.T) {
	r := newTestRouter(config.ModelCatalog{})
	decision := r.RouteEmbed(models.EmbedRequest{UseCache: true}, models.TextAnalysis{}, true, "fast", "premium")
	assert.Equal(t, StrategyCache, decision.Strategy)
}

func TestRouteEmbedFastPathForSimpleShortText(t *testing.T) {
	r := newTestRouter(config.ModelCatalog{})
	decision := r.RouteEmbed(models.EmbedRequest{}, models.TextAnalysis{Complexity: 0.1, Length: 50}, false, "fast", "premium")
	assert.Equal(t, StrategyLocal, decision.Strategy)
	assert.Equal(t, "fast", decision.ModelID)
}

func TestRouteEmbedDomainExpert(t *testing.T) {
	catalog := config.ModelCatalog{Models: []config.ModelEntry{
		{ModelID: "legal-v1", IsDomainExpert: true, Domain: "legal"},
	}}
	r := newTestRouter(catalog)
	decision := r.RouteEmbed(models.EmbedRequest{}, models.TextAnalysis{Complexity: 0.5, Length: 400, Domain: "legal"}, false, "fast", "premium")
	assert.Equal(t, StrategyDomain, decision.Strategy)
	assert.Equal(t, "legal-v1", decision.ModelID)
}

func TestRouteEmbedRemoteForHighComplexity(t *testing.T) {
	r := newTestRouter(config.ModelCatalog{})
	decision := r.RouteEmbed(models.EmbedRequest{}, models.TextAnalysis{Complexity: 0.9, Length: 400}, false, "fast", "premium")
	assert.Equal(t, StrategyRemote, decision.Strategy)
	assert.Equal(t, "premium", decision.ModelID)
}

func TestRouteEmbedRemoteForRequireHighQuality(t *testing.T) {
	r := newTestRouter(config.ModelCatalog{})
	decision := r.RouteEmbed(models.EmbedRequest{RequireHighQuality: true}, models.TextAnalysis{Complexity: 0.5, Length: 400}, false, "fast", "premium")
	assert.Equal(t, StrategyRemote, decision.Strategy)
}

func TestRouteEmbedLatencySensitiveFallsBackToLocal(t *testing.T) {
	r := newTestRouter(config.ModelCatalog{})
	req := models.EmbedRequest{Tags: map[string]string{"latency_sensitive": "true"}}
	decision := r.RouteEmbed(req, models.TextAnalysis{Complexity: 0.5, Length: 400}, false, "fast", "premium")
	assert.Equal(t, StrategyLocal, decision.Strategy)
	assert.True(t, decision.CacheAfter)
}

func TestRouteEmbedDefaultsToEnsemble(t *testing.T) {
	r := newTestRouter(config.ModelCatalog{})
	decision := r.RouteEmbed(models.EmbedRequest{}, models.TextAnalysis{Complexity: 0.5, Length: 400}, false, "fast", "premium")
	assert.Equal(t, StrategyEnsemble, decision.Strategy)
	assert.True(t, decision.CacheAfter)
}

func TestValidateGenerateRejectsUnregisteredModel(t *testing.T) {
	r := newTestRouter(config.ModelCatalog{})
	err := r.ValidateGenerate(models.Request{ModelID: "unknown"})
	require.Error(t, err)
	assert.Equal(t, models.ErrClient, models.KindOf(err))
}

func TestValidateGenerateRejectsOverTokenCap(t *testing.T) {
	catalog := config.ModelCatalog{Models: []config.ModelEntry{{ModelID: "m1", MaxTokens: 100}}}
	r := newTestRouter(catalog)
	err := r.ValidateGenerate(models.Request{ModelID: "m1", MaxTokens: 500})
	require.Error(t, err)
	assert.Equal(t, models.ErrClient, models.KindOf(err))
}

func TestValidateGenerateAcceptsRegisteredModelWithinCap(t *testing.T) {
	catalog := config.ModelCatalog{Models: []config.ModelEntry{{ModelID: "m1", MaxTokens: 100}}}
	r := newTestRouter(catalog)
	err := r.ValidateGenerate(models.Request{ModelID: "m1", MaxTokens: 50})
	assert.NoError(t, err)
}
