// Package router implements the Router (C5): the routing-decision matrix
// that picks a path — cache, local, domain-expert, remote, or ensemble —
// for an embedding request, and the thin validation path for generation
// requests (§4.5).
//
// Grounded on the teacher's pkg/embedding/router.go SmartRouter: a
// candidate list scored and sorted, with circuit-breaker state filtering
// out unavailable paths before a strategy is picked. The teacher scores
// provider/model pairs against a task's preferred model list; this router
// instead evaluates the fixed, ordered decision matrix in §4.5, since the
// gateway's routing problem is "which of five named strategies applies"
// rather than "which of N registered providers scores highest."
package router

import (
	"github.com/corpnet/llmgateway/internal/config"
	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/resilience"
)

// Strategy names the chosen embedding path (§4.5).
type Strategy string

const (
	StrategyCache   Strategy = "CacheStrategy"
	StrategyLocal   Strategy = "LocalStrategy"
	StrategyDomain  Strategy = "DomainStrategy"
	StrategyRemote  Strategy = "RemoteStrategy"
	StrategyEnsemble Strategy = "EnsembleStrategy"
)

// Decision is the router's output for an embedding request: which
// strategy to take and, when applicable, which catalog model to use.
type Decision struct {
	Strategy      Strategy
	ModelID       string
	CacheAfter    bool
	FastModelOnly bool
}

// Router evaluates the §4.5 decision matrix. It holds no state of its
// own beyond its collaborators' read-only views, so a Router is cheap to
// construct per Gateway and safe to share across goroutines.
type Router struct {
	catalog  config.ModelCatalog
	breakers *resilience.Registry
}

// New builds a Router over catalog, using breakers to down-rank or
// reject a path whose dependency is unhealthy (§4.5 tie-break rule).
func New(catalog config.ModelCatalog, breakers *resilience.Registry) *Router {
	return &Router{catalog: catalog, breakers: breakers}
}

// RouteEmbed evaluates the decision matrix for req against analysis and
// cacheHit (§4.5). fastModelID/premiumModelID are the catalog's chosen
// local and remote models for this request; callers resolve them once
// (e.g. from config defaults) and pass them in since the matrix itself
// does not search the catalog beyond the domain-expert lookup.
func (r *Router) RouteEmbed(req models.EmbedRequest, analysis models.TextAnalysis, cacheHit bool, fastModelID, premiumModelID string) Decision {
	if req.UseCache && cacheHit {
		return Decision{Strategy: StrategyCache}
	}

	if analysis.Complexity < 0.3 && analysis.Length < 200 && !req.RequireHighQuality {
		return Decision{Strategy: StrategyLocal, ModelID: fastModelID, FastModelOnly: true}
	}

	if expert, ok := r.catalog.DomainExpert(analysis.Domain); ok {
		return Decision{Strategy: StrategyDomain, ModelID: expert.ModelID}
	}

	if analysis.Complexity > 0.7 || req.RequireHighQuality {
		if r.healthy(resilience.DependencyModelProvider) {
			return Decision{Strategy: StrategyRemote, ModelID: premiumModelID}
		}
		// Premium path unavailable: fall back to local rather than error,
		// per the tie-break rule preferring the healthier dependency.
		return Decision{Strategy: StrategyLocal, ModelID: fastModelID, FastModelOnly: true, CacheAfter: true}
	}

	if latencySensitive(req) {
		return Decision{Strategy: StrategyLocal, ModelID: fastModelID, FastModelOnly: true, CacheAfter: true}
	}

	return Decision{Strategy: StrategyEnsemble, ModelID: fastModelID, CacheAfter: true}
}

// latencySensitive reads the caller hint carried in EmbedRequest.Tags,
// since models.EmbedRequest does not carry a dedicated boolean field for
// it (§4.5 names the hint but the shared contract in §3 only exposes a
// generic tag map for request-level metadata).
func latencySensitive(req models.EmbedRequest) bool {
	return req.Tags["latency_sensitive"] == "true"
}

// healthy reports whether dep's breaker is Closed, the only state in
// which the router should prefer the remote path over a fallback (§4.5
// tie-break: "prefer healthier dependency").
func (r *Router) healthy(dep resilience.Dependency) bool {
	b := r.breakers.Get(dep)
	if b == nil {
		return true
	}
	for _, s := range r.breakers.Statuses() {
		if s.Name == string(dep) {
			return s.State == "closed"
		}
	}
	return true
}

// ValidateGenerate applies the §4.5 "thin" generation-path checks: the
// model id must be catalog-registered and the request's token cap must
// not exceed that model's maximum.
func (r *Router) ValidateGenerate(req models.Request) error {
	entry, ok := r.catalog.ByID(req.ModelID)
	if !ok {
		return models.NewError(models.ErrClient, "model id is not registered in the catalog")
	}
	if req.MaxTokens > entry.MaxTokens {
		return models.NewError(models.ErrClient, "requested max tokens exceeds the model's catalog cap")
	}
	return nil
}
