// Package gateway implements the Gateway Façade (C9): the single
// constructed entry point that wires the Config & Credential Resolver,
// Session Manager, Cache Store, Single-Flight Coordinator, Router, Remote
// Invoker, Circuit Breaker/Retry, and Audit Recorder into the five stable
// operations callers see (§4.9).
//
// Grounded on §9's re-architecture requirement: "replace global
// singletons... with a constructed Gateway value owning its dependencies."
// Gateway is that value — built once by New and passed around explicitly,
// never reached through a package-level variable the way some of the
// teacher's older adapters do.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corpnet/llmgateway/internal/audit"
	"github.com/corpnet/llmgateway/internal/cache"
	"github.com/corpnet/llmgateway/internal/coalesce"
	"github.com/corpnet/llmgateway/internal/config"
	"github.com/corpnet/llmgateway/internal/invoker"
	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
	"github.com/corpnet/llmgateway/internal/resilience"
	"github.com/corpnet/llmgateway/internal/router"
)

// dependencyProber is the slice of *session.Manager the Gateway depends on
// for Health()'s dependency probes. Narrowed to an interface so tests can
// substitute a fake without constructing real AWS/Postgres clients — the
// session package is not imported here to avoid a session->gateway->session
// style cycle risk as the two packages grow (§9: "dependencies flow one
// way").
type dependencyProber interface {
	TestDependency(ctx context.Context, name string) models.DependencyHealth
}

// Gateway is the façade. Every field except overflow is assigned once at
// construction; overflow is set afterward by SetOverflowSink, and nothing
// else here is mutated except through the collaborators' own internal
// synchronization (§9).
type Gateway struct {
	cfg      config.Config
	cache    cache.Store
	coalesce *coalesce.Group
	router   *router.Router
	invoker  *invoker.Invoker
	breakers *resilience.Registry
	retry    resilience.RetryPolicy
	audit    *audit.Recorder
	logger   observability.Logger
	perf     *observability.PerformanceLogger
	session  dependencyProber
	overflow *audit.OverflowSink
}

// SetOverflowSink attaches the object-store overflow path for large audit
// payloads (§6). It is optional: a Gateway built without one simply skips
// overflow and keeps every payload inline, which is why it is a setter
// rather than a New() parameter — most tests never need an S3 client.
func (g *Gateway) SetOverflowSink(sink *audit.OverflowSink) {
	g.overflow = sink
}

// New assembles a Gateway from already-constructed collaborators. Wiring
// them (resolving config, building clients via the Session Manager,
// opening the Cache Store) is the caller's responsibility — typically
// cmd/gatewayctl's main — so Gateway itself never reaches into a global
// registry to find them (§9).
func New(
	cfg config.Config,
	store cache.Store,
	inv *invoker.Invoker,
	breakers *resilience.Registry,
	recorder *audit.Recorder,
	logger observability.Logger,
	session dependencyProber,
) *Gateway {
	return &Gateway{
		cfg:      cfg,
		cache:    store,
		coalesce: coalesce.New(),
		router:   router.New(cfg.ModelCatalog, breakers),
		invoker:  inv,
		breakers: breakers,
		retry:    resilience.DefaultRetryPolicy(),
		audit:    recorder,
		logger:   logger,
		perf:     observability.NewPerformanceLogger(logger),
		session:  session,
	}
}

// Generate runs the generation path: validate against the catalog, call
// the Remote Invoker through the breaker and retry policy, and emit an
// audit record regardless of outcome (§4.9, §4.5, §4.7, §4.8).
func (g *Gateway) Generate(ctx context.Context, req models.Request) (models.Response, error) {
	start := time.Now()
	requestID := observability.GenerateRequestID()
	ctx = observability.WithRequestID(ctx, requestID)

	if err := g.router.ValidateGenerate(req); err != nil {
		g.auditFailure(req, requestID, err, start)
		return models.Response{Success: false, Error: models.KindOf(err), ErrorDetail: err.Error()}, err
	}

	// An explicit zero deadline means "no time budget at all" (§8), distinct
	// from a nil Deadline ("no caller deadline", the only bound being
	// MaxAttempts). Short-circuit before the breaker, retry loop, or
	// invoker ever run.
	if req.Deadline != nil && *req.Deadline == 0 {
		err := models.NewError(models.ErrTimeout, "deadline of zero leaves no time budget for a remote call")
		g.auditFailure(req, requestID, err, start)
		return models.Response{Success: false, Error: models.KindOf(err), ErrorDetail: err.Error()}, err
	}

	var retryDeadline time.Duration
	callCtx := ctx
	if req.Deadline != nil {
		retryDeadline = *req.Deadline
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, retryDeadline)
		defer cancel()
	}

	breaker := g.breakers.Get(resilience.DependencyModelProvider)
	var resp models.Response
	err := g.retry.Do(callCtx, retryDeadline, func(attempt int) error {
		if waitErr := g.breakers.Wait(callCtx, resilience.DependencyModelProvider); waitErr != nil {
			return models.WrapError(models.ErrTimeout, "rate limit wait exceeded deadline", waitErr)
		}
		out, execErr := breaker.Execute(callCtx, func() (interface{}, error) {
			return g.invoker.Generate(callCtx, req)
		})
		if execErr != nil {
			if errors.Is(execErr, resilience.ErrCircuitBreakerOpen) {
				g.audit.RecordDependencyOpen(req.ModelID, requestID)
				return models.NewError(models.ErrDependencyOpen, "model provider breaker is open")
			}
			return asGatewayErr(execErr)
		}
		resp = out.(models.Response)
		return nil
	})

	elapsed := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		g.auditFailure(req, requestID, err, start)
		g.perf.LogWithDuration(observability.LogLevelWarn, "generate request failed", time.Since(start), map[string]interface{}{"model_id": req.ModelID})
		return models.Response{Success: false, Error: models.KindOf(err), ErrorDetail: err.Error(), ProcessingTimeMs: elapsed}, err
	}
	g.perf.LogWithDuration(observability.LogLevelInfo, "generate request completed", time.Since(start), map[string]interface{}{
		"model_id":      req.ModelID,
		"input_tokens":  resp.TokenUsage.Input,
		"output_tokens": resp.TokenUsage.Output,
	})

	resp.ProcessingTimeMs = elapsed

	var overflowKey string
	if g.overflow != nil {
		payload := []byte(req.Prompt + "\n---\n" + resp.Content)
		if key, oErr := g.overflow.Store(ctx, requestID, payload); oErr != nil {
			g.logger.Warn("audit overflow upload failed", map[string]interface{}{"error": oErr.Error()})
		} else {
			overflowKey = key
		}
	}

	auditRec := models.AuditRecord{
		Timestamp:        nowFunc(),
		UserID:           req.UserID,
		AuditReason:      req.AuditReason,
		ModelID:          req.ModelID,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		ProcessingTimeMs: elapsed,
		Success:          true,
		RequestID:        requestID,
		InputTokens:      resp.TokenUsage.Input,
		OutputTokens:     resp.TokenUsage.Output,
		OverflowKey:      overflowKey,
	}
	g.audit.Record(auditRec)
	resp.AuditTrail = auditRec
	return resp, nil
}

// Invoke is a convenience wrapper over Generate (§4.9).
func (g *Gateway) Invoke(ctx context.Context, modelID, prompt string) (string, error) {
	resp, err := g.Generate(ctx, models.Request{ModelID: modelID, Prompt: prompt})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Embed resolves a single embedding request through the cache, the
// router's decision matrix, and the single-flight coordinator (§4.9,
// §4.3, §4.4, §4.5).
func (g *Gateway) Embed(ctx context.Context, req models.EmbedRequest) (models.EmbedResult, error) {
	start := time.Now()
	ctx = observability.WithRequestID(ctx, observability.GenerateRequestID())

	if req.Text == "" {
		err := models.NewError(models.ErrClient, "text must not be empty")
		return models.EmbedResult{Error: models.KindOf(err), ErrorDetail: err.Error()}, err
	}
	// An explicit zero deadline leaves no time budget for a remote call
	// (§8), distinct from a nil Deadline meaning "no caller deadline".
	if req.Deadline != nil && *req.Deadline == 0 {
		err := models.NewError(models.ErrTimeout, "deadline of zero leaves no time budget for a remote call")
		return models.EmbedResult{Error: models.KindOf(err), ErrorDetail: err.Error()}, err
	}

	hash := cache.TextHash(req.Text, req.ModelID, "")
	analysis := analyze(req.Text)

	var entry *models.CachedEmbedding
	hit := false
	if req.UseCache {
		if e, found, err := g.cache.Lookup(ctx, hash, req.Text); err != nil {
			g.logger.Warn("cache lookup failed, proceeding without it", map[string]interface{}{"error": err.Error()})
		} else if found {
			entry, hit = e, true
		}
	}

	fastModelID := g.cfg.Provider.DefaultModelID
	premiumModelID := g.cfg.Provider.DefaultModelID
	decision := g.router.RouteEmbed(req, analysis, hit, fastModelID, premiumModelID)

	if decision.Strategy == router.StrategyCache {
		g.perf.LogWithDuration(observability.LogLevelDebug, "embed served from cache", time.Since(start), map[string]interface{}{"model_id": entry.ModelID})
		return models.EmbedResult{
			Vector:       entry.Vector,
			Source:       models.SourceCache,
			ModelUsed:    entry.ModelID,
			QualityScore: entry.QualityScore,
			CacheID:      entry.ID,
		}, nil
	}

	var coalesceDeadline time.Duration
	if req.Deadline != nil {
		coalesceDeadline = *req.Deadline
	}
	key := fmt.Sprintf("%x:%s", hash, decision.ModelID)
	raw, err := g.coalesce.Do(ctx, key, coalesceDeadline, func() (interface{}, error) {
		return g.embedViaInvoker(ctx, decision.ModelID, req.Text)
	})
	if err != nil {
		return models.EmbedResult{Error: models.KindOf(err), ErrorDetail: err.Error()}, err
	}
	result := raw.(models.EmbedResult)

	if decision.CacheAfter {
		newEntry := &models.CachedEmbedding{
			TextHash:       hash,
			Text:           req.Text,
			Vector:         result.Vector,
			ModelID:        result.ModelUsed,
			QualityScore:   0.5,
			CreatedAt:      nowFunc(),
			LastAccessedAt: nowFunc(),
		}
		if err := g.cache.Put(ctx, newEntry); err != nil {
			g.logger.Warn("cache put failed after embed", map[string]interface{}{"error": err.Error()})
		}
	}
	g.perf.LogWithDuration(observability.LogLevelInfo, "embed resolved via remote call", time.Since(start), map[string]interface{}{"model_id": decision.ModelID})
	return result, nil
}

// embedViaInvoker calls the Remote Invoker through the model provider
// breaker, the same protection Generate applies.
func (g *Gateway) embedViaInvoker(ctx context.Context, modelID, text string) (models.EmbedResult, error) {
	if waitErr := g.breakers.Wait(ctx, resilience.DependencyModelProvider); waitErr != nil {
		return models.EmbedResult{}, models.WrapError(models.ErrTimeout, "rate limit wait exceeded deadline", waitErr)
	}
	breaker := g.breakers.Get(resilience.DependencyModelProvider)
	out, err := breaker.Execute(ctx, func() (interface{}, error) {
		return g.invoker.Embed(ctx, modelID, text)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
			g.audit.RecordDependencyOpen(modelID, "")
			return models.EmbedResult{}, models.NewError(models.ErrDependencyOpen, "model provider breaker is open")
		}
		return models.EmbedResult{}, asGatewayErr(err)
	}
	return models.EmbedResult{
		Vector:    out.([]float32),
		Source:    models.SourceRemote,
		ModelUsed: modelID,
	}, nil
}

// EmbedBatch embeds each element independently; a failure on one element
// never aborts the others (§4.9).
func (g *Gateway) EmbedBatch(ctx context.Context, reqs []models.EmbedRequest) []models.EmbedResult {
	results := make([]models.EmbedResult, len(reqs))
	for i, req := range reqs {
		result, err := g.Embed(ctx, req)
		if err != nil {
			result.Error = models.KindOf(err)
			result.ErrorDetail = err.Error()
		}
		results[i] = result
	}
	return results
}

// Health reports dependency and breaker status. It is pure observation:
// TestDependency's probes are non-mutating reads, and Statuses() only
// snapshots breaker state (§4.9, §4.2, §4.7, §8's "Health() is pure
// observation and never mutates state").
func (g *Gateway) Health(ctx context.Context) models.HealthReport {
	statuses := g.breakers.Statuses()
	breakers := make([]models.BreakerStatus, len(statuses))
	for i, s := range statuses {
		breakers[i] = models.BreakerStatus{Name: s.Name, State: s.State}
	}

	var deps []models.DependencyHealth
	if g.session != nil {
		for _, name := range []string{"model_provider", "object_store", "relational_store"} {
			deps = append(deps, g.session.TestDependency(ctx, name))
		}
	}
	return models.HealthReport{Dependencies: deps, Breakers: breakers}
}

// CacheStats passes through to the Cache Store for the CLI's cache-stats
// command (§6). A BackingStoreUnavailable error here is expected when the
// relational store is down and should not be treated as a gateway fault.
func (g *Gateway) CacheStats(ctx context.Context, window time.Duration) (models.CacheStats, error) {
	return g.cache.Stats(ctx, window)
}

func (g *Gateway) auditFailure(req models.Request, requestID string, err error, start time.Time) {
	g.audit.Record(models.AuditRecord{
		Timestamp:        nowFunc(),
		UserID:           req.UserID,
		AuditReason:      req.AuditReason,
		ModelID:          req.ModelID,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		Success:          false,
		ErrorKind:        models.KindOf(err),
		ErrorDetail:      err.Error(),
		RequestID:        requestID,
	})
}

// asGatewayErr recovers a *models.GatewayError from a chain the circuit
// breaker has wrapped with github.com/pkg/errors (which preserves Unwrap,
// so errors.As still reaches it), and wraps anything else as Transient.
func asGatewayErr(err error) error {
	var ge *models.GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return models.WrapError(models.ErrTransient, "model provider call failed", err)
}

// analyze builds a minimal TextAnalysis from length alone; domain and
// language detection are left as a supplemented-feature extension point
// (SPEC_FULL.md), not required for the routing matrix's length/complexity
// branches.
func analyze(text string) models.TextAnalysis {
	length := len(text)
	complexity := float64(length) / 2000
	if complexity > 1 {
		complexity = 1
	}
	return models.TextAnalysis{Length: length, Complexity: complexity}
}

var nowFunc = time.Now
