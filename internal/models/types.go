// Package models holds the request/response contracts and persisted
// entities shared across the gateway's components (§3 of the spec).
package models

import "time"

// Request is a generation request against a chat or text model family.
//
// Deadline is a pointer so "unset" (nil, wait as long as MaxAttempts
// allows) is distinguishable from an explicit zero deadline (§8: "Deadline
// = 0 — returns Timeout before any remote call"), which a bare
// time.Duration cannot represent since its zero value means both things.
type Request struct {
	Prompt             string
	ModelID            string
	Temperature        float64
	MaxTokens          int
	UserID             string
	AuditReason        string
	Deadline           *time.Duration
	RequireHighQuality bool
}

// TokenUsage reports input/output/total token counts for a generation call.
type TokenUsage struct {
	Input  int
	Output int
	Total  int
}

// Response is the outcome of a Generate call. Invariant: when Success is
// true, TokenUsage.Total == TokenUsage.Input + TokenUsage.Output.
type Response struct {
	Content          string
	Success          bool
	ModelUsed        string
	ProcessingTimeMs float64
	TokenUsage       TokenUsage
	Error            ErrorKind
	ErrorDetail      string
	AuditTrail       AuditRecord
}

// EmbedSource identifies which path produced an embedding result.
type EmbedSource string

const (
	SourceCache  EmbedSource = "Cache"
	SourceLocal  EmbedSource = "Local"
	SourceRemote EmbedSource = "Remote"
)

// EmbedRequest is a request for a single text embedding.
//
// Deadline carries the same nil-means-unset convention as Request.Deadline.
type EmbedRequest struct {
	Text               string
	ModelID            string
	RequireHighQuality bool
	UseCache           bool
	Deadline           *time.Duration
	Tags               map[string]string
}

// EmbedResult is the outcome of an Embed call.
type EmbedResult struct {
	Vector       []float32
	Source       EmbedSource
	ModelUsed    string
	QualityScore float64
	CacheID      int64
	Error        ErrorKind
	ErrorDetail  string
}

// CachedEmbedding is the persisted row backing the content-addressed cache
// (§3, §4.3). TextHash is the primary lookup key; ID is the storage-assigned
// surrogate key.
type CachedEmbedding struct {
	ID                int64
	TextHash          [32]byte
	Text              string
	Vector            []float32
	VectorCompressed  []float32
	ModelID           string
	ModelVersion      string
	IsEnsemble        bool
	QualityScore      float64
	ConfidenceScore   float64
	UsageCount        int
	SuccessfulUses    int
	FailedUses        int
	AvgRetrievalRank  *float64
	CreatedAt         time.Time
	LastAccessedAt    time.Time
	ExpiresAt         *time.Time
	PosFeedback       int
	NegFeedback       int
}

// ModelPerformance holds rolling aggregates for a model family (§3, C8).
type ModelPerformance struct {
	ModelID        string
	AvgQuality     float64
	AvgLatencyMs   float64
	SuccessRate    float64
	SampleCount    int64
	LastUpdatedAt  time.Time
}

// AuditRecord is an append-only audit entry emitted by C8 for every
// outward call, success or failure.
type AuditRecord struct {
	Timestamp        time.Time
	UserID           string
	AuditReason      string
	ModelID          string
	Temperature      float64
	MaxTokens        int
	ProcessingTimeMs float64
	Success          bool
	ErrorKind        ErrorKind
	ErrorDetail      string
	RequestID        string
	InputTokens      int
	OutputTokens     int
	OverflowKey      string
}

// TextAnalysis captures the router's view of an embedding request's text
// (§4.5): length, complexity, domain, and language hints used for routing.
type TextAnalysis struct {
	Length     int
	Complexity float64
	Domain     string
	Language   string
}

// HealthReport is the result of Gateway.Health() (§4.9).
type HealthReport struct {
	Dependencies []DependencyHealth
	Breakers     []BreakerStatus
}

type DependencyHealth struct {
	Name      string
	OK        bool
	LatencyMs float64
	Detail    string
}

type BreakerStatus struct {
	Name  string
	State string
}

// CacheStats summarizes the Cache Store for the CLI's cache-stats command
// (§6): total row count and the hit rate observed over the recent usage
// window tracked by RecordUsage's successful/total counters.
type CacheStats struct {
	RowCount        int64
	HitRate         float64
	AvgQualityScore float64
}
