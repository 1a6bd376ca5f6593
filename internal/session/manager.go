// Package session implements the Session Manager (C2): a process-wide pool
// of lazily-initialized, thread-safe clients for the model provider, the
// object store, and the relational store (§4.2).
//
// Grounded on the teacher's pkg/common/aws/client.go (StandardAWSClient's
// "create on first use, cache on the struct" pattern for its S3/SQS
// clients) and internal/adapters/bedrock/bedrock.go's Initialize/
// testConnection, generalized to all three dependencies. Unlike the
// teacher's CreateS3Client/CreateSQSClient (unprotected lazy fields — a
// benign race for identical idempotent constructions, but not a pattern
// worth repeating here), each client here is built under its own mutex so
// concurrent first uses produce exactly one client (§4.2).
package session

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/lib/pq"

	"github.com/corpnet/llmgateway/internal/config"
	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
)

// Manager owns the gateway's three external clients. It is a constructed
// value held by the Gateway façade (C9) — not a package-level singleton
// (§9 design note) — so multiple gateways in one process (e.g. in tests)
// never share connections unintentionally.
type Manager struct {
	cfg    config.Config
	logger observability.Logger

	modelMu sync.Mutex
	model   *bedrockruntime.Client
	modelErr error

	objectMu sync.Mutex
	object   *s3.Client
	objectErr error

	relMu sync.Mutex
	rel   *sql.DB
	relErr error
}

func NewManager(cfg config.Config, logger observability.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger}
}

// GetModelClient returns the shared Bedrock runtime client, constructing it
// on first use. A construction failure is not cached, so a later call may
// succeed once the transient cause (e.g. credential refresh) clears (§4.2).
func (m *Manager) GetModelClient(ctx context.Context) (*bedrockruntime.Client, error) {
	m.modelMu.Lock()
	defer m.modelMu.Unlock()

	if m.model != nil {
		return m.model, nil
	}

	pc := m.cfg.Provider
	awsCfg, err := loadAWSConfig(ctx, pc.Region, pc.Profile, pc.AccessKeyID, pc.SecretAccessKey)
	if err != nil {
		m.modelErr = err
		return nil, models.WrapError(models.ErrConfig, "loading model provider AWS config", err)
	}

	client := bedrockruntime.NewFromConfig(awsCfg)
	m.model = client
	m.modelErr = nil
	return client, nil
}

// GetRuntimeClient is an alias for GetModelClient: in this gateway the
// model provider and the runtime invocation endpoint are the same Bedrock
// client, but the two operations are named separately per §4.2 since some
// providers split control-plane and data-plane endpoints.
func (m *Manager) GetRuntimeClient(ctx context.Context) (*bedrockruntime.Client, error) {
	return m.GetModelClient(ctx)
}

// GetObjectStoreClient returns the shared S3 client for audit overflow and
// large-artifact storage (§6).
func (m *Manager) GetObjectStoreClient(ctx context.Context) (*s3.Client, error) {
	m.objectMu.Lock()
	defer m.objectMu.Unlock()

	if m.object != nil {
		return m.object, nil
	}

	oc := m.cfg.ObjectStore
	awsCfg, err := loadAWSConfig(ctx, oc.Region, oc.Profile, oc.AccessKeyID, oc.SecretAccessKey)
	if err != nil {
		m.objectErr = err
		return nil, models.WrapError(models.ErrConfig, "loading object store AWS config", err)
	}

	client := s3.NewFromConfig(awsCfg)
	m.object = client
	m.objectErr = nil
	return client, nil
}

// GetRelationalPool returns the shared *sql.DB pool backing the Cache
// Store and audit log.
func (m *Manager) GetRelationalPool(ctx context.Context) (*sql.DB, error) {
	m.relMu.Lock()
	defer m.relMu.Unlock()

	if m.rel != nil {
		return m.rel, nil
	}

	rc := m.cfg.RelationalStore
	db, err := sql.Open("postgres", rc.DSN)
	if err != nil {
		m.relErr = err
		return nil, models.WrapError(models.ErrConfig, "opening relational store pool", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		m.relErr = err
		return nil, models.WrapError(models.ErrBackingStoreDown, "pinging relational store", err)
	}
	db.SetMaxOpenConns(rc.MaxOpenConns)
	db.SetMaxIdleConns(rc.MaxIdleConns)
	db.SetConnMaxLifetime(rc.ConnMaxLifetime)

	m.rel = db
	m.relErr = nil
	return db, nil
}

// Close tears down every pooled connection this manager has constructed.
// Clients that were never constructed are silently skipped.
func (m *Manager) Close() error {
	var firstErr error
	m.relMu.Lock()
	if m.rel != nil {
		if err := m.rel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.relMu.Unlock()
	return firstErr
}

// TestDependency performs a cheap, non-mutating health probe against the
// named dependency ("model_provider", "object_store", "relational_store"),
// grounded on the teacher's Adapter.Health()/testConnection pattern in
// internal/adapters/bedrock/bedrock.go, generalized across all three
// dependencies instead of being Bedrock-specific (§4.2, SPEC_FULL
// supplemented features).
func (m *Manager) TestDependency(ctx context.Context, name string) models.DependencyHealth {
	start := time.Now()
	var err error

	switch name {
	case "model_provider":
		_, err = m.GetModelClient(ctx)
	case "object_store":
		client, getErr := m.GetObjectStoreClient(ctx)
		if getErr != nil {
			err = getErr
			break
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err = client.ListBuckets(probeCtx, nil)
	case "relational_store":
		pool, getErr := m.GetRelationalPool(ctx)
		if getErr != nil {
			err = getErr
			break
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = pool.PingContext(probeCtx)
	default:
		err = models.NewError(models.ErrConfig, "unknown dependency name")
	}

	latency := time.Since(start).Seconds() * 1000
	if err != nil {
		return models.DependencyHealth{Name: name, OK: false, LatencyMs: latency, Detail: err.Error()}
	}
	return models.DependencyHealth{Name: name, OK: true, LatencyMs: latency, Detail: "ok"}
}

func loadAWSConfig(ctx context.Context, region, profile, accessKeyID, secretAccessKey string) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}
