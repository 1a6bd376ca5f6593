// Command gatewayctl is the operator-facing entry point for the gateway
// (§6): it wires the Config & Credential Resolver, Session Manager, Cache
// Store, Remote Invoker, Circuit Breaker Registry, and Audit Recorder into
// a Gateway façade, then dispatches one of its subcommands against it.
//
// Grounded on the teacher's cmd/embed/main.go -command flag dispatch
// (flag.String("command", ...) selecting among a handful of
// runXCommand(ctx, ...) functions) rather than a subcommand library,
// since the teacher never reaches for one either.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/corpnet/llmgateway/internal/audit"
	"github.com/corpnet/llmgateway/internal/cache"
	"github.com/corpnet/llmgateway/internal/config"
	"github.com/corpnet/llmgateway/internal/gateway"
	"github.com/corpnet/llmgateway/internal/invoker"
	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
	"github.com/corpnet/llmgateway/internal/resilience"
	"github.com/corpnet/llmgateway/internal/session"
)

const (
	defaultConfigPath        = "config.yaml"
	defaultL1Size            = 1024
	defaultAggregateInterval = time.Minute
	defaultAggregateWindow   = time.Hour
)

var (
	configPath  = flag.String("config", defaultConfigPath, "Path to config file")
	breakerImpl = flag.String("breaker", "native", "Circuit breaker implementation: native or gobreaker")
	window      = flag.Duration("window", 24*time.Hour, "Lookback window for the cache-stats command")
	applyMigs   = flag.Bool("migrate", false, "Apply pending schema migrations before running the command")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		log.Fatal("a command is required: health, embed <text>, invoke <model> <prompt>, cache-stats, aggregate")
	}
	command, args := args[0], args[1:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if dump, dumpErr := cfg.Dump(); dumpErr == nil {
		log.Printf("effective configuration:\n%s", dump)
	}

	logger := observability.NewStandardLogger("gatewayctl")
	metrics := observability.NewNoOpMetricsClient()
	ctx := context.Background()

	sessionMgr := session.NewManager(*cfg, logger)
	defer sessionMgr.Close()

	if *applyMigs {
		if err := runMigrations(ctx, sessionMgr, cfg.RelationalStore); err != nil {
			log.Fatalf("failed to apply migrations: %v", err)
		}
	}

	db, err := sessionMgr.GetRelationalPool(ctx)
	if err != nil {
		log.Fatalf("failed to open relational store: %v", err)
	}

	store, err := cache.NewPostgresStore(db, cfg.RelationalStore.Schema, defaultL1Size, logger, cfg.ModelCatalog)
	if err != nil {
		log.Fatalf("failed to build cache store: %v", err)
	}
	if cfg.Redis.Addr != "" {
		redisTier := cache.NewResilientRedisCache(cfg.Redis, logger, metrics)
		store.SetRedisTier(redisTier)
		defer redisTier.Close()
	}

	modelClient, err := sessionMgr.GetRuntimeClient(ctx)
	if err != nil {
		log.Fatalf("failed to build model provider client: %v", err)
	}
	inv := invoker.NewInvoker(modelClient, cfg.Timeouts, logger)

	breakers := resilience.NewRegistryWithImplementation(*breakerImpl, logger, metrics)
	recorder := audit.NewRecorder(db, cfg.RelationalStore.Schema, logger, metrics)
	defer recorder.Close()

	gw := gateway.New(*cfg, store, inv, breakers, recorder, logger, sessionMgr)

	if cfg.ObjectStore.Bucket != "" {
		if objectClient, objErr := sessionMgr.GetObjectStoreClient(ctx); objErr != nil {
			logger.Warn("object store client unavailable, audit overflow disabled", map[string]interface{}{"error": objErr.Error()})
		} else {
			gw.SetOverflowSink(audit.NewOverflowSink(objectClient, cfg.ObjectStore.Bucket, logger))
		}
	}

	var cmdErr error
	switch command {
	case "health":
		cmdErr = runHealth(ctx, gw)
	case "embed":
		cmdErr = runEmbed(ctx, gw, args)
	case "invoke":
		cmdErr = runInvoke(ctx, gw, args)
	case "cache-stats":
		cmdErr = runCacheStats(ctx, gw, *window)
	case "aggregate":
		cmdErr = runAggregate(db, cfg.RelationalStore.Schema, logger)
	default:
		cmdErr = fmt.Errorf("unknown command: %s", command)
	}
	if cmdErr != nil {
		log.Fatalf("%s failed: %v", command, cmdErr)
	}
}

// runHealth prints dependency and breaker status and exits non-zero
// (via log.Fatalf in main, triggered by the returned error) when any
// dependency is unhealthy or any breaker is open (§6).
func runHealth(ctx context.Context, gw *gateway.Gateway) error {
	report := gw.Health(ctx)

	unhealthy := false
	for _, dep := range report.Dependencies {
		status := "ok"
		if !dep.OK {
			status = "FAIL"
			unhealthy = true
		}
		fmt.Printf("dependency %-18s %-4s latency=%.1fms detail=%s\n", dep.Name, status, dep.LatencyMs, dep.Detail)
	}
	for _, b := range report.Breakers {
		fmt.Printf("breaker    %-18s %s\n", b.Name, b.State)
		if b.State == "open" {
			unhealthy = true
		}
	}

	if unhealthy {
		return fmt.Errorf("one or more dependencies or breakers are unhealthy")
	}
	return nil
}

// runEmbed embeds a single piece of text and reports whether the vector
// came from cache or a remote call (§6, §4.3).
func runEmbed(ctx context.Context, gw *gateway.Gateway, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: embed <text>")
	}
	text := args[0]

	result, err := gw.Embed(ctx, models.EmbedRequest{Text: text, UseCache: true})
	if err != nil {
		return err
	}
	fmt.Printf("source=%s model=%s quality=%.2f dims=%d\n", result.Source, result.ModelUsed, result.QualityScore, len(result.Vector))
	return nil
}

// runInvoke generates against modelID with prompt and prints the content
// (§6, §4.9's Invoke convenience wrapper).
func runInvoke(ctx context.Context, gw *gateway.Gateway, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: invoke <model> <prompt>")
	}
	modelID, prompt := args[0], args[1]

	content, err := gw.Invoke(ctx, modelID, prompt)
	if err != nil {
		return err
	}
	fmt.Println(content)
	return nil
}

// runCacheStats prints the row count, average quality score, and hit rate
// observed over the configured window (§6, supplemented feature).
func runCacheStats(ctx context.Context, gw *gateway.Gateway, window time.Duration) error {
	stats, err := gw.CacheStats(ctx, window)
	if err != nil {
		return err
	}
	fmt.Printf("rows=%d avg_quality=%.3f hit_rate=%.3f window=%s\n", stats.RowCount, stats.AvgQualityScore, stats.HitRate, window)
	return nil
}

// runAggregate runs the model performance aggregation job in the
// foreground until SIGINT/SIGTERM, grounded on the teacher's
// cmd/server/main.go signal-handling shutdown (§4.8, SPEC_FULL's
// "periodic single-writer" aggregation job).
func runAggregate(db *sql.DB, schema string, logger observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agg := audit.NewAggregator(db, schema, defaultAggregateInterval, defaultAggregateWindow, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal, stopping aggregator", nil)
		cancel()
	}()

	agg.Run(ctx)
	return nil
}

// runMigrations applies the Cache Store's schema migrations, grounded on
// the teacher's migration.Manager being invoked from main before the
// server accepts traffic rather than from inside a request path.
func runMigrations(ctx context.Context, sessionMgr *session.Manager, rc config.RelationalStoreConfig) error {
	db, err := sessionMgr.GetRelationalPool(ctx)
	if err != nil {
		return err
	}
	sqlxDB := sqlx.NewDb(db, "postgres")

	migrator, err := cache.NewMigrator(sqlxDB, cache.MigrationConfig{Path: rc.MigrationsPath})
	if err != nil {
		return err
	}
	defer migrator.Close()
	return migrator.Up(ctx)
}
