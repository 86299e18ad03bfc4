// Package main provides a CLI tool that exports the partitions of a persisted
// plan to newline-delimited JSON files, a bounded number of partitions at a
// time.
//
// Usage:
//
//	./export-partitions \
//	  --plan=plans/products.json \
//	  --out=exports/products \
//	  --api-key=KEY \
//	  --concurrency=8 \
//	  --page-size=1000
//
// Plan and output locations can be s3://bucket/prefix URLs. With
// --claim-redis, several export processes can share one plan: partitions
// claimed by a sibling are skipped here and reported as such.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/cobaltedge/indexport/internal/adapters/outbound/localfs"
	"github.com/cobaltedge/indexport/internal/adapters/outbound/postgres"
	"github.com/cobaltedge/indexport/internal/adapters/outbound/redis"
	"github.com/cobaltedge/indexport/internal/adapters/outbound/s3"
	"github.com/cobaltedge/indexport/internal/adapters/outbound/searchapi"
	"github.com/cobaltedge/indexport/internal/adapters/outbound/telemetry"
	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/pkg/env"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
	"github.com/cobaltedge/indexport/internal/services/exporter"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
	slog.Info("completed successfully")
}

type cliConfig struct {
	planPath     string
	out          string
	apiKey       string
	dbURL        string
	table        string
	docColumn    string
	concurrency  int
	pageSize     int64
	include      []int
	exclude      []int
	compress     bool
	claimRedis   string
	claimTTL     time.Duration
	owner        string
	rateLimit    float64
	timeout      time.Duration
	otlpEndpoint string
	verbose      bool
}

func parseFlags(args []string) (cliConfig, error) {
	fs := flag.NewFlagSet("export-partitions", flag.ContinueOnError)
	planPath := fs.String("plan", "", "Plan location: file path or s3://bucket/key (required)")
	out := fs.String("out", "", "Output directory or s3://bucket/prefix (required)")
	apiKey := fs.String("api-key", "", "Search API key (or SEARCH_API_KEY env var)")
	dbURL := fs.String("db", "", "PostgreSQL connection URL for postgres plans (or DATABASE_URL env var)")
	table := fs.String("table", "", "Table holding the collection (postgres plans; defaults to the plan's index name)")
	docColumn := fs.String("doc-column", "", "JSON document column (postgres plans; whole row when empty)")
	concurrency := fs.Int("concurrency", 4, "Number of partitions exported in parallel")
	pageSize := fs.Int64("page-size", 1000, "Documents requested per page")
	include := fs.String("include", "", "Comma-separated partition indices to export (all when empty)")
	exclude := fs.String("exclude", "", "Comma-separated partition indices to skip")
	compress := fs.Bool("compress", false, "Gzip each partition file")
	claimRedis := fs.String("claim-redis", "", "Redis address for cross-process partition claims (off when empty)")
	claimTTL := fs.Duration("claim-ttl", time.Hour, "How long a partition claim lives before expiring")
	owner := fs.String("owner", "", "Claim owner identity (defaults to hostname:pid)")
	rateLimit := fs.Float64("rate-limit", 15, "Maximum requests per second against the search service")
	timeout := fs.Duration("timeout", 30*time.Second, "Timeout for a single request")
	otlpEndpoint := fs.String("otlp-endpoint", "", "OTLP gRPC endpoint for metrics and traces (telemetry off when empty)")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg := cliConfig{
		planPath:     *planPath,
		out:          *out,
		apiKey:       *apiKey,
		dbURL:        *dbURL,
		table:        *table,
		docColumn:    *docColumn,
		concurrency:  *concurrency,
		pageSize:     *pageSize,
		compress:     *compress,
		claimRedis:   *claimRedis,
		claimTTL:     *claimTTL,
		owner:        *owner,
		rateLimit:    *rateLimit,
		timeout:      *timeout,
		otlpEndpoint: *otlpEndpoint,
		verbose:      *verbose,
	}

	if cfg.planPath == "" {
		return cliConfig{}, fmt.Errorf("--plan is required")
	}
	if cfg.out == "" {
		return cliConfig{}, fmt.Errorf("--out is required")
	}
	if *include != "" && *exclude != "" {
		return cliConfig{}, fmt.Errorf("--include and --exclude are mutually exclusive")
	}

	var err error
	if cfg.include, err = parseIndices(*include); err != nil {
		return cliConfig{}, fmt.Errorf("--include: %w", err)
	}
	if cfg.exclude, err = parseIndices(*exclude); err != nil {
		return cliConfig{}, fmt.Errorf("--exclude: %w", err)
	}

	if cfg.apiKey == "" {
		cfg.apiKey = env.Get("SEARCH_API_KEY", "")
	}
	if cfg.dbURL == "" {
		cfg.dbURL = env.Get("DATABASE_URL", "")
	}
	return cfg, nil
}

// parseIndices parses a comma-separated list of partition indices.
func parseIndices(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	indices := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid partition index %q", strings.TrimSpace(p))
		}
		indices = append(indices, n)
	}
	return indices, nil
}

func isPostgres(endpoint string) bool {
	return strings.HasPrefix(endpoint, "postgres://") || strings.HasPrefix(endpoint, "postgresql://")
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	level := env.ParseLogLevel(slog.LevelInfo)
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down...", "signal", sig)
		cancel()
	}()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricConfig{
		ServiceName:    "indexport-export",
		ServiceVersion: env.Get("SERVICE_VERSION", "dev"),
		Environment:    env.Get("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.otlpEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    "indexport-export",
		ServiceVersion: env.Get("SERVICE_VERSION", "dev"),
		Environment:    env.Get("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.otlpEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	store, err := newPlanStore(ctx, cfg.planPath, logger)
	if err != nil {
		return err
	}
	plan, err := store.LoadPlan(ctx)
	if err != nil {
		return err
	}
	logger.Info("loaded partition plan",
		"plan", cfg.planPath,
		"index", plan.IndexName,
		"field", plan.FieldName,
		"partitions", len(plan.Partitions),
		"documents", plan.TotalDocumentCount,
	)

	source, cleanup, err := newSource(ctx, cfg, plan, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	sink, err := newSink(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var claimer outbound.PartitionClaimer
	if cfg.claimRedis != "" {
		rc, err := redis.NewClaimer(redis.ClaimerConfig{
			Addr:     cfg.claimRedis,
			Password: env.Get("REDIS_PASSWORD", ""),
			TTL:      cfg.claimTTL,
			Owner:    cfg.owner,
		}, logger)
		if err != nil {
			return fmt.Errorf("creating partition claimer: %w", err)
		}
		if err := rc.Ping(ctx); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() {
			if err := rc.Close(); err != nil {
				logger.Warn("failed to close claimer", "error", err)
			}
		}()
		claimer = rc
		logger.Info("partition claims enabled", "redis", cfg.claimRedis)
	}

	var metrics outbound.MetricsRecorder
	if cfg.otlpEndpoint != "" {
		m, err := telemetry.NewMetrics("indexport")
		if err != nil {
			return fmt.Errorf("creating metrics: %w", err)
		}
		metrics = m
	}

	svc, err := exporter.NewService(exporter.Config{
		Concurrency:    cfg.concurrency,
		PageSize:       cfg.pageSize,
		IncludeIndices: cfg.include,
		ExcludeIndices: cfg.exclude,
		Claimer:        claimer,
		Metrics:        metrics,
		Logger:         logger,
	}, plan, source, sink)
	if err != nil {
		return fmt.Errorf("creating exporter: %w", err)
	}

	report, runErr := svc.Run(ctx)
	if report != nil {
		fmt.Print(report.FormatText())
	}
	return runErr
}

// newPlanStore selects plan storage from the location: s3:// URLs go to S3,
// anything else to the local filesystem.
func newPlanStore(ctx context.Context, path string, logger *slog.Logger) (outbound.PlanStore, error) {
	if strings.HasPrefix(path, "s3://") {
		bucket, key, err := s3.ParseURL(path)
		if err != nil {
			return nil, err
		}
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		return s3.NewPlanStore(awsCfg, bucket, key, logger)
	}
	return localfs.NewPlanStore(path, logger)
}

// newSource dials whatever backend the plan was generated against. Postgres
// plans record a credential-free endpoint, so the connection string comes
// from --db or DATABASE_URL instead.
func newSource(ctx context.Context, cfg cliConfig, plan *entity.PartitionPlan, logger *slog.Logger) (outbound.DocumentSource, func(), error) {
	if isPostgres(plan.Endpoint) {
		if cfg.dbURL == "" {
			return nil, nil, fmt.Errorf("plan targets %s: database URL not provided (use --db flag or DATABASE_URL env var)", plan.Endpoint)
		}
		dbCfg := postgres.DefaultDBConfig(cfg.dbURL)
		// Every worker pages through its own connection.
		if int32(cfg.concurrency) > dbCfg.MaxConns {
			dbCfg.MaxConns = int32(cfg.concurrency)
		}
		pool, err := postgres.OpenPool(ctx, dbCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		table := cfg.table
		if table == "" {
			table = plan.IndexName
		}
		source, err := postgres.NewSource(pool, postgres.SourceConfig{
			Table:          table,
			DocumentColumn: cfg.docColumn,
			IndexName:      plan.IndexName,
			Logger:         logger,
		})
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("creating postgres source: %w", err)
		}
		return source, pool.Close, nil
	}

	if cfg.apiKey == "" {
		return nil, nil, fmt.Errorf("API key not provided (use --api-key flag or SEARCH_API_KEY env var)")
	}
	client, err := searchapi.NewClient(searchapi.ClientConfig{
		Endpoint:          plan.Endpoint,
		IndexName:         plan.IndexName,
		APIKey:            cfg.apiKey,
		Timeout:           cfg.timeout,
		RequestsPerSecond: cfg.rateLimit,
		Logger:            logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating search client: %w", err)
	}
	return client, func() {}, nil
}

// newSink selects the output target: s3://bucket/prefix uploads objects,
// anything else writes files under a local directory.
func newSink(ctx context.Context, cfg cliConfig, logger *slog.Logger) (outbound.ExportSink, error) {
	if strings.HasPrefix(cfg.out, "s3://") {
		bucket, prefix, err := s3.ParseURL(cfg.out)
		if err != nil {
			return nil, err
		}
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		return s3.NewExportSink(awsCfg, s3.SinkConfig{
			Bucket: bucket,
			Prefix: prefix,
			Gzip:   cfg.compress,
			Logger: logger,
		})
	}
	return localfs.NewExportSink(localfs.SinkConfig{
		Dir:    cfg.out,
		Gzip:   cfg.compress,
		Logger: logger,
	})
}
