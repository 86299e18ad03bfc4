// Package main provides a CLI tool that splits a collection into partitions
// sized under the backend's page-depth limit and persists the resulting plan.
//
// Usage:
//
//	./generate-partitions \
//	  --endpoint=https://acme.search.example.net \
//	  --index=products \
//	  --field=createdAt \
//	  --api-key=KEY \
//	  --plan=plans/products.json
//
// Bounds are discovered from the collection unless --lower and --upper are
// supplied. The plan destination can also be an s3://bucket/key URL.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/cobaltedge/indexport/internal/adapters/outbound/localfs"
	"github.com/cobaltedge/indexport/internal/adapters/outbound/postgres"
	"github.com/cobaltedge/indexport/internal/adapters/outbound/s3"
	"github.com/cobaltedge/indexport/internal/adapters/outbound/searchapi"
	"github.com/cobaltedge/indexport/internal/adapters/outbound/telemetry"
	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/pkg/env"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
	"github.com/cobaltedge/indexport/internal/services/bounds"
	"github.com/cobaltedge/indexport/internal/services/partitioner"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
	slog.Info("completed successfully")
}

type cliConfig struct {
	endpoint     string
	index        string
	field        string
	apiKey       string
	table        string
	docColumn    string
	lower        string
	upper        string
	limit        int64
	planPath     string
	overwrite    bool
	rateLimit    float64
	timeout      time.Duration
	otlpEndpoint string
	verbose      bool
}

func parseFlags(args []string) (cliConfig, error) {
	fs := flag.NewFlagSet("generate-partitions", flag.ContinueOnError)
	endpoint := fs.String("endpoint", "", "Search service URL or postgres:// connection string (required)")
	index := fs.String("index", "", "Index name to partition (required for search endpoints)")
	field := fs.String("field", "", "Ordering field to partition on (required)")
	apiKey := fs.String("api-key", "", "Search API key (or SEARCH_API_KEY env var)")
	table := fs.String("table", "", "Table holding the collection (postgres endpoints)")
	docColumn := fs.String("doc-column", "", "JSON document column (postgres endpoints; whole row when empty)")
	lower := fs.String("lower", "", "Lower bound in canonical form (discovered when omitted)")
	upper := fs.String("upper", "", "Upper bound in canonical form (discovered when omitted)")
	limit := fs.Int64("limit", 0, "Per-partition document limit (0 = the backend's page-depth limit)")
	planPath := fs.String("plan", "", "Plan destination: file path or s3://bucket/key (required)")
	overwrite := fs.Bool("overwrite", false, "Replace an existing plan at the destination")
	rateLimit := fs.Float64("rate-limit", 15, "Maximum requests per second against the search service")
	timeout := fs.Duration("timeout", 30*time.Second, "Timeout for a single request")
	otlpEndpoint := fs.String("otlp-endpoint", "", "OTLP gRPC endpoint for metrics (metrics off when empty)")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg := cliConfig{
		endpoint:     *endpoint,
		index:        *index,
		field:        *field,
		apiKey:       *apiKey,
		table:        *table,
		docColumn:    *docColumn,
		lower:        *lower,
		upper:        *upper,
		limit:        *limit,
		planPath:     *planPath,
		overwrite:    *overwrite,
		rateLimit:    *rateLimit,
		timeout:      *timeout,
		otlpEndpoint: *otlpEndpoint,
		verbose:      *verbose,
	}

	if cfg.endpoint == "" {
		return cliConfig{}, fmt.Errorf("--endpoint is required")
	}
	if cfg.field == "" {
		return cliConfig{}, fmt.Errorf("--field is required")
	}
	if cfg.planPath == "" {
		return cliConfig{}, fmt.Errorf("--plan is required")
	}
	if (cfg.lower == "") != (cfg.upper == "") {
		return cliConfig{}, fmt.Errorf("--lower and --upper must be supplied together")
	}

	if isPostgres(cfg.endpoint) {
		if cfg.table == "" {
			return cliConfig{}, fmt.Errorf("--table is required for postgres endpoints")
		}
		return cfg, nil
	}

	if cfg.index == "" {
		return cliConfig{}, fmt.Errorf("--index is required")
	}
	if cfg.apiKey == "" {
		cfg.apiKey = env.Get("SEARCH_API_KEY", "")
	}
	if cfg.apiKey == "" {
		return cliConfig{}, fmt.Errorf("API key not provided (use --api-key flag or SEARCH_API_KEY env var)")
	}
	return cfg, nil
}

func isPostgres(endpoint string) bool {
	return strings.HasPrefix(endpoint, "postgres://") || strings.HasPrefix(endpoint, "postgresql://")
}

// parseBounds parses a user-supplied range. The kind is inferred from the
// canonical text form; the generator later checks it against the field's
// actual kind, so a mistyped bound cannot silently repartition a collection.
func parseBounds(lowerRaw, upperRaw string) (entity.FieldValue, entity.FieldValue, error) {
	var lower, upper entity.FieldValue
	if err := lower.UnmarshalText([]byte(lowerRaw)); err != nil {
		return entity.FieldValue{}, entity.FieldValue{}, fmt.Errorf("parsing --lower: %w", err)
	}
	if err := upper.UnmarshalText([]byte(upperRaw)); err != nil {
		return entity.FieldValue{}, entity.FieldValue{}, fmt.Errorf("parsing --upper: %w", err)
	}
	if lower.Kind() != upper.Kind() {
		return entity.FieldValue{}, entity.FieldValue{}, fmt.Errorf("--lower is %s but --upper is %s", lower.Kind(), upper.Kind())
	}
	if upper.Less(lower) {
		return entity.FieldValue{}, entity.FieldValue{}, fmt.Errorf("--upper %s is below --lower %s", upper, lower)
	}
	return lower, upper, nil
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	// Supplied bounds are validated before anything goes over the wire.
	var lower, upper entity.FieldValue
	if cfg.lower != "" {
		lower, upper, err = parseBounds(cfg.lower, cfg.upper)
		if err != nil {
			return err
		}
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
		ServiceName:    "indexport-generate",
		ServiceVersion: env.Get("SERVICE_VERSION", "dev"),
		Environment:    env.Get("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.otlpEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	var metrics outbound.MetricsRecorder
	if cfg.otlpEndpoint != "" {
		m, err := telemetry.NewMetrics("indexport")
		if err != nil {
			return fmt.Errorf("creating metrics: %w", err)
		}
		metrics = m
	}

	// A bad plan destination should surface before any count queries run.
	store, err := newPlanStore(ctx, cfg.planPath, logger)
	if err != nil {
		return err
	}

	source, cleanup, err := newSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.lower == "" {
		finder, err := bounds.NewService(bounds.Config{Field: cfg.field, Logger: logger}, source)
		if err != nil {
			return fmt.Errorf("creating bound finder: %w", err)
		}
		lower, upper, err = finder.FindBounds(ctx)
		if err != nil {
			return err
		}
	}

	generator, err := partitioner.NewService(partitioner.Config{
		Field:      cfg.field,
		DepthLimit: cfg.limit,
		Metrics:    metrics,
		Logger:     logger,
	}, source)
	if err != nil {
		return fmt.Errorf("creating partition generator: %w", err)
	}

	plan, err := generator.Generate(ctx, lower, upper)
	if err != nil {
		return err
	}

	if err := store.SavePlan(ctx, plan, cfg.overwrite); err != nil {
		return err
	}

	fmt.Printf("plan:       %s\n", cfg.planPath)
	fmt.Printf("partitions: %d\n", len(plan.Partitions))
	fmt.Printf("documents:  %d\n", plan.TotalDocumentCount)
	fmt.Printf("range:      [%s, %s]\n", lower, upper)
	return nil
}

// newPlanStore selects plan storage from the destination: s3:// URLs go to
// S3, anything else to the local filesystem.
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

// newSource builds the document source the endpoint selects: postgres://
// endpoints read a table, anything else goes through the search API.
func newSource(ctx context.Context, cfg cliConfig, logger *slog.Logger) (outbound.DocumentSource, func(), error) {
	if isPostgres(cfg.endpoint) {
		pool, err := postgres.OpenPool(ctx, postgres.DefaultDBConfig(cfg.endpoint))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		source, err := postgres.NewSource(pool, postgres.SourceConfig{
			Table:          cfg.table,
			DocumentColumn: cfg.docColumn,
			IndexName:      cfg.index,
			Logger:         logger,
		})
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("creating postgres source: %w", err)
		}
		return source, pool.Close, nil
	}

	client, err := searchapi.NewClient(searchapi.ClientConfig{
		Endpoint:          cfg.endpoint,
		IndexName:         cfg.index,
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
