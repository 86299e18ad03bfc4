// Package main provides a CLI tool that discovers the minimum and maximum
// value of an ordering field, the range a partition plan is generated over.
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

	"github.com/cobaltedge/indexport/internal/adapters/outbound/postgres"
	"github.com/cobaltedge/indexport/internal/adapters/outbound/searchapi"
	"github.com/cobaltedge/indexport/internal/pkg/env"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
	"github.com/cobaltedge/indexport/internal/services/bounds"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

type cliConfig struct {
	endpoint  string
	index     string
	field     string
	apiKey    string
	table     string
	docColumn string
	rateLimit float64
	timeout   time.Duration
	verbose   bool
}

func parseFlags(args []string) (cliConfig, error) {
	fs := flag.NewFlagSet("find-bounds", flag.ContinueOnError)
	endpoint := fs.String("endpoint", "", "Search service URL or postgres:// connection string (required)")
	index := fs.String("index", "", "Index name to query (required for search endpoints)")
	field := fs.String("field", "", "Ordering field to discover bounds for (required)")
	apiKey := fs.String("api-key", "", "Search API key (or SEARCH_API_KEY env var)")
	table := fs.String("table", "", "Table holding the collection (postgres endpoints)")
	docColumn := fs.String("doc-column", "", "JSON document column (postgres endpoints; whole row when empty)")
	rateLimit := fs.Float64("rate-limit", 15, "Maximum requests per second against the search service")
	timeout := fs.Duration("timeout", 30*time.Second, "Timeout for a single request")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg := cliConfig{
		endpoint:  *endpoint,
		index:     *index,
		field:     *field,
		apiKey:    *apiKey,
		table:     *table,
		docColumn: *docColumn,
		rateLimit: *rateLimit,
		timeout:   *timeout,
		verbose:   *verbose,
	}

	if cfg.endpoint == "" {
		return cliConfig{}, fmt.Errorf("--endpoint is required")
	}
	if cfg.field == "" {
		return cliConfig{}, fmt.Errorf("--field is required")
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

	source, cleanup, err := newSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	finder, err := bounds.NewService(bounds.Config{Field: cfg.field, Logger: logger}, source)
	if err != nil {
		return fmt.Errorf("creating bound finder: %w", err)
	}

	lower, upper, err := finder.FindBounds(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("kind:  %s\n", lower.Kind())
	fmt.Printf("lower: %s\n", lower)
	fmt.Printf("upper: %s\n", upper)
	return nil
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
