// Package exporter pages the documents of planned partitions out to
// per-partition files, a bounded number of partitions at a time.
//
// Each worker owns one partition end to end: it pages through the
// partition's range in ascending field order and appends every document to
// that partition's file. Partitions are independent units of work, so one
// partition failing never cancels its siblings; failures are collected and
// surfaced together once all partitions have finished.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

const (
	// tracerName is the name used for OpenTelemetry instrumentation.
	tracerName = "github.com/cobaltedge/indexport/internal/services/exporter"
)

// ErrConflictingSelection indicates that both an inclusion and an exclusion
// set of partition indices were supplied.
var ErrConflictingSelection = errors.New("include and exclude selections are mutually exclusive")

// ExportError aggregates the partitions that failed during a run. The run
// itself completes every other partition first.
type ExportError struct {
	Failed []int
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export failed for %d partition(s): %v", len(e.Failed), e.Failed)
}

// Config holds configuration for the partition exporter.
type Config struct {
	// Concurrency is the number of partitions exported in parallel.
	Concurrency int

	// PageSize is the number of documents requested per page.
	PageSize int64

	// IncludeIndices restricts the run to these partition indices. Mutually
	// exclusive with ExcludeIndices.
	IncludeIndices []int

	// ExcludeIndices drops these partition indices from the run.
	ExcludeIndices []int

	// ProgressInterval is how often a progress line is logged.
	ProgressInterval time.Duration

	// Claimer coordinates several exporter processes sharing one plan
	// (optional). Partitions already claimed elsewhere are skipped.
	Claimer outbound.PartitionClaimer

	// Metrics is the metrics recorder (optional).
	Metrics outbound.MetricsRecorder

	// Logger for the service.
	Logger *slog.Logger
}

// ConfigDefaults returns sensible defaults for the exporter.
func ConfigDefaults() Config {
	return Config{
		Concurrency:      4,
		PageSize:         1000,
		ProgressInterval: 10 * time.Second,
		Logger:           slog.Default(),
	}
}

// Service exports the selected partitions of one plan.
type Service struct {
	config   Config
	plan     *entity.PartitionPlan
	source   outbound.DocumentSource
	sink     outbound.ExportSink
	selected []entity.Partition
	logger   *slog.Logger
}

// runStats tracks export progress across workers.
type runStats struct {
	partitionsExported atomic.Int64
	partitionsFailed   atomic.Int64
	partitionsSkipped  atomic.Int64
	documentsExported  atomic.Int64
	pagesFetched       atomic.Int64
	startTime          time.Time
}

// NewService creates a new partition exporter. Selection conflicts and
// unknown partition indices are rejected here, before any remote call.
func NewService(config Config, plan *entity.PartitionPlan, source outbound.DocumentSource, sink outbound.ExportSink) (*Service, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is required")
	}
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	defaults := ConfigDefaults()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = defaults.ProgressInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	selected, err := selectPartitions(plan, config.IncludeIndices, config.ExcludeIndices)
	if err != nil {
		return nil, err
	}

	return &Service{
		config:   config,
		plan:     plan,
		source:   source,
		sink:     sink,
		selected: selected,
		logger:   config.Logger.With("component", "partition-exporter"),
	}, nil
}

// selectPartitions resolves the effective partition set: all partitions,
// narrowed to the inclusion set if one is given, otherwise thinned by the
// exclusion set. Plan order is preserved.
func selectPartitions(plan *entity.PartitionPlan, include, exclude []int) ([]entity.Partition, error) {
	if len(include) > 0 && len(exclude) > 0 {
		return nil, ErrConflictingSelection
	}

	known := len(plan.Partitions)
	pick := func(name string, indices []int) (map[int]bool, error) {
		set := make(map[int]bool, len(indices))
		for _, idx := range indices {
			if idx < 0 || idx >= known {
				return nil, fmt.Errorf("%s partition %d does not exist (plan has %d partitions)", name, idx, known)
			}
			set[idx] = true
		}
		return set, nil
	}

	switch {
	case len(include) > 0:
		set, err := pick("included", include)
		if err != nil {
			return nil, err
		}
		selected := make([]entity.Partition, 0, len(set))
		for _, p := range plan.Partitions {
			if set[p.Index] {
				selected = append(selected, p)
			}
		}
		return selected, nil
	case len(exclude) > 0:
		set, err := pick("excluded", exclude)
		if err != nil {
			return nil, err
		}
		selected := make([]entity.Partition, 0, known-len(set))
		for _, p := range plan.Partitions {
			if !set[p.Index] {
				selected = append(selected, p)
			}
		}
		return selected, nil
	default:
		return plan.Partitions, nil
	}
}

// Selected returns the partitions this run will export, in plan order.
func (s *Service) Selected() []entity.Partition {
	return s.selected
}

// Run exports every selected partition and returns the per-partition
// report. When any partition fails, the returned error is an ExportError
// listing them; the report still covers the whole run.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	s.logger.Info("starting export",
		"index", s.plan.IndexName,
		"field", s.plan.FieldName,
		"partitions", len(s.selected),
		"totalPartitions", len(s.plan.Partitions),
		"concurrency", s.config.Concurrency,
		"pageSize", s.config.PageSize,
	)

	stats := &runStats{startTime: time.Now()}

	// Pre-fill so partitions never reached (cancellation) report as
	// skipped rather than as zero values.
	results := make([]PartitionResult, len(s.selected))
	for i, p := range s.selected {
		results[i] = PartitionResult{Index: p.Index, Skipped: true}
	}

	progressCtx, progressCancel := context.WithCancel(context.Background())
	defer progressCancel()
	go s.reportProgress(progressCtx, stats, int64(len(s.selected)))

	workCh := make(chan int, s.config.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < s.config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID, workCh, results, stats)
		}(i)
	}

	go func() {
		defer close(workCh)
		for i := range s.selected {
			select {
			case <-ctx.Done():
				return
			case workCh <- i:
			}
		}
	}()

	wg.Wait()
	progressCancel()

	report := newReport(results, time.Since(stats.startTime))
	s.logger.Info("export finished",
		"exported", report.Exported,
		"skipped", report.Skipped,
		"failed", len(report.Failed),
		"documents", report.Documents,
		"pages", report.Pages,
		"elapsed", report.Elapsed.Round(time.Second),
	)

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("export cancelled: %w", err)
	}
	if len(report.Failed) > 0 {
		return report, &ExportError{Failed: report.Failed}
	}
	return report, nil
}

// worker exports partitions drawn from workCh, one at a time, until the
// channel drains or the context ends.
func (s *Service) worker(ctx context.Context, workerID int, workCh <-chan int, results []PartitionResult, stats *runStats) {
	logger := s.logger.With("worker", workerID)

	for i := range workCh {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p := s.selected[i]
		last := p.Index == len(s.plan.Partitions)-1
		results[i] = s.exportPartition(ctx, logger, p, last, stats)
	}
}

// exportPartition runs one partition end to end and returns its result.
func (s *Service) exportPartition(ctx context.Context, logger *slog.Logger, p entity.Partition, last bool, stats *runStats) PartitionResult {
	start := time.Now()
	res := PartitionResult{Index: p.Index}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "export.partition",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int("partition.index", p.Index),
			attribute.Int64("partition.documents", p.DocumentCount),
		),
	)
	defer span.End()

	if s.config.Claimer != nil {
		claimed, err := s.config.Claimer.TryClaim(ctx, s.plan.Key(), p.Index)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "partition claim failed")
			res.Err = fmt.Errorf("claiming partition %d: %w", p.Index, err)
			res.Duration = time.Since(start)
			stats.partitionsFailed.Add(1)
			s.recordPartition(ctx, "failed", res.Duration)
			return res
		}
		if !claimed {
			span.SetAttributes(attribute.Bool("partition.skipped", true))
			logger.Info("partition claimed by another exporter, skipping", "partition", p.Index)
			res.Skipped = true
			stats.partitionsSkipped.Add(1)
			s.recordPartition(ctx, "skipped", time.Since(start))
			return res
		}
	}

	docs, pages, err := s.writePartition(ctx, p, last, stats)
	res.Documents = docs
	res.Pages = pages
	res.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int64("export.documents", docs),
		attribute.Int64("export.pages", pages),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partition export failed")
		res.Err = err
		stats.partitionsFailed.Add(1)
		s.recordPartition(ctx, "failed", res.Duration)
		logger.Error("partition export failed",
			"partition", p.Index,
			"documents", docs,
			"error", err,
		)
		// Give the claim back so another run can retry this partition.
		if s.config.Claimer != nil {
			if relErr := s.config.Claimer.Release(context.WithoutCancel(ctx), s.plan.Key(), p.Index); relErr != nil {
				logger.Warn("failed to release partition claim", "partition", p.Index, "error", relErr)
			}
		}
		return res
	}

	stats.partitionsExported.Add(1)
	s.recordPartition(ctx, "exported", res.Duration)
	logger.Info("partition exported",
		"partition", p.Index,
		"documents", docs,
		"pages", pages,
		"elapsed", res.Duration.Round(time.Millisecond),
	)
	return res
}

// writePartition pages through one partition in ascending field order and
// streams every document to the partition's file.
//
// Paging stops when a page comes back short (end of the range) or when the
// next offset would pass the partition's known document count. The latter
// also bounds paging depth: the generator guarantees the count fits under
// the backend's skip ceiling, so no page request here can exceed it even if
// the collection has grown since the plan was generated.
func (s *Service) writePartition(ctx context.Context, p entity.Partition, last bool, stats *runStats) (documents, pages int64, err error) {
	w, err := s.sink.CreatePartitionFile(ctx, s.plan.IndexName, p.Index)
	if err != nil {
		return 0, 0, fmt.Errorf("creating partition file: %w", err)
	}

	r := &outbound.ValueRange{
		Lower:          p.LowerBound,
		Upper:          p.UpperBound,
		UpperInclusive: last,
	}

	for skip := int64(0); skip < p.DocumentCount; skip += s.config.PageSize {
		if err := ctx.Err(); err != nil {
			abortWriter(w, s.logger)
			return documents, pages, fmt.Errorf("export cancelled: %w", err)
		}

		page, err := s.source.Query(ctx, outbound.DocumentQuery{
			Field: s.plan.FieldName,
			Range: r,
			Skip:  skip,
			Top:   s.config.PageSize,
		})
		if err != nil {
			abortWriter(w, s.logger)
			return documents, pages, fmt.Errorf("querying page at offset %d: %w", skip, err)
		}
		pages++
		stats.pagesFetched.Add(1)
		if s.config.Metrics != nil {
			s.config.Metrics.RecordPageFetched(ctx, len(page))
		}

		for _, doc := range page {
			if err := w.WriteDocument(doc); err != nil {
				abortWriter(w, s.logger)
				return documents, pages, fmt.Errorf("writing document at offset %d: %w", skip, err)
			}
			documents++
			stats.documentsExported.Add(1)
		}

		if int64(len(page)) < s.config.PageSize {
			break
		}
	}

	if err := w.Close(ctx); err != nil {
		return documents, pages, fmt.Errorf("committing partition file: %w", err)
	}
	return documents, pages, nil
}

func abortWriter(w outbound.PartitionFileWriter, logger *slog.Logger) {
	if err := w.Abort(); err != nil {
		logger.Warn("failed to abort partition file", "error", err)
	}
}

func (s *Service) recordPartition(ctx context.Context, status string, duration time.Duration) {
	if s.config.Metrics != nil {
		s.config.Metrics.RecordPartitionExported(ctx, status, duration)
	}
}

// reportProgress logs export progress periodically until its context ends.
func (s *Service) reportProgress(ctx context.Context, stats *runStats, total int64) {
	ticker := time.NewTicker(s.config.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exported := stats.partitionsExported.Load()
			failed := stats.partitionsFailed.Load()
			skipped := stats.partitionsSkipped.Load()
			completed := exported + failed + skipped
			documents := stats.documentsExported.Load()

			elapsed := time.Since(stats.startTime)
			docsPerSec := float64(documents) / elapsed.Seconds()
			pct := float64(0)
			if total > 0 {
				pct = float64(completed) / float64(total) * 100
			}

			s.logger.Info("progress",
				"partitions", fmt.Sprintf("%d/%d", completed, total),
				"percent", fmt.Sprintf("%.1f%%", pct),
				"documents", documents,
				"pages", stats.pagesFetched.Load(),
				"docsPerSec", fmt.Sprintf("%.0f", docsPerSec),
				"failed", failed,
				"skipped", skipped,
			)
		}
	}
}
