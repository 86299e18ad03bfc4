package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// Compile-time check that Metrics implements outbound.MetricsRecorder.
var _ outbound.MetricsRecorder = (*Metrics)(nil)

// Metrics implements the MetricsRecorder interface using OpenTelemetry.
type Metrics struct {
	countQueries       metric.Int64Counter
	pagesFetched       metric.Int64Counter
	documentsExported  metric.Int64Counter
	partitionsExported metric.Int64Counter
	partitionDuration  metric.Float64Histogram
}

// NewMetrics creates a new OpenTelemetry metrics recorder.
// meterName should typically be the package name or service name.
func NewMetrics(meterName string) (*Metrics, error) {
	meter := otel.Meter(meterName)

	countQueries, err := meter.Int64Counter(
		"count_queries_total",
		metric.WithDescription("Total number of count queries issued while sizing partitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create count_queries_total counter: %w", err)
	}

	pagesFetched, err := meter.Int64Counter(
		"pages_fetched_total",
		metric.WithDescription("Total number of document pages fetched during export"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pages_fetched_total counter: %w", err)
	}

	documentsExported, err := meter.Int64Counter(
		"documents_exported_total",
		metric.WithDescription("Total number of documents written to partition files"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create documents_exported_total counter: %w", err)
	}

	partitionsExported, err := meter.Int64Counter(
		"partitions_exported_total",
		metric.WithDescription("Total number of partitions finished, by terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create partitions_exported_total counter: %w", err)
	}

	partitionDuration, err := meter.Float64Histogram(
		"partition_duration_seconds",
		metric.WithDescription("Time taken to export one partition"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create partition_duration_seconds histogram: %w", err)
	}

	return &Metrics{
		countQueries:       countQueries,
		pagesFetched:       pagesFetched,
		documentsExported:  documentsExported,
		partitionsExported: partitionsExported,
		partitionDuration:  partitionDuration,
	}, nil
}

// RecordCountQuery increments the count query counter.
func (m *Metrics) RecordCountQuery(ctx context.Context) {
	m.countQueries.Add(ctx, 1)
}

// RecordPageFetched increments the page counter and adds the documents the
// page carried.
func (m *Metrics) RecordPageFetched(ctx context.Context, documents int) {
	m.pagesFetched.Add(ctx, 1)
	m.documentsExported.Add(ctx, int64(documents))
}

// RecordPartitionExported records the outcome and duration of one partition.
func (m *Metrics) RecordPartitionExported(ctx context.Context, status string, duration time.Duration) {
	m.partitionsExported.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.partitionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}
