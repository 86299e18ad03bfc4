package outbound

import (
	"context"
	"time"
)

// MetricsRecorder provides an interface for recording application metrics.
// This allows the service layer to record metrics without depending on a
// specific telemetry implementation.
type MetricsRecorder interface {
	// RecordCountQuery records one count query issued while sizing
	// partitions.
	RecordCountQuery(ctx context.Context)

	// RecordPageFetched records one page retrieved during export together
	// with the number of documents it carried.
	RecordPageFetched(ctx context.Context, documents int)

	// RecordPartitionExported records the outcome of one partition export.
	// status is the terminal state (exported, failed or skipped) and
	// duration is how long the partition took.
	RecordPartitionExported(ctx context.Context, status string, duration time.Duration)
}
