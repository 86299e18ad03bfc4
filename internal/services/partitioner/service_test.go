package partitioner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cobaltedge/indexport/internal/adapters/outbound/memory"
	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// newInt64Source builds a source whose documents carry sequential int64
// values, count documents starting at first.
func newInt64Source(t *testing.T, first int64, count int, maxSkip int64) *memory.DocumentSource {
	t.Helper()
	docs := make([]entity.Document, 0, count)
	for i := 0; i < count; i++ {
		docs = append(docs, entity.Document{"seq": first + int64(i)})
	}
	source, err := memory.NewDocumentSource(memory.DocumentSourceConfig{
		Endpoint:  "https://example.search.test",
		IndexName: "events",
		Field:     "seq",
		Kind:      entity.FieldInt64,
		MaxSkip:   maxSkip,
		Documents: docs,
	})
	if err != nil {
		t.Fatalf("NewDocumentSource() unexpected error = %v", err)
	}
	return source
}

// checkPlanInvariants asserts the structural properties every generated plan
// must hold: contiguous indices from 0, gap-free adjacent bounds, every
// count at or under the limit, and a total matching the sum.
func checkPlanInvariants(t *testing.T, plan *entity.PartitionPlan, lower, upper entity.FieldValue, limit int64) {
	t.Helper()
	if err := plan.Validate(); err != nil {
		t.Fatalf("plan.Validate() = %v", err)
	}
	first := plan.Partitions[0]
	lastPart := plan.Partitions[len(plan.Partitions)-1]
	if !first.LowerBound.Equal(lower) {
		t.Errorf("first lowerBound = %s, want %s", first.LowerBound, lower)
	}
	if !lastPart.UpperBound.Equal(upper) {
		t.Errorf("last upperBound = %s, want %s", lastPart.UpperBound, upper)
	}
	for _, p := range plan.Partitions {
		if p.DocumentCount > limit {
			t.Errorf("partition %d: documentCount %d exceeds limit %d", p.Index, p.DocumentCount, limit)
		}
	}
}

func TestGenerateSinglePartition(t *testing.T) {
	source := newInt64Source(t, 0, 50, 100)
	svc, err := NewService(Config{Field: "seq"}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	lower, upper := entity.Int64Value(0), entity.Int64Value(49)
	plan, err := svc.Generate(context.Background(), lower, upper)
	if err != nil {
		t.Fatalf("Generate() unexpected error = %v", err)
	}
	checkPlanInvariants(t, plan, lower, upper, 100)

	if len(plan.Partitions) != 1 {
		t.Fatalf("partitions = %d, want 1", len(plan.Partitions))
	}
	if plan.TotalDocumentCount != 50 {
		t.Errorf("totalDocumentCount = %d, want 50", plan.TotalDocumentCount)
	}
	if plan.Endpoint != "https://example.search.test" {
		t.Errorf("endpoint = %q", plan.Endpoint)
	}
	if plan.IndexName != "events" {
		t.Errorf("indexName = %q", plan.IndexName)
	}
	if plan.FieldKind != entity.FieldInt64 {
		t.Errorf("fieldKind = %q, want int64", plan.FieldKind)
	}
}

func TestGenerateSplitsUntilUnderLimit(t *testing.T) {
	// 1000 documents, limit 100: at least 10 partitions are needed.
	source := newInt64Source(t, 0, 1000, 100_000)
	svc, err := NewService(Config{Field: "seq", DepthLimit: 100}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	lower, upper := entity.Int64Value(0), entity.Int64Value(999)
	plan, err := svc.Generate(context.Background(), lower, upper)
	if err != nil {
		t.Fatalf("Generate() unexpected error = %v", err)
	}
	checkPlanInvariants(t, plan, lower, upper, 100)

	if len(plan.Partitions) < 10 {
		t.Errorf("partitions = %d, want >= 10", len(plan.Partitions))
	}
	if plan.TotalDocumentCount != 1000 {
		t.Errorf("totalDocumentCount = %d, want 1000", plan.TotalDocumentCount)
	}

	// The bisection tree has one internal node per split, so a plan with L
	// partitions takes exactly 2L-1 count queries.
	wantCounts := int64(2*len(plan.Partitions) - 1)
	if got := source.CountCalls(); got != wantCounts {
		t.Errorf("count queries = %d, want %d for %d partitions", got, wantCounts, len(plan.Partitions))
	}
}

func TestGenerateSkewedDistribution(t *testing.T) {
	// Three quarters of the collection sits in the top 1% of the range.
	docs := make([]entity.Document, 0, 400)
	for i := 0; i < 100; i++ {
		docs = append(docs, entity.Document{"seq": int64(i * 1000)})
	}
	for i := 0; i < 300; i++ {
		docs = append(docs, entity.Document{"seq": int64(99_000 + i)})
	}
	source, err := memory.NewDocumentSource(memory.DocumentSourceConfig{
		IndexName: "events",
		Field:     "seq",
		Kind:      entity.FieldInt64,
		Documents: docs,
	})
	if err != nil {
		t.Fatalf("NewDocumentSource() unexpected error = %v", err)
	}
	svc, err := NewService(Config{Field: "seq", DepthLimit: 50}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	lower, upper := entity.Int64Value(0), entity.Int64Value(99_299)
	plan, err := svc.Generate(context.Background(), lower, upper)
	if err != nil {
		t.Fatalf("Generate() unexpected error = %v", err)
	}
	checkPlanInvariants(t, plan, lower, upper, 50)
	if plan.TotalDocumentCount != 400 {
		t.Errorf("totalDocumentCount = %d, want 400", plan.TotalDocumentCount)
	}
}

func TestGenerateTimestampRange(t *testing.T) {
	// 250 documents spread over ten days, limit 100: three or more
	// partitions, jointly covering every document.
	day1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	docs := make([]entity.Document, 0, 250)
	for i := 0; i < 250; i++ {
		ts := day1.Add(time.Duration(i) * (9 * 24 * time.Hour) / 250)
		docs = append(docs, entity.Document{"publishedAt": ts.Format(time.RFC3339Nano)})
	}
	source, err := memory.NewDocumentSource(memory.DocumentSourceConfig{
		IndexName: "articles",
		Field:     "publishedAt",
		Kind:      entity.FieldTimestamp,
		Documents: docs,
	})
	if err != nil {
		t.Fatalf("NewDocumentSource() unexpected error = %v", err)
	}
	svc, err := NewService(Config{Field: "publishedAt", DepthLimit: 100}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	lower := entity.TimestampValue(day1)
	upper := entity.TimestampValue(day1.Add(9 * 24 * time.Hour))
	plan, err := svc.Generate(context.Background(), lower, upper)
	if err != nil {
		t.Fatalf("Generate() unexpected error = %v", err)
	}
	checkPlanInvariants(t, plan, lower, upper, 100)

	if len(plan.Partitions) < 3 {
		t.Errorf("partitions = %d, want >= 3", len(plan.Partitions))
	}
	if plan.TotalDocumentCount != 250 {
		t.Errorf("totalDocumentCount = %d, want 250", plan.TotalDocumentCount)
	}
}

func TestGenerateDegenerateRange(t *testing.T) {
	// All documents share one value. Fits under the limit: one partition.
	docs := make([]entity.Document, 0, 10)
	for i := 0; i < 10; i++ {
		docs = append(docs, entity.Document{"seq": int64(7)})
	}
	source, err := memory.NewDocumentSource(memory.DocumentSourceConfig{
		IndexName: "events",
		Field:     "seq",
		Kind:      entity.FieldInt64,
		Documents: docs,
	})
	if err != nil {
		t.Fatalf("NewDocumentSource() unexpected error = %v", err)
	}
	svc, err := NewService(Config{Field: "seq", DepthLimit: 100}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	plan, err := svc.Generate(context.Background(), entity.Int64Value(7), entity.Int64Value(7))
	if err != nil {
		t.Fatalf("Generate() unexpected error = %v", err)
	}
	if len(plan.Partitions) != 1 {
		t.Fatalf("partitions = %d, want 1", len(plan.Partitions))
	}
	if plan.Partitions[0].DocumentCount != 10 {
		t.Errorf("documentCount = %d, want 10", plan.Partitions[0].DocumentCount)
	}
}

func TestGenerateDegenerateRangeOverLimit(t *testing.T) {
	// All documents share one value and exceed the limit: generation must
	// fail with UnsplittableRangeError instead of looping.
	docs := make([]entity.Document, 0, 10)
	for i := 0; i < 10; i++ {
		docs = append(docs, entity.Document{"seq": int64(7)})
	}
	source, err := memory.NewDocumentSource(memory.DocumentSourceConfig{
		IndexName: "events",
		Field:     "seq",
		Kind:      entity.FieldInt64,
		Documents: docs,
	})
	if err != nil {
		t.Fatalf("NewDocumentSource() unexpected error = %v", err)
	}
	svc, err := NewService(Config{Field: "seq", DepthLimit: 5}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	_, err = svc.Generate(context.Background(), entity.Int64Value(7), entity.Int64Value(7))
	var unsplittable *UnsplittableRangeError
	if !errors.As(err, &unsplittable) {
		t.Fatalf("Generate() error = %v, want UnsplittableRangeError", err)
	}
	if unsplittable.Count != 10 || unsplittable.Limit != 5 {
		t.Errorf("UnsplittableRangeError = %+v, want Count 10 Limit 5", unsplittable)
	}
}

func TestGenerateHotValueOverLimit(t *testing.T) {
	// A single hot value holds more documents than the limit inside a
	// wider range. Bisection narrows down to it and must then fail.
	docs := make([]entity.Document, 0, 30)
	for i := 0; i < 25; i++ {
		docs = append(docs, entity.Document{"seq": int64(500)})
	}
	for i := 0; i < 5; i++ {
		docs = append(docs, entity.Document{"seq": int64(i * 100)})
	}
	source, err := memory.NewDocumentSource(memory.DocumentSourceConfig{
		IndexName: "events",
		Field:     "seq",
		Kind:      entity.FieldInt64,
		Documents: docs,
	})
	if err != nil {
		t.Fatalf("NewDocumentSource() unexpected error = %v", err)
	}
	svc, err := NewService(Config{Field: "seq", DepthLimit: 10}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	_, err = svc.Generate(context.Background(), entity.Int64Value(0), entity.Int64Value(1000))
	var unsplittable *UnsplittableRangeError
	if !errors.As(err, &unsplittable) {
		t.Fatalf("Generate() error = %v, want UnsplittableRangeError", err)
	}
}

func TestGenerateEmptyRange(t *testing.T) {
	source := newInt64Source(t, 0, 10, 100)
	svc, err := NewService(Config{Field: "seq", DepthLimit: 100}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	// A valid range that happens to hold nothing still yields one empty
	// partition, keeping the plan gap-free.
	plan, err := svc.Generate(context.Background(), entity.Int64Value(1000), entity.Int64Value(2000))
	if err != nil {
		t.Fatalf("Generate() unexpected error = %v", err)
	}
	if len(plan.Partitions) != 1 || plan.TotalDocumentCount != 0 {
		t.Errorf("plan = %d partitions, %d documents, want 1 partition with 0 documents",
			len(plan.Partitions), plan.TotalDocumentCount)
	}
}

func TestGenerateValidatesInput(t *testing.T) {
	source := newInt64Source(t, 0, 10, 100)
	svc, err := NewService(Config{Field: "seq"}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name         string
		lower, upper entity.FieldValue
	}{
		{"zero lower", entity.FieldValue{}, entity.Int64Value(10)},
		{"zero upper", entity.Int64Value(0), entity.FieldValue{}},
		{"kind mismatch", entity.Int64Value(0), entity.Float64Value(10)},
		{"inverted bounds", entity.Int64Value(10), entity.Int64Value(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Generate(ctx, tt.lower, tt.upper); err == nil {
				t.Error("Generate() = nil error, want validation error")
			}
		})
	}
	// Validation failures never reach the backend.
	if calls := source.CountCalls(); calls != 0 {
		t.Errorf("count queries = %d, want 0", calls)
	}
}

func TestGenerateFieldKindMismatch(t *testing.T) {
	source := newInt64Source(t, 0, 10, 100)
	svc, err := NewService(Config{Field: "seq"}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}
	_, err = svc.Generate(context.Background(), entity.Float64Value(0), entity.Float64Value(10))
	if err == nil {
		t.Fatal("Generate() with float bounds on int64 field, want error")
	}
	if calls := source.CountCalls(); calls != 0 {
		t.Errorf("count queries = %d, want 0", calls)
	}
}

func TestGenerateDefaultsLimitToMaxSkip(t *testing.T) {
	source := newInt64Source(t, 0, 10, 2_500)
	svc, err := NewService(Config{Field: "seq"}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}
	if svc.DepthLimit() != 2_500 {
		t.Errorf("DepthLimit() = %d, want 2500 from source MaxSkip", svc.DepthLimit())
	}
}

func TestGenerateCancelled(t *testing.T) {
	source := newInt64Source(t, 0, 100, 100)
	svc, err := NewService(Config{Field: "seq", DepthLimit: 10}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Generate(ctx, entity.Int64Value(0), entity.Int64Value(99)); !errors.Is(err, context.Canceled) {
		t.Errorf("Generate() error = %v, want context.Canceled", err)
	}
}

func TestGenerateFloat64Range(t *testing.T) {
	docs := make([]entity.Document, 0, 64)
	for i := 0; i < 64; i++ {
		docs = append(docs, entity.Document{"score": float64(i) / 4})
	}
	source, err := memory.NewDocumentSource(memory.DocumentSourceConfig{
		IndexName: "scores",
		Field:     "score",
		Kind:      entity.FieldFloat64,
		Documents: docs,
	})
	if err != nil {
		t.Fatalf("NewDocumentSource() unexpected error = %v", err)
	}
	svc, err := NewService(Config{Field: "score", DepthLimit: 10}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	lower, upper := entity.Float64Value(0), entity.Float64Value(15.75)
	plan, err := svc.Generate(context.Background(), lower, upper)
	if err != nil {
		t.Fatalf("Generate() unexpected error = %v", err)
	}
	checkPlanInvariants(t, plan, lower, upper, 10)
	if plan.TotalDocumentCount != 64 {
		t.Errorf("totalDocumentCount = %d, want 64", plan.TotalDocumentCount)
	}
}

// failingCountSource fails every count query, to verify error propagation.
type failingCountSource struct {
	*memory.DocumentSource
}

func (s *failingCountSource) Count(ctx context.Context, field string, r *outbound.ValueRange) (int64, error) {
	return 0, fmt.Errorf("backend unavailable")
}

func TestGenerateCountError(t *testing.T) {
	source := &failingCountSource{newInt64Source(t, 0, 10, 100)}
	svc, err := NewService(Config{Field: "seq"}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}
	if _, err := svc.Generate(context.Background(), entity.Int64Value(0), entity.Int64Value(9)); err == nil {
		t.Error("Generate() = nil error, want count failure")
	}
}
