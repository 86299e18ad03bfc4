package bounds

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

func newTimestampSource(t *testing.T, timestamps ...string) *memory.DocumentSource {
	t.Helper()
	docs := make([]entity.Document, 0, len(timestamps))
	for i, ts := range timestamps {
		docs = append(docs, entity.Document{"id": fmt.Sprintf("doc-%d", i), "publishedAt": ts})
	}
	source, err := memory.NewDocumentSource(memory.DocumentSourceConfig{
		Endpoint:  "https://example.search.test",
		IndexName: "articles",
		Field:     "publishedAt",
		Kind:      entity.FieldTimestamp,
		Documents: docs,
	})
	if err != nil {
		t.Fatalf("NewDocumentSource() unexpected error = %v", err)
	}
	return source
}

func TestNewService(t *testing.T) {
	source := newTimestampSource(t, "2024-01-01T00:00:00Z")

	if _, err := NewService(Config{Field: "publishedAt"}, nil); err == nil {
		t.Error("NewService() with nil source, want error")
	}
	if _, err := NewService(Config{}, source); err == nil {
		t.Error("NewService() with empty field, want error")
	}
	svc, err := NewService(Config{Field: "publishedAt"}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}
	if svc.logger == nil {
		t.Error("logger not defaulted")
	}
}

func TestFindBounds(t *testing.T) {
	source := newTimestampSource(t,
		"2024-03-15T12:00:00Z",
		"2024-01-01T00:00:00Z",
		"2024-06-30T23:59:59Z",
		"2024-02-10T08:30:00Z",
	)
	svc, err := NewService(Config{Field: "publishedAt"}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	lower, upper, err := svc.FindBounds(context.Background())
	if err != nil {
		t.Fatalf("FindBounds() unexpected error = %v", err)
	}

	wantLower, _ := time.Parse(time.RFC3339, "2024-01-01T00:00:00Z")
	wantUpper, _ := time.Parse(time.RFC3339, "2024-06-30T23:59:59Z")
	if !lower.Equal(entity.TimestampValue(wantLower)) {
		t.Errorf("lower = %s, want %s", lower, wantLower.Format(time.RFC3339))
	}
	if !upper.Equal(entity.TimestampValue(wantUpper)) {
		t.Errorf("upper = %s, want %s", upper, wantUpper.Format(time.RFC3339))
	}

	// Bound discovery transfers one document per direction, nothing more.
	if calls := source.QueryCalls(); calls != 2 {
		t.Errorf("query calls = %d, want 2", calls)
	}
}

func TestFindBoundsSingleDocument(t *testing.T) {
	source := newTimestampSource(t, "2024-05-01T00:00:00Z")
	svc, err := NewService(Config{Field: "publishedAt"}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	lower, upper, err := svc.FindBounds(context.Background())
	if err != nil {
		t.Fatalf("FindBounds() unexpected error = %v", err)
	}
	if !lower.Equal(upper) {
		t.Errorf("single-document collection: lower %s != upper %s", lower, upper)
	}
}

func TestFindBoundsEmptyCollection(t *testing.T) {
	source, err := memory.NewDocumentSource(memory.DocumentSourceConfig{
		IndexName: "empty",
		Field:     "publishedAt",
		Kind:      entity.FieldTimestamp,
	})
	if err != nil {
		t.Fatalf("NewDocumentSource() unexpected error = %v", err)
	}
	svc, err := NewService(Config{Field: "publishedAt"}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	if _, _, err := svc.FindBounds(context.Background()); !errors.Is(err, ErrEmptyCollection) {
		t.Errorf("FindBounds() error = %v, want ErrEmptyCollection", err)
	}
	if _, err := svc.FindLowerBound(context.Background()); !errors.Is(err, ErrEmptyCollection) {
		t.Errorf("FindLowerBound() error = %v, want ErrEmptyCollection", err)
	}
	if _, err := svc.FindUpperBound(context.Background()); !errors.Is(err, ErrEmptyCollection) {
		t.Errorf("FindUpperBound() error = %v, want ErrEmptyCollection", err)
	}
}

func TestFindBoundsInt64Field(t *testing.T) {
	source, err := memory.NewDocumentSource(memory.DocumentSourceConfig{
		IndexName: "metrics",
		Field:     "sequence",
		Kind:      entity.FieldInt64,
		Documents: []entity.Document{
			{"sequence": int64(42)},
			{"sequence": int64(-7)},
			{"sequence": int64(1000)},
		},
	})
	if err != nil {
		t.Fatalf("NewDocumentSource() unexpected error = %v", err)
	}
	svc, err := NewService(Config{Field: "sequence"}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	lower, upper, err := svc.FindBounds(context.Background())
	if err != nil {
		t.Fatalf("FindBounds() unexpected error = %v", err)
	}
	if lower.Int64() != -7 {
		t.Errorf("lower = %d, want -7", lower.Int64())
	}
	if upper.Int64() != 1000 {
		t.Errorf("upper = %d, want 1000", upper.Int64())
	}
}

// unorderableSource reports a field that is present but not sortable.
type unorderableSource struct {
	*memory.DocumentSource
}

func (s *unorderableSource) DescribeField(ctx context.Context, field string) (outbound.FieldCapabilities, error) {
	return outbound.FieldCapabilities{Kind: entity.FieldTimestamp, Sortable: false, Filterable: true}, nil
}

func TestFindBoundsUnorderableField(t *testing.T) {
	source := &unorderableSource{newTimestampSource(t, "2024-01-01T00:00:00Z")}
	svc, err := NewService(Config{Field: "publishedAt"}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}

	_, _, err = svc.FindBounds(context.Background())
	if !errors.Is(err, outbound.ErrFieldNotOrderable) {
		t.Fatalf("FindBounds() error = %v, want ErrFieldNotOrderable", err)
	}
	// Capability validation fails before any document is paged.
	if calls := source.QueryCalls(); calls != 0 {
		t.Errorf("query calls = %d, want 0", calls)
	}
}

func TestFindBoundsUnknownField(t *testing.T) {
	source := newTimestampSource(t, "2024-01-01T00:00:00Z")
	svc, err := NewService(Config{Field: "missing"}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}
	if _, _, err := svc.FindBounds(context.Background()); err == nil {
		t.Error("FindBounds() with unknown field, want error")
	}
}

// missingFieldSource returns documents that lack the ordering field.
type missingFieldSource struct {
	*memory.DocumentSource
}

func (s *missingFieldSource) Query(ctx context.Context, q outbound.DocumentQuery) ([]entity.Document, error) {
	return []entity.Document{{"id": "doc-0"}}, nil
}

func TestFindBoundsDocumentMissingField(t *testing.T) {
	source := &missingFieldSource{newTimestampSource(t, "2024-01-01T00:00:00Z")}
	svc, err := NewService(Config{Field: "publishedAt"}, source)
	if err != nil {
		t.Fatalf("NewService() unexpected error = %v", err)
	}
	_, _, err = svc.FindBounds(context.Background())
	if err == nil {
		t.Fatal("FindBounds() = nil error, want missing-field error")
	}
	if errors.Is(err, ErrEmptyCollection) {
		t.Errorf("FindBounds() error = %v, want missing-field error, not ErrEmptyCollection", err)
	}
}
