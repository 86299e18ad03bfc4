// Package memory provides in-memory implementations of the outbound ports
// for testing and development.
//
// The document source holds a sorted copy of its documents and serves
// counts and pages from it, enforcing the same skip ceiling a remote
// backend would.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// Compile-time check that DocumentSource implements outbound.DocumentSource
var _ outbound.DocumentSource = (*DocumentSource)(nil)

// DocumentSourceConfig holds the configuration for the in-memory source.
type DocumentSourceConfig struct {
	// Endpoint and IndexName identify the pretend collection.
	Endpoint  string
	IndexName string

	// Field is the only sortable, filterable field the source exposes.
	Field string

	// Kind is the kind of Field.
	Kind entity.FieldKind

	// MaxSkip is the deepest offset the source will page to.
	MaxSkip int64

	// Documents is the collection content. Every document must carry
	// Field with a value of Kind.
	Documents []entity.Document
}

// DocumentSource is an in-memory implementation of the DocumentSource port.
type DocumentSource struct {
	mu         sync.RWMutex
	endpoint   string
	indexName  string
	field      string
	kind       entity.FieldKind
	maxSkip    int64
	values     []entity.FieldValue
	documents  []entity.Document
	countCalls atomic.Int64
	queryCalls atomic.Int64
}

// NewDocumentSource creates an in-memory source from cfg, sorting the
// documents by the configured field.
func NewDocumentSource(cfg DocumentSourceConfig) (*DocumentSource, error) {
	if cfg.Field == "" {
		return nil, fmt.Errorf("field is required")
	}
	if !cfg.Kind.IsValid() {
		return nil, fmt.Errorf("unknown field kind %q", cfg.Kind)
	}
	if cfg.MaxSkip <= 0 {
		cfg.MaxSkip = 100000
	}

	s := &DocumentSource{
		endpoint:  cfg.Endpoint,
		indexName: cfg.IndexName,
		field:     cfg.Field,
		kind:      cfg.Kind,
		maxSkip:   cfg.MaxSkip,
		values:    make([]entity.FieldValue, 0, len(cfg.Documents)),
		documents: make([]entity.Document, 0, len(cfg.Documents)),
	}
	for i, doc := range cfg.Documents {
		raw, ok := doc[cfg.Field]
		if !ok {
			return nil, fmt.Errorf("document %d is missing field %q", i, cfg.Field)
		}
		v, err := entity.FieldValueFromAny(cfg.Kind, raw)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		s.values = append(s.values, v)
		s.documents = append(s.documents, doc)
	}
	sort.Sort(byValue{s})
	return s, nil
}

// byValue sorts values and documents together.
type byValue struct{ s *DocumentSource }

func (b byValue) Len() int           { return len(b.s.values) }
func (b byValue) Less(i, j int) bool { return b.s.values[i].Less(b.s.values[j]) }
func (b byValue) Swap(i, j int) {
	b.s.values[i], b.s.values[j] = b.s.values[j], b.s.values[i]
	b.s.documents[i], b.s.documents[j] = b.s.documents[j], b.s.documents[i]
}

// Endpoint returns the configured endpoint.
func (s *DocumentSource) Endpoint() string {
	return s.endpoint
}

// IndexName returns the configured index name.
func (s *DocumentSource) IndexName() string {
	return s.indexName
}

// MaxSkip returns the configured skip ceiling.
func (s *DocumentSource) MaxSkip() int64 {
	return s.maxSkip
}

// DescribeField reports the capabilities of the configured field.
func (s *DocumentSource) DescribeField(ctx context.Context, field string) (outbound.FieldCapabilities, error) {
	if field != s.field {
		return outbound.FieldCapabilities{}, fmt.Errorf("field %q not found in index %q", field, s.indexName)
	}
	return outbound.FieldCapabilities{Kind: s.kind, Sortable: true, Filterable: true}, nil
}

// Count returns the number of documents inside the range.
func (s *DocumentSource) Count(ctx context.Context, field string, r *outbound.ValueRange) (int64, error) {
	s.countCalls.Add(1)
	if field != s.field {
		return 0, fmt.Errorf("field %q not found in index %q", field, s.indexName)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, v := range s.values {
		if inRange(v, r) {
			n++
		}
	}
	return n, nil
}

// Query returns one ordered page of documents.
func (s *DocumentSource) Query(ctx context.Context, q outbound.DocumentQuery) ([]entity.Document, error) {
	s.queryCalls.Add(1)
	if q.Field != s.field {
		return nil, fmt.Errorf("field %q not found in index %q", q.Field, s.indexName)
	}
	if q.Skip > s.maxSkip {
		return nil, fmt.Errorf("skip %d exceeds the backend limit of %d", q.Skip, s.maxSkip)
	}
	if q.Top <= 0 {
		return nil, fmt.Errorf("top must be positive, got %d", q.Top)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matching := make([]entity.Document, 0, len(s.documents))
	for i, v := range s.values {
		if inRange(v, q.Range) {
			matching = append(matching, s.documents[i])
		}
	}
	if q.Descending {
		for i, j := 0, len(matching)-1; i < j; i, j = i+1, j-1 {
			matching[i], matching[j] = matching[j], matching[i]
		}
	}
	if q.Skip >= int64(len(matching)) {
		return nil, nil
	}
	page := matching[q.Skip:]
	if int64(len(page)) > q.Top {
		page = page[:q.Top]
	}
	return page, nil
}

func inRange(v entity.FieldValue, r *outbound.ValueRange) bool {
	if r == nil {
		return true
	}
	if v.Less(r.Lower) {
		return false
	}
	if r.UpperInclusive {
		return !r.Upper.Less(v)
	}
	return v.Less(r.Upper)
}

// CountCalls returns how many count queries were issued (for testing).
func (s *DocumentSource) CountCalls() int64 {
	return s.countCalls.Load()
}

// QueryCalls returns how many page queries were issued (for testing).
func (s *DocumentSource) QueryCalls() int64 {
	return s.queryCalls.Load()
}
