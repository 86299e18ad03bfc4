// Package outbound defines the outbound port interfaces.
package outbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/cobaltedge/indexport/internal/domain/entity"
)

// ErrFieldNotOrderable indicates that a field cannot drive range
// partitioning: its type has no supported total order, or the schema does
// not allow sorting or filtering on it.
var ErrFieldNotOrderable = errors.New("field cannot order an export")

// FieldCapabilities describes what the collection schema allows for one
// field.
type FieldCapabilities struct {
	Kind       entity.FieldKind
	Sortable   bool
	Filterable bool
}

// Validate returns an error wrapping ErrFieldNotOrderable when the field
// cannot be used as the ordering field of an export.
func (c FieldCapabilities) Validate(field string) error {
	if !c.Kind.IsValid() {
		return fmt.Errorf("field %q has unsupported kind %q: %w", field, c.Kind, ErrFieldNotOrderable)
	}
	if !c.Sortable {
		return fmt.Errorf("field %q is not sortable: %w", field, ErrFieldNotOrderable)
	}
	if !c.Filterable {
		return fmt.Errorf("field %q is not filterable: %w", field, ErrFieldNotOrderable)
	}
	return nil
}

// ValueRange is an interval of ordering-field values. Lower is always
// inclusive; Upper is exclusive unless UpperInclusive is set.
type ValueRange struct {
	Lower          entity.FieldValue
	Upper          entity.FieldValue
	UpperInclusive bool
}

// DocumentQuery describes one page request against the collection.
type DocumentQuery struct {
	// Field is the ordering field; results are sorted by it.
	Field string

	// Range restricts results to documents whose field value falls inside
	// it. A nil Range spans the whole collection.
	Range *ValueRange

	// Descending reverses the sort order.
	Descending bool

	// Skip is the number of ordered documents to pass over before the page
	// starts.
	Skip int64

	// Top is the page size.
	Top int64
}

// DocumentSource defines the interface for querying the remote document
// collection being exported. Implementations must apply Range filters
// consistently so that counting and paging see the same documents.
type DocumentSource interface {
	// Endpoint returns the address of the backing collection, recorded in
	// generated plans.
	Endpoint() string

	// IndexName returns the name of the collection within the endpoint.
	IndexName() string

	// MaxSkip returns the deepest offset the backend will page to. Queries
	// skipping past it fail, which is what partitioning exists to avoid.
	MaxSkip() int64

	// DescribeField reports the kind and capabilities of one field of the
	// collection schema.
	DescribeField(ctx context.Context, field string) (FieldCapabilities, error)

	// Count returns the number of documents whose field value falls inside
	// the range. A nil range counts the whole collection.
	Count(ctx context.Context, field string, r *ValueRange) (int64, error)

	// Query returns one page of documents ordered by the query field.
	Query(ctx context.Context, q DocumentQuery) ([]entity.Document, error)
}
