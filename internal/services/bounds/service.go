// Package bounds discovers the minimum and maximum values an ordering field
// currently holds in a collection. The two values later seed partition
// generation.
package bounds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// ErrEmptyCollection indicates that the collection holds no documents, so no
// bounds exist to discover.
var ErrEmptyCollection = errors.New("collection has no documents")

// Config holds configuration for the bound finder.
type Config struct {
	// Field is the ordering field whose extremes are discovered.
	Field string

	// Logger for the service.
	Logger *slog.Logger
}

// Service finds the extreme values of the ordering field with two
// single-document queries, one per sort direction.
type Service struct {
	source outbound.DocumentSource
	field  string
	logger *slog.Logger
}

// NewService creates a new bound finder.
func NewService(config Config, source outbound.DocumentSource) (*Service, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Field == "" {
		return nil, fmt.Errorf("field is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Service{
		source: source,
		field:  config.Field,
		logger: config.Logger.With("component", "bound-finder"),
	}, nil
}

// DescribeField checks that the configured field can order an export and
// returns its capabilities. It fails with an error wrapping
// outbound.ErrFieldNotOrderable otherwise.
func (s *Service) DescribeField(ctx context.Context) (outbound.FieldCapabilities, error) {
	caps, err := s.source.DescribeField(ctx, s.field)
	if err != nil {
		return outbound.FieldCapabilities{}, fmt.Errorf("describing field %q: %w", s.field, err)
	}
	if err := caps.Validate(s.field); err != nil {
		return outbound.FieldCapabilities{}, err
	}
	return caps, nil
}

// FindBounds returns the minimum and maximum value of the field. It
// validates the field capabilities first and fails before any paging when
// the field cannot drive an export.
func (s *Service) FindBounds(ctx context.Context) (lower, upper entity.FieldValue, err error) {
	caps, err := s.DescribeField(ctx)
	if err != nil {
		return entity.FieldValue{}, entity.FieldValue{}, err
	}
	lower, err = s.findBound(ctx, caps.Kind, false)
	if err != nil {
		return entity.FieldValue{}, entity.FieldValue{}, err
	}
	upper, err = s.findBound(ctx, caps.Kind, true)
	if err != nil {
		return entity.FieldValue{}, entity.FieldValue{}, err
	}
	s.logger.Info("discovered bounds",
		"field", s.field,
		"kind", caps.Kind,
		"lower", lower.String(),
		"upper", upper.String(),
	)
	return lower, upper, nil
}

// FindLowerBound returns the smallest value of the field.
func (s *Service) FindLowerBound(ctx context.Context) (entity.FieldValue, error) {
	caps, err := s.DescribeField(ctx)
	if err != nil {
		return entity.FieldValue{}, err
	}
	return s.findBound(ctx, caps.Kind, false)
}

// FindUpperBound returns the largest value of the field.
func (s *Service) FindUpperBound(ctx context.Context) (entity.FieldValue, error) {
	caps, err := s.DescribeField(ctx)
	if err != nil {
		return entity.FieldValue{}, err
	}
	return s.findBound(ctx, caps.Kind, true)
}

// findBound queries the single top document in the requested sort direction
// and extracts the field value from it.
func (s *Service) findBound(ctx context.Context, kind entity.FieldKind, descending bool) (entity.FieldValue, error) {
	docs, err := s.source.Query(ctx, outbound.DocumentQuery{
		Field:      s.field,
		Descending: descending,
		Skip:       0,
		Top:        1,
	})
	if err != nil {
		return entity.FieldValue{}, fmt.Errorf("querying extreme of field %q: %w", s.field, err)
	}
	if len(docs) == 0 {
		return entity.FieldValue{}, ErrEmptyCollection
	}
	raw, ok := docs[0][s.field]
	if !ok || raw == nil {
		return entity.FieldValue{}, fmt.Errorf("document is missing field %q", s.field)
	}
	v, err := entity.FieldValueFromAny(kind, raw)
	if err != nil {
		return entity.FieldValue{}, fmt.Errorf("reading field %q from document: %w", s.field, err)
	}
	return v, nil
}
