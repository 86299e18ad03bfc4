// Package partitioner splits a closed range of ordering-field values into
// contiguous partitions whose document counts all fit under the backend's
// page-depth limit.
//
// The backend caps how deep a paginated query may skip, so a collection
// larger than that cap can never be read through one query. Narrowing the
// range filter until every sub-range independently fits under the cap is the
// only way to reach every document; the partitions produced here are what
// the export phase later pages through.
package partitioner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// DefaultDepthLimit is the page-depth limit assumed when neither the
// configuration nor the source supplies one.
const DefaultDepthLimit = 100_000

// UnsplittableRangeError indicates that a range holds more documents than
// the depth limit but bisection cannot produce a value strictly between its
// endpoints. Too many documents share effectively the same field value for
// range-splitting to ever satisfy the limit.
type UnsplittableRangeError struct {
	Lower entity.FieldValue
	Upper entity.FieldValue
	Count int64
	Limit int64
}

func (e *UnsplittableRangeError) Error() string {
	return fmt.Sprintf("range [%s, %s] holds %d documents, above the depth limit of %d, and cannot be split further",
		e.Lower, e.Upper, e.Count, e.Limit)
}

// Config holds configuration for the partition generator.
type Config struct {
	// Field is the ordering field the partitions are keyed on.
	Field string

	// DepthLimit is the maximum document count a partition may hold.
	// Defaults to the source's MaxSkip, or DefaultDepthLimit if the
	// source reports none. Lower values leave headroom for collections
	// that grow between generation and export.
	DepthLimit int64

	// Metrics is the metrics recorder (optional).
	Metrics outbound.MetricsRecorder

	// Logger for the service.
	Logger *slog.Logger
}

// Service generates partition plans by recursive range bisection, driven by
// remote count queries.
type Service struct {
	source  outbound.DocumentSource
	field   string
	limit   int64
	metrics outbound.MetricsRecorder
	logger  *slog.Logger
}

// NewService creates a new partition generator.
func NewService(config Config, source outbound.DocumentSource) (*Service, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Field == "" {
		return nil, fmt.Errorf("field is required")
	}
	limit := config.DepthLimit
	if limit <= 0 {
		limit = source.MaxSkip()
	}
	if limit <= 0 {
		limit = DefaultDepthLimit
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Service{
		source:  source,
		field:   config.Field,
		limit:   limit,
		metrics: config.Metrics,
		logger:  config.Logger.With("component", "partition-generator"),
	}, nil
}

// DepthLimit returns the effective per-partition document limit.
func (s *Service) DepthLimit() int64 {
	return s.limit
}

// pendingRange is one worklist entry. last marks the rightmost range, whose
// upper bound is inclusive so the collection maximum is covered.
type pendingRange struct {
	lower entity.FieldValue
	upper entity.FieldValue
	last  bool
}

// Generate partitions [lower, upper] into contiguous sub-ranges each holding
// at most the depth limit's worth of documents, and returns them as a
// validated plan.
//
// Ranges are processed from an explicit worklist rather than call-stack
// recursion, so pathological value distributions cannot exhaust the stack.
// Counts observed here are a best-effort snapshot: a collection mutating
// during generation can drift them, which is tolerated, not corrected.
func (s *Service) Generate(ctx context.Context, lower, upper entity.FieldValue) (*entity.PartitionPlan, error) {
	if lower.IsZero() || upper.IsZero() {
		return nil, fmt.Errorf("both bounds are required")
	}
	if lower.Kind() != upper.Kind() {
		return nil, fmt.Errorf("bound kinds differ: lower is %s, upper is %s", lower.Kind(), upper.Kind())
	}
	if upper.Less(lower) {
		return nil, fmt.Errorf("lower bound %s is above upper bound %s", lower, upper)
	}

	caps, err := s.source.DescribeField(ctx, s.field)
	if err != nil {
		return nil, fmt.Errorf("describing field %q: %w", s.field, err)
	}
	if err := caps.Validate(s.field); err != nil {
		return nil, err
	}
	if caps.Kind != lower.Kind() {
		return nil, fmt.Errorf("field %q is %s but the bounds are %s", s.field, caps.Kind, lower.Kind())
	}

	s.logger.Info("generating partitions",
		"field", s.field,
		"lower", lower.String(),
		"upper", upper.String(),
		"depthLimit", s.limit,
	)

	// Depth-first, left range first, so partitions come out in ascending
	// order without a sort.
	stack := []pendingRange{{lower: lower, upper: upper, last: true}}
	var partitions []entity.Partition
	var countQueries int64

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("generation cancelled: %w", err)
		}
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		count, err := s.source.Count(ctx, s.field, &outbound.ValueRange{
			Lower:          r.lower,
			Upper:          r.upper,
			UpperInclusive: r.last,
		})
		if err != nil {
			return nil, fmt.Errorf("counting range [%s, %s): %w", r.lower, r.upper, err)
		}
		countQueries++
		if s.metrics != nil {
			s.metrics.RecordCountQuery(ctx)
		}

		if count <= s.limit {
			partitions = append(partitions, entity.Partition{
				Index:         len(partitions),
				LowerBound:    r.lower,
				UpperBound:    r.upper,
				DocumentCount: count,
			})
			s.logger.Debug("resolved range",
				"lower", r.lower.String(),
				"upper", r.upper.String(),
				"count", count,
				"partitions", len(partitions),
			)
			continue
		}

		mid, ok := r.lower.Bisect(r.upper)
		if !ok {
			return nil, &UnsplittableRangeError{Lower: r.lower, Upper: r.upper, Count: count, Limit: s.limit}
		}
		// Push the right half first; the left half ends up on top and is
		// resolved first.
		stack = append(stack,
			pendingRange{lower: mid, upper: r.upper, last: r.last},
			pendingRange{lower: r.lower, upper: mid, last: false},
		)
	}

	plan, err := entity.NewPartitionPlan(s.source.Endpoint(), s.source.IndexName(), s.field, caps.Kind, partitions)
	if err != nil {
		return nil, fmt.Errorf("assembling plan: %w", err)
	}

	s.logger.Info("generated partition plan",
		"partitions", len(plan.Partitions),
		"totalDocuments", plan.TotalDocumentCount,
		"countQueries", countQueries,
	)
	return plan, nil
}
