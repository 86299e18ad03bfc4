package entity

import (
	"fmt"
	"time"
)

// Partition is one contiguous slice of the collection, bounded by values of
// the ordering field. Every partition except the last covers the half-open
// interval [LowerBound, UpperBound); the last one is closed so that the
// maximum value itself is covered.
type Partition struct {
	Index         int        `json:"index"`
	LowerBound    FieldValue `json:"lowerBound"`
	UpperBound    FieldValue `json:"upperBound"`
	DocumentCount int64      `json:"documentCount"`
}

// PartitionPlan is the persisted output of partition generation and the
// input of the export phase. It is written once and never mutated.
type PartitionPlan struct {
	Endpoint           string      `json:"endpoint"`
	IndexName          string      `json:"indexName"`
	FieldName          string      `json:"fieldName"`
	FieldKind          FieldKind   `json:"fieldKind"`
	TotalDocumentCount int64       `json:"totalDocumentCount"`
	GeneratedAt        time.Time   `json:"generatedAt"`
	Partitions         []Partition `json:"partitions"`
}

// NewPartitionPlan creates a PartitionPlan with validation.
func NewPartitionPlan(endpoint, indexName, fieldName string, kind FieldKind, partitions []Partition) (*PartitionPlan, error) {
	var total int64
	for _, p := range partitions {
		total += p.DocumentCount
	}
	plan := &PartitionPlan{
		Endpoint:           endpoint,
		IndexName:          indexName,
		FieldName:          fieldName,
		FieldKind:          kind,
		TotalDocumentCount: total,
		GeneratedAt:        time.Now().UTC(),
		Partitions:         partitions,
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate checks the structural invariants of the plan: contiguous indices,
// gap-free adjacent bounds of the declared kind, non-negative counts and a
// total equal to the sum of the partition counts.
func (p *PartitionPlan) Validate() error {
	if p.IndexName == "" {
		return fmt.Errorf("indexName must not be empty")
	}
	if p.FieldName == "" {
		return fmt.Errorf("fieldName must not be empty")
	}
	if !p.FieldKind.IsValid() {
		return fmt.Errorf("unknown field kind %q", p.FieldKind)
	}
	if len(p.Partitions) == 0 {
		return fmt.Errorf("plan must contain at least one partition")
	}
	var sum int64
	for i, part := range p.Partitions {
		if part.Index != i {
			return fmt.Errorf("partition %d: index is %d, want %d", i, part.Index, i)
		}
		if part.DocumentCount < 0 {
			return fmt.Errorf("partition %d: documentCount must be non-negative, got %d", i, part.DocumentCount)
		}
		if part.LowerBound.Kind() != p.FieldKind {
			return fmt.Errorf("partition %d: lowerBound is %s, want %s", i, part.LowerBound.Kind(), p.FieldKind)
		}
		if part.UpperBound.Kind() != p.FieldKind {
			return fmt.Errorf("partition %d: upperBound is %s, want %s", i, part.UpperBound.Kind(), p.FieldKind)
		}
		last := i == len(p.Partitions)-1
		if last {
			if part.UpperBound.Less(part.LowerBound) {
				return fmt.Errorf("partition %d: upperBound %s is below lowerBound %s", i, part.UpperBound, part.LowerBound)
			}
		} else if !part.LowerBound.Less(part.UpperBound) {
			return fmt.Errorf("partition %d: bounds [%s, %s) span nothing", i, part.LowerBound, part.UpperBound)
		}
		if i > 0 && !part.LowerBound.Equal(p.Partitions[i-1].UpperBound) {
			return fmt.Errorf("partition %d: lowerBound %s does not continue previous upperBound %s", i, part.LowerBound, p.Partitions[i-1].UpperBound)
		}
		sum += part.DocumentCount
	}
	if sum != p.TotalDocumentCount {
		return fmt.Errorf("totalDocumentCount is %d but partitions sum to %d", p.TotalDocumentCount, sum)
	}
	return nil
}

// Key returns a stable identity for the plan, used to scope partition claims
// when several workers share one export run.
func (p *PartitionPlan) Key() string {
	return fmt.Sprintf("%s/%s/%d", p.IndexName, p.FieldName, p.TotalDocumentCount)
}
