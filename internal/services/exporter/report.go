package exporter

import (
	"fmt"
	"strings"
	"time"
)

// PartitionResult records the outcome of one partition's export.
type PartitionResult struct {
	// Index is the partition index within the plan.
	Index int `json:"index"`

	// Documents is the number of documents written.
	Documents int64 `json:"documents"`

	// Pages is the number of page queries issued.
	Pages int64 `json:"pages"`

	// Duration is how long the partition took.
	Duration time.Duration `json:"duration"`

	// Skipped marks partitions that were never exported: claimed by
	// another exporter, or not reached before cancellation.
	Skipped bool `json:"skipped,omitempty"`

	// Err is the failure, if the partition failed.
	Err error `json:"-"`
}

// Report summarizes one export run.
type Report struct {
	// Results holds one entry per selected partition, in plan order.
	Results []PartitionResult `json:"results"`

	// Summary statistics.
	Exported  int           `json:"exported"`
	Skipped   int           `json:"skipped"`
	Failed    []int         `json:"failed,omitempty"`
	Documents int64         `json:"documents"`
	Pages     int64         `json:"pages"`
	Elapsed   time.Duration `json:"elapsed"`
}

// newReport derives the summary from per-partition results. Results arrive
// in plan order, so Failed comes out ascending.
func newReport(results []PartitionResult, elapsed time.Duration) *Report {
	r := &Report{
		Results: results,
		Elapsed: elapsed,
	}
	for _, res := range results {
		switch {
		case res.Err != nil:
			r.Failed = append(r.Failed, res.Index)
		case res.Skipped:
			r.Skipped++
		default:
			r.Exported++
		}
		r.Documents += res.Documents
		r.Pages += res.Pages
	}
	return r
}

// Success returns true if no partition failed.
func (r *Report) Success() bool {
	return len(r.Failed) == 0
}

// FormatText returns the report as human-readable text.
func (r *Report) FormatText() string {
	var sb strings.Builder

	sb.WriteString("================================================================================\n")
	sb.WriteString("                            PARTITION EXPORT REPORT\n")
	sb.WriteString("================================================================================\n")

	for _, res := range r.Results {
		switch {
		case res.Err != nil:
			sb.WriteString(fmt.Sprintf("[FAILED]   partition %d: %v\n", res.Index, res.Err))
		case res.Skipped:
			sb.WriteString(fmt.Sprintf("[SKIPPED]  partition %d\n", res.Index))
		default:
			sb.WriteString(fmt.Sprintf("[EXPORTED] partition %d: %s documents, %d pages (%s)\n",
				res.Index, formatNumber(res.Documents), res.Pages, res.Duration.Round(time.Millisecond)))
		}
	}

	sb.WriteString(fmt.Sprintf("\nSUMMARY: %d exported, %d skipped, %d failed, %s documents in %s\n",
		r.Exported, r.Skipped, len(r.Failed), formatNumber(r.Documents), r.Elapsed.Round(time.Millisecond)))

	if r.Success() {
		sb.WriteString("RESULT: OK\n")
	} else {
		sb.WriteString(fmt.Sprintf("RESULT: FAILED partitions %v\n", r.Failed))
	}

	return sb.String()
}

// formatNumber adds thousands separators to a number.
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if n < 0 {
		return str
	}
	var result strings.Builder
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result.WriteRune(',')
		}
		result.WriteRune(c)
	}
	return result.String()
}
