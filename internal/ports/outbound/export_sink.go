package outbound

import (
	"context"
	"fmt"

	"github.com/cobaltedge/indexport/internal/domain/entity"
)

// PartitionFileName returns the deterministic output file name for one
// partition, shared by every sink so re-exports land on the same name.
func PartitionFileName(indexName string, partition int, gzipped bool) string {
	name := fmt.Sprintf("%s-%d.ndjson", indexName, partition)
	if gzipped {
		name += ".gz"
	}
	return name
}

// ExportSink defines the interface for writing exported documents, one file
// per partition.
type ExportSink interface {
	// CreatePartitionFile opens the output file for one partition,
	// replacing any remnant of a previous attempt so retried partitions
	// never append duplicates.
	CreatePartitionFile(ctx context.Context, indexName string, partition int) (PartitionFileWriter, error)
}

// PartitionFileWriter writes the documents of a single partition. Exactly
// one of Close or Abort must be called.
type PartitionFileWriter interface {
	// WriteDocument appends one document to the partition file.
	WriteDocument(doc entity.Document) error

	// Close flushes and commits the file. The file only becomes durable
	// once Close returns nil.
	Close(ctx context.Context) error

	// Abort drops the file without committing it, so a failed partition
	// never leaves output that looks complete.
	Abort() error
}
