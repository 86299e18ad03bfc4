package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// Compile-time check that ExportSink implements outbound.ExportSink
var _ outbound.ExportSink = (*ExportSink)(nil)

// ExportSink is an in-memory implementation of the ExportSink port. Files
// become visible once their writer is closed.
type ExportSink struct {
	mu    sync.Mutex
	files map[string][]entity.Document
}

// NewExportSink creates a new in-memory export sink.
func NewExportSink() *ExportSink {
	return &ExportSink{
		files: make(map[string][]entity.Document),
	}
}

// CreatePartitionFile opens an in-memory file for one partition, dropping
// any previously committed content for it.
func (s *ExportSink) CreatePartitionFile(ctx context.Context, indexName string, partition int) (outbound.PartitionFileWriter, error) {
	name := fmt.Sprintf("%s-%d", indexName, partition)
	s.mu.Lock()
	delete(s.files, name)
	s.mu.Unlock()
	return &memoryFileWriter{sink: s, name: name}, nil
}

type memoryFileWriter struct {
	sink *ExportSink
	name string
	docs []entity.Document
}

func (w *memoryFileWriter) WriteDocument(doc entity.Document) error {
	w.docs = append(w.docs, doc)
	return nil
}

func (w *memoryFileWriter) Close(ctx context.Context) error {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	w.sink.files[w.name] = w.docs
	return nil
}

func (w *memoryFileWriter) Abort() error {
	w.docs = nil
	return nil
}

// Documents returns the committed content of one partition file (for
// testing).
func (s *ExportSink) Documents(indexName string, partition int) []entity.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[fmt.Sprintf("%s-%d", indexName, partition)]
}

// FileCount returns the number of committed files (for testing).
func (s *ExportSink) FileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}
