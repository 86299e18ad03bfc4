package localfs

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// writerBufferSize is the bufio buffer in front of each partition file.
const writerBufferSize = 1 << 20

// Compile-time check that ExportSink implements outbound.ExportSink.
var _ outbound.ExportSink = (*ExportSink)(nil)

// SinkConfig holds configuration for the filesystem export sink.
type SinkConfig struct {
	// Dir is the directory partition files are written into.
	Dir string

	// Gzip compresses each partition file and appends .gz to its name.
	Gzip bool

	// Logger is the structured logger for the sink.
	Logger *slog.Logger
}

// ExportSink writes partition files in NDJSON form to a local directory.
type ExportSink struct {
	config SinkConfig
	logger *slog.Logger
}

// NewExportSink creates the sink and its output directory.
func NewExportSink(config SinkConfig) (*ExportSink, error) {
	if config.Dir == "" {
		return nil, errors.New("output directory is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &ExportSink{
		config: config,
		logger: config.Logger.With("component", "localfs-sink"),
	}, nil
}

// CreatePartitionFile opens (and truncates) the output file for one
// partition. Truncation makes retried partitions start clean instead of
// appending duplicates.
func (s *ExportSink) CreatePartitionFile(ctx context.Context, indexName string, partition int) (outbound.PartitionFileWriter, error) {
	name := outbound.PartitionFileName(indexName, partition, s.config.Gzip)
	path := filepath.Join(s.config.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating partition file %s: %w", path, err)
	}

	w := &fileWriter{
		path:   path,
		file:   f,
		buf:    bufio.NewWriterSize(f, writerBufferSize),
		logger: s.logger,
	}
	w.out = w.buf
	if s.config.Gzip {
		w.gz = gzip.NewWriter(w.buf)
		w.out = w.gz
	}
	return w, nil
}

// fileWriter streams NDJSON lines through an optional gzip layer and a
// buffered writer into one partition file.
type fileWriter struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	gz     *gzip.Writer
	out    io.Writer
	logger *slog.Logger
}

func (w *fileWriter) WriteDocument(doc entity.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.out.Write(data); err != nil {
		return fmt.Errorf("writing to %s: %w", w.path, err)
	}
	return nil
}

// Close flushes every layer and syncs the file. Content only counts as
// exported once Close returns nil.
func (w *fileWriter) Close(ctx context.Context) error {
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			_ = w.file.Close()
			return fmt.Errorf("finishing gzip stream for %s: %w", w.path, err)
		}
	}
	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("flushing %s: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("syncing %s: %w", w.path, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", w.path, err)
	}
	return nil
}

// Abort closes and removes the partial file so a failed partition leaves no
// output behind.
func (w *fileWriter) Abort() error {
	closeErr := w.file.Close()
	rmErr := os.Remove(w.path)
	if closeErr != nil {
		return fmt.Errorf("closing aborted file %s: %w", w.path, closeErr)
	}
	if rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		return fmt.Errorf("removing aborted file %s: %w", w.path, rmErr)
	}
	w.logger.Debug("aborted partition file", "path", w.path)
	return nil
}
