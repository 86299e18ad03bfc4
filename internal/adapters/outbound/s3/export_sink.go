package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// Compile-time check that ExportSink implements outbound.ExportSink.
var _ outbound.ExportSink = (*ExportSink)(nil)

// SinkConfig holds configuration for the S3 export sink.
type SinkConfig struct {
	// Bucket receives the partition objects.
	Bucket string

	// Prefix is prepended to every object key.
	Prefix string

	// Gzip compresses each partition object and appends .gz to its key.
	Gzip bool

	// Logger is the structured logger for the sink.
	Logger *slog.Logger
}

// ExportSink uploads partition files as NDJSON objects. Each partition is
// buffered in memory until Close and lands in one PutObject, so readers never
// observe a half-written object; the page-depth limit keeps partitions, and
// with them the buffer, bounded.
type ExportSink struct {
	client s3API
	config SinkConfig
	logger *slog.Logger
}

// NewExportSink creates the S3 export sink.
func NewExportSink(cfg aws.Config, config SinkConfig) (*ExportSink, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &ExportSink{
		client: s3.NewFromConfig(cfg),
		config: config,
		logger: config.Logger.With("component", "s3-sink"),
	}, nil
}

// CreatePartitionFile starts the in-memory object for one partition.
// Uploading on Close overwrites any remnant of a previous attempt.
func (s *ExportSink) CreatePartitionFile(ctx context.Context, indexName string, partition int) (outbound.PartitionFileWriter, error) {
	name := outbound.PartitionFileName(indexName, partition, s.config.Gzip)
	key := name
	if s.config.Prefix != "" {
		key = strings.TrimSuffix(s.config.Prefix, "/") + "/" + name
	}

	w := &objectWriter{sink: s, key: key, buf: &bytes.Buffer{}}
	w.out = w.buf
	if s.config.Gzip {
		w.gz = gzip.NewWriter(w.buf)
		w.out = w.gz
	}
	return w, nil
}

// objectWriter accumulates NDJSON lines for one partition object.
type objectWriter struct {
	sink *ExportSink
	key  string
	buf  *bytes.Buffer
	gz   *gzip.Writer
	out  io.Writer
}

func (w *objectWriter) WriteDocument(doc entity.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.out.Write(data); err != nil {
		return fmt.Errorf("buffering document for %s: %w", w.key, err)
	}
	return nil
}

// Close finishes the buffer and uploads the object. Nothing reaches S3
// before Close.
func (w *objectWriter) Close(ctx context.Context) error {
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return fmt.Errorf("finishing gzip stream for %s: %w", w.key, err)
		}
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.sink.config.Bucket),
		Key:         aws.String(w.key),
		Body:        bytes.NewReader(w.buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	}
	if w.sink.config.Gzip {
		input.ContentEncoding = aws.String("gzip")
	}

	if _, err := w.sink.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", w.sink.config.Bucket, w.key, err)
	}

	w.sink.logger.Debug("uploaded partition object",
		"bucket", w.sink.config.Bucket,
		"key", w.key,
		"bytes", w.buf.Len(),
	)
	return nil
}

// Abort drops the buffer; since nothing uploads before Close, a failed
// partition leaves no object behind.
func (w *objectWriter) Abort() error {
	w.buf.Reset()
	return nil
}
