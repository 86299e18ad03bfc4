// Package s3 implements the plan store and export sink ports on Amazon S3.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// s3API defines the subset of S3 operations the adapters use.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ParseURL splits an s3://bucket/key URL into its bucket and key.
func ParseURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 URL %q: %w", raw, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid S3 URL %q: scheme must be s3", raw)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("invalid S3 URL %q: missing bucket", raw)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// Compile-time check that PlanStore implements outbound.PlanStore.
var _ outbound.PlanStore = (*PlanStore)(nil)

// PlanStore persists partition plans as JSON objects in S3.
type PlanStore struct {
	client s3API
	bucket string
	key    string
	logger *slog.Logger
}

// NewPlanStore creates a plan store backed by one S3 object.
func NewPlanStore(cfg aws.Config, bucket, key string, logger *slog.Logger) (*PlanStore, error) {
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if key == "" {
		return nil, errors.New("object key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanStore{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		key:    key,
		logger: logger.With("component", "s3-planstore"),
	}, nil
}

// SavePlan uploads the plan. Without overwrite the put carries If-None-Match,
// so concurrent writers race for the object and every loser gets
// ErrPlanExists from the service itself.
func (s *PlanStore) SavePlan(ctx context.Context, plan *entity.PartitionPlan, overwrite bool) error {
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid plan: %w", err)
	}

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if !overwrite {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "PreconditionFailed" || apiErr.ErrorCode() == "412") {
			return fmt.Errorf("s3://%s/%s: %w", s.bucket, s.key, outbound.ErrPlanExists)
		}
		return fmt.Errorf("uploading plan to s3://%s/%s: %w", s.bucket, s.key, err)
	}

	s.logger.Info("saved partition plan",
		"bucket", s.bucket,
		"key", s.key,
		"partitions", len(plan.Partitions),
		"documents", plan.TotalDocumentCount,
	)
	return nil
}

// LoadPlan downloads and validates the plan object.
func (s *PlanStore) LoadPlan(ctx context.Context) (*entity.PartitionPlan, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading plan from s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer func() {
		if closeErr := out.Body.Close(); closeErr != nil {
			s.logger.Warn("failed to close plan object body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading plan object: %w", err)
	}

	var plan entity.PartitionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan s3://%s/%s: %w", s.bucket, s.key, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("plan s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return &plan, nil
}
