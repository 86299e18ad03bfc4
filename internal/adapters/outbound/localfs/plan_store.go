// Package localfs implements the plan store and export sink ports on the
// local filesystem.
package localfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// Compile-time check that PlanStore implements outbound.PlanStore.
var _ outbound.PlanStore = (*PlanStore)(nil)

// PlanStore persists partition plans as JSON files.
type PlanStore struct {
	path   string
	logger *slog.Logger
}

// NewPlanStore creates a plan store backed by a single file path.
func NewPlanStore(path string, logger *slog.Logger) (*PlanStore, error) {
	if path == "" {
		return nil, errors.New("plan path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanStore{
		path:   path,
		logger: logger.With("component", "localfs-planstore"),
	}, nil
}

// SavePlan writes the plan as indented JSON. Without overwrite, an existing
// file fails with ErrPlanExists; O_EXCL makes the existence check and the
// create a single atomic step.
func (s *PlanStore) SavePlan(ctx context.Context, plan *entity.PartitionPlan, overwrite bool) error {
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid plan: %w", err)
	}

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating plan directory: %w", err)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(s.path, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("plan file %s: %w", s.path, outbound.ErrPlanExists)
		}
		return fmt.Errorf("creating plan file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing plan file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing plan file: %w", err)
	}

	s.logger.Info("saved partition plan",
		"path", s.path,
		"partitions", len(plan.Partitions),
		"documents", plan.TotalDocumentCount,
	)
	return nil
}

// LoadPlan reads the plan file and validates its structure before returning
// it, so a hand-edited or truncated plan never reaches the exporter.
func (s *PlanStore) LoadPlan(ctx context.Context) (*entity.PartitionPlan, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	var plan entity.PartitionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan file %s: %w", s.path, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("plan file %s: %w", s.path, err)
	}
	return &plan, nil
}
