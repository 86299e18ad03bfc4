package outbound

import (
	"context"
	"errors"

	"github.com/cobaltedge/indexport/internal/domain/entity"
)

// ErrPlanExists is returned by SavePlan when a plan is already stored at the
// destination and overwrite was not requested.
var ErrPlanExists = errors.New("partition plan already exists")

// PlanStore defines the interface for persisting and loading partition
// plans.
type PlanStore interface {
	// SavePlan writes the plan to the destination. Unless overwrite is
	// set, saving over an existing plan fails with ErrPlanExists.
	SavePlan(ctx context.Context, plan *entity.PartitionPlan, overwrite bool) error

	// LoadPlan reads a previously saved plan and validates it.
	LoadPlan(ctx context.Context) (*entity.PartitionPlan, error)
}
