package outbound

import "context"

// PartitionClaimer coordinates multiple export processes working the same
// plan, so each partition is exported by exactly one of them.
type PartitionClaimer interface {
	// TryClaim attempts to take ownership of a partition. It returns false
	// when another process already holds the claim.
	TryClaim(ctx context.Context, planKey string, partition int) (bool, error)

	// Release gives a partition back after a failed export attempt so
	// another process can retry it.
	Release(ctx context.Context, planKey string, partition int) error

	// Close releases client resources held by the claimer.
	Close() error
}
