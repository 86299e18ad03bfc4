package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// Compile-time check that PartitionClaimer implements outbound.PartitionClaimer
var _ outbound.PartitionClaimer = (*PartitionClaimer)(nil)

// PartitionClaimer is an in-memory implementation of the PartitionClaimer
// port. It coordinates workers within a single process only.
type PartitionClaimer struct {
	mu     sync.Mutex
	claims map[string]bool
}

// NewPartitionClaimer creates a new in-memory claimer.
func NewPartitionClaimer() *PartitionClaimer {
	return &PartitionClaimer{
		claims: make(map[string]bool),
	}
}

func claimKey(planKey string, partition int) string {
	return fmt.Sprintf("%s/%d", planKey, partition)
}

// TryClaim takes ownership of a partition unless it is already held.
func (c *PartitionClaimer) TryClaim(ctx context.Context, planKey string, partition int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := claimKey(planKey, partition)
	if c.claims[k] {
		return false, nil
	}
	c.claims[k] = true
	return true, nil
}

// Release gives a partition back.
func (c *PartitionClaimer) Release(ctx context.Context, planKey string, partition int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, claimKey(planKey, partition))
	return nil
}

// Close is a no-op for the in-memory claimer.
func (c *PartitionClaimer) Close() error {
	return nil
}
