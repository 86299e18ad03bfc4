// Package redis provides a Redis implementation of the PartitionClaimer
// port.
//
// Claims are SET NX keys scoped by plan key and partition index, so several
// export processes pointed at the same plan divide the partitions between
// them without a coordinator. The TTL bounds how long a crashed process can
// hold a partition hostage.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// Compile-time check that Claimer implements outbound.PartitionClaimer.
var _ outbound.PartitionClaimer = (*Claimer)(nil)

// ClaimerConfig holds Redis claim configuration.
type ClaimerConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is prepended to all claim keys
	KeyPrefix string
	// TTL is how long a claim lives before expiring. It should comfortably
	// exceed the export time of one partition.
	TTL time.Duration
	// Owner identifies this process in claim values. Defaults to
	// hostname:pid.
	Owner string
}

// ClaimerConfigDefaults returns sensible defaults for claim configuration.
func ClaimerConfigDefaults() ClaimerConfig {
	return ClaimerConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "indexport",
		TTL:       time.Hour,
	}
}

// Claimer is a Redis implementation of the outbound.PartitionClaimer port.
type Claimer struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	owner     string
	logger    *slog.Logger
}

// NewClaimer creates a new Redis partition claimer.
func NewClaimer(cfg ClaimerConfig, logger *slog.Logger) (*Claimer, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	defaults := ClaimerConfigDefaults()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaults.KeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.Owner == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		cfg.Owner = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Claimer{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
		owner:     cfg.Owner,
		logger:    logger.With("component", "redis-claimer"),
	}, nil
}

// Ping checks the Redis connection.
func (c *Claimer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Claimer) Close() error {
	return c.client.Close()
}

// key generates a claim key in the format prefix:claim:planKey:partition.
func (c *Claimer) key(planKey string, partition int) string {
	return fmt.Sprintf("%s:claim:%s:%d", c.keyPrefix, planKey, partition)
}

// TryClaim takes ownership of a partition with SET NX. It returns false when
// another process already holds the claim.
func (c *Claimer) TryClaim(ctx context.Context, planKey string, partition int) (bool, error) {
	key := c.key(planKey, partition)
	claimed, err := c.client.SetNX(ctx, key, c.owner, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim partition %d: %w", partition, err)
	}
	if !claimed {
		holder, getErr := c.client.Get(ctx, key).Result()
		if getErr == nil {
			c.logger.Debug("partition already claimed",
				"partition", partition,
				"holder", holder,
			)
		}
	}
	return claimed, nil
}

// Release gives a partition back after a failed export. Only the claim this
// process wrote is deleted; a claim that expired and was re-taken by another
// process stays untouched.
func (c *Claimer) Release(ctx context.Context, planKey string, partition int) error {
	key := c.key(planKey, partition)
	holder, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read claim for partition %d: %w", partition, err)
	}
	if holder != c.owner {
		return nil
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release partition %d: %w", partition, err)
	}
	return nil
}
