// Package fabric wraps the Redis coordination primitives the pipeline relies
// on: append-only streams with consumer groups, single-holder leases, and a
// TTL'd key/value cache.
package fabric

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient connects to Redis with the pipeline's timeout profile: 10 s
// connect, 15 s per operation, exponential reconnect backoff starting at 1 s.
func NewClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DialTimeout:     10 * time.Second,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		MinRetryBackoff: 1 * time.Second,
		MaxRetryBackoff: 30 * time.Second,
		ConnMaxIdleTime: 60 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}
