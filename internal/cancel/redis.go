// Package cancel carries job cancellation requests between service
// instances through Redis.
package cancel

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/idost/parasto-jobs/internal/core"
)

// DefaultTTL bounds how long an unconsumed request lingers, e.g. after the
// instance running the job crashed.
const DefaultTTL = 24 * time.Hour

// RedisRegistry stores one key per requested job. The worker polls it at
// row boundaries and clears it when the job ends.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

var _ core.CancelRegistry = (*RedisRegistry)(nil)

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*RedisRegistry, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("cannot connect to Redis at %s: %w", addr, err)
	}
	return NewRedisRegistry(rdb, DefaultTTL), nil
}

// NewRedisRegistry wraps an existing client.
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{client: client, ttl: ttl}
}

// Request sets the flag unless it is already set.
func (r *RedisRegistry) Request(ctx context.Context, id string) (bool, error) {
	placed, err := r.client.SetNX(ctx, requestKey(id), "1", r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("request cancel %s: %w", id, err)
	}
	return placed, nil
}

func (r *RedisRegistry) Requested(ctx context.Context, id string) (bool, error) {
	count, err := r.client.Exists(ctx, requestKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check cancel %s: %w", id, err)
	}
	return count > 0, nil
}

func (r *RedisRegistry) Clear(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, requestKey(id)).Err(); err != nil {
		return fmt.Errorf("clear cancel %s: %w", id, err)
	}
	return nil
}

// Ping checks the broker connection.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func requestKey(id string) string {
	return "jobs:cancel:" + id
}
