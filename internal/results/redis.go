package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/driftlab/driftwatch/internal/api"
)

const redisKeyPrefix = "drift:"

// RedisStore implements Store using Redis SETNX for atomic
// first-write-wins semantics under concurrent submissions.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed report store.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Get(ctx context.Context, reportID string) (*api.DriftReport, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+reportID).Result()
	if err == redis.Nil {
		return nil, nil // not found
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var report api.DriftReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &report, nil
}

func (r *RedisStore) Set(ctx context.Context, reportID string, report *api.DriftReport, ttl time.Duration) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	// SETNX with TTL: first write wins; losing a concurrent race is not
	// an error.
	if err := r.client.SetNX(ctx, redisKeyPrefix+reportID, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis SETNX failed: %w", err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(redisKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN failed: %w", err)
	}
	return ids, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
