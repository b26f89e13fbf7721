package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"driftsync/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld signals that another drain currently owns the user's lease.
var ErrLeaseHeld = errors.New("lease already held")

// RedisQueueIndex keeps the per-user priority index in a sorted set, drain
// leases in TTL keys and rate-limit counters in plain counters.
type RedisQueueIndex struct {
	client *redis.Client
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisQueueIndex(client *redis.Client) *RedisQueueIndex {
	return &RedisQueueIndex{client: client}
}

func indexKey(userID string) string { return fmt.Sprintf("sync:index:%s", userID) }
func leaseKey(userID string) string { return fmt.Sprintf("sync:lease:%s", userID) }
func rateKey(userID string) string  { return fmt.Sprintf("sync:rate:%s", userID) }

func (r *RedisQueueIndex) Add(ctx context.Context, userID, requestID string, score float64) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	err := r.client.ZAdd(ctx, indexKey(userID), redis.Z{Score: score, Member: requestID}).Err()
	if err != nil {
		return fmt.Errorf("failed to add to index: %w", err)
	}
	return nil
}

func (r *RedisQueueIndex) Remove(ctx context.Context, userID, requestID string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.ZRem(ctx, indexKey(userID), requestID).Err(); err != nil {
		return fmt.Errorf("failed to remove from index: %w", err)
	}
	return nil
}

// Top returns up to limit request ids ordered by ascending score.
func (r *RedisQueueIndex) Top(ctx context.Context, userID string, limit int) ([]string, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	ids, err := r.client.ZRange(ctx, indexKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	return ids, nil
}

// AcquireLease takes the per-user drain lease with SETNX. The returned token
// identifies the holder; only the holder may release. The TTL releases a
// stuck lease if the holder crashed.
func (r *RedisQueueIndex) AcquireLease(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("redis client is nil")
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, leaseKey(userID), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return "", ErrLeaseHeld
	}
	return token, nil
}

// ReleaseLease deletes the lease only when the token still matches, so an
// expired lease re-acquired by someone else is never stolen back.
func (r *RedisQueueIndex) ReleaseLease(ctx context.Context, userID, token string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	current, err := r.client.Get(ctx, leaseKey(userID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lease: %w", err)
	}
	if current != token {
		return nil
	}
	if err := r.client.Del(ctx, leaseKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (r *RedisQueueIndex) CheckRateLimit(ctx context.Context, userID string, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	count, err := r.client.Incr(ctx, rateKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	if count == 1 {
		r.client.Expire(ctx, rateKey(userID), window)
	}

	return count <= int64(limit), nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
