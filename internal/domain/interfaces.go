package domain

import (
	"context"
	"time"

	"driftsync/internal/models"
)

// Executor performs the real effect of a deferred operation. The sync core
// depends only on this contract; transport details live with the caller.
type Executor interface {
	Execute(ctx context.Context, item *models.QueueItem) error
}

// EventPublisher is the fire-and-forget notification collaborator used for
// device presence changes and job completion events.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// QueueIndex is the low-latency side of the request queue: the per-user
// priority index (lower score drains first), the per-user drain lease and the
// enqueue rate limiter.
type QueueIndex interface {
	Add(ctx context.Context, userID, requestID string, score float64) error
	Remove(ctx context.Context, userID, requestID string) error
	Top(ctx context.Context, userID string, limit int) ([]string, error)
	AcquireLease(ctx context.Context, userID string, ttl time.Duration) (string, error)
	ReleaseLease(ctx context.Context, userID, token string) error
	CheckRateLimit(ctx context.Context, userID string, limit int, window time.Duration) (bool, error)
}
