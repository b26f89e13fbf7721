package repository

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"driftsync/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverQueueIndex serves from the primary (Redis) index and falls back to
// the in-memory index when the primary errors. Items scored while the
// primary was down are re-scored into it on the next drain, so the fallback
// only has to bridge short outages.
type FailoverQueueIndex struct {
	primary   domain.QueueIndex
	fallback  domain.QueueIndex
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverQueueIndex(primary, fallback domain.QueueIndex, logger *zerolog.Logger) *FailoverQueueIndex {
	return &FailoverQueueIndex{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// usePrimary reports whether the primary should be tried: either it is
// healthy, or the one-minute recovery window has elapsed.
func (f *FailoverQueueIndex) usePrimary() bool {
	if !f.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(0, f.lastCheck.Load())) > time.Minute
}

func (f *FailoverQueueIndex) markDown(err error) {
	f.logger.Error().Err(err).Msg("primary queue index failed, falling back to memory")
	f.isDown.Store(true)
	f.lastCheck.Store(time.Now().UnixNano())
}

func (f *FailoverQueueIndex) markUp() {
	if f.isDown.Swap(false) {
		f.logger.Info().Msg("primary queue index recovered")
	}
}

func (f *FailoverQueueIndex) Add(ctx context.Context, userID, requestID string, score float64) error {
	if f.usePrimary() {
		err := f.primary.Add(ctx, userID, requestID, score)
		if err == nil {
			f.markUp()
			return nil
		}
		f.markDown(err)
	}
	return f.fallback.Add(ctx, userID, requestID, score)
}

func (f *FailoverQueueIndex) Remove(ctx context.Context, userID, requestID string) error {
	if f.usePrimary() {
		err := f.primary.Remove(ctx, userID, requestID)
		if err == nil {
			f.markUp()
		} else {
			f.markDown(err)
		}
	}
	// Remove from both sides: the item may have been scored during an outage.
	return f.fallback.Remove(ctx, userID, requestID)
}

func (f *FailoverQueueIndex) Top(ctx context.Context, userID string, limit int) ([]string, error) {
	if f.usePrimary() {
		ids, err := f.primary.Top(ctx, userID, limit)
		if err == nil {
			f.markUp()
			if len(ids) >= limit {
				return ids, nil
			}
			// Merge in anything stranded in the fallback during an outage.
			extra, ferr := f.fallback.Top(ctx, userID, limit-len(ids))
			if ferr != nil {
				return ids, nil
			}
			return mergeUnique(ids, extra), nil
		}
		f.markDown(err)
	}
	return f.fallback.Top(ctx, userID, limit)
}

func (f *FailoverQueueIndex) AcquireLease(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if f.usePrimary() {
		token, err := f.primary.AcquireLease(ctx, userID, ttl)
		if err == nil || errors.Is(err, ErrLeaseHeld) {
			f.markUp()
			return token, err
		}
		f.markDown(err)
	}
	return f.fallback.AcquireLease(ctx, userID, ttl)
}

func (f *FailoverQueueIndex) ReleaseLease(ctx context.Context, userID, token string) error {
	if f.usePrimary() {
		if err := f.primary.ReleaseLease(ctx, userID, token); err != nil {
			f.markDown(err)
		}
	}
	return f.fallback.ReleaseLease(ctx, userID, token)
}

func (f *FailoverQueueIndex) CheckRateLimit(ctx context.Context, userID string, limit int, window time.Duration) (bool, error) {
	if f.usePrimary() {
		allowed, err := f.primary.CheckRateLimit(ctx, userID, limit, window)
		if err == nil {
			f.markUp()
			return allowed, nil
		}
		f.markDown(err)
	}
	return f.fallback.CheckRateLimit(ctx, userID, limit, window)
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := append([]string(nil), a...)
	for _, id := range a {
		seen[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
