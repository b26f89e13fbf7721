package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"driftsync/internal/database"
	"driftsync/internal/domain"
	"driftsync/internal/metrics"
	"driftsync/internal/models"
	"driftsync/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Queue is the durable deferred-operation queue. Items live in SQLite; the
// drain order, per-user lease and enqueue rate limits live in the queue
// index. Item status changes only through the drain path.
type Queue struct {
	db       *database.DB
	index    domain.QueueIndex
	executor domain.Executor
	score    ScorePolicy
	retry    RetryPolicy
	limiter  *rate.Limiter
	logger   zerolog.Logger

	batchSize     int
	leaseTTL      time.Duration
	execTimeout   time.Duration
	enqueueLimit  int
	enqueueWindow time.Duration
}

// Options tune the queue; zero values fall back to sane defaults.
type Options struct {
	BatchSize   int
	LeaseTTL    time.Duration
	ExecTimeout time.Duration
	Score       ScorePolicy
	Retry       RetryPolicy

	// ExecutorRate paces executor dispatches within a drain; zero disables
	// pacing.
	ExecutorRate rate.Limit

	// EnqueueLimit/EnqueueWindow bound enqueues per user; zero limit
	// disables the check.
	EnqueueLimit  int
	EnqueueWindow time.Duration
}

func New(db *database.DB, index domain.QueueIndex, executor domain.Executor, logger zerolog.Logger, opts Options) *Queue {
	if opts.BatchSize == 0 {
		opts.BatchSize = 10
	}
	if opts.LeaseTTL == 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	if opts.ExecTimeout == 0 {
		opts.ExecTimeout = 30 * time.Second
	}
	if opts.Score.PriorityWeight == 0 {
		opts.Score = DefaultScorePolicy()
	}
	if opts.Retry.InitialDelay == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.EnqueueWindow == 0 {
		opts.EnqueueWindow = time.Minute
	}

	var limiter *rate.Limiter
	if opts.ExecutorRate > 0 {
		limiter = rate.NewLimiter(opts.ExecutorRate, 1)
	}

	return &Queue{
		db:            db,
		index:         index,
		executor:      executor,
		score:         opts.Score,
		retry:         opts.Retry,
		limiter:       limiter,
		logger:        logger.With().Str("component", "request-queue").Logger(),
		batchSize:     opts.BatchSize,
		leaseTTL:      opts.LeaseTTL,
		execTimeout:   opts.ExecTimeout,
		enqueueLimit:  opts.EnqueueLimit,
		enqueueWindow: opts.EnqueueWindow,
	}
}

// Enqueue validates and persists a deferred operation. Re-enqueue with an
// already-used request id is a no-op returning the existing item.
func (q *Queue) Enqueue(ctx context.Context, userID string, op models.Operation) (*models.QueueItem, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "required"}
	}
	if op.Method == "" {
		return nil, &ValidationError{Field: "method", Reason: "required"}
	}
	if op.Target == "" {
		return nil, &ValidationError{Field: "target", Reason: "required"}
	}
	if op.Priority < models.MinPriority || op.Priority > models.MaxPriority {
		return nil, &ValidationError{Field: "priority", Reason: fmt.Sprintf("must be between %d and %d", models.MinPriority, models.MaxPriority)}
	}
	maxRetries := op.MaxRetries
	if maxRetries == 0 {
		maxRetries = models.DefaultMaxRetries
	}
	if maxRetries < 0 || maxRetries > models.MaxMaxRetries {
		return nil, &ValidationError{Field: "max_retries", Reason: fmt.Sprintf("must be between 1 and %d", models.MaxMaxRetries)}
	}

	if q.enqueueLimit > 0 {
		allowed, err := q.index.CheckRateLimit(ctx, userID, q.enqueueLimit, q.enqueueWindow)
		if err != nil {
			q.logger.Warn().Err(err).Str("user_id", userID).Msg("rate limit check failed, allowing")
		} else if !allowed {
			return nil, ErrRateLimited
		}
	}

	requestID := op.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	} else if existing, err := q.db.GetQueueItemByRequestID(ctx, requestID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now()
	scheduledAt := op.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	item := &models.QueueItem{
		UserID:       userID,
		RequestID:    requestID,
		Method:       op.Method,
		Target:       op.Target,
		Payload:      op.Payload,
		Headers:      op.Headers,
		Priority:     op.Priority,
		MaxRetries:   maxRetries,
		Status:       models.ItemStatusPending,
		ScheduledAt:  scheduledAt,
		Dependencies: op.Dependencies,
		Tags:         op.Tags,
	}

	if err := q.db.CreateQueueItem(ctx, item); err != nil {
		if errors.Is(err, database.ErrUniqueViolation) {
			// Lost an idempotency race; the winner's row is the answer.
			return q.db.GetQueueItemByRequestID(ctx, requestID)
		}
		return nil, err
	}

	if err := q.index.Add(ctx, userID, requestID, q.score.Score(item, now)); err != nil {
		q.logger.Error().Err(err).Str("request_id", requestID).Msg("index add failed, item drains on next sweep")
	}

	metrics.IncQueueItem("enqueued")
	q.logger.Debug().
		Str("user_id", userID).
		Str("request_id", requestID).
		Int("priority", item.Priority).
		Msg("operation enqueued")

	return item, nil
}

// Drain runs one pass over the user's queue. At most one drain runs per user
// at a time; when another holder owns the lease this returns immediately.
func (q *Queue) Drain(ctx context.Context, userID string) error {
	token, err := q.index.AcquireLease(ctx, userID, q.leaseTTL)
	if errors.Is(err, repository.ErrLeaseHeld) {
		q.logger.Debug().Str("user_id", userID).Msg("drain already running")
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire drain lease: %w", err)
	}
	defer func() {
		if err := q.index.ReleaseLease(ctx, userID, token); err != nil {
			q.logger.Warn().Err(err).Str("user_id", userID).Msg("release drain lease")
		}
	}()

	requestIDs, err := q.index.Top(ctx, userID, q.batchSize)
	if err != nil {
		return fmt.Errorf("read queue index: %w", err)
	}
	if len(requestIDs) == 0 {
		return nil
	}

	items, err := q.db.GetQueueItemsByRequestIDs(ctx, requestIDs)
	if err != nil {
		return err
	}
	byRequestID := make(map[string]*models.QueueItem, len(items))
	for i := range items {
		byRequestID[items[i].RequestID] = &items[i]
	}

	now := time.Now()
	for _, requestID := range requestIDs {
		item, ok := byRequestID[requestID]
		if !ok {
			// Row deleted by retention; drop the stale index entry.
			_ = q.index.Remove(ctx, userID, requestID)
			continue
		}
		if item.Status != models.ItemStatusPending {
			if item.Status == models.ItemStatusCompleted || item.Status == models.ItemStatusFailed {
				_ = q.index.Remove(ctx, userID, requestID)
			}
			continue
		}
		if item.ScheduledAt.After(now) {
			continue
		}

		ready, err := q.dependenciesReady(ctx, item)
		if err != nil {
			return err
		}
		if !ready {
			// Stuck, not failed: the item stays pending until its
			// dependencies complete.
			continue
		}

		if err := q.processItem(ctx, item); err != nil {
			return err
		}
	}

	return nil
}

func (q *Queue) dependenciesReady(ctx context.Context, item *models.QueueItem) (bool, error) {
	if len(item.Dependencies) == 0 {
		return true, nil
	}
	incomplete, err := q.db.CountIncompleteDependencies(ctx, item.Dependencies)
	if err != nil {
		return false, err
	}
	return incomplete == 0, nil
}

func (q *Queue) processItem(ctx context.Context, item *models.QueueItem) error {
	ok, err := q.db.CompareAndSwapStatus(ctx, item.ID, models.ItemStatusPending, models.ItemStatusProcessing, nil)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			// Shutdown mid-drain: put the item back.
			_, _ = q.db.CompareAndSwapStatus(ctx, item.ID, models.ItemStatusProcessing, models.ItemStatusPending, nil)
			return err
		}
	}

	execErr := q.execute(ctx, item)
	if execErr == nil {
		return q.completeItem(ctx, item)
	}
	return q.retryOrFail(ctx, item, execErr)
}

func (q *Queue) execute(ctx context.Context, item *models.QueueItem) error {
	execCtx, cancel := context.WithTimeout(ctx, q.execTimeout)
	defer cancel()
	return q.executor.Execute(execCtx, item)
}

func (q *Queue) completeItem(ctx context.Context, item *models.QueueItem) error {
	if _, err := q.db.CompareAndSwapStatus(ctx, item.ID, models.ItemStatusProcessing, models.ItemStatusCompleted, nil); err != nil {
		return err
	}
	if err := q.index.Remove(ctx, item.UserID, item.RequestID); err != nil {
		q.logger.Warn().Err(err).Str("request_id", item.RequestID).Msg("index remove failed")
	}
	metrics.IncQueueItem("completed")

	q.wakeDependents(ctx, item.RequestID)
	return nil
}

// wakeDependents rescores items whose dependency set just became fully
// satisfied so they drain on this or the next pass instead of waiting out
// their original schedule.
func (q *Queue) wakeDependents(ctx context.Context, requestID string) {
	dependents, err := q.db.PendingDependents(ctx, requestID)
	if err != nil {
		q.logger.Warn().Err(err).Str("request_id", requestID).Msg("load dependents")
		return
	}

	now := time.Now()
	for i := range dependents {
		dep := &dependents[i]
		incomplete, err := q.db.CountIncompleteDependencies(ctx, dep.Dependencies)
		if err != nil || incomplete > 0 {
			continue
		}
		if err := q.db.WakeItem(ctx, dep.ID, now); err != nil {
			q.logger.Warn().Err(err).Str("request_id", dep.RequestID).Msg("wake dependent")
			continue
		}
		dep.ScheduledAt = now
		if err := q.index.Add(ctx, dep.UserID, dep.RequestID, q.score.Score(dep, now)); err != nil {
			q.logger.Warn().Err(err).Str("request_id", dep.RequestID).Msg("rescore dependent")
		}
	}
}

func (q *Queue) retryOrFail(ctx context.Context, item *models.QueueItem, cause error) error {
	retryCount := item.RetryCount + 1
	if retryCount >= item.MaxRetries {
		msg := cause.Error()
		if _, err := q.db.MarkFailed(ctx, item.ID, retryCount, msg); err != nil {
			return err
		}
		if err := q.index.Remove(ctx, item.UserID, item.RequestID); err != nil {
			q.logger.Warn().Err(err).Str("request_id", item.RequestID).Msg("index remove failed")
		}
		metrics.IncQueueItem("failed")
		q.logger.Warn().
			Str("user_id", item.UserID).
			Str("request_id", item.RequestID).
			Int("retries", retryCount).
			Str("error", msg).
			Msg("item failed terminally")
		return nil
	}

	delay := q.retry.Delay(retryCount)
	scheduledAt := time.Now().Add(delay)
	if _, err := q.db.RescheduleForRetry(ctx, item.ID, retryCount, scheduledAt, cause.Error()); err != nil {
		return err
	}
	item.RetryCount = retryCount
	item.ScheduledAt = scheduledAt
	if err := q.index.Add(ctx, item.UserID, item.RequestID, q.score.Score(item, time.Now())); err != nil {
		q.logger.Warn().Err(err).Str("request_id", item.RequestID).Msg("rescore for retry failed")
	}
	metrics.IncQueueItem("retried")
	return nil
}

// Stats returns the user's per-status queue counts.
func (q *Queue) Stats(ctx context.Context, userID string) (models.QueueStats, error) {
	return q.db.QueueStats(ctx, userID)
}

// CleanupOldItems deletes terminal items older than the retention window.
// An empty userID sweeps all users.
func (q *Queue) CleanupOldItems(ctx context.Context, userID string, days int) (int64, error) {
	if days <= 0 {
		days = models.DefaultQueueRetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	return q.db.DeleteOldQueueItems(ctx, userID, cutoff)
}

// RetryFailedItems resets failed items that still have retry budget back to
// pending, re-entering the index immediately.
func (q *Queue) RetryFailedItems(ctx context.Context, userID string) (int, error) {
	items, err := q.db.FailedRetryableItems(ctx, userID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	reset := 0
	for i := range items {
		item := &items[i]
		ok, err := q.db.ResetFailedItem(ctx, item.ID, now)
		if err != nil {
			return reset, err
		}
		if !ok {
			continue
		}
		item.Status = models.ItemStatusPending
		item.ScheduledAt = now
		if err := q.index.Add(ctx, userID, item.RequestID, q.score.Score(item, now)); err != nil {
			q.logger.Warn().Err(err).Str("request_id", item.RequestID).Msg("rescore failed item")
		}
		reset++
	}
	return reset, nil
}

// UsersWithPendingWork lists users whose queues have pending items.
func (q *Queue) UsersWithPendingWork(ctx context.Context) ([]string, error) {
	return q.db.UsersWithPendingWork(ctx)
}
