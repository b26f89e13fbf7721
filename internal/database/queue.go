package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"driftsync/internal/models"
)

const queueItemColumns = `id, user_id, request_id, method, target, payload, headers, priority,
       retry_count, max_retries, status, scheduled_at, dependencies, tags, last_error, created_at, updated_at`

func (db *DB) CreateQueueItem(ctx context.Context, item *models.QueueItem) error {
	payload, err := marshalJSON(item.Payload)
	if err != nil {
		return err
	}
	headers, err := marshalJSON(item.Headers)
	if err != nil {
		return err
	}
	deps, err := marshalJSON(item.Dependencies)
	if err != nil {
		return err
	}
	tags, err := marshalJSON(item.Tags)
	if err != nil {
		return err
	}

	query := `INSERT INTO queue_items (user_id, request_id, method, target, payload, headers, priority,
              retry_count, max_retries, status, scheduled_at, dependencies, tags, last_error, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.db.ExecContext(ctx, query,
		item.UserID,
		item.RequestID,
		item.Method,
		item.Target,
		payload,
		headers,
		item.Priority,
		item.RetryCount,
		item.MaxRetries,
		item.Status,
		item.ScheduledAt,
		deps,
		tags,
		item.LastError,
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("request_id %s: %w", item.RequestID, ErrUniqueViolation)
		}
		return fmt.Errorf("failed to create queue item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	item.ID = id
	item.CreatedAt = now
	item.UpdatedAt = now

	return nil
}

func scanQueueItem(row interface{ Scan(...any) error }) (*models.QueueItem, error) {
	var (
		item            models.QueueItem
		payload, header sql.NullString
		deps, tags      sql.NullString
	)
	err := row.Scan(
		&item.ID, &item.UserID, &item.RequestID, &item.Method, &item.Target,
		&payload, &header, &item.Priority, &item.RetryCount, &item.MaxRetries,
		&item.Status, &item.ScheduledAt, &deps, &tags, &item.LastError,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if item.Payload, err = unmarshalMap(payload); err != nil {
		return nil, err
	}
	if item.Headers, err = unmarshalStringMap(header); err != nil {
		return nil, err
	}
	if item.Dependencies, err = unmarshalStrings(deps); err != nil {
		return nil, err
	}
	if item.Tags, err = unmarshalStrings(tags); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetQueueItemByRequestID returns nil when no item carries the request id.
func (db *DB) GetQueueItemByRequestID(ctx context.Context, requestID string) (*models.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + ` FROM queue_items WHERE request_id = ?`
	item, err := scanQueueItem(db.db.QueryRowContext(ctx, query, requestID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

// GetQueueItemsByRequestIDs loads items preserving no particular order.
func (db *DB) GetQueueItemsByRequestIDs(ctx context.Context, requestIDs []string) ([]models.QueueItem, error) {
	if len(requestIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(requestIDs)), ",")
	query := `SELECT ` + queueItemColumns + ` FROM queue_items WHERE request_id IN (` + placeholders + `)`

	args := make([]any, len(requestIDs))
	for i, id := range requestIDs {
		args[i] = id
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue items: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// CountIncompleteDependencies returns how many of the given request ids are
// not yet completed. A dependency that does not exist counts as incomplete.
func (db *DB) CountIncompleteDependencies(ctx context.Context, deps []string) (int, error) {
	if len(deps) == 0 {
		return 0, nil
	}

	// A duplicated request id must count once, or the COUNT(*) below can
	// never reach the list length.
	seen := make(map[string]struct{}, len(deps))
	args := make([]any, 0, len(deps))
	for _, id := range deps {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		args = append(args, id)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	query := `SELECT COUNT(*) FROM queue_items WHERE status = 'completed' AND request_id IN (` + placeholders + `)`

	var completed int
	if err := db.db.QueryRowContext(ctx, query, args...).Scan(&completed); err != nil {
		return 0, fmt.Errorf("failed to count dependencies: %w", err)
	}
	return len(args) - completed, nil
}

// CompareAndSwapStatus transitions an item between statuses atomically.
// Returns false when the item was not in the expected state, which means
// another path already moved it.
func (db *DB) CompareAndSwapStatus(ctx context.Context, id int64, from, to string, lastError *string) (bool, error) {
	query := `UPDATE queue_items SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`
	result, err := db.db.ExecContext(ctx, query, to, lastError, time.Now(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update queue item status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkFailed terminally fails a processing item, persisting the exhausted
// retry count so the item no longer reads as retryable.
func (db *DB) MarkFailed(ctx context.Context, id int64, retryCount int, lastError string) (bool, error) {
	query := `UPDATE queue_items SET status = 'failed', retry_count = ?, last_error = ?, updated_at = ?
              WHERE id = ? AND status = 'processing'`
	result, err := db.db.ExecContext(ctx, query, retryCount, lastError, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark queue item failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RescheduleForRetry moves a processing item back to pending with an
// incremented retry count and a new scheduled time.
func (db *DB) RescheduleForRetry(ctx context.Context, id int64, retryCount int, scheduledAt time.Time, lastError string) (bool, error) {
	query := `UPDATE queue_items SET status = 'pending', retry_count = ?, scheduled_at = ?, last_error = ?, updated_at = ?
              WHERE id = ? AND status = 'processing'`
	result, err := db.db.ExecContext(ctx, query, retryCount, scheduledAt, lastError, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to reschedule queue item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// WakeItem resets a pending item's scheduled time so it drains immediately.
func (db *DB) WakeItem(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE queue_items SET scheduled_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`
	if _, err := db.db.ExecContext(ctx, query, at, time.Now(), id); err != nil {
		return fmt.Errorf("failed to wake queue item: %w", err)
	}
	return nil
}

// QueueStats counts items grouped by status. An empty userID aggregates
// across all users.
func (db *DB) QueueStats(ctx context.Context, userID string) (models.QueueStats, error) {
	query := `SELECT status, COUNT(*) FROM queue_items GROUP BY status`
	var args []any
	if userID != "" {
		query = `SELECT status, COUNT(*) FROM queue_items WHERE user_id = ? GROUP BY status`
		args = append(args, userID)
	}
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("failed to get queue stats: %w", err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return models.QueueStats{}, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch status {
		case models.ItemStatusPending:
			stats.Pending = count
		case models.ItemStatusProcessing:
			stats.Processing = count
		case models.ItemStatusCompleted:
			stats.Completed = count
		case models.ItemStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// DeleteOldQueueItems removes terminal items older than the cutoff. Pending
// and processing items are never deleted regardless of age. An empty userID
// sweeps all users.
func (db *DB) DeleteOldQueueItems(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	query := `DELETE FROM queue_items WHERE status IN ('completed', 'failed') AND updated_at < ?`
	args := []any{cutoff}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	result, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old queue items: %w", err)
	}
	return result.RowsAffected()
}

// FailedRetryableItems returns failed items that still have retry budget.
func (db *DB) FailedRetryableItems(ctx context.Context, userID string) ([]models.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + ` FROM queue_items
              WHERE user_id = ? AND status = 'failed' AND retry_count < max_retries
              ORDER BY created_at ASC`
	rows, err := db.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed queue items: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ResetFailedItem moves a failed item back to pending for another round.
func (db *DB) ResetFailedItem(ctx context.Context, id int64, scheduledAt time.Time) (bool, error) {
	query := `UPDATE queue_items SET status = 'pending', scheduled_at = ?, last_error = NULL, updated_at = ?
              WHERE id = ? AND status = 'failed'`
	result, err := db.db.ExecContext(ctx, query, scheduledAt, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to reset queue item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UsersWithPendingWork lists users that have at least one pending item.
func (db *DB) UsersWithPendingWork(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT user_id FROM queue_items WHERE status = 'pending'`
	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get users with pending work: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

// PendingDependents returns pending items whose dependency set mentions the
// given request id.
func (db *DB) PendingDependents(ctx context.Context, requestID string) ([]models.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + ` FROM queue_items
              WHERE status = 'pending' AND dependencies LIKE ?`
	rows, err := db.db.QueryContext(ctx, query, `%"`+requestID+`"%`)
	if err != nil {
		return nil, fmt.Errorf("failed to get dependents: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}
