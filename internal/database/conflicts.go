package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"driftsync/internal/models"
)

const conflictColumns = `id, user_id, entity_type, entity_id, local_version, server_version,
       local_data, server_data, conflict_type, resolution_strategy, resolved, resolved_at, resolved_by, created_at`

func (db *DB) InsertConflict(ctx context.Context, c *models.SyncConflict) error {
	localData, err := marshalJSON(c.LocalData)
	if err != nil {
		return err
	}
	serverData, err := marshalJSON(c.ServerData)
	if err != nil {
		return err
	}

	query := `INSERT INTO sync_conflicts (user_id, entity_type, entity_id, local_version, server_version,
              local_data, server_data, conflict_type, resolution_strategy, resolved)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`
	result, err := db.db.ExecContext(ctx, query,
		c.UserID, c.EntityType, c.EntityID, c.LocalVersion, c.ServerVersion,
		localData, serverData, c.ConflictType, c.ResolutionStrategy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	c.ID = id
	return nil
}

func scanConflict(row interface{ Scan(...any) error }) (*models.SyncConflict, error) {
	var (
		c                     models.SyncConflict
		localData, serverData sql.NullString
		resolvedBy            sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.EntityType, &c.EntityID, &c.LocalVersion, &c.ServerVersion,
		&localData, &serverData, &c.ConflictType, &c.ResolutionStrategy,
		&c.Resolved, &c.ResolvedAt, &resolvedBy, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if c.LocalData, err = unmarshalMap(localData); err != nil {
		return nil, err
	}
	if c.ServerData, err = unmarshalMap(serverData); err != nil {
		return nil, err
	}
	if resolvedBy.Valid {
		c.ResolvedBy = resolvedBy.String
	}
	return &c, nil
}

// GetConflict returns nil when the conflict does not exist.
func (db *DB) GetConflict(ctx context.Context, id int64) (*models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE id = ?`
	c, err := scanConflict(db.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return c, nil
}

// UnresolvedConflicts lists open conflicts for a user, optionally filtered by
// entity type. Oldest first so long-standing conflicts resolve first.
func (db *DB) UnresolvedConflicts(ctx context.Context, userID, entityType string) ([]models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE user_id = ? AND resolved = 0`
	args := []any{userID}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get unresolved conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []models.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, rows.Err()
}

// MarkConflictResolved flips the resolved flag exactly once; returns false if
// the conflict was already resolved or missing.
func (db *DB) MarkConflictResolved(ctx context.Context, id int64, strategy, resolvedBy string) (bool, error) {
	query := `UPDATE sync_conflicts SET resolved = 1, resolution_strategy = ?, resolved_at = ?, resolved_by = ?
              WHERE id = ? AND resolved = 0`
	result, err := db.db.ExecContext(ctx, query, strategy, time.Now(), resolvedBy, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark conflict resolved: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// DeleteResolvedConflicts purges resolved conflicts older than the cutoff.
func (db *DB) DeleteResolvedConflicts(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sync_conflicts WHERE resolved = 1 AND resolved_at < ?`
	result, err := db.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete resolved conflicts: %w", err)
	}
	return result.RowsAffected()
}

// CountUnresolvedConflicts returns the number of open conflicts per user.
func (db *DB) CountUnresolvedConflicts(ctx context.Context) (map[string]int, error) {
	query := `SELECT user_id, COUNT(*) FROM sync_conflicts WHERE resolved = 0 GROUP BY user_id`
	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count unresolved conflicts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var userID string
		var count int
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan conflict count: %w", err)
		}
		counts[userID] = count
	}
	return counts, rows.Err()
}
