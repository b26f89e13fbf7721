package database

import (
	"context"
	"database/sql"
	"fmt"

	"driftsync/internal/models"
)

const versionColumns = `id, entity_type, entity_id, version, data, checksum, operation, author_user_id, metadata, created_at`

// LatestVersionNumber returns the highest recorded version for an entity, or
// 0 when none exist.
func (db *DB) LatestVersionNumber(ctx context.Context, entityType, entityID string) (int64, error) {
	query := `SELECT COALESCE(MAX(version), 0) FROM entity_versions WHERE entity_type = ? AND entity_id = ?`
	var version int64
	if err := db.db.QueryRowContext(ctx, query, entityType, entityID).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get latest version: %w", err)
	}
	return version, nil
}

// InsertEntityVersion appends one ledger row. The UNIQUE(entity_type,
// entity_id, version) constraint guards concurrent writers; on violation the
// caller must re-read the latest version and retry.
func (db *DB) InsertEntityVersion(ctx context.Context, v *models.EntityVersion) error {
	data, err := marshalJSON(v.Data)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(v.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO entity_versions (entity_type, entity_id, version, data, checksum, operation, author_user_id, metadata)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.db.ExecContext(ctx, query,
		v.EntityType, v.EntityID, v.Version, data, v.Checksum, v.Operation, v.AuthorUserID, metadata,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s/%s version %d: %w", v.EntityType, v.EntityID, v.Version, ErrUniqueViolation)
		}
		return fmt.Errorf("failed to insert entity version: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	v.ID = id
	return nil
}

func scanEntityVersion(row interface{ Scan(...any) error }) (*models.EntityVersion, error) {
	var (
		v              models.EntityVersion
		data, metadata sql.NullString
	)
	err := row.Scan(
		&v.ID, &v.EntityType, &v.EntityID, &v.Version, &data, &v.Checksum,
		&v.Operation, &v.AuthorUserID, &metadata, &v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if v.Data, err = unmarshalMap(data); err != nil {
		return nil, err
	}
	if v.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, err
	}
	return &v, nil
}

// LatestEntityVersion returns the full latest row, or nil when the entity has
// no recorded versions.
func (db *DB) LatestEntityVersion(ctx context.Context, entityType, entityID string) (*models.EntityVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM entity_versions
              WHERE entity_type = ? AND entity_id = ? ORDER BY version DESC LIMIT 1`
	v, err := scanEntityVersion(db.db.QueryRowContext(ctx, query, entityType, entityID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest entity version: %w", err)
	}
	return v, nil
}

// GetEntityVersion returns one specific version, or nil when absent.
func (db *DB) GetEntityVersion(ctx context.Context, entityType, entityID string, version int64) (*models.EntityVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM entity_versions
              WHERE entity_type = ? AND entity_id = ? AND version = ?`
	v, err := scanEntityVersion(db.db.QueryRowContext(ctx, query, entityType, entityID, version))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity version: %w", err)
	}
	return v, nil
}

// ListEntityVersions returns versions newest first, capped by limit.
func (db *DB) ListEntityVersions(ctx context.Context, entityType, entityID string, limit int) ([]models.EntityVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM entity_versions
              WHERE entity_type = ? AND entity_id = ? ORDER BY version DESC LIMIT ?`
	rows, err := db.db.QueryContext(ctx, query, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity versions: %w", err)
	}
	defer rows.Close()

	var versions []models.EntityVersion
	for rows.Next() {
		v, err := scanEntityVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity version: %w", err)
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// VersionCountsByType returns how many ledger rows exist per entity type.
func (db *DB) VersionCountsByType(ctx context.Context) (map[string]int64, error) {
	query := `SELECT entity_type, COUNT(*) FROM entity_versions GROUP BY entity_type`
	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count entity versions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var entityType string
		var count int64
		if err := rows.Scan(&entityType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan version count: %w", err)
		}
		counts[entityType] = count
	}
	return counts, rows.Err()
}
