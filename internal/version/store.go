package version

import (
	"context"
	"errors"
	"fmt"

	"driftsync/internal/database"
	"driftsync/internal/models"

	"github.com/rs/zerolog"
)

// ErrVersionConflict means a concurrent writer recorded the same version
// number first. The caller should re-read the latest version and retry; this
// is the normal optimistic path, not a fatal error.
var ErrVersionConflict = errors.New("version conflict")

// createRetries bounds the optimistic retry loop in CreateVersionRetry.
const createRetries = 3

// Store is the append-only per-entity version ledger.
type Store struct {
	db     *database.DB
	logger zerolog.Logger
}

func NewStore(db *database.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "version-store").Logger(),
	}
}

// LatestVersion returns the highest recorded version, or 0 if none exist.
func (s *Store) LatestVersion(ctx context.Context, entityType, entityID string) (int64, error) {
	return s.db.LatestVersionNumber(ctx, entityType, entityID)
}

// Latest returns the full latest ledger row, or nil for an untracked entity.
func (s *Store) Latest(ctx context.Context, entityType, entityID string) (*models.EntityVersion, error) {
	return s.db.LatestEntityVersion(ctx, entityType, entityID)
}

// CreateVersion appends the next version for an entity. On a lost race with
// a concurrent writer it returns ErrVersionConflict without writing.
func (s *Store) CreateVersion(ctx context.Context, entityType, entityID string, data map[string]any, authorUserID, operation string, metadata map[string]any) (*models.EntityVersion, error) {
	if entityType == "" || entityID == "" {
		return nil, fmt.Errorf("entity type and id are required")
	}

	checksum, err := Checksum(data)
	if err != nil {
		return nil, fmt.Errorf("compute checksum: %w", err)
	}

	latest, err := s.db.LatestVersionNumber(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	v := &models.EntityVersion{
		EntityType:   entityType,
		EntityID:     entityID,
		Version:      latest + 1,
		Data:         data,
		Checksum:     checksum,
		Operation:    operation,
		AuthorUserID: authorUserID,
		Metadata:     metadata,
	}

	if err := s.db.InsertEntityVersion(ctx, v); err != nil {
		if errors.Is(err, database.ErrUniqueViolation) {
			return nil, fmt.Errorf("%s/%s: %w", entityType, entityID, ErrVersionConflict)
		}
		return nil, err
	}

	s.logger.Debug().
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Int64("version", v.Version).
		Str("operation", operation).
		Msg("version recorded")

	return v, nil
}

// CreateVersionRetry wraps CreateVersion with the re-read-and-retry loop for
// callers that do not care which version number they get.
func (s *Store) CreateVersionRetry(ctx context.Context, entityType, entityID string, data map[string]any, authorUserID, operation string, metadata map[string]any) (*models.EntityVersion, error) {
	var lastErr error
	for attempt := 0; attempt < createRetries; attempt++ {
		v, err := s.CreateVersion(ctx, entityType, entityID, data, authorUserID, operation, metadata)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// GetVersion returns one specific ledger row, or nil when absent.
func (s *Store) GetVersion(ctx context.Context, entityType, entityID string, version int64) (*models.EntityVersion, error) {
	return s.db.GetEntityVersion(ctx, entityType, entityID, version)
}

// ListVersions returns up to limit versions, newest first.
func (s *Store) ListVersions(ctx context.Context, entityType, entityID string, limit int) ([]models.EntityVersion, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.db.ListEntityVersions(ctx, entityType, entityID, limit)
}

// Stats returns ledger row counts grouped by entity type.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	return s.db.VersionCountsByType(ctx)
}
