package conflict

import (
	"context"
	"fmt"
	"time"

	"driftsync/internal/database"
	"driftsync/internal/metrics"
	"driftsync/internal/models"
	"driftsync/internal/version"

	"github.com/rs/zerolog"
)

// Resolver detects divergences between a client's last-known entity state
// and the server's authoritative state, and applies resolution policies.
type Resolver struct {
	db       *database.DB
	versions *version.Store
	logger   zerolog.Logger
}

// AutoResolveOptions select the policy for an auto-resolution pass.
type AutoResolveOptions struct {
	DefaultStrategy string
	FieldPriorities map[string]string
}

func NewResolver(db *database.DB, versions *version.Store, logger zerolog.Logger) *Resolver {
	return &Resolver{
		db:       db,
		versions: versions,
		logger:   logger.With().Str("component", "conflict-resolver").Logger(),
	}
}

// DetectConflict persists a SyncConflict when the server is ahead of the
// client AND the content actually diverges. Equal checksums at different
// versions mean the client just hasn't caught up; that is not a conflict.
func (r *Resolver) DetectConflict(ctx context.Context, userID, entityType, entityID string, localVersion, serverVersion int64, localData, serverData map[string]any, conflictType string) (bool, error) {
	if serverVersion <= localVersion {
		return false, nil
	}

	localChecksum, err := version.Checksum(localData)
	if err != nil {
		return false, fmt.Errorf("local checksum: %w", err)
	}
	serverChecksum, err := version.Checksum(serverData)
	if err != nil {
		return false, fmt.Errorf("server checksum: %w", err)
	}
	if localChecksum == serverChecksum {
		return false, nil
	}

	c := &models.SyncConflict{
		UserID:             userID,
		EntityType:         entityType,
		EntityID:           entityID,
		LocalVersion:       localVersion,
		ServerVersion:      serverVersion,
		LocalData:          localData,
		ServerData:         serverData,
		ConflictType:       conflictType,
		ResolutionStrategy: models.StrategyManual,
	}
	if err := r.db.InsertConflict(ctx, c); err != nil {
		return false, err
	}

	metrics.IncConflict("detected")
	r.logger.Info().
		Str("user_id", userID).
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Int64("local_version", localVersion).
		Int64("server_version", serverVersion).
		Msg("conflict detected")

	return true, nil
}

// CheckEntity compares a client-reported entity state against the
// authoritative ledger. The server side is always fetched here; callers
// never supply it themselves.
func (r *Resolver) CheckEntity(ctx context.Context, userID, entityType, entityID string, localVersion int64, localData map[string]any, conflictType string) (bool, error) {
	latest, err := r.versions.Latest(ctx, entityType, entityID)
	if err != nil {
		return false, err
	}
	if latest == nil {
		// Nothing recorded server-side; the client's write will establish
		// version 1.
		return false, nil
	}
	return r.DetectConflict(ctx, userID, entityType, entityID, localVersion, latest.Version, localData, latest.Data, conflictType)
}

// AutoResolve applies the default strategy to each matching unresolved
// conflict and returns how many were resolved. Manual conflicts are left
// untouched. entityType may be empty to match all types.
func (r *Resolver) AutoResolve(ctx context.Context, userID, entityType string, opts AutoResolveOptions) (int, error) {
	strategy, err := strategyFor(opts.DefaultStrategy, opts.FieldPriorities)
	if err != nil {
		return 0, err
	}

	conflicts, err := r.db.UnresolvedConflicts(ctx, userID, entityType)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range conflicts {
		c := &conflicts[i]
		resolution, err := strategy.Resolve(ctx, c)
		if err != nil {
			r.logger.Error().Err(err).Int64("conflict_id", c.ID).Msg("strategy failed")
			continue
		}
		if resolution.Skipped {
			continue
		}

		if resolution.NewData != nil {
			metadata := map[string]any{
				"resolved_conflict_id": c.ID,
				"resolution_strategy":  strategy.Name(),
			}
			if _, err := r.versions.CreateVersionRetry(ctx, c.EntityType, c.EntityID, resolution.NewData, c.UserID, models.OperationUpdate, metadata); err != nil {
				r.logger.Error().Err(err).Int64("conflict_id", c.ID).Msg("record resolved version")
				continue
			}
		}

		ok, err := r.db.MarkConflictResolved(ctx, c.ID, strategy.Name(), "auto:"+strategy.Name())
		if err != nil {
			return resolved, err
		}
		if ok {
			metrics.IncConflict("resolved_" + strategy.Name())
			resolved++
		}
	}

	if resolved > 0 {
		r.logger.Info().
			Str("user_id", userID).
			Str("strategy", strategy.Name()).
			Int("resolved", resolved).
			Msg("conflicts auto-resolved")
	}
	return resolved, nil
}

// ResolveManually applies an explicit out-of-band resolution: the submitted
// data becomes the next entity version and the conflict closes.
func (r *Resolver) ResolveManually(ctx context.Context, conflictID int64, resolvedData map[string]any, resolvedBy string) error {
	c, err := r.db.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("conflict %d not found", conflictID)
	}
	if c.Resolved {
		return fmt.Errorf("conflict %d already resolved", conflictID)
	}

	metadata := map[string]any{
		"resolved_conflict_id": c.ID,
		"resolution_strategy":  models.StrategyManual,
	}
	if _, err := r.versions.CreateVersionRetry(ctx, c.EntityType, c.EntityID, resolvedData, resolvedBy, models.OperationUpdate, metadata); err != nil {
		return err
	}

	ok, err := r.db.MarkConflictResolved(ctx, c.ID, models.StrategyManual, resolvedBy)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("conflict %d already resolved", conflictID)
	}
	metrics.IncConflict("resolved_" + models.StrategyManual)
	return nil
}

// UnresolvedConflicts lists a user's open conflicts.
func (r *Resolver) UnresolvedConflicts(ctx context.Context, userID string) ([]models.SyncConflict, error) {
	return r.db.UnresolvedConflicts(ctx, userID, "")
}

// UsersWithConflicts returns open-conflict counts per user.
func (r *Resolver) UsersWithConflicts(ctx context.Context) (map[string]int, error) {
	return r.db.CountUnresolvedConflicts(ctx)
}

// CleanupResolved purges resolved conflicts older than the window.
func (r *Resolver) CleanupResolved(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = models.DefaultConflictRetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	return r.db.DeleteResolvedConflicts(ctx, cutoff)
}
