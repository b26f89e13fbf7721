package conflict

import (
	"context"
	"fmt"

	"driftsync/internal/models"
)

// Resolution is a strategy's decision for one conflict. When NewData is
// non-nil the resolver records it as a new entity version; server_wins
// resolutions leave the ledger untouched because the server data already
// stands.
type Resolution struct {
	NewData map[string]any
	Skipped bool
}

// Strategy decides how one conflict resolves. One implementation per policy
// so new strategies can be added without touching the resolver.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, c *models.SyncConflict) (Resolution, error)
}

// ServerWins keeps the server's data; nothing new is written.
type ServerWins struct{}

func (ServerWins) Name() string { return models.StrategyServerWins }

func (ServerWins) Resolve(_ context.Context, _ *models.SyncConflict) (Resolution, error) {
	return Resolution{}, nil
}

// LocalWins records the client's data as the next version.
type LocalWins struct{}

func (LocalWins) Name() string { return models.StrategyLocalWins }

func (LocalWins) Resolve(_ context.Context, c *models.SyncConflict) (Resolution, error) {
	return Resolution{NewData: c.LocalData}, nil
}

// Merge combines both sides field by field. Fields named in FieldPriorities
// come from the indicated side; unmapped fields default to the server's
// value so server-side changes the client never anticipated are not silently
// discarded.
type Merge struct {
	FieldPriorities map[string]string
}

func (Merge) Name() string { return models.StrategyMerge }

func (m Merge) Resolve(_ context.Context, c *models.SyncConflict) (Resolution, error) {
	merged := make(map[string]any, len(c.ServerData)+len(c.LocalData))
	for field, value := range c.ServerData {
		merged[field] = value
	}
	for field, value := range c.LocalData {
		if _, ok := merged[field]; !ok {
			// Field only the client has.
			merged[field] = value
		}
	}
	for field, side := range m.FieldPriorities {
		if side != models.SideLocal {
			continue
		}
		if value, ok := c.LocalData[field]; ok {
			merged[field] = value
		}
	}
	return Resolution{NewData: merged}, nil
}

// Manual never resolves automatically; it waits for an explicit submission.
type Manual struct{}

func (Manual) Name() string { return models.StrategyManual }

func (Manual) Resolve(_ context.Context, _ *models.SyncConflict) (Resolution, error) {
	return Resolution{Skipped: true}, nil
}

// strategyFor builds the strategy implementation for a policy name.
func strategyFor(name string, fieldPriorities map[string]string) (Strategy, error) {
	switch name {
	case models.StrategyServerWins:
		return ServerWins{}, nil
	case models.StrategyLocalWins:
		return LocalWins{}, nil
	case models.StrategyMerge:
		return Merge{FieldPriorities: fieldPriorities}, nil
	case models.StrategyManual:
		return Manual{}, nil
	default:
		return nil, fmt.Errorf("unknown resolution strategy: %s", name)
	}
}
