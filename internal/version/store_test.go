package version

import (
	"context"
	"os"
	"testing"

	"driftsync/internal/database"
	"driftsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*Store, *database.DB) {
	db, err := database.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	return NewStore(db, logger), db
}

func TestCreateVersionMonotonic(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	v1, err := store.CreateVersion(ctx, "note", "n-1", map[string]any{"title": "a"}, "user-1", models.OperationCreate, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Version)
	assert.NotEmpty(t, v1.Checksum)

	v2, err := store.CreateVersion(ctx, "note", "n-1", map[string]any{"title": "b"}, "user-1", models.OperationUpdate, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version)
	assert.NotEqual(t, v1.Checksum, v2.Checksum)

	// Versions are per entity, not global.
	other, err := store.CreateVersion(ctx, "note", "n-2", map[string]any{"title": "c"}, "user-1", models.OperationCreate, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Version)

	latest, err := store.LatestVersion(ctx, "note", "n-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	full, err := store.Latest(ctx, "note", "n-1")
	require.NoError(t, err)
	require.NotNil(t, full)
	assert.Equal(t, "b", full.Data["title"])

	none, err := store.Latest(ctx, "note", "ghost")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCreateVersionValidation(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	_, err := store.CreateVersion(ctx, "", "n-1", nil, "user-1", models.OperationCreate, nil)
	assert.Error(t, err)

	_, err = store.CreateVersion(ctx, "note", "", nil, "user-1", models.OperationCreate, nil)
	assert.Error(t, err)
}

func TestCreateVersionConflict(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	_, err := store.CreateVersion(ctx, "note", "n-1", map[string]any{"title": "a"}, "user-1", models.OperationCreate, nil)
	require.NoError(t, err)

	// Simulate a concurrent writer grabbing version 2 between the read and
	// the insert by occupying it directly.
	taken := &models.EntityVersion{
		EntityType:   "note",
		EntityID:     "n-1",
		Version:      2,
		Checksum:     "x",
		Operation:    models.OperationUpdate,
		AuthorUserID: "rival",
	}
	require.NoError(t, db.InsertEntityVersion(ctx, taken))

	// CreateVersion re-reads the latest (now 2) and lands on 3, so force the
	// race at the storage layer instead.
	dup := &models.EntityVersion{
		EntityType:   "note",
		EntityID:     "n-1",
		Version:      2,
		Checksum:     "y",
		Operation:    models.OperationUpdate,
		AuthorUserID: "user-1",
	}
	err = db.InsertEntityVersion(ctx, dup)
	assert.ErrorIs(t, err, database.ErrUniqueViolation)

	// The retry wrapper always lands on the next free slot.
	v, err := store.CreateVersionRetry(ctx, "note", "n-1", map[string]any{"title": "b"}, "user-1", models.OperationUpdate, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Version)
}

func TestListVersionsAndStats(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := store.CreateVersion(ctx, "task", "t-1", map[string]any{"step": i}, "user-1", models.OperationUpdate, nil)
		require.NoError(t, err)
	}

	versions, err := store.ListVersions(ctx, "task", "t-1", 2)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(4), versions[0].Version)

	// Zero limit falls back to the default.
	versions, err = store.ListVersions(ctx, "task", "t-1", 0)
	require.NoError(t, err)
	assert.Len(t, versions, 4)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats["task"])
}
