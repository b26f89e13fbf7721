package report

import (
	"context"
	"os"
	"testing"
	"time"

	"driftsync/internal/database"
	"driftsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func setupExporter(t *testing.T) (*Exporter, *database.DB, string) {
	db, err := database.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dir := t.TempDir()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	return NewExporter(db, dir, &logger), db, dir
}

func TestExportWritesWorkbook(t *testing.T) {
	exporter, db, _ := setupExporter(t)
	ctx := context.Background()

	require.NoError(t, db.CreateQueueItem(ctx, &models.QueueItem{
		UserID:      "user-1",
		RequestID:   "req-1",
		Method:      "POST",
		Target:      "/api/notes",
		Priority:    50,
		Status:      models.ItemStatusPending,
		ScheduledAt: time.Now(),
	}))
	require.NoError(t, db.InsertConflict(ctx, &models.SyncConflict{
		UserID:             "user-1",
		EntityType:         "note",
		EntityID:           "n-1",
		LocalVersion:       1,
		ServerVersion:      2,
		LocalData:          map[string]any{"title": "mine"},
		ServerData:         map[string]any{"title": "theirs"},
		ConflictType:       "update_conflict",
		ResolutionStrategy: models.StrategyManual,
	}))
	require.NoError(t, db.UpsertDevice(ctx, &models.DeviceStatus{
		UserID:      "user-1",
		DeviceID:    "phone",
		IsOnline:    true,
		Platform:    "android",
		SyncEnabled: true,
		LastSeen:    time.Now(),
	}))
	require.NoError(t, db.InsertEntityVersion(ctx, &models.EntityVersion{
		EntityType:   "note",
		EntityID:     "n-1",
		Version:      1,
		Data:         map[string]any{"title": "mine"},
		Checksum:     "abc",
		AuthorUserID: "user-1",
		Operation:    models.OperationCreate,
		CreatedAt:    time.Now(),
	}))

	path, err := exporter.Export(ctx)
	require.NoError(t, err)
	require.FileExists(t, path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	sheets := f.GetSheetList()
	assert.Contains(t, sheets, "Queue")
	assert.Contains(t, sheets, "Conflicts")
	assert.Contains(t, sheets, "Devices")
	assert.Contains(t, sheets, "Versions")
	assert.NotContains(t, sheets, "Sheet1")

	user, err := f.GetCellValue("Queue", "A2")
	require.NoError(t, err)
	assert.Equal(t, "user-1", user)
	pending, err := f.GetCellValue("Queue", "B2")
	require.NoError(t, err)
	assert.Equal(t, "1", pending)

	unresolved, err := f.GetCellValue("Conflicts", "B2")
	require.NoError(t, err)
	assert.Equal(t, "1", unresolved)
}

func TestExportEmptyDatabase(t *testing.T) {
	exporter, _, _ := setupExporter(t)

	path, err := exporter.Export(context.Background())
	require.NoError(t, err)
	require.FileExists(t, path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	// Headers only, no data rows.
	rows, err := f.GetRows("Queue")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
