package database

import (
	"context"
	"testing"
	"time"

	"driftsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(userID, deviceID string) *models.DeviceStatus {
	return &models.DeviceStatus{
		UserID:           userID,
		DeviceID:         deviceID,
		IsOnline:         true,
		LastSeen:         time.Now(),
		ConnectionType:   "wifi",
		NetworkQuality:   "good",
		AppVersion:       "1.2.0",
		Platform:         "android",
		SyncEnabled:      true,
		PendingSyncItems: 3,
	}
}

func TestUpsertDevicePreservesFields(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	require.NoError(t, db.UpsertDevice(ctx, newTestDevice("user-1", "dev-1")))

	got, err := db.GetDevice(ctx, "user-1", "dev-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsOnline)
	assert.Equal(t, "wifi", got.ConnectionType)
	assert.Equal(t, "android", got.Platform)

	// Heartbeat without optional fields must not wipe them.
	update := &models.DeviceStatus{
		UserID:           "user-1",
		DeviceID:         "dev-1",
		IsOnline:         false,
		LastSeen:         time.Now(),
		SyncEnabled:      true,
		PendingSyncItems: 7,
	}
	require.NoError(t, db.UpsertDevice(ctx, update))

	got, err = db.GetDevice(ctx, "user-1", "dev-1")
	require.NoError(t, err)
	assert.False(t, got.IsOnline)
	assert.Equal(t, "wifi", got.ConnectionType)
	assert.Equal(t, "good", got.NetworkQuality)
	assert.Equal(t, "1.2.0", got.AppVersion)
	assert.Equal(t, 7, got.PendingSyncItems)

	missing, err := db.GetDevice(ctx, "user-1", "dev-ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDevicesNeedingSyncOrdering(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	// Never synced: goes first.
	never := newTestDevice("user-1", "dev-never")
	require.NoError(t, db.UpsertDevice(ctx, never))

	old := time.Now().Add(-48 * time.Hour)
	stale := newTestDevice("user-1", "dev-stale")
	stale.LastSuccessfulSync = &old
	require.NoError(t, db.UpsertDevice(ctx, stale))

	recent := time.Now().Add(-time.Minute)
	fresh := newTestDevice("user-1", "dev-fresh")
	fresh.LastSuccessfulSync = &recent
	require.NoError(t, db.UpsertDevice(ctx, fresh))

	offline := newTestDevice("user-1", "dev-offline")
	offline.IsOnline = false
	require.NoError(t, db.UpsertDevice(ctx, offline))

	quiet := newTestDevice("user-1", "dev-quiet")
	quiet.PendingSyncItems = 0
	require.NoError(t, db.UpsertDevice(ctx, quiet))

	devices, err := db.DevicesNeedingSync(ctx, 1)
	require.NoError(t, err)
	require.Len(t, devices, 3)
	assert.Equal(t, "dev-never", devices[0].DeviceID)
	assert.Equal(t, "dev-stale", devices[1].DeviceID)
	assert.Equal(t, "dev-fresh", devices[2].DeviceID)
}

func TestMarkDeviceOfflineAndCleanup(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	require.NoError(t, db.UpsertDevice(ctx, newTestDevice("user-1", "dev-1")))
	require.NoError(t, db.UpsertDevice(ctx, newTestDevice("user-1", "dev-2")))

	require.NoError(t, db.MarkDeviceOffline(ctx, "user-1", "dev-1"))

	online, err := db.OnlineDevices(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "dev-2", online[0].DeviceID)

	// Offline device last seen "now" survives a past cutoff...
	deleted, err := db.DeleteOfflineDevices(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)

	// ...but not a future one. Online devices are never purged.
	deleted, err = db.DeleteOfflineDevices(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	all, err := db.AllDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTouchDeviceSyncTimes(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	require.NoError(t, db.UpsertDevice(ctx, newTestDevice("user-1", "dev-1")))

	require.NoError(t, db.TouchDeviceSyncTimes(ctx, "user-1", false))

	got, err := db.GetDevice(ctx, "user-1", "dev-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncAttempt)
	assert.Nil(t, got.LastSuccessfulSync)

	require.NoError(t, db.TouchDeviceSyncTimes(ctx, "user-1", true))

	got, err = db.GetDevice(ctx, "user-1", "dev-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastSuccessfulSync)
}
