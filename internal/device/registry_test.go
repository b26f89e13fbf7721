package device

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"driftsync/internal/database"
	"driftsync/internal/events"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRegistry(t *testing.T) (*Registry, *events.EventBus) {
	db, err := database.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewEventBus()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	return NewRegistry(db, bus, logger), bus
}

func collectEvents(bus *events.EventBus, eventType string) *[]events.DeviceEventPayload {
	var captured []events.DeviceEventPayload
	bus.Subscribe(eventType, func(ev *events.Event) error {
		var payload events.DeviceEventPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return err
		}
		captured = append(captured, payload)
		return nil
	})
	return &captured
}

func onlineHeartbeat(userID, deviceID string) StatusUpdate {
	return StatusUpdate{
		UserID:           userID,
		DeviceID:         deviceID,
		IsOnline:         true,
		ConnectionType:   "wifi",
		Platform:         "ios",
		SyncEnabled:      true,
		PendingSyncItems: 2,
	}
}

func TestUpdateStatusPublishesOnlineTransition(t *testing.T) {
	r, bus := setupRegistry(t)
	online := collectEvents(bus, events.EventDeviceOnline)
	ctx := context.Background()

	// First-ever heartbeat while online counts as a transition.
	status, err := r.UpdateStatus(ctx, onlineHeartbeat("user-1", "dev-1"))
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.True(t, status.IsOnline)
	require.Len(t, *online, 1)
	assert.Equal(t, "dev-1", (*online)[0].DeviceID)

	// Repeat heartbeat while already online: no extra event.
	_, err = r.UpdateStatus(ctx, onlineHeartbeat("user-1", "dev-1"))
	require.NoError(t, err)
	assert.Len(t, *online, 1)

	// Going offline and back online emits again.
	offline := onlineHeartbeat("user-1", "dev-1")
	offline.IsOnline = false
	_, err = r.UpdateStatus(ctx, offline)
	require.NoError(t, err)
	assert.Len(t, *online, 1)

	_, err = r.UpdateStatus(ctx, onlineHeartbeat("user-1", "dev-1"))
	require.NoError(t, err)
	assert.Len(t, *online, 2)
}

func TestMarkOfflinePublishes(t *testing.T) {
	r, bus := setupRegistry(t)
	offline := collectEvents(bus, events.EventDeviceOffline)
	ctx := context.Background()

	_, err := r.UpdateStatus(ctx, onlineHeartbeat("user-1", "dev-1"))
	require.NoError(t, err)

	require.NoError(t, r.MarkOffline(ctx, "user-1", "dev-1"))
	require.Len(t, *offline, 1)
	assert.False(t, (*offline)[0].IsOnline)

	devices, err := r.OnlineDevices(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestRequestSync(t *testing.T) {
	r, bus := setupRegistry(t)
	requested := collectEvents(bus, events.EventSyncRequested)
	ctx := context.Background()

	// Unknown device.
	ok, err := r.RequestSync(ctx, "user-1", "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.UpdateStatus(ctx, onlineHeartbeat("user-1", "dev-1"))
	require.NoError(t, err)

	ok, err = r.RequestSync(ctx, "user-1", "dev-1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, *requested, 1)
	assert.Equal(t, "user-1", (*requested)[0].UserID)

	// Offline devices cannot be nudged.
	require.NoError(t, r.MarkOffline(ctx, "user-1", "dev-1"))
	ok, err = r.RequestSync(ctx, "user-1", "dev-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Back online but with sync disabled.
	disabled := onlineHeartbeat("user-1", "dev-1")
	disabled.SyncEnabled = false
	_, err = r.UpdateStatus(ctx, disabled)
	require.NoError(t, err)
	ok, err = r.RequestSync(ctx, "user-1", "dev-1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Len(t, *requested, 1)
}

func TestDevicesNeedingSyncAndTouch(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	_, err := r.UpdateStatus(ctx, onlineHeartbeat("user-1", "dev-busy"))
	require.NoError(t, err)

	idle := onlineHeartbeat("user-1", "dev-idle")
	idle.PendingSyncItems = 0
	_, err = r.UpdateStatus(ctx, idle)
	require.NoError(t, err)

	devices, err := r.DevicesNeedingSync(ctx, 1)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "dev-busy", devices[0].DeviceID)

	require.NoError(t, r.TouchSyncTimestamps(ctx, "user-1", true))

	all, err := r.AllDevices(ctx)
	require.NoError(t, err)
	for _, d := range all {
		require.NotNil(t, d.LastSyncAttempt, "device %s", d.DeviceID)
		require.NotNil(t, d.LastSuccessfulSync, "device %s", d.DeviceID)
	}
}

func TestCleanupOffline(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	_, err := r.UpdateStatus(ctx, onlineHeartbeat("user-1", "dev-1"))
	require.NoError(t, err)
	require.NoError(t, r.MarkOffline(ctx, "user-1", "dev-1"))

	// Just went offline: well inside the retention window.
	deleted, err := r.CleanupOffline(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	all, err := r.AllDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
