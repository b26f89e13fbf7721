package device

import (
	"context"
	"time"

	"driftsync/internal/database"
	"driftsync/internal/domain"
	"driftsync/internal/events"
	"driftsync/internal/models"

	"github.com/rs/zerolog"
)

// Registry tracks per-device connectivity and sync capability. Presence
// changes are published fire-and-forget so a slow subscriber never delays a
// heartbeat.
type Registry struct {
	db     *database.DB
	events domain.EventPublisher
	logger zerolog.Logger
}

// StatusUpdate carries one heartbeat from a device.
type StatusUpdate struct {
	UserID           string
	DeviceID         string
	IsOnline         bool
	ConnectionType   string
	NetworkQuality   string
	AppVersion       string
	Platform         string
	SyncEnabled      bool
	PendingSyncItems int
}

func NewRegistry(db *database.DB, publisher domain.EventPublisher, logger zerolog.Logger) *Registry {
	return &Registry{
		db:     db,
		events: publisher,
		logger: logger.With().Str("component", "device-registry").Logger(),
	}
}

// UpdateStatus upserts the device row and always bumps last_seen. A device
// coming online (including one never seen before) emits a presence event to
// the user's other sessions.
func (r *Registry) UpdateStatus(ctx context.Context, update StatusUpdate) (*models.DeviceStatus, error) {
	previous, err := r.db.GetDevice(ctx, update.UserID, update.DeviceID)
	if err != nil {
		return nil, err
	}

	status := &models.DeviceStatus{
		UserID:           update.UserID,
		DeviceID:         update.DeviceID,
		IsOnline:         update.IsOnline,
		LastSeen:         time.Now(),
		ConnectionType:   update.ConnectionType,
		NetworkQuality:   update.NetworkQuality,
		AppVersion:       update.AppVersion,
		Platform:         update.Platform,
		SyncEnabled:      update.SyncEnabled,
		PendingSyncItems: update.PendingSyncItems,
	}
	if err := r.db.UpsertDevice(ctx, status); err != nil {
		return nil, err
	}

	wasOnline := previous != nil && previous.IsOnline
	if update.IsOnline && !wasOnline {
		r.publishPresence(events.EventDeviceOnline, status)
	}

	current, err := r.db.GetDevice(ctx, update.UserID, update.DeviceID)
	if err != nil {
		return nil, err
	}
	return current, nil
}

func (r *Registry) publishPresence(eventType string, status *models.DeviceStatus) {
	payload := events.DeviceEventPayload{
		UserID:         status.UserID,
		DeviceID:       status.DeviceID,
		IsOnline:       status.IsOnline,
		ConnectionType: status.ConnectionType,
		Platform:       status.Platform,
		LastSeen:       status.LastSeen,
	}
	if err := r.events.PublishJSON(eventType, payload); err != nil {
		r.logger.Warn().Err(err).Str("device_id", status.DeviceID).Msg("publish presence event")
	}
}

// DevicesNeedingSync returns online devices holding at least minPendingItems,
// ordered so the device that synced successfully longest ago goes first.
func (r *Registry) DevicesNeedingSync(ctx context.Context, minPendingItems int) ([]models.DeviceStatus, error) {
	return r.db.DevicesNeedingSync(ctx, minPendingItems)
}

// MarkOffline transitions a device offline and publishes the change.
func (r *Registry) MarkOffline(ctx context.Context, userID, deviceID string) error {
	if err := r.db.MarkDeviceOffline(ctx, userID, deviceID); err != nil {
		return err
	}
	status, err := r.db.GetDevice(ctx, userID, deviceID)
	if err == nil && status != nil {
		r.publishPresence(events.EventDeviceOffline, status)
	}
	return nil
}

// RequestSync asks one device to flush its queue. Returns false when the
// device is unknown, offline or has sync disabled.
func (r *Registry) RequestSync(ctx context.Context, userID, deviceID string) (bool, error) {
	status, err := r.db.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return false, err
	}
	if status == nil || !status.IsOnline || !status.SyncEnabled {
		return false, nil
	}

	payload := events.DeviceEventPayload{
		UserID:   userID,
		DeviceID: deviceID,
		IsOnline: true,
		LastSeen: status.LastSeen,
	}
	if err := r.events.PublishJSON(events.EventSyncRequested, payload); err != nil {
		r.logger.Warn().Err(err).Str("device_id", deviceID).Msg("publish sync request")
	}
	return true, nil
}

// OnlineDevices lists the user's online devices.
func (r *Registry) OnlineDevices(ctx context.Context, userID string) ([]models.DeviceStatus, error) {
	return r.db.OnlineDevices(ctx, userID)
}

// TouchSyncTimestamps records a sync attempt (and success) on all online
// devices of the user.
func (r *Registry) TouchSyncTimestamps(ctx context.Context, userID string, success bool) error {
	return r.db.TouchDeviceSyncTimes(ctx, userID, success)
}

// CleanupOffline removes devices offline longer than the window.
func (r *Registry) CleanupOffline(ctx context.Context, daysOffline int) (int64, error) {
	if daysOffline <= 0 {
		daysOffline = models.DefaultDeviceRetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -daysOffline)
	return r.db.DeleteOfflineDevices(ctx, cutoff)
}

// AllDevices lists the whole fleet for reporting.
func (r *Registry) AllDevices(ctx context.Context) ([]models.DeviceStatus, error) {
	return r.db.AllDevices(ctx)
}
