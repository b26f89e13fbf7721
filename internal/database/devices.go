package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"driftsync/internal/models"
)

const deviceColumns = `id, user_id, device_id, is_online, last_seen, connection_type, network_quality,
       app_version, platform, sync_enabled, last_sync_attempt, last_successful_sync, pending_sync_items, created_at, updated_at`

// UpsertDevice inserts or updates the row keyed by (user_id, device_id),
// following the CreateOrUpdateUser idiom. last_seen is always refreshed.
func (db *DB) UpsertDevice(ctx context.Context, d *models.DeviceStatus) error {
	query := `
        INSERT INTO device_status (user_id, device_id, is_online, last_seen, connection_type, network_quality,
            app_version, platform, sync_enabled, last_sync_attempt, last_successful_sync, pending_sync_items, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(user_id, device_id) DO UPDATE SET
            is_online = excluded.is_online,
            last_seen = excluded.last_seen,
            connection_type = COALESCE(NULLIF(excluded.connection_type, ''), connection_type),
            network_quality = COALESCE(NULLIF(excluded.network_quality, ''), network_quality),
            app_version = COALESCE(NULLIF(excluded.app_version, ''), app_version),
            platform = COALESCE(NULLIF(excluded.platform, ''), platform),
            sync_enabled = excluded.sync_enabled,
            last_sync_attempt = COALESCE(excluded.last_sync_attempt, last_sync_attempt),
            last_successful_sync = COALESCE(excluded.last_successful_sync, last_successful_sync),
            pending_sync_items = excluded.pending_sync_items,
            updated_at = excluded.updated_at
    `

	now := time.Now()
	_, err := db.db.ExecContext(ctx, query,
		d.UserID, d.DeviceID, d.IsOnline, d.LastSeen,
		d.ConnectionType, d.NetworkQuality, d.AppVersion, d.Platform,
		d.SyncEnabled, d.LastSyncAttempt, d.LastSuccessfulSync, d.PendingSyncItems,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

func scanDevice(row interface{ Scan(...any) error }) (*models.DeviceStatus, error) {
	var (
		d                                          models.DeviceStatus
		connType, netQuality, appVersion, platform sql.NullString
	)
	err := row.Scan(
		&d.ID, &d.UserID, &d.DeviceID, &d.IsOnline, &d.LastSeen,
		&connType, &netQuality, &appVersion, &platform,
		&d.SyncEnabled, &d.LastSyncAttempt, &d.LastSuccessfulSync, &d.PendingSyncItems,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.ConnectionType = connType.String
	d.NetworkQuality = netQuality.String
	d.AppVersion = appVersion.String
	d.Platform = platform.String
	return &d, nil
}

// GetDevice returns nil when the device has never reported.
func (db *DB) GetDevice(ctx context.Context, userID, deviceID string) (*models.DeviceStatus, error) {
	query := `SELECT ` + deviceColumns + ` FROM device_status WHERE user_id = ? AND device_id = ?`
	d, err := scanDevice(db.db.QueryRowContext(ctx, query, userID, deviceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// DevicesNeedingSync returns online devices with enough pending items,
// oldest successful sync first so no device starves.
func (db *DB) DevicesNeedingSync(ctx context.Context, minPendingItems int) ([]models.DeviceStatus, error) {
	query := `SELECT ` + deviceColumns + ` FROM device_status
              WHERE is_online = 1 AND pending_sync_items >= ?
              ORDER BY last_successful_sync ASC NULLS FIRST`
	rows, err := db.db.QueryContext(ctx, query, minPendingItems)
	if err != nil {
		return nil, fmt.Errorf("failed to get devices needing sync: %w", err)
	}
	defer rows.Close()

	return collectDevices(rows)
}

// OnlineDevices lists a user's currently online devices.
func (db *DB) OnlineDevices(ctx context.Context, userID string) ([]models.DeviceStatus, error) {
	query := `SELECT ` + deviceColumns + ` FROM device_status WHERE user_id = ? AND is_online = 1`
	rows, err := db.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get online devices: %w", err)
	}
	defer rows.Close()

	return collectDevices(rows)
}

func collectDevices(rows *sql.Rows) ([]models.DeviceStatus, error) {
	var devices []models.DeviceStatus
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (db *DB) MarkDeviceOffline(ctx context.Context, userID, deviceID string) error {
	query := `UPDATE device_status SET is_online = 0, last_seen = ?, updated_at = ? WHERE user_id = ? AND device_id = ?`
	now := time.Now()
	if _, err := db.db.ExecContext(ctx, query, now, now, userID, deviceID); err != nil {
		return fmt.Errorf("failed to mark device offline: %w", err)
	}
	return nil
}

// DeleteOfflineDevices removes devices last seen before the cutoff while
// offline.
func (db *DB) DeleteOfflineDevices(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM device_status WHERE is_online = 0 AND last_seen < ?`
	result, err := db.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete offline devices: %w", err)
	}
	return result.RowsAffected()
}

// TouchDeviceSyncTimes records a sync attempt (and optionally a success) on
// every online device of the user.
func (db *DB) TouchDeviceSyncTimes(ctx context.Context, userID string, success bool) error {
	now := time.Now()
	query := `UPDATE device_status SET last_sync_attempt = ?, updated_at = ? WHERE user_id = ? AND is_online = 1`
	args := []any{now, now, userID}
	if success {
		query = `UPDATE device_status SET last_sync_attempt = ?, last_successful_sync = ?, updated_at = ?
                 WHERE user_id = ? AND is_online = 1`
		args = []any{now, now, now, userID}
	}
	if _, err := db.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to touch device sync times: %w", err)
	}
	return nil
}

// AllDevices lists the whole fleet, most recently seen first.
func (db *DB) AllDevices(ctx context.Context) ([]models.DeviceStatus, error) {
	query := `SELECT ` + deviceColumns + ` FROM device_status ORDER BY last_seen DESC`
	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	return collectDevices(rows)
}
