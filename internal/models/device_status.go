package models

import "time"

// DeviceStatus tracks one device's connectivity and sync capability.
// (UserID, DeviceID) is unique; rows are upserted on every heartbeat.
type DeviceStatus struct {
	ID                 int64      `json:"id"`
	UserID             string     `json:"user_id"`
	DeviceID           string     `json:"device_id"`
	IsOnline           bool       `json:"is_online"`
	LastSeen           time.Time  `json:"last_seen"`
	ConnectionType     string     `json:"connection_type,omitempty"`
	NetworkQuality     string     `json:"network_quality,omitempty"`
	AppVersion         string     `json:"app_version,omitempty"`
	Platform           string     `json:"platform,omitempty"`
	SyncEnabled        bool       `json:"sync_enabled"`
	LastSyncAttempt    *time.Time `json:"last_sync_attempt,omitempty"`
	LastSuccessfulSync *time.Time `json:"last_successful_sync,omitempty"`
	PendingSyncItems   int        `json:"pending_sync_items"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}
