package models

import "time"

// SyncConflict records a divergence between a client's locally-held entity
// state and the server's authoritative state. It is created only when the
// server is ahead and the content checksums differ.
type SyncConflict struct {
	ID                 int64          `json:"id"`
	UserID             string         `json:"user_id"`
	EntityType         string         `json:"entity_type"`
	EntityID           string         `json:"entity_id"`
	LocalVersion       int64          `json:"local_version"`
	ServerVersion      int64          `json:"server_version"`
	LocalData          map[string]any `json:"local_data,omitempty"`
	ServerData         map[string]any `json:"server_data,omitempty"`
	ConflictType       string         `json:"conflict_type"`
	ResolutionStrategy string         `json:"resolution_strategy"`
	Resolved           bool           `json:"resolved"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy         string         `json:"resolved_by,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}
