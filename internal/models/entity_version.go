package models

import "time"

// EntityVersion is one entry in the append-only per-entity version ledger.
// (EntityType, EntityID, Version) is unique; rows are never mutated.
type EntityVersion struct {
	ID           int64          `json:"id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Version      int64          `json:"version"`
	Data         map[string]any `json:"data,omitempty"`
	Checksum     string         `json:"checksum"`
	Operation    string         `json:"operation"`
	AuthorUserID string         `json:"author_user_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
