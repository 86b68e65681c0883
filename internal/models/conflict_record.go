// Package models provides data model definitions for the SyncBridge engine.
package models

import (
	"encoding/json"
	"time"
)

// Conflict record statuses. A record is terminal once resolved.
const (
	ConflictOpen     = "open"
	ConflictResolved = "resolved"
)

// ConflictRecord captures divergent client/server versions of an entity
// for manual or policy-driven resolution. Created only on a
// syncing -> conflict transition of a queue item.
type ConflictRecord struct {
	ID          UUID   `db:"id" json:"id"`
	QueueItemID UUID   `db:"queue_item_id" json:"queue_item_id"`
	UserID      string `db:"user_id" json:"user_id"`
	DeviceID    string `db:"device_id" json:"device_id"`
	EntityType  string `db:"entity_type" json:"entity_type"`
	EntityID    string `db:"entity_id" json:"entity_id"`

	ServerVersion    json.RawMessage `db:"server_version" json:"server_version"`
	ServerModifiedAt int64           `db:"server_modified_at" json:"server_modified_at"`
	ClientVersion    json.RawMessage `db:"client_version" json:"client_version"`
	ClientBaselineAt int64           `db:"client_baseline_at" json:"client_baseline_at"`

	DetectedAt int64  `db:"detected_at" json:"detected_at"`
	Status     string `db:"status" json:"status"` // open, resolved

	Resolution   string          `db:"resolution" json:"resolution,omitempty"` // server_wins, client_wins, manual_resolve
	ResolvedData json.RawMessage `db:"resolved_data" json:"resolved_data,omitempty"`
	ResolvedBy   string          `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt   int64           `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return MillisTime(c.DetectedAt)
}

// Resolved reports whether the record is terminal.
func (c *ConflictRecord) Resolved() bool {
	return c.Status == ConflictResolved
}
