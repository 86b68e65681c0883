// Package models provides data model definitions for the SyncBridge engine.
package models

import "time"

// ConflictPolicy values accepted in device settings.
const (
	PolicyServerWins    = "server_wins"
	PolicyClientWins    = "client_wins"
	PolicyManualResolve = "manual_resolve"
)

// Connection quality levels reported by clients.
const (
	QualityUnknown   = "unknown"
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityPoor      = "poor"
)

// DeviceSyncState tracks per-device sync progress and settings.
// Exactly one row exists per (UserID, DeviceID).
type DeviceSyncState struct {
	ID         UUID   `db:"id" json:"id"`
	UserID     string `db:"user_id" json:"user_id"`
	DeviceID   string `db:"device_id" json:"device_id"`
	DeviceType string `db:"device_type" json:"device_type"` // ios, android, web

	// Connectivity
	IsOnline   bool   `db:"is_online" json:"is_online"`
	LastOnline int64  `db:"last_online" json:"last_online"`
	Quality    string `db:"quality" json:"quality"`

	// Settings
	AutoSync       bool   `db:"auto_sync" json:"auto_sync"`
	ConflictPolicy string `db:"conflict_policy" json:"conflict_policy"` // server_wins, client_wins, manual_resolve
	MaxOfflineDays int    `db:"max_offline_days" json:"max_offline_days"`

	// LastSeq is the per-device sequence counter, advanced atomically
	// on the device row at enqueue time.
	LastSeq int64 `db:"last_seq" json:"last_seq"`

	// ClaimToken and ClaimedAt form the advisory processing claim.
	// An empty token means the device queue is unclaimed.
	ClaimToken string `db:"claim_token" json:"-"`
	ClaimedAt  int64  `db:"claimed_at" json:"-"`

	CreatedAt int64 `db:"created_at" json:"created_at"`
	UpdatedAt int64 `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for DeviceSyncState.
func (DeviceSyncState) TableName() string {
	return "device_sync_state"
}

// LastOnlineTime returns LastOnline as time.Time.
func (d *DeviceSyncState) LastOnlineTime() time.Time {
	return MillisTime(d.LastOnline)
}

// Claimed reports whether the device queue currently holds a live claim.
// A claim older than ttl is treated as expired.
func (d *DeviceSyncState) Claimed(now time.Time, ttl time.Duration) bool {
	if d.ClaimToken == "" {
		return false
	}
	return MillisTime(d.ClaimedAt).Add(ttl).After(now)
}

// DeviceEntityState tracks the per-entity-type cursor for one device.
// PendingCount is an incrementally maintained counter of the device's
// non-terminal queue items of this type, never a scan of the queue.
type DeviceEntityState struct {
	UserID       string `db:"user_id" json:"user_id"`
	DeviceID     string `db:"device_id" json:"device_id"`
	EntityType   string `db:"entity_type" json:"entity_type"`
	LastSyncAt   int64  `db:"last_sync_at" json:"last_sync_at"`
	Version      int64  `db:"version" json:"version"`
	PendingCount int    `db:"pending_count" json:"pending_count"`
}

// TableName returns the table name for DeviceEntityState.
func (DeviceEntityState) TableName() string {
	return "device_entity_state"
}

// Cursor is the incremental sync position of a device for one entity type.
// The zero cursor ("never synced") is a valid state, not an error.
type Cursor struct {
	Since   int64 `json:"since"`
	Version int64 `json:"version"`
}

// SinceTime returns the cursor position as time.Time.
func (c Cursor) SinceTime() time.Time {
	return MillisTime(c.Since)
}
