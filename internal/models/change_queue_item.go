// Package models provides data model definitions for the SyncBridge engine.
package models

import (
	"encoding/json"
	"time"
)

// Operations a client may queue against an entity.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Queue item statuses. Transitions are one-directional
// (pending -> syncing -> completed/failed/conflict) except a resolved
// conflict moving to completed or failed.
const (
	StatusPending   = "pending"
	StatusSyncing   = "syncing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusConflict  = "conflict"
)

// ChangeQueueItem is one client-originated mutation awaiting application
// to the authoritative store.
type ChangeQueueItem struct {
	ID         UUID   `db:"id" json:"id"`
	UserID     string `db:"user_id" json:"user_id"`
	DeviceID   string `db:"device_id" json:"device_id"`
	EntityType string `db:"entity_type" json:"entity_type"`
	EntityID   string `db:"entity_id" json:"entity_id"`
	Operation  string `db:"operation" json:"operation"` // create, update, delete

	// Payload is the tagged mutation envelope (see ChangeEnvelope).
	Payload json.RawMessage `db:"payload" json:"payload"`

	// BaselineAt is the server timestamp the client read before editing.
	// Conflict detection compares it against the server's last-modified
	// time, not against the submission time.
	BaselineAt      int64 `db:"baseline_at" json:"baseline_at"`
	BaselineVersion int64 `db:"baseline_version" json:"baseline_version"`

	ClientTimestamp int64 `db:"client_timestamp" json:"client_timestamp"`

	// Sequence is strictly increasing per device; Priority is derived
	// from the entity type (lower = more urgent).
	Sequence int64 `db:"sequence" json:"sequence"`
	Priority int   `db:"priority" json:"priority"`

	Status        string `db:"status" json:"status"`
	Attempts      int    `db:"attempts" json:"attempts"`
	LastError     string `db:"last_error" json:"last_error,omitempty"`
	LastAttemptAt int64  `db:"last_attempt_at" json:"last_attempt_at,omitempty"`

	CreatedAt   int64 `db:"created_at" json:"created_at"`
	UpdatedAt   int64 `db:"updated_at" json:"updated_at"`
	CompletedAt int64 `db:"completed_at" json:"completed_at,omitempty"`
}

// TableName returns the table name for ChangeQueueItem.
func (ChangeQueueItem) TableName() string {
	return "change_queue"
}

// Terminal reports whether the item has no further automatic transition.
// A failed item is terminal only once it has exhausted maxAttempts.
func (i *ChangeQueueItem) Terminal(maxAttempts int) bool {
	switch i.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		return i.Attempts >= maxAttempts
	default:
		return false
	}
}

// Retryable reports whether a failed item is still eligible for
// automatic reprocessing.
func (i *ChangeQueueItem) Retryable(maxAttempts int) bool {
	return i.Status == StatusFailed && i.Attempts < maxAttempts
}

// CreatedAtTime returns CreatedAt as time.Time.
func (i *ChangeQueueItem) CreatedAtTime() time.Time {
	return MillisTime(i.CreatedAt)
}

// CompletedAtTime returns CompletedAt as time.Time.
func (i *ChangeQueueItem) CompletedAtTime() time.Time {
	return MillisTime(i.CompletedAt)
}
