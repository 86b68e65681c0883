// Package sync provides the offline change-queue coordination engine.
package sync

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/clinicore/syncbridge/internal/db"
	"github.com/clinicore/syncbridge/internal/errors"
	"github.com/clinicore/syncbridge/internal/logging"
	"github.com/clinicore/syncbridge/internal/models"
	"github.com/clinicore/syncbridge/internal/uuid"
)

// Options tunes the coordinator.
type Options struct {
	// MaxAttempts bounds automatic retries of failed items; at the
	// limit an item becomes permanently failed.
	MaxAttempts int

	// ClaimTTL is how long a per-device processing claim is honored
	// before another coordinator may take it over.
	ClaimTTL time.Duration

	// PageSize bounds incremental delta pages.
	PageSize int

	// BatchLimit is the default item limit per ProcessPendingSync call.
	BatchLimit int
}

// DefaultOptions returns the coordinator defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 5,
		ClaimTTL:    2 * time.Minute,
		PageSize:    100,
		BatchLimit:  50,
	}
}

// Coordinator orchestrates enqueue, batch processing, conflict handling
// and incremental delta retrieval. It is the only component with real
// logic; domain semantics live behind the adapter registry.
//
// Processing is pull-based: the coordinator runs synchronously within
// the caller's ProcessPendingSync invocation and schedules nothing
// itself.
type Coordinator struct {
	repo     *db.Repository
	adapters *AdapterRegistry
	opts     Options
}

// NewCoordinator creates a Coordinator. Zero-valued options fall back
// to DefaultOptions.
func NewCoordinator(repo *db.Repository, adapters *AdapterRegistry, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = def.ClaimTTL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = def.BatchLimit
	}
	return &Coordinator{
		repo:     repo,
		adapters: adapters,
		opts:     opts,
	}
}

// Repo exposes the repository for retention sweeps and diagnostics.
func (c *Coordinator) Repo() *db.Repository {
	return c.repo
}

// MaxAttempts returns the configured retry bound.
func (c *Coordinator) MaxAttempts() int {
	return c.opts.MaxAttempts
}

// =====================================================
// Device state operations
// =====================================================

// InitializeDevice is the idempotent find-or-create entry point for a
// (user, device) pair. The bool reports whether the record is new.
func (c *Coordinator) InitializeDevice(userID, deviceID, deviceType string) (*models.DeviceSyncState, bool, error) {
	if userID == "" || deviceID == "" {
		return nil, false, errors.New(errors.ErrValidation, "user and device ids are required")
	}

	device, isNew, err := c.repo.FindOrCreateDevice(userID, deviceID, deviceType)
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrDatabase, "failed to initialize device", err)
	}

	if isNew {
		logging.Info("Device registered",
			map[string]interface{}{
				"user_id":     userID,
				"device_id":   deviceID,
				"device_type": deviceType,
			})
	}

	return device, isNew, nil
}

// UpdateConnectionStatus records a connectivity ping. last_online moves
// only on the offline-to-online transition.
func (c *Coordinator) UpdateConnectionStatus(userID, deviceID string, isOnline bool, quality string) error {
	if quality == "" {
		quality = models.QualityUnknown
	}
	err := c.repo.UpdateConnectivity(userID, deviceID, isOnline, quality)
	if err == sql.ErrNoRows {
		return errors.Newf(errors.ErrDeviceNotFound, "device %s/%s not registered", userID, deviceID)
	}
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to update connectivity", err)
	}
	return nil
}

// GetCursor returns the incremental sync position for one entity type.
// A never-synced type yields the zero cursor, not an error.
func (c *Coordinator) GetCursor(userID, deviceID, entityType string) (models.Cursor, error) {
	state, err := c.repo.GetEntityState(userID, deviceID, entityType)
	if err != nil {
		return models.Cursor{}, errors.Wrap(errors.ErrDatabase, "failed to read cursor", err)
	}
	return models.Cursor{Since: state.LastSyncAt, Version: state.Version}, nil
}

// SyncStatus summarizes a device for the transport layer.
type SyncStatus struct {
	PendingChanges int   `json:"pending_changes"`
	Conflicts      int   `json:"conflicts"`
	LastSync       int64 `json:"last_sync"`
	IsOnline       bool  `json:"is_online"`
}

// GetSyncStatus reports pending work, open conflicts and sync recency.
func (c *Coordinator) GetSyncStatus(userID, deviceID string) (*SyncStatus, error) {
	device, err := c.repo.GetDevice(userID, deviceID)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrDeviceNotFound, "device %s/%s not registered", userID, deviceID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to load device", err)
	}

	pending, err := c.repo.TotalPending(userID, deviceID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to count pending changes", err)
	}

	conflicts, err := c.repo.CountOpenConflicts(userID, deviceID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to count conflicts", err)
	}

	lastSync, err := c.repo.LastSyncAt(userID, deviceID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read last sync", err)
	}

	return &SyncStatus{
		PendingChanges: pending,
		Conflicts:      conflicts,
		LastSync:       lastSync,
		IsOnline:       device.IsOnline,
	}, nil
}

// =====================================================
// Change queue operations
// =====================================================

// QueueChange validates and appends one client mutation. The queue is
// append-only: multiple pending items for the same entity are kept and
// reconciled at apply time via baseline comparison, never coalesced.
// Malformed submissions are rejected here and never enqueued.
func (c *Coordinator) QueueChange(userID, deviceID, entityType, entityID, operation string, data json.RawMessage, baseline Baseline) (*models.ChangeQueueItem, error) {
	if userID == "" || deviceID == "" {
		return nil, errors.New(errors.ErrValidation, "user and device ids are required")
	}
	if entityType == "" {
		return nil, errors.New(errors.ErrValidation, "entity type is required")
	}
	if !c.adapters.Has(entityType) {
		return nil, errors.Newf(errors.ErrValidation, "no adapter registered for entity type %q", entityType)
	}

	now := time.Now().UnixMilli()

	envelope := models.NewChangeEnvelope(entityID, operation, now, data)
	if err := envelope.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "invalid change", err)
	}
	payload, err := envelope.Encode()
	if err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "invalid change payload", err)
	}

	// Atomic increment on the device row; an in-process counter would
	// be unsafe across coordinator instances.
	seq, err := c.repo.NextSequence(userID, deviceID)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrDeviceNotFound, "device %s/%s not registered", userID, deviceID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to allocate sequence", err)
	}

	item := &models.ChangeQueueItem{
		ID:              models.UUID(uuid.New()),
		UserID:          userID,
		DeviceID:        deviceID,
		EntityType:      entityType,
		EntityID:        entityID,
		Operation:       operation,
		Payload:         payload,
		BaselineAt:      baseline.ReadAt,
		BaselineVersion: baseline.Version,
		ClientTimestamp: now,
		Sequence:        seq,
		Priority:        PriorityFor(entityType),
		Status:          models.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// Queue row and pending counter move together or not at all.
	if err := c.repo.EnqueueItem(item); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to enqueue change", err)
	}

	logging.Debug("Change queued",
		map[string]interface{}{
			"item_id":     item.ID,
			"user_id":     userID,
			"device_id":   deviceID,
			"entity_type": entityType,
			"entity_id":   entityID,
			"operation":   operation,
			"sequence":    seq,
			"priority":    item.Priority,
		})

	return item, nil
}

// GetPending returns up to limit processable items for a device in
// (priority ASC, sequence ASC) order. Terminal-state items are never
// returned; FIFO holds within a priority tier.
func (c *Coordinator) GetPending(userID, deviceID string, limit int, entityType string) ([]*models.ChangeQueueItem, error) {
	if limit <= 0 {
		limit = c.opts.BatchLimit
	}
	items, err := c.repo.GetPendingItems(userID, deviceID, limit, entityType, c.opts.MaxAttempts)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list pending items", err)
	}
	return items, nil
}

// GetConflicts returns the device's open conflict records.
func (c *Coordinator) GetConflicts(userID, deviceID string) ([]*models.ConflictRecord, error) {
	conflicts, err := c.repo.ListOpenConflicts(userID, deviceID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list conflicts", err)
	}
	return conflicts, nil
}
