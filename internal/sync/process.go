// Package sync provides the offline change-queue coordination engine.
package sync

import (
	"context"
	"database/sql"
	"time"

	"github.com/clinicore/syncbridge/internal/errors"
	"github.com/clinicore/syncbridge/internal/logging"
	"github.com/clinicore/syncbridge/internal/models"
	"github.com/clinicore/syncbridge/internal/uuid"
)

// ProcessOptions narrows one processing batch.
type ProcessOptions struct {
	Limit      int
	EntityType string
}

// ItemError is the per-item failure detail inside a batch summary.
type ItemError struct {
	ItemID     string `json:"item_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// ProcessSummary aggregates one batch. Partial failure is a normal
// return value: callers inspect Errors to decide about resubmission.
type ProcessSummary struct {
	Processed int         `json:"processed"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Conflicts int         `json:"conflicts"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// ProcessPendingSync claims up to Limit items for one device in
// (priority, sequence) order and applies them through the matching
// adapters. At most one coordinator advances a given device's queue at
// a time: the batch runs under a per-device claim taken by
// compare-and-set, and losing the claim race yields a
// CONCURRENCY_VIOLATION error with no items touched.
func (c *Coordinator) ProcessPendingSync(ctx context.Context, userID, deviceID string, opts ProcessOptions) (*ProcessSummary, error) {
	if userID == "" || deviceID == "" {
		return nil, errors.New(errors.ErrValidation, "user and device ids are required")
	}

	if _, err := c.repo.GetDevice(userID, deviceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Newf(errors.ErrDeviceNotFound, "device %s/%s not registered", userID, deviceID)
		}
		return nil, errors.Wrap(errors.ErrDatabase, "failed to load device", err)
	}

	token := uuid.NewToken()
	claimed, err := c.repo.ClaimDevice(userID, deviceID, token, c.opts.ClaimTTL)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to claim device", err)
	}
	if !claimed {
		return nil, errors.Newf(errors.ErrConcurrencyViolation,
			"device %s/%s is claimed by another coordinator", userID, deviceID)
	}
	defer func() {
		if err := c.repo.ReleaseDevice(userID, deviceID, token); err != nil {
			logging.Error("Failed to release device claim", err,
				map[string]interface{}{"user_id": userID, "device_id": deviceID})
		}
	}()

	limit := opts.Limit
	if limit <= 0 {
		limit = c.opts.BatchLimit
	}

	items, err := c.repo.GetPendingItems(userID, deviceID, limit, opts.EntityType, c.opts.MaxAttempts)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list pending items", err)
	}

	summary := &ProcessSummary{}

	for _, item := range items {
		// No mid-batch cancellation of a started item; between items
		// we stop issuing further work when the caller gave up.
		if ctx.Err() != nil {
			break
		}
		c.processItem(ctx, item, summary)
	}

	logging.Info("Processed pending batch",
		map[string]interface{}{
			"user_id":   userID,
			"device_id": deviceID,
			"processed": summary.Processed,
			"completed": summary.Completed,
			"failed":    summary.Failed,
			"conflicts": summary.Conflicts,
		})

	return summary, nil
}

// processItem runs one item through the state machine:
// pending -> syncing -> completed | failed | conflict.
// Errors never escape; they are aggregated into the summary.
func (c *Coordinator) processItem(ctx context.Context, item *models.ChangeQueueItem, summary *ProcessSummary) {
	summary.Processed++

	if err := c.repo.MarkSyncing(string(item.ID)); err != nil {
		// Someone else moved the item under us; skip without counting
		// an attempt.
		summary.Processed--
		logging.Warn("Skipped item no longer claimable",
			map[string]interface{}{"item_id": item.ID})
		return
	}

	envelope, err := models.DecodeEnvelope(item.Payload)
	if err != nil {
		c.failItem(item, summary, errors.Wrap(errors.ErrValidation, "corrupt payload envelope", err))
		return
	}

	adapter, err := c.adapters.Get(item.EntityType)
	if err != nil {
		c.failItem(item, summary, err)
		return
	}

	baseline := Baseline{ReadAt: item.BaselineAt, Version: item.BaselineVersion}
	result, err := adapter.Apply(ctx, item.Operation, item.EntityID, envelope.Data, baseline)
	if err != nil {
		if errors.Is(err, errors.ErrConcurrencyViolation) {
			c.deferItem(item, summary, err)
			return
		}
		c.failItem(item, summary, err)
		return
	}

	if result.Conflict {
		c.conflictItem(item, result, summary)
		return
	}

	c.completeItem(item, result, summary)
}

// completeItem finishes a successful apply: the item turns terminal,
// the per-entity-type version increments, the cursor refreshes, and the
// pending counter drops by one.
func (c *Coordinator) completeItem(item *models.ChangeQueueItem, result *ApplyResult, summary *ProcessSummary) {
	syncedAt := result.ServerModifiedAt
	if syncedAt == 0 {
		syncedAt = time.Now().UnixMilli()
	}
	if err := c.repo.CompleteItem(item, syncedAt); err != nil {
		c.failItem(item, summary, errors.Wrap(errors.ErrDatabase, "failed to complete item", err))
		return
	}

	summary.Completed++
}

// deferItem returns an item to pending untouched when claim contention
// surfaces from the adapter itself. No attempt is counted; the next
// batch retries it.
func (c *Coordinator) deferItem(item *models.ChangeQueueItem, summary *ProcessSummary, cause error) {
	summary.Processed--
	if err := c.repo.MarkPending(string(item.ID)); err != nil {
		logging.Error("Failed to return contended item to pending", err,
			map[string]interface{}{"item_id": item.ID})
		return
	}
	logging.Warn("Item deferred on concurrency violation",
		map[string]interface{}{
			"item_id":     item.ID,
			"entity_type": item.EntityType,
			"entity_id":   item.EntityID,
			"error":       cause.Error(),
		})
}

// conflictItem parks the item and captures both versions for explicit
// resolution. The item is not auto-retried and stays in the pending
// counter until resolved.
func (c *Coordinator) conflictItem(item *models.ChangeQueueItem, result *ApplyResult, summary *ProcessSummary) {
	record := &models.ConflictRecord{
		ID:               models.UUID(uuid.New()),
		QueueItemID:      item.ID,
		UserID:           item.UserID,
		DeviceID:         item.DeviceID,
		EntityType:       item.EntityType,
		EntityID:         item.EntityID,
		ServerVersion:    result.ServerVersion,
		ServerModifiedAt: result.ServerModifiedAt,
		ClientVersion:    item.Payload,
		ClientBaselineAt: item.BaselineAt,
		DetectedAt:       time.Now().UnixMilli(),
		Status:           models.ConflictOpen,
	}

	if err := c.repo.InsertConflict(record); err != nil {
		c.failItem(item, summary, errors.Wrap(errors.ErrDatabase, "failed to record conflict", err))
		return
	}
	if err := c.repo.MarkConflict(string(item.ID)); err != nil {
		logging.Error("Failed to mark item conflicted", err,
			map[string]interface{}{"item_id": item.ID})
	}

	logging.Warn("Sync conflict detected",
		map[string]interface{}{
			"item_id":            item.ID,
			"conflict_id":        record.ID,
			"entity_type":        item.EntityType,
			"entity_id":          item.EntityID,
			"client_baseline_at": item.BaselineAt,
			"server_modified_at": result.ServerModifiedAt,
		})

	summary.Conflicts++
}

// failItem classifies an apply error. Transient failures count one
// attempt and stay retryable up to the max; validation and not-found
// failures land terminal immediately. Terminal failures leave the
// pending counter.
func (c *Coordinator) failItem(item *models.ChangeQueueItem, summary *ProcessSummary, cause error) {
	minAttempts := 0
	if !errors.Retryable(cause) {
		minAttempts = c.opts.MaxAttempts
	}

	attempts, err := c.repo.FailItem(item, cause.Error(), minAttempts, c.opts.MaxAttempts)
	if err != nil {
		logging.Error("Failed to mark item failed", err,
			map[string]interface{}{"item_id": item.ID})
		attempts = item.Attempts + 1
	}

	code := string(errors.CodeOf(cause))
	logging.ErrorWithCode("Item failed", code, cause,
		map[string]interface{}{
			"item_id":     item.ID,
			"entity_type": item.EntityType,
			"entity_id":   item.EntityID,
			"attempts":    attempts,
		})

	summary.Failed++
	summary.Errors = append(summary.Errors, ItemError{
		ItemID:     string(item.ID),
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Code:       code,
		Message:    cause.Error(),
	})
}
