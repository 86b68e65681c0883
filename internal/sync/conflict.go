// Package sync provides the offline change-queue coordination engine.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/clinicore/syncbridge/internal/errors"
	"github.com/clinicore/syncbridge/internal/logging"
	"github.com/clinicore/syncbridge/internal/models"
)

// ResolveConflict applies an explicit resolution to an open conflict.
// server_wins and client_wins re-apply the chosen stored version
// through the same adapter path; manual_resolve requires resolvedData
// and applies it directly. In every case the queue item moves to
// completed and the record turns terminal.
func (c *Coordinator) ResolveConflict(ctx context.Context, conflictID, resolution string, resolvedData json.RawMessage, resolvedBy string) (*models.ConflictRecord, error) {
	record, err := c.repo.GetConflict(conflictID)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrConflictNotFound, "conflict %s not found", conflictID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to load conflict", err)
	}
	if record.Resolved() {
		return nil, errors.Newf(errors.ErrConflictResolved, "conflict %s already resolved", conflictID)
	}

	item, err := c.repo.GetQueueItem(string(record.QueueItemID))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to load conflicted item", err)
	}

	operation, data, err := resolutionPayload(record, item, resolution, resolvedData)
	if err != nil {
		return nil, err
	}

	adapter, err := c.adapters.Get(record.EntityType)
	if err != nil {
		return nil, err
	}

	// The caller asserts authority over the known divergence: a
	// baseline read "now" passes the adapter's conflict check.
	baseline := Baseline{ReadAt: time.Now().UnixMilli()}
	result, err := adapter.Apply(ctx, operation, record.EntityID, data, baseline)
	if err != nil {
		return nil, errors.Wrap(errors.CodeOf(err), "failed to apply resolution", err)
	}

	if err := c.repo.ResolveConflictRecord(conflictID, resolution, resolvedData, resolvedBy); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Newf(errors.ErrConflictResolved, "conflict %s already resolved", conflictID)
		}
		return nil, errors.Wrap(errors.ErrDatabase, "failed to resolve conflict record", err)
	}

	syncedAt := result.ServerModifiedAt
	if syncedAt == 0 {
		syncedAt = time.Now().UnixMilli()
	}
	// Item state, cursor and pending counter move in one transaction.
	if err := c.repo.CompleteItem(item, syncedAt); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to complete conflicted item", err)
	}

	logging.Info("Conflict resolved",
		map[string]interface{}{
			"conflict_id": conflictID,
			"item_id":     item.ID,
			"entity_type": record.EntityType,
			"entity_id":   record.EntityID,
			"resolution":  resolution,
			"resolved_by": resolvedBy,
		})

	return c.repo.GetConflict(conflictID)
}

// resolutionPayload picks the operation and data blob for a resolution.
func resolutionPayload(record *models.ConflictRecord, item *models.ChangeQueueItem, resolution string, resolvedData json.RawMessage) (string, json.RawMessage, error) {
	switch resolution {
	case models.PolicyServerWins:
		// Restoring the stored server snapshot is idempotent: the
		// server record itself stays unchanged.
		return models.OperationUpdate, record.ServerVersion, nil

	case models.PolicyClientWins:
		envelope, err := models.DecodeEnvelope(record.ClientVersion)
		if err != nil {
			return "", nil, errors.Wrap(errors.ErrInternal, "corrupt client version", err)
		}
		return item.Operation, envelope.Data, nil

	case models.PolicyManualResolve:
		if len(resolvedData) == 0 {
			return "", nil, errors.New(errors.ErrInvalidResolution, "manual_resolve requires resolved data")
		}
		return models.OperationUpdate, resolvedData, nil

	default:
		return "", nil, errors.Newf(errors.ErrInvalidResolution, "unknown resolution %q", resolution)
	}
}
