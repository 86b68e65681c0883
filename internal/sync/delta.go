// Package sync provides the offline change-queue coordination engine.
package sync

import (
	"context"
	"time"

	"github.com/clinicore/syncbridge/internal/errors"
	"github.com/clinicore/syncbridge/internal/logging"
)

// DeltaPage is one bounded page of incremental server-side changes.
// SyncTimestamp is the cursor position after this page: the maximum
// modified_at actually returned, or the request's since when the page
// was empty.
type DeltaPage struct {
	Data          []Record `json:"data"`
	HasMore       bool     `json:"has_more"`
	SyncTimestamp int64    `json:"sync_timestamp"`
}

// GetIncrementalSince returns records of one entity type modified
// strictly after since, bounded to a page. The stored cursor advances
// only to the maximum timestamp actually returned, so re-fetching with
// the returned cursor is an idempotent no-op: a record on the page
// boundary may be seen twice, but never silently dropped.
func (c *Coordinator) GetIncrementalSince(ctx context.Context, userID, deviceID, entityType string, since int64) (*DeltaPage, error) {
	adapter, err := c.adapters.Get(entityType)
	if err != nil {
		return nil, err
	}

	records, hasMore, err := adapter.FindModifiedSince(ctx, since, c.opts.PageSize)
	if err != nil {
		return nil, errors.Wrap(errors.CodeOf(err), "incremental query failed", err)
	}

	cursor := since
	for _, rec := range records {
		if rec.ModifiedAt > cursor {
			cursor = rec.ModifiedAt
		}
	}

	if cursor > since {
		if err := c.repo.AdvanceCursor(userID, deviceID, entityType, cursor); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to advance cursor", err)
		}
	}

	logging.Debug("Incremental page served",
		map[string]interface{}{
			"user_id":     userID,
			"device_id":   deviceID,
			"entity_type": entityType,
			"since":       since,
			"returned":    len(records),
			"has_more":    hasMore,
		})

	return &DeltaPage{
		Data:          records,
		HasMore:       hasMore,
		SyncTimestamp: cursor,
	}, nil
}

// IncrementalResult is the transport-facing shape of a delta page.
type IncrementalResult struct {
	Data          []Record `json:"data"`
	Count         int      `json:"count"`
	HasMore       bool     `json:"has_more"`
	SyncTimestamp string   `json:"sync_timestamp"`
}

// GetIncrementalSync is the facade over GetIncrementalSince consumed by
// the transport layer: since arrives as ISO 8601, an empty since falls
// back to the device's stored cursor, and the next cursor is returned
// as ISO 8601.
func (c *Coordinator) GetIncrementalSync(ctx context.Context, userID, deviceID, entityType, sinceISO string) (*IncrementalResult, error) {
	var since int64
	if sinceISO != "" {
		t, err := time.Parse(time.RFC3339, sinceISO)
		if err != nil {
			return nil, errors.Wrap(errors.ErrValidation, "invalid since timestamp", err)
		}
		since = t.UnixMilli()
	} else {
		cursor, err := c.GetCursor(userID, deviceID, entityType)
		if err != nil {
			return nil, err
		}
		since = cursor.Since
	}

	page, err := c.GetIncrementalSince(ctx, userID, deviceID, entityType, since)
	if err != nil {
		return nil, err
	}

	return &IncrementalResult{
		Data:          page.Data,
		Count:         len(page.Data),
		HasMore:       page.HasMore,
		SyncTimestamp: time.UnixMilli(page.SyncTimestamp).UTC().Format(time.RFC3339),
	}, nil
}

// ForceFullSync resets the named cursors to the zero cursor so the next
// incremental call(s) return everything. An empty list resets every
// registered entity type. Callers accept the unbounded multi-page cost;
// used for recovery from prolonged offline or detected corruption.
func (c *Coordinator) ForceFullSync(userID, deviceID string, entityTypes []string) error {
	if len(entityTypes) == 0 {
		entityTypes = c.adapters.EntityTypes()
	}

	for _, entityType := range entityTypes {
		if err := c.repo.ResetCursor(userID, deviceID, entityType); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to reset cursor", err)
		}
	}

	logging.Info("Forced full sync",
		map[string]interface{}{
			"user_id":      userID,
			"device_id":    deviceID,
			"entity_types": entityTypes,
		})

	return nil
}
