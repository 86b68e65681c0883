// Package db provides CRUD repository operations for SyncBridge data models.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/clinicore/syncbridge/internal/models"
	"github.com/clinicore/syncbridge/internal/uuid"
)

// Repository provides persistence operations for all sync models.
// Frequently used queries go through a prepared statement cache to
// avoid repeated SQL parsing overhead.
type Repository struct {
	db *sql.DB

	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// DeviceSyncState Operations
// =====================================================

const deviceColumns = `id, user_id, device_id, device_type, is_online, last_online, quality,
	auto_sync, conflict_policy, max_offline_days, last_seq, claim_token, claimed_at,
	created_at, updated_at`

// scanDevice scans a device row from any row scanner.
func scanDevice(scan func(dest ...interface{}) error) (*models.DeviceSyncState, error) {
	var d models.DeviceSyncState
	err := scan(
		&d.ID, &d.UserID, &d.DeviceID, &d.DeviceType, &d.IsOnline, &d.LastOnline,
		&d.Quality, &d.AutoSync, &d.ConflictPolicy, &d.MaxOfflineDays, &d.LastSeq,
		&d.ClaimToken, &d.ClaimedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDevice retrieves the sync state for one (user, device) pair.
func (r *Repository) GetDevice(userID, deviceID string) (*models.DeviceSyncState, error) {
	query := `SELECT ` + deviceColumns + ` FROM device_sync_state WHERE user_id = ? AND device_id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanDevice(func(dest ...interface{}) error {
		return stmt.QueryRow(userID, deviceID).Scan(dest...)
	})
}

// FindOrCreateDevice returns the device state, creating it lazily on
// first registration. The second return value reports whether a new
// record was created.
func (r *Repository) FindOrCreateDevice(userID, deviceID, deviceType string) (*models.DeviceSyncState, bool, error) {
	device, err := r.GetDevice(userID, deviceID)
	if err == nil {
		return device, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	now := time.Now().UnixMilli()
	d := &models.DeviceSyncState{
		ID:             models.UUID(uuid.New()),
		UserID:         userID,
		DeviceID:       deviceID,
		DeviceType:     deviceType,
		Quality:        models.QualityUnknown,
		AutoSync:       true,
		ConflictPolicy: models.PolicyManualResolve,
		MaxOfflineDays: 30,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	query := `
	INSERT INTO device_sync_state (id, user_id, device_id, device_type, is_online, last_online,
		quality, auto_sync, conflict_policy, max_offline_days, last_seq, claim_token, claimed_at,
		created_at, updated_at)
	VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?, ?, 0, '', 0, ?, ?)
	`
	_, err = r.db.Exec(query, d.ID, d.UserID, d.DeviceID, d.DeviceType,
		d.Quality, d.AutoSync, d.ConflictPolicy, d.MaxOfflineDays, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		// A concurrent initialize may have won the unique constraint race.
		if existing, gerr := r.GetDevice(userID, deviceID); gerr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}

	return d, true, nil
}

// UpdateConnectivity records a connectivity ping. last_online is
// refreshed only on the transition to online.
func (r *Repository) UpdateConnectivity(userID, deviceID string, isOnline bool, quality string) error {
	now := time.Now().UnixMilli()
	query := `
	UPDATE device_sync_state
	SET last_online = CASE WHEN ? AND NOT is_online THEN ? ELSE last_online END,
		is_online = ?, quality = ?, updated_at = ?
	WHERE user_id = ? AND device_id = ?
	`
	result, err := r.db.Exec(query, isOnline, now, isOnline, quality, now, userID, deviceID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// NextSequence atomically advances and returns the per-device sequence
// counter. Safe across concurrent submissions and coordinator instances
// because the increment happens on the device row, not read-modify-write.
func (r *Repository) NextSequence(userID, deviceID string) (int64, error) {
	query := `
	UPDATE device_sync_state SET last_seq = last_seq + 1, updated_at = ?
	WHERE user_id = ? AND device_id = ?
	RETURNING last_seq
	`
	var seq int64
	err := r.db.QueryRow(query, time.Now().UnixMilli(), userID, deviceID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ClaimDevice attempts to take the advisory processing claim for a
// device via compare-and-set. A claim older than ttl is treated as
// abandoned and may be taken over. Returns true iff the claim was won.
func (r *Repository) ClaimDevice(userID, deviceID, token string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	expiredBefore := now - ttl.Milliseconds()
	query := `
	UPDATE device_sync_state SET claim_token = ?, claimed_at = ?, updated_at = ?
	WHERE user_id = ? AND device_id = ? AND (claim_token = '' OR claimed_at < ?)
	`
	result, err := r.db.Exec(query, token, now, now, userID, deviceID, expiredBefore)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

// ReleaseDevice releases the processing claim if token still owns it.
func (r *Repository) ReleaseDevice(userID, deviceID, token string) error {
	query := `
	UPDATE device_sync_state SET claim_token = '', claimed_at = 0, updated_at = ?
	WHERE user_id = ? AND device_id = ? AND claim_token = ?
	`
	_, err := r.db.Exec(query, time.Now().UnixMilli(), userID, deviceID, token)
	return err
}

// ReleaseExpiredClaims clears claims older than cutoff regardless of
// owner. Normally expiry is handled lazily by ClaimDevice takeover;
// this sweep keeps rows of devices nobody is contending for clean.
func (r *Repository) ReleaseExpiredClaims(cutoff int64) (int64, error) {
	query := `
	UPDATE device_sync_state SET claim_token = '', claimed_at = 0, updated_at = ?
	WHERE claim_token != '' AND claimed_at < ?
	`
	result, err := r.db.Exec(query, time.Now().UnixMilli(), cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListOnlineAutoSyncDevices returns devices eligible for periodic
// processing: online with auto-sync enabled.
func (r *Repository) ListOnlineAutoSyncDevices() ([]*models.DeviceSyncState, error) {
	query := `SELECT ` + deviceColumns + ` FROM device_sync_state WHERE is_online = 1 AND auto_sync = 1`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.DeviceSyncState
	for rows.Next() {
		d, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeleteStaleDevices purges devices that are offline and have been
// inactive since before cutoff, along with their entity state, queue
// items and conflict records. Returns the number of devices removed.
func (r *Repository) DeleteStaleDevices(cutoff int64) (int64, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	where := `is_online = 0 AND updated_at < ?`

	if _, err := tx.Exec(`
		DELETE FROM conflict_records WHERE (user_id, device_id) IN
		(SELECT user_id, device_id FROM device_sync_state WHERE `+where+`)`, cutoff); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`
		DELETE FROM change_queue WHERE (user_id, device_id) IN
		(SELECT user_id, device_id FROM device_sync_state WHERE `+where+`)`, cutoff); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`
		DELETE FROM device_entity_state WHERE (user_id, device_id) IN
		(SELECT user_id, device_id FROM device_sync_state WHERE `+where+`)`, cutoff); err != nil {
		return 0, err
	}

	result, err := tx.Exec(`DELETE FROM device_sync_state WHERE `+where, cutoff)
	if err != nil {
		return 0, err
	}
	removed, _ := result.RowsAffected()

	return removed, tx.Commit()
}

// =====================================================
// DeviceEntityState Operations
// =====================================================

// GetEntityState returns the per-entity-type state for one device.
// A missing row yields the zero state: "never synced" is valid.
func (r *Repository) GetEntityState(userID, deviceID, entityType string) (*models.DeviceEntityState, error) {
	query := `
	SELECT user_id, device_id, entity_type, last_sync_at, version, pending_count
	FROM device_entity_state WHERE user_id = ? AND device_id = ? AND entity_type = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var s models.DeviceEntityState
	err = stmt.QueryRow(userID, deviceID, entityType).Scan(
		&s.UserID, &s.DeviceID, &s.EntityType, &s.LastSyncAt, &s.Version, &s.PendingCount)
	if err == sql.ErrNoRows {
		return &models.DeviceEntityState{
			UserID:     userID,
			DeviceID:   deviceID,
			EntityType: entityType,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListEntityStates returns all per-entity-type states for one device.
func (r *Repository) ListEntityStates(userID, deviceID string) ([]*models.DeviceEntityState, error) {
	query := `
	SELECT user_id, device_id, entity_type, last_sync_at, version, pending_count
	FROM device_entity_state WHERE user_id = ? AND device_id = ? ORDER BY entity_type
	`
	rows, err := r.db.Query(query, userID, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*models.DeviceEntityState
	for rows.Next() {
		var s models.DeviceEntityState
		if err := rows.Scan(&s.UserID, &s.DeviceID, &s.EntityType,
			&s.LastSyncAt, &s.Version, &s.PendingCount); err != nil {
			return nil, err
		}
		states = append(states, &s)
	}
	return states, rows.Err()
}

const adjustPendingSQL = `
	INSERT INTO device_entity_state (user_id, device_id, entity_type, pending_count)
	VALUES (?, ?, ?, MAX(0, ?))
	ON CONFLICT(user_id, device_id, entity_type)
	DO UPDATE SET pending_count = MAX(0, pending_count + ?)
	`

const recordEntitySyncSQL = `
	INSERT INTO device_entity_state (user_id, device_id, entity_type, last_sync_at, version, pending_count)
	VALUES (?, ?, ?, ?, ?, MAX(0, ?))
	ON CONFLICT(user_id, device_id, entity_type)
	DO UPDATE SET
		last_sync_at = MAX(last_sync_at, ?),
		version = version + ?,
		pending_count = MAX(0, pending_count + ?)
	`

// AdjustPendingCount changes the incrementally maintained pending
// counter for one (device, entity type), creating the row on first use.
// The counter never goes below zero.
func (r *Repository) AdjustPendingCount(userID, deviceID, entityType string, delta int) error {
	_, err := r.db.Exec(adjustPendingSQL, userID, deviceID, entityType, delta, delta)
	return err
}

// RecordEntitySync merges a sync progress update: last_sync_at advances
// monotonically, the version increments by bump, and the pending counter
// moves by delta. Zero-valued fields leave their columns untouched.
func (r *Repository) RecordEntitySync(userID, deviceID, entityType string, lastSyncAt int64, bump int64, delta int) error {
	_, err := r.db.Exec(recordEntitySyncSQL, userID, deviceID, entityType,
		lastSyncAt, bump, delta, lastSyncAt, bump, delta)
	return err
}

// AdvanceCursor moves the incremental cursor forward for one entity
// type. The cursor only ever advances; a smaller value is a no-op.
func (r *Repository) AdvanceCursor(userID, deviceID, entityType string, lastSyncAt int64) error {
	return r.RecordEntitySync(userID, deviceID, entityType, lastSyncAt, 0, 0)
}

// ResetCursor resets one entity-type cursor to the zero cursor, forcing
// the next incremental call to return everything.
func (r *Repository) ResetCursor(userID, deviceID, entityType string) error {
	query := `
	UPDATE device_entity_state SET last_sync_at = 0, version = 0
	WHERE user_id = ? AND device_id = ? AND entity_type = ?
	`
	_, err := r.db.Exec(query, userID, deviceID, entityType)
	return err
}

// TotalPending returns the sum of pending counters across entity types.
func (r *Repository) TotalPending(userID, deviceID string) (int, error) {
	query := `
	SELECT COALESCE(SUM(pending_count), 0) FROM device_entity_state
	WHERE user_id = ? AND device_id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return 0, err
	}
	var total int
	err = stmt.QueryRow(userID, deviceID).Scan(&total)
	return total, err
}

// LastSyncAt returns the most recent cursor position across entity types.
func (r *Repository) LastSyncAt(userID, deviceID string) (int64, error) {
	query := `
	SELECT COALESCE(MAX(last_sync_at), 0) FROM device_entity_state
	WHERE user_id = ? AND device_id = ?
	`
	var last int64
	err := r.db.QueryRow(query, userID, deviceID).Scan(&last)
	return last, err
}

// =====================================================
// ChangeQueue Operations
// =====================================================

const queueColumns = `id, user_id, device_id, entity_type, entity_id, operation, payload,
	baseline_at, baseline_version, client_timestamp, sequence, priority, status,
	attempts, last_error, last_attempt_at, created_at, updated_at, completed_at`

// scanQueueItem scans a queue row from any row scanner.
func scanQueueItem(scan func(dest ...interface{}) error) (*models.ChangeQueueItem, error) {
	var i models.ChangeQueueItem
	var payload string
	err := scan(
		&i.ID, &i.UserID, &i.DeviceID, &i.EntityType, &i.EntityID, &i.Operation, &payload,
		&i.BaselineAt, &i.BaselineVersion, &i.ClientTimestamp, &i.Sequence, &i.Priority,
		&i.Status, &i.Attempts, &i.LastError, &i.LastAttemptAt,
		&i.CreatedAt, &i.UpdatedAt, &i.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	i.Payload = json.RawMessage(payload)
	return &i, nil
}

const insertQueueItemSQL = `
	INSERT INTO change_queue (id, user_id, device_id, entity_type, entity_id, operation, payload,
		baseline_at, baseline_version, client_timestamp, sequence, priority, status,
		attempts, last_error, last_attempt_at, created_at, updated_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

// queueItemArgs flattens an item into insertQueueItemSQL bind order.
func queueItemArgs(item *models.ChangeQueueItem) []interface{} {
	return []interface{}{
		item.ID, item.UserID, item.DeviceID, item.EntityType,
		item.EntityID, item.Operation, string(item.Payload),
		item.BaselineAt, item.BaselineVersion, item.ClientTimestamp, item.Sequence,
		item.Priority, item.Status, item.Attempts, item.LastError, item.LastAttemptAt,
		item.CreatedAt, item.UpdatedAt, item.CompletedAt,
	}
}

// InsertQueueItem appends a new mutation to the change queue without
// touching the pending counter. Engine enqueues go through EnqueueItem.
func (r *Repository) InsertQueueItem(item *models.ChangeQueueItem) error {
	_, err := r.db.Exec(insertQueueItemSQL, queueItemArgs(item)...)
	return err
}

// EnqueueItem appends a mutation and bumps the owner's pending counter
// in one transaction, so a crash between the two writes cannot skew
// the counter.
func (r *Repository) EnqueueItem(item *models.ChangeQueueItem) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(insertQueueItemSQL, queueItemArgs(item)...); err != nil {
		return err
	}
	if _, err := tx.Exec(adjustPendingSQL, item.UserID, item.DeviceID, item.EntityType, 1, 1); err != nil {
		return err
	}
	return tx.Commit()
}

// GetQueueItem retrieves one queue item by id.
func (r *Repository) GetQueueItem(id string) (*models.ChangeQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM change_queue WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanQueueItem(func(dest ...interface{}) error {
		return stmt.QueryRow(id).Scan(dest...)
	})
}

// GetPendingItems returns the device's processable items ordered by
// (priority ASC, sequence ASC): pending items plus failed items that
// still have attempts left. Terminal and in-flight items are excluded.
// entityType narrows to one type when non-empty.
func (r *Repository) GetPendingItems(userID, deviceID string, limit int, entityType string, maxAttempts int) ([]*models.ChangeQueueItem, error) {
	baseQuery := `SELECT ` + queueColumns + ` FROM change_queue
	WHERE user_id = ? AND device_id = ?
	  AND (status = 'pending' OR (status = 'failed' AND attempts < ?))`
	orderLimit := ` ORDER BY priority ASC, sequence ASC LIMIT ?`

	var query string
	var args []interface{}

	if entityType != "" {
		query = baseQuery + ` AND entity_type = ?` + orderLimit
		args = []interface{}{userID, deviceID, maxAttempts, entityType, limit}
	} else {
		query = baseQuery + orderLimit
		args = []interface{}{userID, deviceID, maxAttempts, limit}
	}

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.ChangeQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkSyncing transitions an item to syncing and stamps the attempt time.
func (r *Repository) MarkSyncing(id string) error {
	now := time.Now().UnixMilli()
	query := `
	UPDATE change_queue SET status = 'syncing', last_attempt_at = ?, updated_at = ?
	WHERE id = ? AND status IN ('pending', 'failed')
	`
	result, err := r.db.Exec(query, now, now, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkPending returns an item to the pending state without counting an
// attempt. Used when claim contention surfaces mid-apply; the item was
// never actually tried against the store.
func (r *Repository) MarkPending(id string) error {
	query := `UPDATE change_queue SET status = 'pending', updated_at = ? WHERE id = ?`
	_, err := r.db.Exec(query, time.Now().UnixMilli(), id)
	return err
}

const markCompletedSQL = `
	UPDATE change_queue SET status = 'completed', last_error = '', updated_at = ?, completed_at = ?
	WHERE id = ?
	`

const markFailedSQL = `
	UPDATE change_queue SET status = 'failed', attempts = MAX(attempts + 1, ?), last_error = ?, updated_at = ?
	WHERE id = ?
	RETURNING attempts
	`

// MarkCompleted transitions an item to the terminal completed state
// without touching sync progress. Engine completions go through
// CompleteItem.
func (r *Repository) MarkCompleted(id string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.Exec(markCompletedSQL, now, now, id)
	return err
}

// CompleteItem marks an item completed and merges the owner's sync
// progress (cursor, version bump, pending counter -1) in one
// transaction, so the counter can never drift from the queue.
func (r *Repository) CompleteItem(item *models.ChangeQueueItem, syncedAt int64) error {
	now := time.Now().UnixMilli()
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(markCompletedSQL, now, now, item.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(recordEntitySyncSQL, item.UserID, item.DeviceID, item.EntityType,
		syncedAt, 1, -1, syncedAt, 1, -1); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkFailed records a failed attempt and returns the new attempt
// count. minAttempts floors the counter so validation and not-found
// failures land terminal immediately; pass 0 for ordinary transient
// failures.
func (r *Repository) MarkFailed(id, lastError string, minAttempts int) (int, error) {
	now := time.Now().UnixMilli()
	var attempts int
	err := r.db.QueryRow(markFailedSQL, minAttempts, lastError, now, id).Scan(&attempts)
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// FailItem records a failed attempt and, when the item lands terminal
// (attempts >= maxAttempts), drops the pending counter in the same
// transaction. Returns the new attempt count.
func (r *Repository) FailItem(item *models.ChangeQueueItem, lastError string, minAttempts, maxAttempts int) (int, error) {
	now := time.Now().UnixMilli()
	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRow(markFailedSQL, minAttempts, lastError, now, item.ID).Scan(&attempts); err != nil {
		return 0, err
	}
	if attempts >= maxAttempts {
		if _, err := tx.Exec(adjustPendingSQL, item.UserID, item.DeviceID, item.EntityType, -1, -1); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return attempts, nil
}

// MarkConflict parks an item in the conflict state awaiting resolution.
func (r *Repository) MarkConflict(id string) error {
	query := `UPDATE change_queue SET status = 'conflict', updated_at = ? WHERE id = ?`
	_, err := r.db.Exec(query, time.Now().UnixMilli(), id)
	return err
}

// CountQueueByStatus returns per-status item counts for one device.
func (r *Repository) CountQueueByStatus(userID, deviceID string) (map[string]int, error) {
	query := `
	SELECT status, COUNT(*) FROM change_queue
	WHERE user_id = ? AND device_id = ? GROUP BY status
	`
	rows, err := r.db.Query(query, userID, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeleteCompletedBefore purges completed items whose completion time is
// older than cutoff. Pending, failed and conflict items of any age are
// untouched. Returns the number of rows removed.
func (r *Repository) DeleteCompletedBefore(cutoff int64) (int64, error) {
	query := `DELETE FROM change_queue WHERE status = 'completed' AND completed_at < ?`
	result, err := r.db.Exec(query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeletePermanentlyFailed purges items that exhausted their attempts.
// Their pending counters were already decremented on the terminal
// transition, so this is purely a storage sweep.
func (r *Repository) DeletePermanentlyFailed(maxAttempts int) (int64, error) {
	query := `DELETE FROM change_queue WHERE status = 'failed' AND attempts >= ?`
	result, err := r.db.Exec(query, maxAttempts)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RequeueStuckSyncing demotes items stuck in syncing since before
// cutoff back to pending. Covers coordinators that died mid-batch.
func (r *Repository) RequeueStuckSyncing(cutoff int64) (int64, error) {
	query := `
	UPDATE change_queue SET status = 'pending', updated_at = ?
	WHERE status = 'syncing' AND last_attempt_at < ?
	`
	result, err := r.db.Exec(query, time.Now().UnixMilli(), cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// =====================================================
// ConflictRecord Operations
// =====================================================

const conflictColumns = `id, queue_item_id, user_id, device_id, entity_type, entity_id,
	server_version, server_modified_at, client_version, client_baseline_at,
	detected_at, status, resolution, resolved_data, resolved_by, resolved_at`

// scanConflict scans a conflict row from any row scanner.
func scanConflict(scan func(dest ...interface{}) error) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	var serverVersion, clientVersion, resolvedData string
	err := scan(
		&c.ID, &c.QueueItemID, &c.UserID, &c.DeviceID, &c.EntityType, &c.EntityID,
		&serverVersion, &c.ServerModifiedAt, &clientVersion, &c.ClientBaselineAt,
		&c.DetectedAt, &c.Status, &c.Resolution, &resolvedData, &c.ResolvedBy, &c.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ServerVersion = json.RawMessage(serverVersion)
	c.ClientVersion = json.RawMessage(clientVersion)
	if resolvedData != "" {
		c.ResolvedData = json.RawMessage(resolvedData)
	}
	return &c, nil
}

// InsertConflict records a newly detected conflict.
func (r *Repository) InsertConflict(c *models.ConflictRecord) error {
	query := `
	INSERT INTO conflict_records (id, queue_item_id, user_id, device_id, entity_type, entity_id,
		server_version, server_modified_at, client_version, client_baseline_at,
		detected_at, status, resolution, resolved_data, resolved_by, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', '', 0)
	`
	_, err := r.db.Exec(query, c.ID, c.QueueItemID, c.UserID, c.DeviceID, c.EntityType,
		c.EntityID, string(c.ServerVersion), c.ServerModifiedAt, string(c.ClientVersion),
		c.ClientBaselineAt, c.DetectedAt, c.Status)
	return err
}

// GetConflict retrieves one conflict record by id.
func (r *Repository) GetConflict(id string) (*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanConflict(func(dest ...interface{}) error {
		return stmt.QueryRow(id).Scan(dest...)
	})
}

// ListOpenConflicts returns the device's unresolved conflicts, oldest first.
func (r *Repository) ListOpenConflicts(userID, deviceID string) ([]*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records
	WHERE user_id = ? AND device_id = ? AND status = 'open' ORDER BY detected_at ASC`
	rows, err := r.db.Query(query, userID, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// CountOpenConflicts returns the number of unresolved conflicts for a device.
func (r *Repository) CountOpenConflicts(userID, deviceID string) (int, error) {
	query := `SELECT COUNT(*) FROM conflict_records WHERE user_id = ? AND device_id = ? AND status = 'open'`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return 0, err
	}
	var n int
	err = stmt.QueryRow(userID, deviceID).Scan(&n)
	return n, err
}

// ResolveConflictRecord marks a conflict resolved. Only open records
// transition; resolving twice reports sql.ErrNoRows.
func (r *Repository) ResolveConflictRecord(id, resolution string, resolvedData json.RawMessage, resolvedBy string) error {
	query := `
	UPDATE conflict_records
	SET status = 'resolved', resolution = ?, resolved_data = ?, resolved_by = ?, resolved_at = ?
	WHERE id = ? AND status = 'open'
	`
	result, err := r.db.Exec(query, resolution, string(resolvedData), resolvedBy,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
