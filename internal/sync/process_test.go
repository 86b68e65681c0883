// Package sync tests for batch processing and the item state machine.
package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/clinicore/syncbridge/internal/errors"
	"github.com/clinicore/syncbridge/internal/models"
)

func queueOne(t *testing.T, c *Coordinator, entityType, entityID string, baseline Baseline) *models.ChangeQueueItem {
	t.Helper()
	item, err := c.QueueChange("u1", "d1", entityType, entityID,
		models.OperationUpdate, json.RawMessage(`{"v":1}`), baseline)
	if err != nil {
		t.Fatalf("QueueChange failed: %v", err)
	}
	return item
}

func TestProcessPendingSyncCompletes(t *testing.T) {
	coordinator, adapter := setupEngine(t)
	coordinator.InitializeDevice("u1", "d1", "ios")
	ctx := context.Background()

	baseline := Baseline{ReadAt: time.Now().UnixMilli()}
	item := queueOne(t, coordinator, EntityNote, "note-1", baseline)

	summary, err := coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{})
	if err != nil {
		t.Fatalf("ProcessPendingSync failed: %v", err)
	}
	if summary.Processed != 1 || summary.Completed != 1 {
		t.Errorf("summary = %+v, want 1 processed, 1 completed", summary)
	}

	// The mutation reached the authoritative store.
	if _, ok := adapter.get("note-1"); !ok {
		t.Error("applied record missing from the store")
	}

	// The item is terminal and the pending counter dropped.
	got, _ := coordinator.Repo().GetQueueItem(string(item.ID))
	if got.Status != models.StatusCompleted {
		t.Errorf("item status = %q, want completed", got.Status)
	}
	status, _ := coordinator.GetSyncStatus("u1", "d1")
	if status.PendingChanges != 0 {
		t.Errorf("pending changes = %d, want 0", status.PendingChanges)
	}
	if status.LastSync == 0 {
		t.Error("last sync should be stamped after a completed item")
	}
}

func TestProcessDetectsConflict(t *testing.T) {
	coordinator, adapter := setupEngine(t)
	coordinator.InitializeDevice("u1", "d1", "ios")
	ctx := context.Background()

	// Server copy changed after the client's baseline read.
	serverModified := time.Now().UnixMilli()
	adapter.seed("note-1", serverModified, `{"v":"server"}`)
	staleBaseline := Baseline{ReadAt: serverModified - 60_000}

	item := queueOne(t, coordinator, EntityNote, "note-1", staleBaseline)

	summary, err := coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{})
	if err != nil {
		t.Fatalf("ProcessPendingSync failed: %v", err)
	}
	if summary.Conflicts != 1 {
		t.Fatalf("summary = %+v, want 1 conflict", summary)
	}

	// The server copy was not touched.
	rec, _ := adapter.get("note-1")
	if string(rec.Data) != `{"v":"server"}` {
		t.Errorf("conflicting apply must not modify the store, got %s", rec.Data)
	}

	// The item is parked, not retried, and stays in the pending counter.
	got, _ := coordinator.Repo().GetQueueItem(string(item.ID))
	if got.Status != models.StatusConflict {
		t.Errorf("item status = %q, want conflict", got.Status)
	}
	status, _ := coordinator.GetSyncStatus("u1", "d1")
	if status.PendingChanges != 1 {
		t.Errorf("pending changes = %d, want 1 until resolution", status.PendingChanges)
	}
	if status.Conflicts != 1 {
		t.Errorf("open conflicts = %d, want 1", status.Conflicts)
	}

	// Both versions were captured for resolution.
	conflicts, _ := coordinator.GetConflicts("u1", "d1")
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflict records, want 1", len(conflicts))
	}
	record := conflicts[0]
	if string(record.ServerVersion) != `{"v":"server"}` {
		t.Errorf("server version = %s", record.ServerVersion)
	}
	if record.ServerModifiedAt != serverModified {
		t.Errorf("server modified at = %d, want %d", record.ServerModifiedAt, serverModified)
	}
	if record.ClientBaselineAt != staleBaseline.ReadAt {
		t.Errorf("client baseline at = %d, want %d", record.ClientBaselineAt, staleBaseline.ReadAt)
	}

	// A parked conflict is never re-processed automatically.
	summary, _ = coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{})
	if summary.Processed != 0 {
		t.Errorf("second pass processed %d items, want 0", summary.Processed)
	}
}

func TestProcessValidationFailureIsTerminal(t *testing.T) {
	coordinator, adapter := setupEngine(t)
	coordinator.InitializeDevice("u1", "d1", "ios")
	ctx := context.Background()

	item := queueOne(t, coordinator, EntityNote, "note-1", Baseline{ReadAt: time.Now().UnixMilli()})
	adapter.setApplyErr(errors.New(errors.ErrValidation, "missing required field"))

	summary, err := coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{})
	if err != nil {
		t.Fatalf("ProcessPendingSync failed: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 failed", summary)
	}
	if len(summary.Errors) != 1 || summary.Errors[0].Code != string(errors.ErrValidation) {
		t.Errorf("errors = %+v, want one VALIDATION_ERROR", summary.Errors)
	}

	// Terminal immediately: attempts jump to the limit, counter drops.
	got, _ := coordinator.Repo().GetQueueItem(string(item.ID))
	if !got.Terminal(coordinator.MaxAttempts()) {
		t.Errorf("validation failure should be terminal, attempts=%d", got.Attempts)
	}
	status, _ := coordinator.GetSyncStatus("u1", "d1")
	if status.PendingChanges != 0 {
		t.Errorf("pending changes = %d, want 0 after permanent failure", status.PendingChanges)
	}
}

func TestProcessTransientFailureRetries(t *testing.T) {
	coordinator, adapter := setupEngine(t)
	coordinator.InitializeDevice("u1", "d1", "ios")
	ctx := context.Background()

	item := queueOne(t, coordinator, EntityNote, "note-1", Baseline{ReadAt: time.Now().UnixMilli()})
	adapter.setApplyErr(errors.New(errors.ErrTransient, "store unavailable"))

	summary, err := coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{})
	if err != nil {
		t.Fatalf("ProcessPendingSync failed: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 failed", summary)
	}

	// One attempt counted; still retryable, still pending-counted.
	got, _ := coordinator.Repo().GetQueueItem(string(item.ID))
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if !got.Retryable(coordinator.MaxAttempts()) {
		t.Error("transient failure should stay retryable")
	}
	status, _ := coordinator.GetSyncStatus("u1", "d1")
	if status.PendingChanges != 1 {
		t.Errorf("pending changes = %d, want 1 while retryable", status.PendingChanges)
	}

	// The store recovers; the retry succeeds.
	adapter.setApplyErr(nil)
	summary, err = coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{})
	if err != nil {
		t.Fatalf("retry pass failed: %v", err)
	}
	if summary.Completed != 1 {
		t.Errorf("retry summary = %+v, want 1 completed", summary)
	}
	got, _ = coordinator.Repo().GetQueueItem(string(item.ID))
	if got.Status != models.StatusCompleted {
		t.Errorf("item status = %q, want completed after retry", got.Status)
	}
}

func TestProcessExhaustsAttempts(t *testing.T) {
	coordinator, adapter := setupEngine(t)
	coordinator.InitializeDevice("u1", "d1", "ios")
	ctx := context.Background()

	item := queueOne(t, coordinator, EntityNote, "note-1", Baseline{ReadAt: time.Now().UnixMilli()})
	adapter.setApplyErr(errors.New(errors.ErrTransient, "store down"))

	for i := 0; i < coordinator.MaxAttempts(); i++ {
		if _, err := coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{}); err != nil {
			t.Fatalf("pass %d failed: %v", i, err)
		}
	}

	got, _ := coordinator.Repo().GetQueueItem(string(item.ID))
	if got.Attempts != coordinator.MaxAttempts() {
		t.Errorf("attempts = %d, want %d", got.Attempts, coordinator.MaxAttempts())
	}
	if !got.Terminal(coordinator.MaxAttempts()) {
		t.Error("item should be terminal after exhausting attempts")
	}

	// No further passes pick it up.
	summary, _ := coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{})
	if summary.Processed != 0 {
		t.Errorf("exhausted item was processed again: %+v", summary)
	}
}

func TestProcessCrashRetryIdempotent(t *testing.T) {
	coordinator, adapter := setupEngine(t)
	coordinator.InitializeDevice("u1", "d1", "ios")
	ctx := context.Background()

	baseline := Baseline{ReadAt: time.Now().UnixMilli()}
	item := queueOne(t, coordinator, EntityNote, "note-1", baseline)

	// A coordinator applied the mutation to the store, then died before
	// recording completion; the watchdog returns the item to pending.
	if _, err := adapter.Apply(ctx, models.OperationUpdate, "note-1", json.RawMessage(`{"v":1}`), baseline); err != nil {
		t.Fatalf("setup apply failed: %v", err)
	}
	if err := coordinator.Repo().MarkSyncing(string(item.ID)); err != nil {
		t.Fatalf("MarkSyncing failed: %v", err)
	}
	requeued, err := coordinator.Repo().RequeueStuckSyncing(time.Now().Add(time.Minute).UnixMilli())
	if err != nil || requeued != 1 {
		t.Fatalf("watchdog requeue: requeued=%d err=%v", requeued, err)
	}

	before, _ := adapter.get("note-1")

	// The retry re-applies the same mutation with its original baseline.
	summary, err := coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{})
	if err != nil {
		t.Fatalf("ProcessPendingSync failed: %v", err)
	}
	if summary.Completed != 1 || summary.Conflicts != 0 {
		t.Fatalf("summary = %+v, want an idempotent completion, no conflict", summary)
	}

	after, _ := adapter.get("note-1")
	if string(after.Data) != string(before.Data) || after.ModifiedAt != before.ModifiedAt {
		t.Errorf("re-apply changed the entity: before %+v, after %+v", before, after)
	}
	conflicts, _ := coordinator.GetConflicts("u1", "d1")
	if len(conflicts) != 0 {
		t.Errorf("re-apply created %d conflict records, want 0", len(conflicts))
	}
	got, _ := coordinator.Repo().GetQueueItem(string(item.ID))
	if got.Status != models.StatusCompleted {
		t.Errorf("item status = %q, want completed", got.Status)
	}
	status, _ := coordinator.GetSyncStatus("u1", "d1")
	if status.PendingChanges != 0 {
		t.Errorf("pending changes = %d, want 0", status.PendingChanges)
	}
}

func TestProcessPriorityOrder(t *testing.T) {
	coordinator, adapter := setupEngine(t)
	coordinator.InitializeDevice("u1", "d1", "ios")
	ctx := context.Background()
	baseline := Baseline{ReadAt: time.Now().UnixMilli()}

	// Low-priority document enqueued first, urgent appointment second.
	queueOne(t, coordinator, EntityDocument, "doc-1", baseline)
	queueOne(t, coordinator, EntityAppointment, "appt-1", baseline)
	queueOne(t, coordinator, EntityDocument, "doc-2", baseline)

	if _, err := coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{}); err != nil {
		t.Fatalf("ProcessPendingSync failed: %v", err)
	}

	order := adapter.appliedOrder()
	want := []string{"appt-1", "doc-1", "doc-2"}
	if len(order) != len(want) {
		t.Fatalf("applied %d items, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("apply order[%d] = %q, want %q (priority before arrival, FIFO within tier)",
				i, order[i], want[i])
		}
	}
}

func TestProcessConcurrencyViolation(t *testing.T) {
	coordinator, _ := setupEngine(t)
	coordinator.InitializeDevice("u1", "d1", "ios")
	ctx := context.Background()

	queueOne(t, coordinator, EntityNote, "note-1", Baseline{ReadAt: time.Now().UnixMilli()})

	// Another coordinator holds the claim.
	won, err := coordinator.Repo().ClaimDevice("u1", "d1", "foreign-token", time.Minute)
	if err != nil || !won {
		t.Fatalf("setup claim failed: won=%v err=%v", won, err)
	}

	_, err = coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{})
	if !errors.Is(err, errors.ErrConcurrencyViolation) {
		t.Errorf("error = %v, want CONCURRENCY_VIOLATION", err)
	}

	// The queue is untouched.
	items, _ := coordinator.GetPending("u1", "d1", 10, "")
	if len(items) != 1 || items[0].Status != models.StatusPending {
		t.Error("losing the claim race must not touch any item")
	}
}

func TestProcessAdapterContentionDefersItem(t *testing.T) {
	coordinator, adapter := setupEngine(t)
	coordinator.InitializeDevice("u1", "d1", "ios")
	ctx := context.Background()

	item := queueOne(t, coordinator, EntityNote, "note-1", Baseline{ReadAt: time.Now().UnixMilli()})
	adapter.setApplyErr(errors.New(errors.ErrConcurrencyViolation, "entity row locked"))

	summary, err := coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{})
	if err != nil {
		t.Fatalf("ProcessPendingSync failed: %v", err)
	}
	if summary.Failed != 0 || summary.Processed != 0 {
		t.Errorf("summary = %+v, want the item deferred, not failed", summary)
	}

	// Back to pending with no attempt counted; the counter is untouched.
	got, _ := coordinator.Repo().GetQueueItem(string(item.ID))
	if got.Status != models.StatusPending {
		t.Errorf("item status = %q, want pending", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 for claim contention", got.Attempts)
	}
	status, _ := coordinator.GetSyncStatus("u1", "d1")
	if status.PendingChanges != 1 {
		t.Errorf("pending changes = %d, want 1", status.PendingChanges)
	}

	// Contention clears; the next pass completes the item normally.
	adapter.setApplyErr(nil)
	summary, err = coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{})
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if summary.Completed != 1 {
		t.Errorf("second pass summary = %+v, want 1 completed", summary)
	}
}

func TestProcessUnknownDevice(t *testing.T) {
	coordinator, _ := setupEngine(t)
	_, err := coordinator.ProcessPendingSync(context.Background(), "u1", "ghost", ProcessOptions{})
	if !errors.Is(err, errors.ErrDeviceNotFound) {
		t.Errorf("error = %v, want DEVICE_NOT_FOUND", err)
	}
}

func TestProcessReleasesClaim(t *testing.T) {
	coordinator, _ := setupEngine(t)
	coordinator.InitializeDevice("u1", "d1", "ios")
	ctx := context.Background()

	if _, err := coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{}); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	// A second pass can re-claim immediately.
	if _, err := coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{}); err != nil {
		t.Fatalf("second pass should re-claim after release: %v", err)
	}
}

func TestProcessDeleteOperation(t *testing.T) {
	coordinator, adapter := setupEngine(t)
	coordinator.InitializeDevice("u1", "d1", "ios")
	ctx := context.Background()

	adapter.seed("note-1", time.Now().UnixMilli()-60_000, `{"v":1}`)

	_, err := coordinator.QueueChange("u1", "d1", EntityNote, "note-1",
		models.OperationDelete, nil, Baseline{ReadAt: time.Now().UnixMilli()})
	if err != nil {
		t.Fatalf("QueueChange delete failed: %v", err)
	}

	summary, err := coordinator.ProcessPendingSync(ctx, "u1", "d1", ProcessOptions{})
	if err != nil {
		t.Fatalf("ProcessPendingSync failed: %v", err)
	}
	if summary.Completed != 1 {
		t.Fatalf("summary = %+v, want 1 completed", summary)
	}
	if _, ok := adapter.get("note-1"); ok {
		t.Error("deleted record should be gone from the store")
	}
}
