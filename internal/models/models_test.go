// Package models tests for shared model types and helpers.
package models

import (
	"testing"
	"time"
)

func TestUUIDValue(t *testing.T) {
	u := UUID("123e4567-e89b-42d3-a456-426614174000")
	v, err := u.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if v != "123e4567-e89b-42d3-a456-426614174000" {
		t.Errorf("Value returned %v, want original string", v)
	}
}

func TestUUIDScan(t *testing.T) {
	var u UUID

	if err := u.Scan("abc"); err != nil {
		t.Fatalf("Scan string failed: %v", err)
	}
	if u != "abc" {
		t.Errorf("Scan string got %q, want abc", u)
	}

	if err := u.Scan([]byte("def")); err != nil {
		t.Fatalf("Scan bytes failed: %v", err)
	}
	if u != "def" {
		t.Errorf("Scan bytes got %q, want def", u)
	}

	if err := u.Scan(nil); err != nil {
		t.Fatalf("Scan nil failed: %v", err)
	}
	if u != "" {
		t.Errorf("Scan nil got %q, want empty", u)
	}

	if err := u.Scan(42); err == nil {
		t.Error("Scan int should fail")
	}
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	ms := Millis(now)
	back := MillisTime(ms)
	if !back.Equal(now) {
		t.Errorf("round trip got %v, want %v", back, now)
	}
}

func TestMillisTimeZero(t *testing.T) {
	if !MillisTime(0).IsZero() {
		t.Error("MillisTime(0) should be the zero time, not the epoch")
	}
}

func TestChangeQueueItemTerminal(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		attempts int
		terminal bool
	}{
		{"pending", StatusPending, 0, false},
		{"syncing", StatusSyncing, 0, false},
		{"completed", StatusCompleted, 0, true},
		{"conflict awaits resolution", StatusConflict, 0, false},
		{"failed with attempts left", StatusFailed, 2, false},
		{"failed at limit", StatusFailed, 5, true},
		{"failed past limit", StatusFailed, 7, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := &ChangeQueueItem{Status: tt.status, Attempts: tt.attempts}
			if got := item.Terminal(5); got != tt.terminal {
				t.Errorf("Terminal(5) = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestChangeQueueItemRetryable(t *testing.T) {
	item := &ChangeQueueItem{Status: StatusFailed, Attempts: 4}
	if !item.Retryable(5) {
		t.Error("failed item below the limit should be retryable")
	}
	item.Attempts = 5
	if item.Retryable(5) {
		t.Error("failed item at the limit should not be retryable")
	}
	item.Status = StatusPending
	if item.Retryable(5) {
		t.Error("pending item is not a failed retry candidate")
	}
}

func TestDeviceClaimed(t *testing.T) {
	now := time.Now()
	ttl := 2 * time.Minute

	d := &DeviceSyncState{}
	if d.Claimed(now, ttl) {
		t.Error("empty claim token should not count as claimed")
	}

	d.ClaimToken = "token"
	d.ClaimedAt = Millis(now.Add(-time.Minute))
	if !d.Claimed(now, ttl) {
		t.Error("recent claim should count as claimed")
	}

	d.ClaimedAt = Millis(now.Add(-3 * time.Minute))
	if d.Claimed(now, ttl) {
		t.Error("expired claim should not count as claimed")
	}
}

func TestConflictRecordResolved(t *testing.T) {
	c := &ConflictRecord{Status: ConflictOpen}
	if c.Resolved() {
		t.Error("open conflict should not be resolved")
	}
	c.Status = ConflictResolved
	if !c.Resolved() {
		t.Error("resolved conflict should report resolved")
	}
}
