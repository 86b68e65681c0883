// Package logging tests for the structured JSON logger.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(minLevel LogLevel) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Logger{out: &buf, minLevel: minLevel}, &buf
}

func TestLoggerEmitsJSON(t *testing.T) {
	logger, buf := newTestLogger(LevelDebug)

	logger.Info("device registered", map[string]interface{}{"device_id": "d1"})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry.Level != "INFO" {
		t.Errorf("Level = %q, want INFO", entry.Level)
	}
	if entry.Message != "device registered" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Context["device_id"] != "d1" {
		t.Errorf("Context device_id = %v, want d1", entry.Context["device_id"])
	}
	if entry.Timestamp == "" {
		t.Error("Timestamp should be set")
	}
}

func TestLoggerMinLevel(t *testing.T) {
	logger, buf := newTestLogger(LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("below-threshold levels should be suppressed, got %q", buf.String())
	}

	logger.Warn("shown")
	if buf.Len() == 0 {
		t.Error("warn should be emitted at warn threshold")
	}
}

func TestLoggerErrorWithCode(t *testing.T) {
	logger, buf := newTestLogger(LevelDebug)

	logger.ErrorWithCode("item failed", "VALIDATION_ERROR", errors.New("bad payload"), nil)

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry.Code != "VALIDATION_ERROR" {
		t.Errorf("Code = %q, want VALIDATION_ERROR", entry.Code)
	}
	if entry.Error != "bad payload" {
		t.Errorf("Error = %q, want bad payload", entry.Error)
	}
}

func TestLoggerOneLinePerEntry(t *testing.T) {
	logger, buf := newTestLogger(LevelDebug)

	logger.Info("first")
	logger.Info("second")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
}

func TestMergeContext(t *testing.T) {
	merged := mergeContext(
		map[string]interface{}{"a": 1},
		map[string]interface{}{"b": 2},
	)
	if merged["a"] != 1 || merged["b"] != 2 {
		t.Errorf("merge lost keys: %v", merged)
	}

	if mergeContext() != nil {
		t.Error("empty merge should be nil")
	}
}
