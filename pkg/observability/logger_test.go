package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestJSONLoggerWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)
	logger.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	if err := logger.Log(context.Background(), Info("monitor", "cycle_complete", "all healthy", map[string]interface{}{"components": 3})); err != nil {
		t.Fatalf("unexpected log error: %v", err)
	}
	if err := logger.Log(context.Background(), Warn("gitsafe", "commit_rejected", "rate limit", nil)); err != nil {
		t.Fatalf("unexpected log error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var first Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line is not valid JSON: %v", err)
	}
	if first.Component != "monitor" || first.Event != "cycle_complete" || first.Level != LevelInfo {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if first.Timestamp.IsZero() {
		t.Fatalf("expected the logger to stamp the event")
	}

	var second Event
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("second line is not valid JSON: %v", err)
	}
	if second.Level != LevelWarn || second.Event != "commit_rejected" {
		t.Fatalf("unexpected second event: %+v", second)
	}
}

func TestJSONLoggerPreservesExplicitTimestamp(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)

	stamp := time.Date(2025, 11, 5, 8, 30, 0, 0, time.UTC)
	event := Info("update", "applied", "", nil)
	event.Timestamp = stamp
	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("unexpected log error: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !decoded.Timestamp.Equal(stamp) {
		t.Fatalf("expected timestamp %v, got %v", stamp, decoded.Timestamp)
	}
}

func TestEventCloneCopiesFields(t *testing.T) {
	original := Error("repair", "action_failed", "boom", map[string]interface{}{"action": "restart_tts"})
	clone := original.Clone()
	clone.Fields["action"] = "changed"

	if original.Fields["action"] != "restart_tts" {
		t.Fatalf("clone mutated the original fields map")
	}
}
