package infra

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLoggerRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "dispatch", "debug")
	log.Debug("hello", "trip_id", "t1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["message"] != "hello" {
		t.Errorf("message = %v", entry["message"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("missing timestamp key")
	}
	if entry["service"] != "dispatch" || entry["trip_id"] != "t1" {
		t.Errorf("unexpected attrs: %v", entry)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "dispatch", "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}
}
