package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogger_JSONOutputIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{JSON: true, Level: "debug", Output: &buf})
	l.With("stream_id", uint32(1)).With("topic_id", uint32(2)).Info("partition opened")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v, line=%s", err, buf.String())
	}
	if entry["message"] != "partition opened" {
		t.Fatalf("message = %v, want %q", entry["message"], "partition opened")
	}
	if entry["stream_id"] != float64(1) {
		t.Fatalf("stream_id = %v, want 1", entry["stream_id"])
	}
	if entry["topic_id"] != float64(2) {
		t.Fatalf("topic_id = %v, want 2", entry["topic_id"])
	}
}

func TestLogger_LevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{JSON: true, Level: "warn", Output: &buf})
	l.Debug("should be dropped")
	l.Info("should also be dropped")

	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn level, got: %s", buf.String())
	}

	l.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message in output, got: %s", buf.String())
	}
}

func TestLogger_ErrorIncludesErrField(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{JSON: true, Level: "debug", Output: &buf})
	l.Error("flush failed", errBoom)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["error"] != "boom" {
		t.Fatalf("error field = %v, want %q", entry["error"], "boom")
	}
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}

func TestLogger_WithChainingIsImmutable(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{JSON: true, Level: "debug", Output: &buf})
	child := base.With("partition_id", uint32(3))

	buf.Reset()
	base.Info("no partition field")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := entry["partition_id"]; ok {
		t.Fatalf("base logger should not carry fields added to its child")
	}

	buf.Reset()
	child.Info("has partition field")
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["partition_id"] != float64(3) {
		t.Fatalf("partition_id = %v, want 3", entry["partition_id"])
	}
}
