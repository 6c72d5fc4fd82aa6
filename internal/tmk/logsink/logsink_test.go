package logsink

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestSinkFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, LevelWarning)

	s.Info("ignored")
	if buf.Len() != 0 {
		t.Fatalf("expected info below threshold to be dropped, got %q", buf.String())
	}

	s.Warning("seen")
	if buf.Len() == 0 {
		t.Fatalf("expected warning at threshold to be written")
	}
}

func TestSinkRecordShape(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, LevelDebug)
	s.Error("disk on fire")

	var rec map[string]any
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("record is not valid JSON: %v", err)
	}
	if rec["type"] != "log" {
		t.Fatalf("type = %v, want log", rec["type"])
	}
	if rec["level"] != "ERROR" {
		t.Fatalf("level = %v, want ERROR", rec["level"])
	}
	if rec["message"] != "disk on fire" {
		t.Fatalf("message = %v, want %q", rec["message"], "disk on fire")
	}
	if _, ok := rec["line"]; !ok {
		t.Fatalf("record missing line field: %v", rec)
	}
}

func TestAssertAlwaysWritesRegardlessOfThreshold(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, LevelCritical+1)

	s.Assert("1 == 1", true)
	if buf.Len() == 0 {
		t.Fatalf("expected assertion record to be written despite threshold")
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("assertion record is not valid JSON: %v", err)
	}
	if rec["type"] != "assertion" {
		t.Fatalf("type = %v, want assertion", rec["type"])
	}
	if rec["assertion_result"] != true {
		t.Fatalf("assertion_result = %v, want true", rec["assertion_result"])
	}
}

func TestSinkSerializesConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, LevelDebug)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			s.Info("from goroutine %d", n)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 8 {
		t.Fatalf("got %d lines, want 8", len(lines))
	}
	for _, l := range lines {
		var rec map[string]any
		if err := json.Unmarshal([]byte(l), &rec); err != nil {
			t.Fatalf("interleaved/corrupt record: %v (%q)", err, l)
		}
	}
}
