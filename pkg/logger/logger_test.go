package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLogger_WritesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})
	SetLevel(INFO)

	InfoCF("scheduler", "Job finished", map[string]interface{}{
		"persona_id": "p-1",
		"error":      errors.New("boom"),
	})

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatalf("expected a log line")
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, line)
	}
	if entry["component"] != "scheduler" {
		t.Fatalf("expected component scheduler, got %v", entry["component"])
	}
	if entry["persona_id"] != "p-1" {
		t.Fatalf("expected persona_id field, got %v", entry["persona_id"])
	}
	if entry["error"] != "boom" {
		t.Fatalf("expected error field to be rendered, got %v", entry["error"])
	}
}

func TestLogger_LevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})

	SetLevel(INFO)
	DebugC("agent", "hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line should be filtered at INFO, got %q", buf.String())
	}

	SetLevel(DEBUG)
	defer SetLevel(INFO)
	DebugC("agent", "visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected debug line at DEBUG level, got %q", buf.String())
	}
	if GetLevel() != DEBUG {
		t.Fatalf("GetLevel = %v, want DEBUG", GetLevel())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		" WARN ":  WARN,
		"warning": WARN,
		"error":   ERROR,
		"":        INFO,
		"chatty":  INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
