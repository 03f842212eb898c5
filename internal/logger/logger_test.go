package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/Strob0t/TaskForge/internal/config"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return m
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "taskforge"}, &buf)
	defer closer.Close()

	l.Info("hello", "k", "v")

	m := decodeLine(t, &buf)
	if m["service"] != "taskforge" {
		t.Fatalf("expected service attr, got %v", m["service"])
	}
	if m["msg"] != "hello" || m["k"] != "v" {
		t.Fatalf("unexpected record: %v", m)
	}
}

func TestNewAsync(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "debug", Service: "agent", Async: true}, &buf)

	l.Debug("queued")
	closer.Close()

	m := decodeLine(t, &buf)
	if m["msg"] != "queued" || m["service"] != "agent" {
		t.Fatalf("unexpected record: %v", m)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "warn"}, &buf)
	defer closer.Close()

	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" || TaskID(ctx) != "" {
		t.Fatal("empty context should carry no IDs")
	}
	ctx = WithTaskID(WithRequestID(ctx, "req-1"), "task-1")
	if RequestID(ctx) != "req-1" {
		t.Fatalf("request id = %q", RequestID(ctx))
	}
	if TaskID(ctx) != "task-1" {
		t.Fatalf("task id = %q", TaskID(ctx))
	}
}

func TestContextHandlerAddsIDs(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "taskforge"}, &buf)
	defer closer.Close()

	ctx := WithTaskID(WithRequestID(context.Background(), "req-42"), "task-7")
	l.InfoContext(ctx, "claimed")

	m := decodeLine(t, &buf)
	if m["request_id"] != "req-42" {
		t.Fatalf("request_id = %v", m["request_id"])
	}
	if m["task_id"] != "task-7" {
		t.Fatalf("task_id = %v", m["task_id"])
	}
}
