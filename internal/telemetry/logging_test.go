package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/haggle/internal/shared"
)

func lastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelDebug)
	logger, closer, err := NewLogger(home, lvl, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded")

	entry := lastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "runtime" {
		t.Fatalf("expected component=runtime, got %#v", entry["component"])
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entry["trace_id"])
	}
}

func TestNewLogger_PropagatesContextIDs(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, nil, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	ctx := shared.WithTraceID(context.Background(), "trace-9")
	ctx = shared.WithActorID(ctx, "seller-1")
	ctx = shared.WithTaskID(ctx, "task-1")
	ctx = shared.WithNegotiationID(ctx, "neg-4")
	logger.InfoContext(ctx, "task claimed")

	entry := lastEntry(t, home)
	if entry["trace_id"] != "trace-9" {
		t.Fatalf("trace_id = %#v", entry["trace_id"])
	}
	if entry["actor_id"] != "seller-1" {
		t.Fatalf("actor_id = %#v", entry["actor_id"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("task_id = %#v", entry["task_id"])
	}
	if entry["negotiation_id"] != "neg-4" {
		t.Fatalf("negotiation_id = %#v", entry["negotiation_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, nil, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("notifier configured",
		"bot_token", "123456789:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		"auth_header", "Authorization: Bearer super-secret-token",
	)

	entry := lastEntry(t, home)
	if entry["bot_token"] != redacted {
		t.Fatalf("expected bot_token redaction, got %#v", entry["bot_token"])
	}
	if entry["auth_header"] != redacted {
		t.Fatalf("expected auth header redaction, got %#v", entry["auth_header"])
	}
}

func TestNewLogger_LevelVarFilters(t *testing.T) {
	home := t.TempDir()
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelWarn)
	logger, closer, err := NewLogger(home, lvl, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept")
	lvl.Set(slog.LevelDebug)
	logger.Debug("kept after reload")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(raw), `"dropped"`) {
		t.Fatal("info record should have been filtered at warn level")
	}
	if !strings.Contains(string(raw), "kept after reload") {
		t.Fatal("debug record should pass after level change")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
