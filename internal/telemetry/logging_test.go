package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", nil)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("task submitted", "task_id", "task-1", "agent_id", "local")

	entry := lastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing key %q in %#v", key, entry)
		}
	}
	if entry["task_id"] != "task-1" || entry["agent_id"] != "local" {
		t.Fatalf("attributes not propagated: %#v", entry)
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", nil)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("auth check",
		"jwt_secret", "abc123",
		"header", "Authorization: Bearer super-secret-token",
	)
	entry := lastEntry(t, home)
	if entry["jwt_secret"] != redacted {
		t.Fatalf("expected jwt_secret redaction, got %#v", entry["jwt_secret"])
	}
	if entry["header"] != redacted {
		t.Fatalf("expected header redaction, got %#v", entry["header"])
	}
}

func TestNewLogger_ConsoleAndLevel(t *testing.T) {
	home := t.TempDir()
	var console bytes.Buffer
	logger, closer, err := NewLogger(home, "warn", &console)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept")
	if strings.Contains(console.String(), "dropped") {
		t.Fatal("info line should be filtered at warn level")
	}
	if !strings.Contains(console.String(), `"msg":"kept"`) {
		t.Fatalf("console output = %q", console.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARNING": slog.LevelWarn, " error ": slog.LevelError, "": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConsoleFor_StdioUsesStderr(t *testing.T) {
	if ConsoleFor("stdio") != os.Stderr {
		t.Fatal("stdio transport must log to stderr")
	}
}
