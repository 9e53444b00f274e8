// Package telemetry builds the process logger.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskrelay/internal/shared"
)

const redacted = "[REDACTED]"

// NewLogger writes JSON lines to <homeDir>/logs/system.jsonl and, when
// console is non-nil, to console as well.
func NewLogger(homeDir, level string, console io.Writer) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if console != nil {
		w = io.MultiWriter(console, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: redactAttr,
	})
	logger := slog.New(handler).With("component", "runtime", "trace_id", "-")
	return logger, file, nil
}

// ConsoleFor picks the console stream for a transport. stdio keeps stdout
// free for protocol frames and logs to stderr; http logs to stdout only
// when it is a terminal.
func ConsoleFor(transport string) io.Writer {
	if transport == "stdio" {
		return os.Stderr
	}
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return os.Stdout
	}
	return nil
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shared.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindString {
		v := a.Value.String()
		lower := strings.ToLower(v)
		if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
			return slog.String(a.Key, redacted)
		}
		if r := shared.Redact(v); r != v {
			return slog.String(a.Key, r)
		}
	}
	return a
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
