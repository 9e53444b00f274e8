package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskrelay/internal/shared"
)

// Decisions.
const (
	Allow = "allow"
	Deny  = "deny"
)

// Boundaries checked on every inbound call.
const (
	BoundaryAuth      = "auth"
	BoundaryOrigin    = "origin"
	BoundaryToolName  = "tool_name"
	BoundaryRateLimit = "rate_limit"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Decision  string `json:"decision"`
	Boundary  string `json:"boundary"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
	Transport string `json:"transport,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens <homeDir>/logs/audit.jsonl for appending. Calling Init twice
// keeps the first file.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB mirrors entries into the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one boundary decision. Reason and subject are redacted
// before they reach disk.
func Record(ctx context.Context, decision, boundary, reason, subject string) {
	if decision == Deny {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Decision:  decision,
			Boundary:  boundary,
			Reason:    reason,
			Subject:   subject,
			Transport: shared.Transport(ctx),
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, boundary, decision, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, subject, boundary, decision, reason, time.Now().UnixMilli())
	}
}
