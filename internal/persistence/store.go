package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// v1: tasks, task_messages, task_events, agents.
	schemaVersionV1  = 1
	schemaChecksumV1 = "tr-v1-2026-10-01-tasks-agents"

	// v2: audit_log for boundary decisions.
	schemaVersionV2  = 2
	schemaChecksumV2 = "tr-v2-2026-10-08-audit-log"

	schemaVersionLatest = schemaVersionV2

	busyRetries = 5
)

type migration struct {
	version    int
	checksum   string
	statements []string
}

var migrations = []migration{
	{
		version:  schemaVersionV1,
		checksum: schemaChecksumV1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				state TEXT NOT NULL CHECK(state IN ('SUBMITTED', 'WORKING', 'COMPLETED', 'FAILED')),
				artifacts_json TEXT NOT NULL DEFAULT '[]',
				metadata_json TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS task_messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				seq INTEGER NOT NULL,
				role TEXT NOT NULL,
				parts_json TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				UNIQUE(task_id, seq)
			);`,
			`CREATE TABLE IF NOT EXISTS task_events (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				trace_id TEXT,
				event_type TEXT NOT NULL,
				state_from TEXT,
				state_to TEXT NOT NULL,
				payload_json TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS agents (
				agent_id TEXT PRIMARY KEY,
				base_url TEXT NOT NULL,
				port INTEGER NOT NULL,
				status TEXT NOT NULL CHECK(status IN ('active', 'inactive', 'stale')),
				last_heartbeat INTEGER NOT NULL,
				capabilities_json TEXT,
				metadata_json TEXT,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_state_updated ON tasks(state, updated_at);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
			`CREATE INDEX IF NOT EXISTS idx_agents_status_heartbeat ON agents(status, last_heartbeat);`,
		},
	},
	{
		version:  schemaVersionV2,
		checksum: schemaChecksumV2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				trace_id TEXT,
				subject TEXT,
				boundary TEXT NOT NULL,
				decision TEXT NOT NULL CHECK(decision IN ('allow', 'deny')),
				reason TEXT,
				created_at INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);`,
		},
	},
}

// Store is the SQLite-backed task queue and agent table. It is safe for
// concurrent use; SQLite serializes writers behind a single connection.
type Store struct {
	db   *sql.DB
	bus  *bus.Bus // may be nil in tests
	path string

	clockMu sync.RWMutex
	now     func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskrelay", "taskrelay.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, path: path, now: time.Now}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the backing file location as passed to Open.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1;`).Scan(&one); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

// SetClock overrides the time source used for task timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	if now == nil {
		now = time.Now
	}
	s.now = now
}

func (s *Store) clock() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.now()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
				return fmt.Errorf("read schema migration checksum v%d: %w", m.version, err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
