package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
	AgentStatusStale    AgentStatus = "stale"
)

// AgentRecord represents a row in the agents table.
type AgentRecord struct {
	AgentID       string          `json:"agentId"`
	BaseURL       string          `json:"baseUrl"`
	Port          int             `json:"port"`
	Status        AgentStatus     `json:"status"`
	LastHeartbeat time.Time       `json:"lastHeartbeat"`
	Capabilities  json.RawMessage `json:"capabilities,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

const agentColumns = `agent_id, base_url, port, status, last_heartbeat,
	capabilities_json, metadata_json, created_at, updated_at`

func scanAgent(scanFn func(dest ...any) error, rec *AgentRecord) error {
	var caps, meta sql.NullString
	var hb, created, updated int64
	if err := scanFn(&rec.AgentID, &rec.BaseURL, &rec.Port, &rec.Status, &hb,
		&caps, &meta, &created, &updated); err != nil {
		return err
	}
	if caps.Valid && caps.String != "" {
		rec.Capabilities = json.RawMessage(caps.String)
	}
	if meta.Valid && meta.String != "" {
		rec.Metadata = json.RawMessage(meta.String)
	}
	rec.LastHeartbeat = fromMillis(hb)
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	return nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// UpsertAgent inserts the agent or, if agent_id exists, refreshes its
// endpoint and liveness fields and resets status to active. Capabilities
// and metadata are kept when the new record omits them.
func (s *Store) UpsertAgent(ctx context.Context, rec AgentRecord, now time.Time) (*AgentRecord, error) {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (agent_id, base_url, port, status, last_heartbeat,
				capabilities_json, metadata_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				base_url = excluded.base_url,
				port = excluded.port,
				status = excluded.status,
				last_heartbeat = excluded.last_heartbeat,
				capabilities_json = COALESCE(excluded.capabilities_json, agents.capabilities_json),
				metadata_json = COALESCE(excluded.metadata_json, agents.metadata_json),
				updated_at = excluded.updated_at;
		`, rec.AgentID, rec.BaseURL, rec.Port, AgentStatusActive, toMillis(now),
			nullJSON(rec.Capabilities), nullJSON(rec.Metadata), toMillis(now), toMillis(now))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert agent: %w", err)
	}
	got, err := s.GetAgent(ctx, rec.AgentID)
	if err != nil {
		return nil, err
	}
	if got == nil {
		return nil, fmt.Errorf("upsert agent: row %q missing after write", rec.AgentID)
	}
	return got, nil
}

// GetAgent returns the agent record for the given ID, or nil if not found.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	var rec AgentRecord
	err := scanAgent(s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE agent_id = ?;
	`, agentID).Scan, &rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &rec, nil
}

// ListAgents returns agents most-recent heartbeat first. An empty status
// returns every row.
func (s *Store) ListAgents(ctx context.Context, status AgentStatus) ([]AgentRecord, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY last_heartbeat DESC, agent_id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	out := []AgentRecord{}
	for rows.Next() {
		var rec AgentRecord
		if err := scanAgent(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}

// TouchAgent records a heartbeat and forces status back to active.
func (s *Store) TouchAgent(ctx context.Context, agentID string, now time.Time) (bool, error) {
	return s.execAffected(ctx, "touch agent", `
		UPDATE agents SET last_heartbeat = ?, status = ?, updated_at = ?
		WHERE agent_id = ?;
	`, toMillis(now), AgentStatusActive, toMillis(now), agentID)
}

// SetAgentStatus sets status without touching last_heartbeat.
func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus, now time.Time) (bool, error) {
	return s.execAffected(ctx, "set agent status", `
		UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?;
	`, status, toMillis(now), agentID)
}

// MarkStaleAgents demotes active and inactive rows whose last heartbeat is
// strictly before cutoff. Rows already stale are left alone.
func (s *Store) MarkStaleAgents(ctx context.Context, cutoff, now time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, updated_at = ?
			WHERE status IN (?, ?) AND last_heartbeat < ?;
		`, AgentStatusStale, toMillis(now), AgentStatusActive, AgentStatusInactive, toMillis(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mark stale agents: %w", err)
	}
	return n, nil
}

// DeleteStaleAgents removes rows currently marked stale. A non-zero
// markedBefore limits the delete to rows demoted before that instant.
func (s *Store) DeleteStaleAgents(ctx context.Context, markedBefore time.Time) (int64, error) {
	query := `DELETE FROM agents WHERE status = ?;`
	args := []any{AgentStatusStale}
	if !markedBefore.IsZero() {
		query = `DELETE FROM agents WHERE status = ? AND updated_at < ?;`
		args = append(args, toMillis(markedBefore))
	}
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete stale agents: %w", err)
	}
	return n, nil
}

// AgentCounts returns the number of agents per status.
func (s *Store) AgentCounts(ctx context.Context) (map[AgentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM agents GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	defer rows.Close()
	counts := map[AgentStatus]int{
		AgentStatusActive:   0,
		AgentStatusInactive: 0,
		AgentStatusStale:    0,
	}
	for rows.Next() {
		var st AgentStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan agent count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (s *Store) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return affected > 0, nil
}
