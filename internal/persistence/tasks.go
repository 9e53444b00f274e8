package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/shared"
	"github.com/google/uuid"
)

const componentTaskQueue = "taskqueue"

type TaskState string

const (
	TaskStateSubmitted TaskState = "SUBMITTED"
	TaskStateWorking   TaskState = "WORKING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
)

// Terminal reports whether no further state change is allowed.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed
}

func (s TaskState) Valid() bool {
	switch s {
	case TaskStateSubmitted, TaskStateWorking, TaskStateCompleted, TaskStateFailed:
		return true
	}
	return false
}

// allowedTransitions lists forward moves. Same-state updates are always
// accepted so a result can be re-reported idempotently.
var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	TaskStateSubmitted: {
		TaskStateWorking:   {},
		TaskStateCompleted: {},
		TaskStateFailed:    {},
	},
	TaskStateWorking: {
		TaskStateCompleted: {},
		TaskStateFailed:    {},
	},
}

func canTransition(from, to TaskState) bool {
	if from == to {
		return true
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Part is one typed piece of a message or artifact.
type Part struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Text joins the message's text parts with newlines.
func (m Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// TextMessage builds a single-part text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: "text", Text: text}}}
}

type Artifact struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Parts       []Part `json:"parts"`
}

type Task struct {
	ID        string         `json:"id"`
	State     TaskState      `json:"state"`
	Messages  []Message      `json:"messages"`
	Artifacts []Artifact     `json:"artifacts"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// TaskUpdate is applied by UpdateTaskStatus. Metadata keys overwrite
// existing keys; Artifacts are appended.
type TaskUpdate struct {
	State     TaskState
	Metadata  map[string]any
	Artifacts []Artifact
}

type TaskFilter struct {
	State  TaskState
	Limit  int
	Offset int
}

type TaskEvent struct {
	EventID   int64     `json:"eventId"`
	TaskID    string    `json:"taskId"`
	TraceID   string    `json:"traceId,omitempty"`
	EventType string    `json:"eventType"`
	StateFrom TaskState `json:"stateFrom,omitempty"`
	StateTo   TaskState `json:"stateTo"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ValidateMessage checks that a message has a role and at least one usable part.
func ValidateMessage(method string, msg Message) error {
	if strings.TrimSpace(msg.Role) == "" {
		return shared.NewValidationError(componentTaskQueue, method, "message.role is required", nil)
	}
	if len(msg.Parts) == 0 {
		return shared.NewValidationError(componentTaskQueue, method, "message.parts must not be empty", nil)
	}
	for i, p := range msg.Parts {
		if p.Type == "" {
			return shared.NewValidationError(componentTaskQueue, method, "part type is required", map[string]any{"part": i})
		}
		if p.Type == "text" && p.Text == "" {
			return shared.NewValidationError(componentTaskQueue, method, "text part has no text", map[string]any{"part": i})
		}
	}
	return nil
}

// CreateTask allocates a task in SUBMITTED holding msg as its first message.
func (s *Store) CreateTask(ctx context.Context, msg Message) (*Task, error) {
	if err := ValidateMessage("CreateTask", msg); err != nil {
		return nil, err
	}
	partsJSON, err := json.Marshal(msg.Parts)
	if err != nil {
		return nil, fmt.Errorf("marshal parts: %w", err)
	}
	id := uuid.NewString()
	now := s.clock()

	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, state, created_at, updated_at)
			VALUES (?, ?, ?, ?);
		`, id, TaskStateSubmitted, toMillis(now), toMillis(now)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_messages (task_id, seq, role, parts_json, created_at)
			VALUES (?, 0, ?, ?, ?);
		`, id, msg.Role, string(partsJSON), toMillis(now)); err != nil {
			return fmt.Errorf("insert task message: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, id, "", TaskStateSubmitted, bus.TopicTaskCreated, "", now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create task tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{
		TaskID:    id,
		StateTo:   string(TaskStateSubmitted),
		EventType: bus.TopicTaskCreated,
	})

	return &Task{
		ID:        id,
		State:     TaskStateSubmitted,
		Messages:  []Message{msg},
		Artifacts: []Artifact{},
		Metadata:  map[string]any{},
		CreatedAt: fromMillis(toMillis(now)),
		UpdatedAt: fromMillis(toMillis(now)),
	}, nil
}

// ContinueTask appends msg to an existing task without changing its state.
func (s *Store) ContinueTask(ctx context.Context, taskID string, msg Message) (*Task, error) {
	if err := ValidateMessage("ContinueTask", msg); err != nil {
		return nil, err
	}
	partsJSON, err := json.Marshal(msg.Parts)
	if err != nil {
		return nil, fmt.Errorf("marshal parts: %w", err)
	}
	now := s.clock()

	var state TaskState
	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin continue task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?;`, taskID).Scan(&state); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return shared.NewNotFoundError(componentTaskQueue, "ContinueTask", "task", taskID)
			}
			return fmt.Errorf("select task for continue: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_messages (task_id, seq, role, parts_json, created_at)
			SELECT ?, COALESCE(MAX(seq), -1) + 1, ?, ?, ?
			FROM task_messages WHERE task_id = ?;
		`, taskID, msg.Role, string(partsJSON), toMillis(now), taskID); err != nil {
			return fmt.Errorf("append task message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?;`, toMillis(now), taskID); err != nil {
			return fmt.Errorf("touch task: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, taskID, state, state, bus.TopicTaskMessageAppended, "", now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit continue task tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(bus.TopicTaskMessageAppended, bus.TaskEvent{
		TaskID:    taskID,
		StateFrom: string(state),
		StateTo:   string(state),
		EventType: bus.TopicTaskMessageAppended,
	})

	return s.GetTask(ctx, taskID)
}

// UpdateTaskStatus moves a task to upd.State and merges metadata. It returns
// false when the task does not exist. Leaving a terminal state, or moving
// backwards, fails with an ILLEGAL_TRANSITION OperationError.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, upd TaskUpdate) (bool, error) {
	if !upd.State.Valid() {
		return false, shared.NewValidationError(componentTaskQueue, "UpdateTaskStatus", "unknown task state", map[string]any{"state": string(upd.State)})
	}
	now := s.clock()

	var (
		found bool
		from  TaskState
	)
	err := retryOnBusy(ctx, busyRetries, func() error {
		found = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var metaJSON, artifactsJSON string
		if err := tx.QueryRowContext(ctx, `
			SELECT state, metadata_json, artifacts_json FROM tasks WHERE id = ?;
		`, taskID).Scan(&from, &metaJSON, &artifactsJSON); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select task for update: %w", err)
		}
		found = true

		if !canTransition(from, upd.State) {
			return &shared.OperationError{
				Component: componentTaskQueue,
				Method:    "UpdateTaskStatus",
				Code:      shared.CodeIllegalTransition,
				Message:   fmt.Sprintf("illegal transition %s -> %s", from, upd.State),
				Details:   map[string]any{"taskId": taskID, "from": string(from), "to": string(upd.State)},
			}
		}

		meta := map[string]any{}
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return fmt.Errorf("decode task metadata: %w", err)
		}
		for k, v := range upd.Metadata {
			meta[k] = v
		}
		newMeta, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode task metadata: %w", err)
		}

		var artifacts []Artifact
		if err := json.Unmarshal([]byte(artifactsJSON), &artifacts); err != nil {
			return fmt.Errorf("decode task artifacts: %w", err)
		}
		artifacts = append(artifacts, upd.Artifacts...)
		if artifacts == nil {
			artifacts = []Artifact{}
		}
		newArtifacts, err := json.Marshal(artifacts)
		if err != nil {
			return fmt.Errorf("encode task artifacts: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = ?, metadata_json = ?, artifacts_json = ?, updated_at = ?
			WHERE id = ?;
		`, upd.State, string(newMeta), string(newArtifacts), toMillis(now), taskID); err != nil {
			return fmt.Errorf("update task state: %w", err)
		}
		payload, _ := json.Marshal(map[string]any{"metadataKeys": len(upd.Metadata), "artifacts": len(upd.Artifacts)})
		if err := appendTaskEventTx(ctx, tx, taskID, from, upd.State, bus.TopicTaskStateChanged, string(payload), now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update task tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskEvent{
		TaskID:    taskID,
		StateFrom: string(from),
		StateTo:   string(upd.State),
		EventType: bus.TopicTaskStateChanged,
	})
	return true, nil
}

// GetTask returns the task with its full message history, or nil if unknown.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT id, state, artifacts_json, metadata_json, created_at, updated_at
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan, &task)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	msgs, err := loadMessages(ctx, s.db, taskID)
	if err != nil {
		return nil, err
	}
	task.Messages = msgs
	return &task, nil
}

// ListTasks returns tasks newest first plus the total matching count.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, int, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where := ""
	var args []any
	if filter.State != "" {
		where = "WHERE state = ?"
		args = append(args, filter.State)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks `+where+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, artifacts_json, metadata_json, created_at, updated_at
		FROM tasks `+where+`
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?;
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	out, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	for i := range out {
		msgs, err := loadMessages(ctx, s.db, out[i].ID)
		if err != nil {
			return nil, 0, err
		}
		out[i].Messages = msgs
	}
	return out, total, nil
}

// ListOpenTasksBefore returns SUBMITTED and WORKING tasks not updated
// since cutoff. Messages are not loaded.
func (s *Store) ListOpenTasksBefore(ctx context.Context, cutoff time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, artifacts_json, metadata_json, created_at, updated_at
		FROM tasks
		WHERE state IN (?, ?) AND updated_at < ?
		ORDER BY updated_at ASC;
	`, TaskStateSubmitted, TaskStateWorking, toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}
	return collectTasks(rows)
}

// TaskCounts returns the number of tasks per state.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM tasks GROUP BY state;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by state: %w", err)
	}
	defer rows.Close()
	counts := map[TaskState]int{
		TaskStateSubmitted: 0,
		TaskStateWorking:   0,
		TaskStateCompleted: 0,
		TaskStateFailed:    0,
	}
	for rows.Next() {
		var st TaskState
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// ListTaskEvents returns the task's event log in insertion order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(trace_id, ''), event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var created int64
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.EventType, &ev.StateFrom, &ev.StateTo, &ev.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.CreatedAt = fromMillis(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskState, eventType, payload string, now time.Time) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?);
	`, taskID, traceID, eventType, string(from), string(to), payload, toMillis(now))
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var artifactsJSON, metaJSON string
	var created, updated int64
	if err := scanFn(&task.ID, &task.State, &artifactsJSON, &metaJSON, &created, &updated); err != nil {
		return err
	}
	task.Artifacts = []Artifact{}
	if err := json.Unmarshal([]byte(artifactsJSON), &task.Artifacts); err != nil {
		return fmt.Errorf("decode artifacts for %s: %w", task.ID, err)
	}
	task.Metadata = map[string]any{}
	if err := json.Unmarshal([]byte(metaJSON), &task.Metadata); err != nil {
		return fmt.Errorf("decode metadata for %s: %w", task.ID, err)
	}
	task.CreatedAt = fromMillis(created)
	task.UpdatedAt = fromMillis(updated)
	return nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	out := []Task{}
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func loadMessages(ctx context.Context, q queryer, taskID string) ([]Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT role, parts_json FROM task_messages WHERE task_id = ? ORDER BY seq ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task messages: %w", err)
	}
	defer rows.Close()
	msgs := []Message{}
	for rows.Next() {
		var m Message
		var partsJSON string
		if err := rows.Scan(&m.Role, &partsJSON); err != nil {
			return nil, fmt.Errorf("scan task message: %w", err)
		}
		if err := json.Unmarshal([]byte(partsJSON), &m.Parts); err != nil {
			return nil, fmt.Errorf("decode message parts: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
