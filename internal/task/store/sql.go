package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devflow/devflow/internal/db"
	"github.com/devflow/devflow/internal/task/models"
	"github.com/devflow/devflow/internal/task/taskerr"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// SQL is the durable store. It runs on SQLite (single writer, WAL readers)
// or PostgreSQL through the same queries; placeholders are rebound per
// driver by sqlx.
type SQL struct {
	pool *db.Pool
}

var _ Store = (*SQL)(nil)

// NewSQL creates a SQL store over the pool and initializes the schema.
func NewSQL(pool *db.Pool) (*SQL, error) {
	s := &SQL{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQL) initSchema() error {
	eventsSeq := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.pool.DriverName() == db.DriverPostgres {
		eventsSeq = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			agent_role TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			progress INTEGER,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS task_events (
			seq %s,
			id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			old_status TEXT,
			new_status TEXT,
			data TEXT NOT NULL DEFAULT '{}',
			timestamp TIMESTAMP NOT NULL
		)`, eventsSeq),
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task_id ON task_events(task_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// taskRow is the scan target for the tasks table.
type taskRow struct {
	ID          string        `db:"id"`
	Status      string        `db:"status"`
	Description string        `db:"description"`
	AgentRole   string        `db:"agent_role"`
	SessionID   string        `db:"session_id"`
	ParentID    string        `db:"parent_id"`
	Output      string        `db:"output"`
	Error       string        `db:"error"`
	Progress    sql.NullInt64 `db:"progress"`
	Metadata    string        `db:"metadata"`
	CreatedAt   time.Time     `db:"created_at"`
	StartedAt   sql.NullTime  `db:"started_at"`
	CompletedAt sql.NullTime  `db:"completed_at"`
}

func (r *taskRow) toTask() (*models.Task, error) {
	task := &models.Task{
		ID:          r.ID,
		Status:      v1.TaskStatus(r.Status),
		Description: r.Description,
		AgentRole:   r.AgentRole,
		SessionID:   r.SessionID,
		ParentID:    r.ParentID,
		Output:      r.Output,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if r.Progress.Valid {
		p := int(r.Progress.Int64)
		task.Progress = &p
	}
	if r.StartedAt.Valid {
		ts := r.StartedAt.Time.UTC()
		task.StartedAt = &ts
	}
	if r.CompletedAt.Valid {
		ts := r.CompletedAt.Time.UTC()
		task.CompletedAt = &ts
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode task metadata: %w", err)
		}
	}
	return task, nil
}

// Save stores the task as a whole-record upsert keyed by id.
func (s *SQL) Save(ctx context.Context, task *models.Task) error {
	metadata := "{}"
	if task.Metadata != nil {
		encoded, err := json.Marshal(task.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode task metadata: %w", err)
		}
		metadata = string(encoded)
	}

	var progress sql.NullInt64
	if task.Progress != nil {
		progress = sql.NullInt64{Int64: int64(*task.Progress), Valid: true}
	}
	var startedAt, completedAt sql.NullTime
	if task.StartedAt != nil {
		startedAt = sql.NullTime{Time: *task.StartedAt, Valid: true}
	}
	if task.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *task.CompletedAt, Valid: true}
	}

	query := s.pool.Writer().Rebind(`
		INSERT INTO tasks (id, status, description, agent_role, session_id, parent_id,
			output, error, progress, metadata, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			description = excluded.description,
			agent_role = excluded.agent_role,
			session_id = excluded.session_id,
			parent_id = excluded.parent_id,
			output = excluded.output,
			error = excluded.error,
			progress = excluded.progress,
			metadata = excluded.metadata,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		task.ID, string(task.Status), task.Description, task.AgentRole, task.SessionID,
		task.ParentID, task.Output, task.Error, progress, metadata,
		task.CreatedAt, startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("%w: save task: %v", taskerr.ErrStorageUnavailable, err)
	}
	return nil
}

// Load returns the task, or nil if the id is unknown.
func (s *SQL) Load(ctx context.Context, id string) (*models.Task, error) {
	var row taskRow
	query := s.pool.Reader().Rebind(`SELECT * FROM tasks WHERE id = ?`)
	if err := s.pool.Reader().GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: load task: %v", taskerr.ErrStorageUnavailable, err)
	}
	return row.toTask()
}

// List returns every task matching the filter, ordered by creation time.
func (s *SQL) List(ctx context.Context, filter models.Filter) ([]*models.Task, error) {
	query := `SELECT * FROM tasks`
	var clauses []string
	var args []any
	if filter.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.SessionID != nil {
		clauses = append(clauses, "session_id = ?")
		args = append(args, *filter.SessionID)
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at, id"

	var rows []taskRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, s.pool.Reader().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", taskerr.ErrStorageUnavailable, err)
	}
	result := make([]*models.Task, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, nil
}

// Delete removes the task and its journal in one transaction.
func (s *SQL) Delete(ctx context.Context, id string) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: delete task: %v", taskerr.ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM task_events WHERE task_id = ?`), id); err != nil {
		return fmt.Errorf("%w: delete task events: %v", taskerr.ErrStorageUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tasks WHERE id = ?`), id); err != nil {
		return fmt.Errorf("%w: delete task: %v", taskerr.ErrStorageUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: delete task: %v", taskerr.ErrStorageUnavailable, err)
	}
	return nil
}

// SaveEvent appends one journal record.
func (s *SQL) SaveEvent(ctx context.Context, event *models.TaskEvent) error {
	data := "{}"
	if event.Data != nil {
		encoded, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data = string(encoded)
	}
	var oldStatus, newStatus sql.NullString
	if event.OldStatus != nil {
		oldStatus = sql.NullString{String: string(*event.OldStatus), Valid: true}
	}
	if event.NewStatus != nil {
		newStatus = sql.NullString{String: string(*event.NewStatus), Valid: true}
	}

	query := s.pool.Writer().Rebind(`
		INSERT INTO task_events (id, task_id, kind, old_status, new_status, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		event.ID, event.TaskID, string(event.Kind), oldStatus, newStatus, data, event.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: save event: %v", taskerr.ErrStorageUnavailable, err)
	}
	return nil
}

// eventRow is the scan target for the task_events table.
type eventRow struct {
	Seq       int64          `db:"seq"`
	ID        string         `db:"id"`
	TaskID    string         `db:"task_id"`
	Kind      string         `db:"kind"`
	OldStatus sql.NullString `db:"old_status"`
	NewStatus sql.NullString `db:"new_status"`
	Data      string         `db:"data"`
	Timestamp time.Time      `db:"timestamp"`
}

// GetEvents returns the journal in insertion order.
func (s *SQL) GetEvents(ctx context.Context, taskID string) ([]*models.TaskEvent, error) {
	var rows []eventRow
	query := s.pool.Reader().Rebind(`SELECT * FROM task_events WHERE task_id = ? ORDER BY seq`)
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, taskID); err != nil {
		return nil, fmt.Errorf("%w: get events: %v", taskerr.ErrStorageUnavailable, err)
	}

	result := make([]*models.TaskEvent, 0, len(rows))
	for _, row := range rows {
		event := &models.TaskEvent{
			ID:        row.ID,
			TaskID:    row.TaskID,
			Kind:      models.EventKind(row.Kind),
			Timestamp: row.Timestamp.UTC(),
		}
		if row.OldStatus.Valid {
			status := v1.TaskStatus(row.OldStatus.String)
			event.OldStatus = &status
		}
		if row.NewStatus.Valid {
			status := v1.TaskStatus(row.NewStatus.String)
			event.NewStatus = &status
		}
		if row.Data != "" && row.Data != "{}" {
			if err := json.Unmarshal([]byte(row.Data), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		result = append(result, event)
	}
	return result, nil
}

// Close closes the underlying pool.
func (s *SQL) Close() error {
	return s.pool.Close()
}
