package task

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL,
	type            TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 1,
	assigned_to     TEXT NOT NULL DEFAULT '',
	preferred_agent TEXT NOT NULL DEFAULT '',
	project_id      TEXT NOT NULL DEFAULT '',
	next_task_id    TEXT NOT NULL DEFAULT '',
	result          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	blocking_reason TEXT NOT NULL DEFAULT '',
	next_action     TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	assigned_at     DATETIME,
	started_at      DATETIME,
	completed_at    DATETIME,
	failed_at       DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to, status);
`

const taskColumns = `id, title, description, type, status, priority,
	assigned_to, preferred_agent, project_id, next_task_id,
	result, error, blocking_reason, next_action,
	created_at, updated_at, assigned_at, started_at, completed_at, failed_at`

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create persists a new task and sets its ID, CreatedAt, and UpdatedAt.
// An empty status defaults to pending.
func (s *SQLiteStore) Create(t *Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, title, description, type, status, priority,
			 assigned_to, preferred_agent, project_id, next_task_id,
			 result, error, blocking_reason, next_action,
			 created_at, updated_at, assigned_at, started_at, completed_at, failed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, t.Type, string(t.Status), int(t.Priority),
		t.AssignedTo, t.PreferredAgent, t.ProjectID, t.NextTaskID,
		string(t.Result), t.Error, t.BlockingReason, t.NextAction,
		t.CreatedAt, t.UpdatedAt,
		nullTime(t.AssignedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.FailedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// Update saves changes to an existing task, updating UpdatedAt automatically.
func (s *SQLiteStore) Update(t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE tasks SET
			title=?, description=?, type=?, status=?, priority=?,
			assigned_to=?, preferred_agent=?, project_id=?, next_task_id=?,
			result=?, error=?, blocking_reason=?, next_action=?,
			updated_at=?, assigned_at=?, started_at=?, completed_at=?, failed_at=?
		WHERE id=?`,
		t.Title, t.Description, t.Type, string(t.Status), int(t.Priority),
		t.AssignedTo, t.PreferredAgent, t.ProjectID, t.NextTaskID,
		string(t.Result), t.Error, t.BlockingReason, t.NextAction,
		t.UpdatedAt, nullTime(t.AssignedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.FailedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// Assign claims a task for an agent with a conditional write. The update only
// matches while the row is still unassigned and pending or queued, so a
// concurrent claim loses cleanly instead of double-assigning.
func (s *SQLiteStore) Assign(id, agent string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE tasks SET
			status=?, assigned_to=?, preferred_agent='', assigned_at=?, updated_at=?
		WHERE id=? AND assigned_to='' AND status IN (?, ?)`,
		string(StatusAssigned), agent, now, now,
		id, string(StatusPending), string(StatusQueued),
	)
	if err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.Get(id); err != nil {
			return err
		}
		return fmt.Errorf("task %s: %w", id, ErrClaimed)
	}
	return nil
}

// List returns tasks matching the filter.
func (s *SQLiteStore) List(filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + taskColumns + " FROM tasks WHERE 1=1")
	args := []any{}

	if len(filter.Statuses) > 0 {
		q.WriteString(" AND status IN (")
		for i, st := range filter.Statuses {
			if i > 0 {
				q.WriteString(",")
			}
			q.WriteString("?")
			args = append(args, string(st))
		}
		q.WriteString(")")
	}
	if filter.AssignedTo != "" {
		q.WriteString(" AND assigned_to=?")
		args = append(args, filter.AssignedTo)
	}
	if filter.ProjectID != "" {
		q.WriteString(" AND project_id=?")
		args = append(args, filter.ProjectID)
	}
	if filter.Unowned {
		q.WriteString(" AND project_id='' AND assigned_to=''")
	}
	if filter.ByCreation {
		q.WriteString(" ORDER BY created_at ASC")
	} else {
		q.WriteString(" ORDER BY priority DESC, created_at ASC")
	}
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// LiveIDs returns the ids of all queued, assigned, or in_progress tasks.
func (s *SQLiteStore) LiveIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM tasks WHERE status IN (?,?,?)`,
		string(StatusQueued), string(StatusAssigned), string(StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("live ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Successor returns the workflow successor of the given task, or nil when the
// task has none.
func (s *SQLiteStore) Successor(id string) (*Task, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if t.NextTaskID == "" {
		return nil, nil
	}
	next, err := s.Get(t.NextTaskID)
	if errors.Is(err, ErrNotFound) {
		// Dangling link: treat as no successor rather than failing the chain.
		return nil, nil
	}
	return next, err
}

// Delete removes a task by ID.
func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM tasks WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, result string
	var priority int
	var assignedAt, startedAt, completedAt, failedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &t.Type, &status, &priority,
		&t.AssignedTo, &t.PreferredAgent, &t.ProjectID, &t.NextTaskID,
		&result, &t.Error, &t.BlockingReason, &t.NextAction,
		&t.CreatedAt, &t.UpdatedAt,
		&assignedAt, &startedAt, &completedAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Priority = Priority(priority)
	if result != "" {
		t.Result = []byte(result)
	}

	if assignedAt.Valid {
		t.AssignedAt = &assignedAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		t.FailedAt = &failedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
