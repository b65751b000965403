package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbrandal/flowline/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    working_dir  TEXT NOT NULL,
    spec         TEXT NOT NULL,
    dependencies TEXT NOT NULL,
    stdout_path  TEXT NOT NULL,
    stderr_path  TEXT NOT NULL,
    state        TEXT NOT NULL,
    worker_id    TEXT,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`

const createTransitionsTable = `
CREATE TABLE IF NOT EXISTS transitions (
    task_id   TEXT NOT NULL,
    state     TEXT NOT NULL,
    worker_id TEXT,
    at        DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	if _, err := db.Exec(createTransitionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create transitions table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordSubmission inserts a new task row in the submitted state.
func (s *SQLiteStore) RecordSubmission(ctx context.Context, task *model.Task) error {
	deps, err := json.Marshal(task.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, name, working_dir, spec, dependencies,
			stdout_path, stderr_path, state, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Name, task.WorkingDir, task.Spec, string(deps),
		task.StdoutPath, task.StderrPath, model.StateSubmitted.String(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// RecordTransition appends a transition row and updates the task's state.
// Entering the running state stamps started_at; a terminal state stamps
// finished_at.
func (s *SQLiteStore) RecordTransition(ctx context.Context, taskID string, state model.TaskState, workerID string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO transitions (task_id, state, worker_id, at) VALUES (?, ?, ?, ?)",
		taskID, state.String(), workerID, now,
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	var result sql.Result
	switch {
	case state == model.StateRunning:
		result, err = tx.ExecContext(ctx,
			"UPDATE tasks SET state = ?, worker_id = ?, started_at = ? WHERE id = ?",
			state.String(), workerID, now, taskID,
		)
	case state.Terminal():
		result, err = tx.ExecContext(ctx,
			"UPDATE tasks SET state = ?, worker_id = ?, finished_at = ? WHERE id = ?",
			state.String(), workerID, now, taskID,
		)
	default:
		result, err = tx.ExecContext(ctx,
			"UPDATE tasks SET state = ?, worker_id = ? WHERE id = ?",
			state.String(), workerID, taskID,
		)
	}
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

const taskColumns = `id, name, working_dir, spec, dependencies,
	stdout_path, stderr_path, state, worker_id,
	created_at, started_at, finished_at`

func scanTask(row interface{ Scan(...any) error }) (*TaskRecord, error) {
	r := &TaskRecord{}
	var deps string
	var workerID sql.NullString
	err := row.Scan(
		&r.Task.ID, &r.Task.Name, &r.Task.WorkingDir, &r.Task.Spec, &deps,
		&r.Task.StdoutPath, &r.Task.StderrPath, &r.State, &workerID,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deps), &r.Task.Dependencies); err != nil {
		return nil, fmt.Errorf("unmarshal dependencies: %w", err)
	}
	r.WorkerID = workerID.String
	return r, nil
}

// GetTask retrieves a task record by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id,
	)
	r, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return r, nil
}

// ListTasks returns a paginated list of task records ordered by
// created_at DESC, along with the total count of all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*TaskRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		r, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return records, total, nil
}

// GetTransitions returns a task's recorded transitions in order.
func (s *SQLiteStore) GetTransitions(ctx context.Context, taskID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT task_id, state, worker_id, at FROM transitions WHERE task_id = ? ORDER BY at, rowid",
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("get transitions: %w", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var tr Transition
		var workerID sql.NullString
		if err := rows.Scan(&tr.TaskID, &tr.State, &workerID, &tr.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.WorkerID = workerID.String
		transitions = append(transitions, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}

	return transitions, nil
}

// GetStats returns aggregate task statistics.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT state, COUNT(*) FROM tasks GROUP BY state",
	)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{CountByState: make(map[string]int)}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.CountByState[state] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}

	return stats, nil
}
