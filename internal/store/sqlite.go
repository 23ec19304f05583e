package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/cosim/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id             TEXT PRIMARY KEY,
    run_id         TEXT NOT NULL,
    owner          TEXT NOT NULL,
    pool           TEXT NOT NULL,
    name           TEXT NOT NULL,
    status         TEXT NOT NULL,
    backend        TEXT NOT NULL,
    resource_count INTEGER NOT NULL,
    working_dir    TEXT NOT NULL,
    binding        TEXT NOT NULL,
    return_code    INTEGER,
    output         BLOB,
    error          TEXT NOT NULL DEFAULT '',
    timeout_ms     INTEGER,
    duration_ms    INTEGER,
    created_at     DATETIME NOT NULL,
    started_at     DATETIME,
    finished_at    DATETIME
)`

const createOutputLinesTable = `
CREATE TABLE IF NOT EXISTS output_lines (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL REFERENCES tasks(id),
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createOutputLinesIndex = `
CREATE INDEX IF NOT EXISTS idx_output_lines_task ON output_lines(task_id, seq)`

const taskColumns = `id, run_id, owner, pool, name, status, backend, resource_count,
	working_dir, binding, return_code, output, error, timeout_ms, duration_ms,
	created_at, started_at, finished_at`

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// ":memory:" gives a private in-process ledger.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createTasksTable, createOutputLinesTable, createOutputLinesIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RunID, t.Owner, t.Pool, t.Name, string(t.Status), t.Backend, t.ResourceCount,
		t.WorkingDir, t.Binding, t.ReturnCode, t.Output, t.Error, t.TimeoutMS, t.DurationMS,
		t.CreatedAt, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	t := &model.Task{}
	var status string
	err := row.Scan(
		&t.ID, &t.RunID, &t.Owner, &t.Pool, &t.Name, &status, &t.Backend, &t.ResourceCount,
		&t.WorkingDir, &t.Binding, &t.ReturnCode, &t.Output, &t.Error, &t.TimeoutMS, &t.DurationMS,
		&t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	)
	t.Status = model.TaskStatus(status)
	return t, err
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns the tasks matching f ordered by created_at DESC, along
// with the total count of matching tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, int, error) {
	var conds []string
	var args []any
	for _, c := range []struct {
		col string
		val string
	}{
		{"run_id", f.RunID},
		{"owner", f.Owner},
		{"pool", f.Pool},
		{"status", string(f.Status)},
	} {
		if c.val != "" {
			conds = append(conds, c.col+" = ?")
			args = append(args, c.val)
		}
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// UpdateTaskStatus moves a task to status, validating the transition.
// Entering running sets started_at; entering a terminal status sets finished_at.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) error {
	return s.transition(ctx, id, status, "")
}

// StartTask moves a queued task to running on the named backend.
func (s *SQLiteStore) StartTask(ctx context.Context, id, backend string) error {
	return s.transition(ctx, id, model.TaskRunning, backend)
}

// transition validates and applies a status change. A non-empty backend is
// recorded along with it.
func (s *SQLiteStore) transition(ctx context.Context, id string, status model.TaskStatus, backend string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get task status: %w", err)
	}
	if !model.ValidTaskTransition(model.TaskStatus(current), status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.TaskRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET status = ?, backend = COALESCE(NULLIF(?, ''), backend), started_at = ? WHERE id = ?",
			string(status), backend, now, id)
	case status.Terminal():
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET status = ?, backend = COALESCE(NULLIF(?, ''), backend), finished_at = ? WHERE id = ?",
			string(status), backend, now, id)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE tasks SET status = ? WHERE id = ?", string(status), id)
	}
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return tx.Commit()
}

// FinishTask records the terminal outcome of a task. An empty Backend keeps
// the recorded one.
func (s *SQLiteStore) FinishTask(ctx context.Context, t *model.Task) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, backend = COALESCE(NULLIF(?, ''), backend),
			return_code = ?, output = ?, error = ?, duration_ms = ?,
			started_at = COALESCE(?, started_at), finished_at = ?
		WHERE id = ?`,
		string(t.Status), t.Backend, t.ReturnCode, t.Output, t.Error,
		t.DurationMS, t.StartedAt, t.FinishedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTaskStats computes aggregate statistics over all tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus:  make(map[string]int),
		CountByBackend: make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM tasks",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	for _, g := range []struct {
		col string
		dst map[string]int
	}{
		{"status", stats.CountByStatus},
		{"backend", stats.CountByBackend},
	} {
		if err := countBy(ctx, tx, g.col, g.dst); err != nil {
			return nil, err
		}
	}

	return stats, nil
}

func countBy(ctx context.Context, tx *sql.Tx, col string, dst map[string]int) error {
	rows, err := tx.QueryContext(ctx, "SELECT "+col+", COUNT(*) FROM tasks GROUP BY "+col)
	if err != nil {
		return fmt.Errorf("count by %s: %w", col, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", col, err)
		}
		dst[key] = n
	}
	return rows.Err()
}

// InsertOutputLine appends one line of task output.
func (s *SQLiteStore) InsertOutputLine(ctx context.Context, taskID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO output_lines (task_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		taskID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert output line: %w", err)
	}
	return nil
}

// GetOutputLines returns a task's output lines ordered by seq.
func (s *SQLiteStore) GetOutputLines(ctx context.Context, taskID string) ([]model.OutputLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, seq, line, created_at FROM output_lines WHERE task_id = ? ORDER BY seq",
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("get output lines: %w", err)
	}
	defer rows.Close()

	var lines []model.OutputLine
	for rows.Next() {
		var l model.OutputLine
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output lines: %w", err)
	}
	return lines, nil
}
