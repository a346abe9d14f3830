package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	description TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'random',
	status TEXT NOT NULL DEFAULT 'pending',
	task_type TEXT NOT NULL DEFAULT 'new',
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	deleted_at TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	result_id INTEGER,
	context TEXT NOT NULL DEFAULT '',
	assigned_to TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	project_name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	files_modified TEXT NOT NULL DEFAULT '[]',
	commands_executed TEXT NOT NULL DEFAULT '[]',
	processing_time_seconds INTEGER NOT NULL DEFAULT 0,
	git_commit_sha TEXT NOT NULL DEFAULT '',
	git_pr_url TEXT NOT NULL DEFAULT '',
	git_branch TEXT NOT NULL DEFAULT '',
	workspace_path TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS usage_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	total_cost_usd TEXT NOT NULL DEFAULT '0',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	duration_api_ms INTEGER NOT NULL DEFAULT 0,
	num_turns INTEGER NOT NULL DEFAULT 0,
	project_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS generation_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	source TEXT NOT NULL,
	usage_percent_at_generation INTEGER NOT NULL DEFAULT 0,
	source_metadata TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS task_pool (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	description TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'random',
	category TEXT NOT NULL DEFAULT '',
	used INTEGER NOT NULL DEFAULT 0,
	project_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_results_task ON results(task_id);
CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_metrics(created_at);
`

// runMigrations applies additive schema changes for older databases.
// Errors are ignored: a migration that already applied returns an
// error we don't care about (duplicate column), which is the same
// tolerance the teacher's sibling store (jaakkos-stringwork) uses.
func runMigrations(db *sql.DB) {
	_, _ = db.Exec("ALTER TABLE tasks ADD COLUMN project_name TEXT NOT NULL DEFAULT ''")
}

// SQLiteStore implements Store on top of a pure-Go SQLite driver with
// WAL mode and a busy timeout. Write operations that fail with a
// transient "locked"/"readonly" error dispose the connection pool,
// reopen, and retry up to maxRetries times before surfacing the error.
type SQLiteStore struct {
	path       string
	db         *sql.DB
	logger     *slog.Logger
	maxRetries int
}

// Open creates parent directories, opens (or creates) the database at
// path, applies the schema and migrations, and returns a ready Store.
func Open(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("taskstore: mkdir %s: %w", dir, err)
		}
	}
	s := &SQLiteStore{path: path, logger: logger, maxRetries: 2}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) open() error {
	db, err := sql.Open("sqlite", s.path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("taskstore: open %s: %w", s.path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("taskstore: schema: %w", err)
	}
	runMigrations(db)
	s.db = db
	return nil
}

func (s *SQLiteStore) reset() error {
	if s.db != nil {
		_ = s.db.Close()
	}
	return s.open()
}

// shouldResetOnError mirrors the Python reference's
// _should_reset_on_error: a "readonly" message, or "sqlite" combined
// with "locked", indicates the connection pool is wedged and should be
// torn down before retrying.
func shouldResetOnError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "readonly") ||
		(strings.Contains(msg, "sqlite") && strings.Contains(msg, "locked")) ||
		strings.Contains(msg, "database is locked")
}

// withRetry runs op, resetting the connection and retrying up to
// maxRetries times if op fails with a transient locked/readonly error.
func (s *SQLiteStore) withRetry(op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !shouldResetOnError(lastErr) || attempt == s.maxRetries {
			return lastErr
		}
		s.logger.Warn("taskstore: resetting connection after transient error", "error", lastErr, "attempt", attempt)
		if err := s.reset(); err != nil {
			return err
		}
	}
	return lastErr
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, schema)
		return err
	})
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseOptTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) AddTask(ctx context.Context, t *Task) (int64, error) {
	if strings.TrimSpace(t.Description) == "" {
		return 0, fmt.Errorf("taskstore: add_task: description must not be empty")
	}
	if t.Priority == "" {
		t.Priority = PriorityRandom
	}
	if t.TaskType == "" {
		t.TaskType = TaskTypeNew
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	var id int64
	err := s.withRetry(func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO tasks
			(description, priority, status, task_type, created_at, context, assigned_to, project_id, project_name)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.Description, string(t.Priority), string(StatusPending), string(t.TaskType),
			formatTime(t.CreatedAt), t.Context, t.AssignedTo, t.ProjectID, t.ProjectName)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("task added", "task_id", id, "priority", t.Priority, "preview", truncate(t.Description, 60))
	return id, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

const taskColumns = `id, description, priority, status, task_type, created_at, started_at, completed_at, deleted_at,
	attempt_count, error_message, result_id, context, assigned_to, project_id, project_name`

// scanTaskFull scans a full task row; created_at needs RFC3339 parsing
// so it operates on a generic scan func shared by *sql.Row and *sql.Rows.
func scanTaskFull(scan func(dest ...interface{}) error) (*Task, error) {
	var t Task
	var createdAt string
	var started, completed, deleted sql.NullString
	var resultID sql.NullInt64
	if err := scan(&t.ID, &t.Description, &t.Priority, &t.Status, &t.TaskType, &createdAt,
		&started, &completed, &deleted, &t.AttemptCount, &t.ErrorMessage, &resultID,
		&t.Context, &t.AssignedTo, &t.ProjectID, &t.ProjectName); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("taskstore: parse created_at: %w", err)
	}
	t.CreatedAt = ts
	if t.StartedAt, err = parseOptTime(started); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseOptTime(completed); err != nil {
		return nil, err
	}
	if t.DeletedAt, err = parseOptTime(deleted); err != nil {
		return nil, err
	}
	if resultID.Valid {
		t.ResultID = &resultID.Int64
	}
	return &t, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTaskFull(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// GetPendingTasks returns pending tasks ordered by priority bucket
// (serious < random < generated) then created_at ascending, per
// spec.md §4.1 and the CASE-based ordering in the Python reference's
// get_pending_tasks.
func (s *SQLiteStore) GetPendingTasks(ctx context.Context, limit int) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND deleted_at IS NULL
		ORDER BY CASE priority WHEN 'serious' THEN 0 WHEN 'random' THEN 1 WHEN 'generated' THEN 2 ELSE 3 END, created_at ASC
		LIMIT ?`, string(StatusPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTaskFull(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTaskFull(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetInProgressTasks(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY started_at ASC`, string(StatusInProgress))
}

func (s *SQLiteStore) GetRecentTasks(ctx context.Context, limit int) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) GetFailedTasks(ctx context.Context, limit int) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at DESC LIMIT ?`, string(StatusFailed), limit)
}

// MarkInProgress transitions a pending task to in_progress, setting
// started_at and incrementing attempt_count. Calling it on a task that
// is not pending is a no-op that logs a warning rather than an error,
// per spec.md §4.1.
func (s *SQLiteStore) MarkInProgress(ctx context.Context, id int64) (*Task, error) {
	var out *Task
	err := s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		t, err := scanTaskFull(row.Scan)
		if err == sql.ErrNoRows {
			return fmt.Errorf("taskstore: mark_in_progress: task %d not found", id)
		}
		if err != nil {
			return err
		}
		if t.Status != StatusPending {
			s.logger.Warn("mark_in_progress called on non-pending task", "task_id", id, "status", t.Status)
			out = t
			return tx.Commit()
		}
		now := time.Now()
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, started_at = ?, attempt_count = attempt_count + 1 WHERE id = ?`,
			string(StatusInProgress), formatTime(now), id); err != nil {
			return err
		}
		t.Status = StatusInProgress
		t.StartedAt = &now
		t.AttemptCount++
		out = t
		return tx.Commit()
	})
	return out, err
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, id int64, resultID *int64) (*Task, error) {
	var out *Task
	err := s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		t, err := scanTaskFull(row.Scan)
		if err != nil {
			return err
		}
		now := time.Now()
		completedAt := now
		if t.CompletedAt != nil {
			completedAt = *t.CompletedAt
		}
		var rid sql.NullInt64
		if resultID != nil {
			rid = sql.NullInt64{Int64: *resultID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, completed_at = ?, result_id = ? WHERE id = ?`,
			string(StatusCompleted), formatTime(completedAt), rid, id); err != nil {
			return err
		}
		t.Status = StatusCompleted
		t.CompletedAt = &completedAt
		t.ResultID = resultID
		out = t
		return tx.Commit()
	})
	return out, err
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id int64, errMsg string) (*Task, error) {
	var out *Task
	err := s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		t, err := scanTaskFull(row.Scan)
		if err != nil {
			return err
		}
		now := time.Now()
		completedAt := now
		if t.CompletedAt != nil {
			completedAt = *t.CompletedAt
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, completed_at = ?, error_message = ? WHERE id = ?`,
			string(StatusFailed), formatTime(completedAt), errMsg, id); err != nil {
			return err
		}
		t.Status = StatusFailed
		t.CompletedAt = &completedAt
		t.ErrorMessage = errMsg
		out = t
		return tx.Commit()
	})
	return out, err
}

// CancelTask soft-deletes a task only while it is still pending.
func (s *SQLiteStore) CancelTask(ctx context.Context, id int64) (*Task, error) {
	var out *Task
	err := s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		t, err := scanTaskFull(row.Scan)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if t.Status != StatusPending {
			out = nil
			return tx.Commit()
		}
		now := time.Now()
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, deleted_at = ? WHERE id = ?`,
			string(StatusCancelled), formatTime(now), id); err != nil {
			return err
		}
		t.Status = StatusCancelled
		t.DeletedAt = &now
		out = t
		return tx.Commit()
	})
	return out, err
}

func (s *SQLiteStore) UpdatePriority(ctx context.Context, id int64, p Priority) (*Task, error) {
	var out *Task
	err := s.withRetry(func() error {
		if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET priority = ? WHERE id = ?`, string(p), id); err != nil {
			return err
		}
		t, err := s.GetTask(ctx, id)
		out = t
		return err
	})
	return out, err
}

// TimeoutExpiredTasks scans in_progress rows older than maxAge and
// fails them with a "Timed out" message, matching
// original_source/.../task_queue.py::timeout_expired_tasks. Idempotent:
// a second call finds nothing left to sweep.
func (s *SQLiteStore) TimeoutExpiredTasks(ctx context.Context, maxAge time.Duration) ([]*Task, error) {
	var out []*Task
	err := s.withRetry(func() error {
		out = nil
		cutoff := time.Now().Add(-maxAge)
		tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
			string(StatusInProgress), formatTime(cutoff))
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		now := time.Now()
		msg := fmt.Sprintf("Timed out after exceeding %d minute limit.", int(maxAge.Minutes()))
		for _, t := range tasks {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, completed_at = ?, error_message = ? WHERE id = ?`,
				string(StatusFailed), formatTime(now), msg, t.ID); err != nil {
				return err
			}
			t.Status = StatusFailed
			t.CompletedAt = &now
			t.ErrorMessage = msg
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = tasks
		return nil
	})
	return out, err
}

func (s *SQLiteStore) GetProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project_id, MAX(project_name),
		COUNT(*), SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END)
		FROM tasks WHERE project_id != '' GROUP BY project_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Project
	for rows.Next() {
		p := &Project{}
		if err := rows.Scan(&p.ID, &p.Name, &p.TaskCount, &p.PendingCount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetProjectByID(ctx context.Context, projectID string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT project_id, MAX(project_name), COUNT(*),
		SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END)
		FROM tasks WHERE project_id = ? GROUP BY project_id`, projectID)
	p := &Project{}
	if err := row.Scan(&p.ID, &p.Name, &p.TaskCount, &p.PendingCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) GetProjectTasks(ctx context.Context, projectID string, limit int) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`, projectID, limit)
}

// DeleteProject soft-cancels every still-pending task in the project
// and returns the count affected.
func (s *SQLiteStore) DeleteProject(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.withRetry(func() error {
		now := time.Now()
		res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, deleted_at = ? WHERE project_id = ? AND status = ?`,
			string(StatusCancelled), formatTime(now), projectID, string(StatusPending))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		n = int(affected)
		return err
	})
	return n, err
}

func (s *SQLiteStore) GetQueueStatus(ctx context.Context) (*QueueStatus, error) {
	qs := &QueueStatus{}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch Status(status) {
		case StatusPending:
			qs.Pending = count
		case StatusInProgress:
			qs.InProgress = count
		case StatusCompleted:
			qs.Completed = count
		case StatusFailed:
			qs.Failed = count
		case StatusCancelled:
			qs.Cancelled = count
		}
	}
	return qs, rows.Err()
}

func (s *SQLiteStore) SaveResult(ctx context.Context, r *Result) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	filesJSON, _ := json.Marshal(r.FilesModified)
	cmdsJSON, _ := json.Marshal(r.CommandsExecuted)
	var id int64
	err := s.withRetry(func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO results
			(task_id, output, files_modified, commands_executed, processing_time_seconds,
			 git_commit_sha, git_pr_url, git_branch, workspace_path, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.TaskID, r.Output, string(filesJSON), string(cmdsJSON), r.ProcessingTimeSeconds,
			r.GitCommitSHA, r.GitPRURL, r.GitBranch, r.WorkspacePath, formatTime(r.CreatedAt))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func scanResult(scan func(dest ...interface{}) error) (*Result, error) {
	var r Result
	var filesJSON, cmdsJSON, createdAt string
	if err := scan(&r.ID, &r.TaskID, &r.Output, &filesJSON, &cmdsJSON, &r.ProcessingTimeSeconds,
		&r.GitCommitSHA, &r.GitPRURL, &r.GitBranch, &r.WorkspacePath, &createdAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(filesJSON), &r.FilesModified)
	_ = json.Unmarshal([]byte(cmdsJSON), &r.CommandsExecuted)
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = ts
	return &r, nil
}

const resultColumns = `id, task_id, output, files_modified, commands_executed, processing_time_seconds,
	git_commit_sha, git_pr_url, git_branch, workspace_path, created_at`

func (s *SQLiteStore) GetResult(ctx context.Context, id int64) (*Result, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE id = ?`, id)
	r, err := scanResult(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) GetTaskResults(ctx context.Context, taskID int64) ([]*Result, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+resultColumns+` FROM results WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Result
	for rows.Next() {
		r, err := scanResult(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateResultCommitInfo(ctx context.Context, resultID int64, sha, prURL, branch string) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE results SET git_commit_sha = ?, git_pr_url = ?, git_branch = ? WHERE id = ?`,
			sha, prURL, branch, resultID)
		return err
	})
}

func (s *SQLiteStore) RecordUsageMetric(ctx context.Context, m *UsageMetric) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	var id int64
	err := s.withRetry(func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO usage_metrics
			(task_id, total_cost_usd, duration_ms, duration_api_ms, num_turns, project_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.TaskID, m.TotalCostUSD, m.DurationMs, m.DurationAPIMs, m.NumTurns, m.ProjectID, formatTime(m.CreatedAt))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (s *SQLiteStore) GetUsageMetricsInRange(ctx context.Context, start, end time.Time) ([]*UsageMetric, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, total_cost_usd, duration_ms, duration_api_ms, num_turns, project_id, created_at
		FROM usage_metrics WHERE created_at >= ? AND created_at < ? ORDER BY created_at ASC`,
		formatTime(start), formatTime(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*UsageMetric
	for rows.Next() {
		m := &UsageMetric{}
		var createdAt string
		if err := rows.Scan(&m.ID, &m.TaskID, &m.TotalCostUSD, &m.DurationMs, &m.DurationAPIMs, &m.NumTurns, &m.ProjectID, &createdAt); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, err
		}
		m.CreatedAt = ts
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddGenerationHistory(ctx context.Context, h *GenerationHistory) (int64, error) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	var id int64
	err := s.withRetry(func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO generation_history
			(task_id, source, usage_percent_at_generation, source_metadata, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			h.TaskID, h.Source, h.UsagePercentAtGeneration, h.SourceMetadata, formatTime(h.CreatedAt))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (s *SQLiteStore) CountGenerationHistorySince(ctx context.Context, since time.Time) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generation_history WHERE created_at >= ?`, formatTime(since))
	err := row.Scan(&n)
	return n, err
}

func (s *SQLiteStore) AddTaskPoolEntry(ctx context.Context, e *TaskPoolEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var id int64
	err := s.withRetry(func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO task_pool (description, priority, category, used, project_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.Description, string(e.Priority), e.Category, e.Used, e.ProjectID, formatTime(e.CreatedAt))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// PickTaskPoolEntry returns the least-used pool entry for the given
// project (or any project when projectID is empty) and increments its
// use count.
func (s *SQLiteStore) PickTaskPoolEntry(ctx context.Context, projectID string) (*TaskPoolEntry, error) {
	var out *TaskPoolEntry
	err := s.withRetry(func() error {
		var row *sql.Row
		if projectID != "" {
			row = s.db.QueryRowContext(ctx, `SELECT id, description, priority, category, used, project_id, created_at
				FROM task_pool WHERE project_id = ? ORDER BY used ASC, id ASC LIMIT 1`, projectID)
		} else {
			row = s.db.QueryRowContext(ctx, `SELECT id, description, priority, category, used, project_id, created_at
				FROM task_pool ORDER BY used ASC, id ASC LIMIT 1`)
		}
		e := &TaskPoolEntry{}
		var createdAt string
		if err := row.Scan(&e.ID, &e.Description, &e.Priority, &e.Category, &e.Used, &e.ProjectID, &createdAt); err != nil {
			if err == sql.ErrNoRows {
				out = nil
				return nil
			}
			return err
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return err
		}
		e.CreatedAt = ts
		if _, err := s.db.ExecContext(ctx, `UPDATE task_pool SET used = used + 1 WHERE id = ?`, e.ID); err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

var _ Store = (*SQLiteStore)(nil)
