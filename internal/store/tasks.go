package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusError     TaskStatus = "error"
	TaskStatusCompleted TaskStatus = "completed"
)

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

type ContextMode string

const (
	ContextGroup    ContextMode = "group"
	ContextIsolated ContextMode = "isolated"
)

// ScheduledTask is a persistent unit of recurring or one-off agent work,
// scoped to a chat folder and routed through that chat's queue.
type ScheduledTask struct {
	ID            string       `json:"id"`
	Folder        string       `json:"folder"`
	JID           string       `json:"jid"`
	Prompt        string       `json:"prompt"`
	ScheduleType  ScheduleType `json:"scheduleType"`
	ScheduleValue string       `json:"scheduleValue"`
	ContextMode   ContextMode  `json:"contextMode"`
	Status        TaskStatus   `json:"status"`
	NextRun       *time.Time   `json:"nextRun"`
	LastRun       *time.Time   `json:"lastRun"`
	LastResult    string       `json:"lastResult"`
	LastError     string       `json:"lastError"`
	RetryCount    int          `json:"retryCount"`
	MaxRetries    int          `json:"maxRetries"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// TaskRunLog is one append-only record of a task execution.
type TaskRunLog struct {
	TaskID     string    `json:"taskId"`
	RunAt      time.Time `json:"runAt"`
	DurationMs int64     `json:"durationMs"`
	Status     string    `json:"status"` // "success" or "error"
	Result     string    `json:"result"`
	Error      string    `json:"error"`
}

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskCompleted = errors.New("task is completed")
)

func (s *Store) CreateTask(ctx context.Context, t ScheduledTask) error {
	if t.MaxRetries <= 0 {
		t.MaxRetries = 3
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextGroup
	}
	if t.Status == "" {
		t.Status = TaskStatusActive
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, folder, jid, prompt, schedule_type, schedule_value,
				context_mode, status, next_run, max_retries)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.Folder, t.JID, t.Prompt, string(t.ScheduleType), t.ScheduleValue,
			string(t.ContextMode), string(t.Status), t.NextRun, t.MaxRetries)
		if err != nil {
			return fmt.Errorf("create task %s: %w", t.ID, err)
		}
		return nil
	})
}

func (s *Store) GetTask(ctx context.Context, id string) (ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+`WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, ErrTaskNotFound
	}
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns all tasks; folder narrows to one chat folder when
// non-empty.
func (s *Store) ListTasks(ctx context.Context, folder string) ([]ScheduledTask, error) {
	query := taskSelect + `ORDER BY created_at;`
	args := []any{}
	if folder != "" {
		query = taskSelect + `WHERE folder = ? ORDER BY created_at;`
		args = append(args, folder)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DueTasks returns active tasks whose next_run is at or before now, in
// next_run order. Ordering within one sweep decides enqueue order.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+`WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run;`, now)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTaskStatus transitions a task. Completed is terminal: any transition
// away from it fails with ErrTaskCompleted. A once task leaving active gets
// its next_run cleared.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == TaskStatusCompleted && status != TaskStatusCompleted {
		return ErrTaskCompleted
	}
	return retryOnBusy(ctx, 5, func() error {
		if cur.ScheduleType == ScheduleOnce && status != TaskStatusActive {
			_, err := s.db.ExecContext(ctx,
				`UPDATE tasks SET status = ?, next_run = NULL WHERE id = ?;`, string(status), id)
			return err
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ? WHERE id = ?;`, string(status), id)
		return err
	})
}

// MarkRunSuccess records a successful run: last_run/last_result updated,
// retry counter reset, last_error cleared, next_run advanced (nil for once).
func (s *Store) MarkRunSuccess(ctx context.Context, id string, runAt time.Time, nextRun *time.Time, result string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET last_run = ?, last_result = ?, last_error = NULL,
				retry_count = 0, next_run = ?
			WHERE id = ?;
		`, runAt, result, nextRun, id)
		if err != nil {
			return fmt.Errorf("mark run success %s: %w", id, err)
		}
		return nil
	})
}

// MarkRunFailure records a failed run and the new retry counter.
func (s *Store) MarkRunFailure(ctx context.Context, id string, runAt time.Time, nextRun *time.Time, errMsg string, retryCount int) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET last_run = ?, last_error = ?, retry_count = ?, next_run = ?
			WHERE id = ?;
		`, runAt, errMsg, retryCount, nextRun, id)
		if err != nil {
			return fmt.Errorf("mark run failure %s: %w", id, err)
		}
		return nil
	})
}

// SetNextRun updates only the next firing time.
func (s *Store) SetNextRun(ctx context.Context, id string, nextRun *time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET next_run = ? WHERE id = ?;`, nextRun, id)
		if err != nil {
			return fmt.Errorf("set next run %s: %w", id, err)
		}
		return nil
	})
}

// DeleteTask removes a task and its run logs. Deleting a missing id is a
// no-op, which makes cancel idempotent.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete task %s: %w", id, err)
		}
		return nil
	})
}

// AppendRunLog adds one run record. Logs against a completed task are
// rejected to keep the terminal state quiet.
func (s *Store) AppendRunLog(ctx context.Context, log TaskRunLog) error {
	task, err := s.GetTask(ctx, log.TaskID)
	if err != nil {
		return err
	}
	if task.Status == TaskStatusCompleted {
		return ErrTaskCompleted
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
			VALUES (?, ?, ?, ?, ?, ?);
		`, log.TaskID, log.RunAt, log.DurationMs, log.Status, log.Result, log.Error)
		if err != nil {
			return fmt.Errorf("append run log for %s: %w", log.TaskID, err)
		}
		return nil
	})
}

// RecentRunLogs returns up to n run logs for a task, newest first.
func (s *Store) RecentRunLogs(ctx context.Context, taskID string, n int) ([]TaskRunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, run_at, duration_ms, status, COALESCE(result, ''), COALESCE(error, '')
		FROM task_run_logs WHERE task_id = ? ORDER BY run_at DESC, id DESC LIMIT ?;
	`, taskID, n)
	if err != nil {
		return nil, fmt.Errorf("recent run logs for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		if err := rows.Scan(&l.TaskID, &l.RunAt, &l.DurationMs, &l.Status, &l.Result, &l.Error); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const taskSelect = `
	SELECT id, folder, jid, prompt, schedule_type, schedule_value, context_mode,
		status, next_run, last_run, COALESCE(last_result, ''), COALESCE(last_error, ''),
		retry_count, max_retries, created_at
	FROM tasks `

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (ScheduledTask, error) {
	var t ScheduledTask
	var schedType, ctxMode, status string
	var nextRun, lastRun sql.NullTime
	err := row.Scan(&t.ID, &t.Folder, &t.JID, &t.Prompt, &schedType, &t.ScheduleValue,
		&ctxMode, &status, &nextRun, &lastRun, &t.LastResult, &t.LastError,
		&t.RetryCount, &t.MaxRetries, &t.CreatedAt)
	if err != nil {
		return ScheduledTask{}, err
	}
	t.ScheduleType = ScheduleType(schedType)
	t.ContextMode = ContextMode(ctxMode)
	t.Status = TaskStatus(status)
	if nextRun.Valid {
		t.NextRun = &nextRun.Time
	}
	if lastRun.Valid {
		t.LastRun = &lastRun.Time
	}
	return t, nil
}
