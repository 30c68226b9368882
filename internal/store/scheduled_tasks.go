package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTaskNotFound is returned when a scheduled-task lookup misses.
var ErrTaskNotFound = errors.New("scheduled task not found")

// ScheduledTask is a cron-scheduled prompt injected into a lane's chat.
type ScheduledTask struct {
	TaskID      string     `json:"task_id"`
	GroupFolder string     `json:"group_folder"`
	ChatJID     string     `json:"chat_jid"`
	Schedule    string     `json:"schedule"`
	Prompt      string     `json:"prompt"`
	Paused      bool       `json:"paused"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
}

// CreateScheduledTask persists a new task row.
func (s *Store) CreateScheduledTask(ctx context.Context, t ScheduledTask) error {
	if t.TaskID == "" || t.ChatJID == "" || t.Schedule == "" {
		return fmt.Errorf("scheduled task requires task_id, chat_jid and schedule")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (task_id, group_folder, chat_jid, schedule, prompt, paused, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.GroupFolder, t.ChatJID, t.Schedule, t.Prompt, boolToInt(t.Paused), t.CreatedBy, timeToDB(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

// GetScheduledTask fetches one task by id.
func (s *Store) GetScheduledTask(ctx context.Context, taskID string) (ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT task_id, group_folder, chat_jid, schedule, prompt, paused, created_by, created_at, last_run_at
FROM scheduled_tasks WHERE task_id = ?`, taskID)
	return scanScheduledTask(row)
}

// ListScheduledTasks returns every task, optionally scoped to one lane folder.
func (s *Store) ListScheduledTasks(ctx context.Context, groupFolder string) ([]ScheduledTask, error) {
	query := `
SELECT task_id, group_folder, chat_jid, schedule, prompt, paused, created_by, created_at, last_run_at
FROM scheduled_tasks`
	var args []any
	if groupFolder != "" {
		query += ` WHERE group_folder = ?`
		args = append(args, groupFolder)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetScheduledTaskPaused toggles the paused flag.
func (s *Store) SetScheduledTaskPaused(ctx context.Context, taskID string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET paused = ? WHERE task_id = ?`, boolToInt(paused), taskID)
	if err != nil {
		return fmt.Errorf("set task paused: %w", err)
	}
	return requireTaskRow(res, taskID)
}

// TouchScheduledTask records the last fire time.
func (s *Store) TouchScheduledTask(ctx context.Context, taskID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET last_run_at = ? WHERE task_id = ?`, timeToDB(at), taskID)
	if err != nil {
		return fmt.Errorf("touch task: %w", err)
	}
	return requireTaskRow(res, taskID)
}

// DeleteScheduledTask removes a task row.
func (s *Store) DeleteScheduledTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireTaskRow(res, taskID)
}

func scanScheduledTask(row rowScanner) (ScheduledTask, error) {
	var t ScheduledTask
	var paused int
	var createdAt string
	var lastRun sql.NullString
	err := row.Scan(&t.TaskID, &t.GroupFolder, &t.ChatJID, &t.Schedule, &t.Prompt, &paused, &t.CreatedBy, &createdAt, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, ErrTaskNotFound
	}
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("scan scheduled task: %w", err)
	}
	t.Paused = paused != 0
	t.CreatedAt = timeFromDB(createdAt)
	t.LastRunAt = timePtrFromDB(lastRun)
	return t, nil
}

func requireTaskRow(res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return nil
}
