package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/tasklink/internal/bus"
)

type TaskStatus string

const (
	TaskStatusNew        TaskStatus = "new"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusNew: {
		TaskStatusInProgress: {},
		TaskStatusCompleted:  {},
		TaskStatusCancelled:  {},
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: {},
		TaskStatusCancelled: {},
	},
}

type TaskType string

const (
	TaskTypeBug          TaskType = "bug"
	TaskTypeRequirement  TaskType = "requirement"
	TaskTypeConsultation TaskType = "consultation"
)

// Task is a locally recorded request, optionally mirrored to the tracker.
// TrackerTaskID is nil until the remote twin exists and immutable after.
type Task struct {
	ID                int64      `json:"id"`
	TelegramMessageID int64      `json:"telegram_message_id"`
	TelegramChatID    int64      `json:"telegram_chat_id"`
	TelegramUserID    int64      `json:"telegram_user_id"`
	TrackerTaskID     *int64     `json:"tracker_task_id,omitempty"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Type              TaskType   `json:"task_type"`
	Project           string     `json:"project"`
	Status            TaskStatus `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Mirrored reports whether the task has a remote twin.
func (t Task) Mirrored() bool {
	return t.TrackerTaskID != nil
}

// TaskStats aggregates task counts per status.
type TaskStats struct {
	Total      int `json:"total"`
	New        int `json:"new"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Cancelled  int `json:"cancelled"`
	Mirrored   int `json:"mirrored"`
}

const taskColumns = `id, telegram_message_id, telegram_chat_id, telegram_user_id,
	tracker_task_id, title, description, task_type, project, status, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var trackerID sql.NullInt64
	err := row.Scan(&t.ID, &t.TelegramMessageID, &t.TelegramChatID, &t.TelegramUserID,
		&trackerID, &t.Title, &t.Description, &t.Type, &t.Project, &t.Status,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	if trackerID.Valid {
		id := trackerID.Int64
		t.TrackerTaskID = &id
	}
	return t, nil
}

// CreateTask inserts a new task in status "new" and returns it with its
// assigned ID.
func (s *Store) CreateTask(ctx context.Context, t Task) (Task, error) {
	if t.Type == "" {
		t.Type = TaskTypeConsultation
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (telegram_message_id, telegram_chat_id, telegram_user_id, title, description, task_type, project)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, t.TelegramMessageID, t.TelegramChatID, t.TelegramUserID, t.Title, t.Description, t.Type, t.Project)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask returns the task with the given local ID.
func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// GetTaskByTrackerID returns the task mirroring the given remote task.
func (s *Store) GetTaskByTrackerID(ctx context.Context, trackerTaskID int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE tracker_task_id = ?;`, trackerTaskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task by tracker id %d: %w", trackerTaskID, err)
	}
	return t, nil
}

// SetTrackerTaskID records the remote twin for a task. The link is immutable:
// setting the same ID again is a no-op, setting a different one fails with
// ErrTrackerIDConflict.
func (s *Store) SetTrackerTaskID(ctx context.Context, id, trackerTaskID int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var existing sql.NullInt64
		err = tx.QueryRowContext(ctx, `SELECT tracker_task_id FROM tasks WHERE id = ?;`, id).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if existing.Valid {
			if existing.Int64 == trackerTaskID {
				return nil
			}
			return ErrTrackerIDConflict
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET tracker_task_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, trackerTaskID, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrTrackerIDConflict) {
			return err
		}
		return fmt.Errorf("set tracker task id: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskMirrored, bus.TaskMirroredEvent{TaskID: id, TrackerTaskID: trackerTaskID})
	}
	return nil
}

// UpdateTaskStatus moves a task to a new status, enforcing the lifecycle.
// It returns the previous status. Setting the current status again is an
// idempotent no-op.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, newStatus TaskStatus) (TaskStatus, error) {
	var oldStatus TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, id).Scan(&oldStatus)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if oldStatus == newStatus {
			return nil
		}
		if _, ok := allowedTransitions[oldStatus][newStatus]; !ok {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, newStatus, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrInvalidTransition) {
			return oldStatus, err
		}
		return oldStatus, fmt.Errorf("update task status: %w", err)
	}
	return oldStatus, nil
}

// ListActiveMirrored returns all non-terminal tasks that have a remote twin,
// oldest first. This is the reconciliation working set.
func (s *Store) ListActiveMirrored(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE tracker_task_id IS NOT NULL AND status IN ('new', 'in_progress')
		ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list active mirrored: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListUserTasks returns a user's tasks, newest first.
func (s *Store) ListUserTasks(ctx context.Context, telegramUserID int64, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE telegram_user_id = ?
		ORDER BY id DESC LIMIT ?;
	`, telegramUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list user tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListChatTasks returns a chat's open tasks, newest first.
func (s *Store) ListChatTasks(ctx context.Context, telegramChatID int64, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE telegram_chat_id = ? AND status IN ('new', 'in_progress')
		ORDER BY id DESC LIMIT ?;
	`, telegramChatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ProjectCount aggregates a chat's tasks under one project label.
type ProjectCount struct {
	Project string `json:"project"`
	Open    int    `json:"open"`
	Total   int    `json:"total"`
}

// ListProjects returns per-project task counts for a chat. Tasks without
// a project label are not counted.
func (s *Store) ListProjects(ctx context.Context, telegramChatID int64) ([]ProjectCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project,
			COALESCE(SUM(status IN ('new', 'in_progress')), 0),
			COUNT(*)
		FROM tasks
		WHERE telegram_chat_id = ? AND project != ''
		GROUP BY project
		ORDER BY project ASC;
	`, telegramChatID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []ProjectCount
	for rows.Next() {
		var p ProjectCount
		if err := rows.Scan(&p.Project, &p.Open, &p.Total); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Stats returns aggregate task counts.
func (s *Store) Stats(ctx context.Context) (TaskStats, error) {
	var st TaskStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(status = 'new'), 0),
			COALESCE(SUM(status = 'in_progress'), 0),
			COALESCE(SUM(status = 'completed'), 0),
			COALESCE(SUM(status = 'cancelled'), 0),
			COALESCE(SUM(tracker_task_id IS NOT NULL), 0)
		FROM tasks;
	`).Scan(&st.Total, &st.New, &st.InProgress, &st.Completed, &st.Cancelled, &st.Mirrored)
	if err != nil {
		return TaskStats{}, fmt.Errorf("task stats: %w", err)
	}
	return st, nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
