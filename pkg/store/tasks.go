package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cuemby/foreman/pkg/types"
)

// UpsertTask inserts or replaces a task. CreatedAt is preserved on replace;
// UpdatedAt advances monotonically at write.
func (s *Store) UpsertTask(ctx context.Context, task *types.Task) error {
	filesJSON, err := json.Marshal(task.Files)
	if err != nil {
		return fmt.Errorf("failed to encode files: %w", err)
	}

	now := types.NowMs()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	if task.State == "" {
		task.State = types.TaskStateReady
	}
	task.UpdatedAt = now

	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, "constraint", priority, state, attempts, files, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				"constraint" = excluded."constraint",
				priority = excluded.priority,
				state = excluded.state,
				attempts = excluded.attempts,
				files = excluded.files,
				payload = excluded.payload,
				updated_at = excluded.updated_at`,
			task.ID, task.Title, task.Description, task.PolicyLabel, task.Priority,
			string(task.State), task.Attempts, string(filesJSON), task.Payload,
			task.CreatedAt, task.UpdatedAt)
		return err
	})
}

// LoadTask loads a task by id. Returns ErrNotFound if the task does not exist.
func (s *Store) LoadTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, "constraint", priority, state, attempts, files, payload, created_at, updated_at
		FROM tasks WHERE id = ?`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return task, nil
}

// ListTasks returns tasks in a given state ordered by (priority desc,
// created_at asc, id asc). An empty state lists everything.
func (s *Store) ListTasks(ctx context.Context, state types.TaskState) ([]*types.Task, error) {
	query := `
		SELECT id, title, description, "constraint", priority, state, attempts, files, payload, created_at, updated_at
		FROM tasks`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, wrapErr(rows.Err())
}

// UpdateTaskState transitions a task from one state to another. Fails with
// ErrContended if the current state is not `from`, ErrNotFound if the task
// is missing.
func (s *Store) UpdateTaskState(ctx context.Context, id string, from, to types.TaskState) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
			string(to), types.NowMs(), id, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, id).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return fmt.Errorf("task %s: %w", id, types.ErrNotFound)
			}
			return fmt.Errorf("task %s not in state %s: %w", id, from, types.ErrContended)
		}
		return nil
	})
}

// ResetTask re-opens a FAILED task: attempts return to zero and the state
// returns to READY.
func (s *Store) ResetTask(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, attempts = 0, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(types.TaskStateReady), types.NowMs(), id, string(types.TaskStateFailed))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("task %s not in FAILED state: %w", id, types.ErrNotFound)
		}
		return nil
	})
}

// RemoveTask deletes a task. Forbidden while a live lease references it.
func (s *Store) RemoveTask(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var live int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM leases WHERE task_id = ? AND lease_expires_at > ?`,
			id, types.NowMs()).Scan(&live)
		if err != nil {
			return err
		}
		if live > 0 {
			return fmt.Errorf("task %s has an active lease: %w", id, types.ErrInvariant)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("task %s: %w", id, types.ErrNotFound)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var task types.Task
	var state, filesJSON string
	if err := row.Scan(&task.ID, &task.Title, &task.Description, &task.PolicyLabel,
		&task.Priority, &state, &task.Attempts, &filesJSON, &task.Payload,
		&task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.State = types.TaskState(state)
	if err := json.Unmarshal([]byte(filesJSON), &task.Files); err != nil {
		return nil, fmt.Errorf("failed to decode files for task %s: %w", task.ID, err)
	}
	return &task, nil
}
