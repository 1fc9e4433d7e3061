package store

import (
	"context"
	"database/sql"

	"github.com/cuemby/foreman/pkg/types"
	"github.com/google/uuid"
)

// AppendEvent appends one entry to the task's audit trail. Timestamps are
// forced strictly monotonic per task so that (task_id, ts) orders the trail.
func (s *Store) AppendEvent(ctx context.Context, event *types.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp == 0 {
		event.Timestamp = types.NowMs()
	}
	if len(event.Data) == 0 {
		event.Data = []byte("{}")
	}

	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var maxTS sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
			SELECT MAX(ts) FROM events WHERE task_id = ?`, event.TaskID).Scan(&maxTS); err != nil {
			return err
		}
		if maxTS.Valid && event.Timestamp <= maxTS.Int64 {
			event.Timestamp = maxTS.Int64 + 1
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, task_id, ts, kind, data_json)
			VALUES (?, ?, ?, ?, ?)`,
			event.ID, event.TaskID, event.Timestamp, event.Kind, string(event.Data))
		return err
	})
}

// ListEvents returns a task's audit trail ordered by timestamp.
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]*types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, ts, kind, data_json FROM events
		WHERE task_id = ? ORDER BY ts ASC`, taskID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		var ev types.Event
		var data string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Timestamp, &ev.Kind, &data); err != nil {
			return nil, wrapErr(err)
		}
		ev.Data = []byte(data)
		events = append(events, &ev)
	}
	return events, wrapErr(rows.Err())
}
