package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cuemby/foreman/pkg/types"
)

// ReclaimedLease identifies a lease removed by ReclaimExpired.
type ReclaimedLease struct {
	TaskID     string
	PriorAgent string
}

// TryReserve atomically grants the agent a lease over the task and flips the
// task READY -> RESERVED. An expired lease row counts as absent. Returns
// ErrContended when another live lease holds the task or the task is no
// longer READY.
func (s *Store) TryReserve(ctx context.Context, agentID, taskID string, ttl time.Duration) (*types.Lease, error) {
	now := types.NowMs()
	expiresAt := now + ttl.Milliseconds()
	var lease *types.Lease

	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		// The task must still be READY; flipping first also bumps attempts,
		// the monotonic reservation counter.
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(types.TaskStateReserved), now, taskID, string(types.TaskStateReady))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("task %s not reservable: %w", taskID, types.ErrContended)
		}

		var attempt int
		if err := tx.QueryRowContext(ctx, `SELECT attempts FROM tasks WHERE id = ?`, taskID).Scan(&attempt); err != nil {
			return err
		}

		// The primary key on leases.task_id breaks ties between concurrent
		// reservers; an expired row may be overwritten, a live one may not.
		res, err = tx.ExecContext(ctx, `
			INSERT INTO leases (task_id, agent_id, lease_expires_at, attempt)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				agent_id = excluded.agent_id,
				lease_expires_at = excluded.lease_expires_at,
				attempt = excluded.attempt
			WHERE leases.lease_expires_at <= ?`,
			taskID, agentID, expiresAt, attempt, now)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("task %s already leased: %w", taskID, types.ErrContended)
		}

		lease = &types.Lease{TaskID: taskID, AgentID: agentID, ExpiresAt: expiresAt, Attempt: attempt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// RenewLease extends the lease to the new expiry. Succeeds only while the
// lease is still owned by the agent and not expired; otherwise ErrLeaseLost.
func (s *Store) RenewLease(ctx context.Context, agentID, taskID string, newExpiry int64) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE leases SET lease_expires_at = ?
			WHERE task_id = ? AND agent_id = ? AND lease_expires_at > ?`,
			newExpiry, taskID, agentID, types.NowMs())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("lease on task %s for agent %s: %w", taskID, agentID, types.ErrLeaseLost)
		}
		return nil
	})
}

// ReleaseLease deletes the agent's lease row and moves the task to a
// terminal state. Only the lease holder may release: an agent with no lease
// on the task gets ErrLeaseLost, so a late release after expiry and
// re-reservation cannot complete another agent's work. Idempotent: repeating
// an earlier release with the same arguments is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, agentID, taskID string, terminal types.TaskState) error {
	if !terminal.Terminal() {
		return fmt.Errorf("state %s is not terminal: %w", terminal, types.ErrInvariant)
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM leases WHERE task_id = ? AND agent_id = ?`, taskID, agentID)
		if err != nil {
			return err
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return err
		}

		var state string
		err = tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, taskID).Scan(&state)
		if err == sql.ErrNoRows {
			return fmt.Errorf("task %s: %w", taskID, types.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if deleted == 0 {
			if types.TaskState(state) == terminal {
				// Second release with the same arguments; the lease row went
				// with the first one.
				return nil
			}
			return fmt.Errorf("lease on task %s for agent %s: %w", taskID, agentID, types.ErrLeaseLost)
		}
		if types.TaskState(state) == terminal {
			return nil
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, updated_at = ?
			WHERE id = ? AND state IN (?, ?)`,
			string(terminal), types.NowMs(), taskID,
			string(types.TaskStateReserved), string(types.TaskStateRunning))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("task %s not held for release: %w", taskID, types.ErrContended)
		}
		return nil
	})
}

// ReleaseLeaseToReady deletes the lease row and returns the task to READY.
// Used when a reservation is rolled back before any work happened, e.g. a
// file reservation conflict.
func (s *Store) ReleaseLeaseToReady(ctx context.Context, agentID, taskID string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM leases WHERE task_id = ? AND agent_id = ?`, taskID, agentID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("lease on task %s for agent %s: %w", taskID, agentID, types.ErrNotFound)
		}

		// The rolled-back attempt recorded no work; undo the attempts bump.
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, attempts = attempts - 1, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(types.TaskStateReady), types.NowMs(), taskID, string(types.TaskStateReserved))
		return err
	})
}

// ActiveLease returns the live lease for a task, or ErrNotFound.
func (s *Store) ActiveLease(ctx context.Context, taskID string) (*types.Lease, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, agent_id, lease_expires_at, attempt
		FROM leases WHERE task_id = ? AND lease_expires_at > ?`, taskID, types.NowMs())

	var lease types.Lease
	err := row.Scan(&lease.TaskID, &lease.AgentID, &lease.ExpiresAt, &lease.Attempt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lease for task %s: %w", taskID, types.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return &lease, nil
}

// ListActiveLeases returns every live lease.
func (s *Store) ListActiveLeases(ctx context.Context) ([]*types.Lease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, agent_id, lease_expires_at, attempt
		FROM leases WHERE lease_expires_at > ?`, types.NowMs())
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var leases []*types.Lease
	for rows.Next() {
		var lease types.Lease
		if err := rows.Scan(&lease.TaskID, &lease.AgentID, &lease.ExpiresAt, &lease.Attempt); err != nil {
			return nil, wrapErr(err)
		}
		leases = append(leases, &lease)
	}
	return leases, wrapErr(rows.Err())
}

// ReclaimExpired removes every expired lease and flips its task back to
// READY. Returns the reclaimed (task, prior agent) pairs; the empty set when
// nothing is due.
func (s *Store) ReclaimExpired(ctx context.Context, nowMs int64) ([]ReclaimedLease, error) {
	var reclaimed []ReclaimedLease

	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT task_id, agent_id FROM leases WHERE lease_expires_at <= ?`, nowMs)
		if err != nil {
			return err
		}
		for rows.Next() {
			var r ReclaimedLease
			if err := rows.Scan(&r.TaskID, &r.PriorAgent); err != nil {
				rows.Close()
				return err
			}
			reclaimed = append(reclaimed, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range reclaimed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE task_id = ?`, r.TaskID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET state = ?, updated_at = ?
				WHERE id = ? AND state IN (?, ?)`,
				string(types.TaskStateReady), types.NowMs(), r.TaskID,
				string(types.TaskStateReserved), string(types.TaskStateRunning)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

// ReclaimAgentLeases removes every lease held by the agent regardless of
// expiry and returns its tasks to READY. Used when an agent goes stale.
func (s *Store) ReclaimAgentLeases(ctx context.Context, agentID string) ([]ReclaimedLease, error) {
	var reclaimed []ReclaimedLease

	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT task_id, agent_id FROM leases WHERE agent_id = ?`, agentID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var r ReclaimedLease
			if err := rows.Scan(&r.TaskID, &r.PriorAgent); err != nil {
				rows.Close()
				return err
			}
			reclaimed = append(reclaimed, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range reclaimed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE task_id = ?`, r.TaskID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET state = ?, updated_at = ?
				WHERE id = ? AND state IN (?, ?)`,
				string(types.TaskStateReady), types.NowMs(), r.TaskID,
				string(types.TaskStateReserved), string(types.TaskStateRunning)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}
