package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cuemby/foreman/pkg/types"
)

// AcquireReservation grants the agent an exclusive reservation over the
// path for the lease window. Identical in shape to TryReserve but keyed by
// file_path: an active reservation held by another agent yields
// ErrContended; expired or released rows count as absent. Re-acquisition by
// the same holder extends the lease.
func (s *Store) AcquireReservation(ctx context.Context, path, agentID string, ttl time.Duration, reason string) (*types.FileReservation, error) {
	now := types.NowMs()
	expiresAt := now + ttl.Milliseconds()
	var res *types.FileReservation

	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `
			INSERT INTO file_reservations (file_path, agent_id, lease_expires_at, created_at, updated_at, status, lease_reason)
			VALUES (?, ?, ?, ?, ?, 'active', ?)
			ON CONFLICT(file_path) DO UPDATE SET
				agent_id = excluded.agent_id,
				lease_expires_at = excluded.lease_expires_at,
				updated_at = excluded.updated_at,
				status = 'active',
				lease_reason = excluded.lease_reason
			WHERE file_reservations.status != 'active'
				OR file_reservations.lease_expires_at <= ?
				OR file_reservations.agent_id = excluded.agent_id`,
			path, agentID, expiresAt, now, now, reason, now)
		if err != nil {
			return err
		}
		n, err := r.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("path %s already reserved: %w", path, types.ErrContended)
		}

		res = &types.FileReservation{
			FilePath:       path,
			AgentID:        agentID,
			LeaseExpiresAt: expiresAt,
			CreatedAt:      now,
			UpdatedAt:      now,
			Status:         types.ReservationActive,
			LeaseReason:    reason,
		}
		return tx.QueryRowContext(ctx, `SELECT id FROM file_reservations WHERE file_path = ?`, path).Scan(&res.ID)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReleaseReservation marks the agent's active reservation released.
func (s *Store) ReleaseReservation(ctx context.Context, path, agentID string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE file_reservations SET status = 'released', updated_at = ?
			WHERE file_path = ? AND agent_id = ? AND status = 'active'`,
			types.NowMs(), path, agentID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("reservation on %s by %s: %w", path, agentID, types.ErrNotFound)
		}
		return nil
	})
}

// ReleaseAgentReservations releases every active reservation held by the
// agent. Returns the released paths.
func (s *Store) ReleaseAgentReservations(ctx context.Context, agentID string) ([]string, error) {
	var paths []string
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT file_path FROM file_reservations WHERE agent_id = ? AND status = 'active'`, agentID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return err
			}
			paths = append(paths, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE file_reservations SET status = 'released', updated_at = ?
			WHERE agent_id = ? AND status = 'active'`, types.NowMs(), agentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// ConflictingPaths returns the subset of paths actively reserved by a
// different agent.
func (s *Store) ConflictingPaths(ctx context.Context, paths []string, agentID string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	query := `
		SELECT file_path FROM file_reservations
		WHERE status = 'active' AND lease_expires_at > ? AND agent_id != ? AND file_path IN (?` +
		repeatPlaceholder(len(paths)-1) + `) ORDER BY file_path`

	args := []any{types.NowMs(), agentID}
	for _, p := range paths {
		args = append(args, p)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var conflicts []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, wrapErr(err)
		}
		conflicts = append(conflicts, p)
	}
	return conflicts, wrapErr(rows.Err())
}

// ExpireReservations marks every active reservation past its lease expired.
// Returns the number of rows flipped.
func (s *Store) ExpireReservations(ctx context.Context, nowMs int64) (int64, error) {
	var n int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE file_reservations SET status = 'expired', updated_at = ?
			WHERE status = 'active' AND lease_expires_at <= ?`, types.NowMs(), nowMs)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// GetReservation loads the reservation row for a path.
func (s *Store) GetReservation(ctx context.Context, path string) (*types.FileReservation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, file_path, agent_id, lease_expires_at, created_at, updated_at, status, lease_reason, metadata
		FROM file_reservations WHERE file_path = ?`, path)

	var r types.FileReservation
	var status string
	err := row.Scan(&r.ID, &r.FilePath, &r.AgentID, &r.LeaseExpiresAt,
		&r.CreatedAt, &r.UpdatedAt, &status, &r.LeaseReason, &r.Metadata)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reservation for %s: %w", path, types.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	r.Status = types.ReservationStatus(status)
	return &r, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
