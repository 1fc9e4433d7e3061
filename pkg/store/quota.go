package store

import (
	"context"
	"database/sql"
)

const quotaWindowMs = int64(60 * 60 * 1000) // fixed 1-hour partitions

// QuotaSnapshot is the rolling request-count view for one provider.
type QuotaSnapshot struct {
	Provider     string
	Daily        int
	Weekly       int
	Monthly      int
	SlidingDay   int   // last 24 hours across fixed windows
	WindowCounts []int // per-window counts, oldest first, 24 entries
}

// RecordRequest increments the current fixed window for the provider.
func (s *Store) RecordRequest(ctx context.Context, provider string, nowMs int64) error {
	windowStart := nowMs - nowMs%quotaWindowMs
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO quota_windows (provider, window_start, count)
			VALUES (?, ?, 1)
			ON CONFLICT(provider, window_start) DO UPDATE SET count = count + 1`,
			provider, windowStart)
		return err
	})
}

// GetQuotaSnapshot computes the provider's rolling counters at the given
// instant. Windows older than 31 days are ignored.
func (s *Store) GetQuotaSnapshot(ctx context.Context, provider string, nowMs int64) (*QuotaSnapshot, error) {
	const dayMs = int64(24 * 60 * 60 * 1000)

	rows, err := s.db.QueryContext(ctx, `
		SELECT window_start, count FROM quota_windows
		WHERE provider = ? AND window_start > ? ORDER BY window_start ASC`,
		provider, nowMs-31*dayMs)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	snap := &QuotaSnapshot{Provider: provider, WindowCounts: make([]int, 24)}
	currentWindow := nowMs - nowMs%quotaWindowMs

	for rows.Next() {
		var start int64
		var count int
		if err := rows.Scan(&start, &count); err != nil {
			return nil, wrapErr(err)
		}

		age := nowMs - start
		if age < dayMs {
			snap.Daily += count
			snap.SlidingDay += count
			// Index windows oldest-first within the 24h view.
			idx := 23 - int((currentWindow-start)/quotaWindowMs)
			if idx >= 0 && idx < 24 {
				snap.WindowCounts[idx] = count
			}
		}
		if age < 7*dayMs {
			snap.Weekly += count
		}
		if age < 30*dayMs {
			snap.Monthly += count
		}
	}
	return snap, wrapErr(rows.Err())
}

// PruneQuotaWindows drops windows older than the retention horizon.
func (s *Store) PruneQuotaWindows(ctx context.Context, nowMs int64) error {
	const retentionMs = int64(31 * 24 * 60 * 60 * 1000)
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM quota_windows WHERE window_start <= ?`, nowMs-retentionMs)
		return err
	})
}
