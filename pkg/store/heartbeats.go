package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cuemby/foreman/pkg/types"
)

// UpsertHeartbeat records an agent's liveness tick.
func (s *Store) UpsertHeartbeat(ctx context.Context, agentID string, status types.AgentStatus, usagePercent float64, nowMs int64) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_heartbeats (agent_id, last_seen, status, context_usage_percent)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				last_seen = excluded.last_seen,
				status = excluded.status,
				context_usage_percent = excluded.context_usage_percent`,
			agentID, nowMs, string(status), usagePercent)
		return err
	})
}

// GetHeartbeat loads the latest heartbeat for an agent.
func (s *Store) GetHeartbeat(ctx context.Context, agentID string) (*types.Heartbeat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, last_seen, status, context_usage_percent
		FROM agent_heartbeats WHERE agent_id = ?`, agentID)

	var hb types.Heartbeat
	var status string
	err := row.Scan(&hb.AgentID, &hb.LastSeen, &status, &hb.ContextUsagePercent)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("heartbeat for agent %s: %w", agentID, types.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	hb.Status = types.AgentStatus(status)
	return &hb, nil
}

// StaleAgents returns the agents whose last heartbeat is older than the
// cutoff. Stale agents trigger lease reclaim.
func (s *Store) StaleAgents(ctx context.Context, cutoffMs int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id FROM agent_heartbeats WHERE last_seen < ? ORDER BY agent_id`, cutoffMs)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr(err)
		}
		agents = append(agents, id)
	}
	return agents, wrapErr(rows.Err())
}
