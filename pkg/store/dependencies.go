package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cuemby/foreman/pkg/types"
)

// CycleGuard is consulted inside the AddDependency transaction before the
// edge is written. It returns an error (typically ErrWouldCycle) when the
// proposed hard edge would break acyclicity. The DAG engine provides the
// production implementation.
type CycleGuard func(taskID, dependsOnID string, kind types.DependencyType) error

// AddDependency inserts a dependency edge after the guard approves it. The
// write and the validation commit or fail together. Re-adding an existing
// pair updates its kind and description (at most one edge per ordered pair),
// matching the in-memory graph's semantics.
func (s *Store) AddDependency(ctx context.Context, dep *types.Dependency, guard CycleGuard) error {
	if dep.TaskID == dep.DependsOnID {
		return fmt.Errorf("task %s cannot depend on itself: %w", dep.TaskID, types.ErrWouldCycle)
	}
	if dep.Type == "" {
		dep.Type = types.DependencyHard
	}
	if dep.Metadata == "" {
		dep.Metadata = "{}"
	}
	now := types.NowMs()
	if dep.CreatedAt == 0 {
		dep.CreatedAt = now
	}
	dep.UpdatedAt = now

	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if guard != nil {
			if err := guard(dep.TaskID, dep.DependsOnID, dep.Type); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_task_id, dependency_type, description, created_at, updated_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id, depends_on_task_id) DO UPDATE SET
				dependency_type = excluded.dependency_type,
				description = excluded.description,
				updated_at = excluded.updated_at,
				metadata = excluded.metadata`,
			dep.TaskID, dep.DependsOnID, string(dep.Type), dep.Description,
			dep.CreatedAt, dep.UpdatedAt, dep.Metadata)
		return err
	})
}

// RemoveDependency deletes the edge between the ordered pair.
func (s *Store) RemoveDependency(ctx context.Context, taskID, dependsOnID string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM task_dependencies WHERE task_id = ? AND depends_on_task_id = ?`,
			taskID, dependsOnID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("dependency %s -> %s: %w", taskID, dependsOnID, types.ErrNotFound)
		}
		return nil
	})
}

// ListDependencies returns the edges going out of a task (its predecessors).
func (s *Store) ListDependencies(ctx context.Context, taskID string) ([]*types.Dependency, error) {
	return s.queryDependencies(ctx, `WHERE task_id = ?`, taskID)
}

// ListDependents returns the edges pointing at a task (its successors).
func (s *Store) ListDependents(ctx context.Context, taskID string) ([]*types.Dependency, error) {
	return s.queryDependencies(ctx, `WHERE depends_on_task_id = ?`, taskID)
}

// ListAllDependencies returns every dependency edge. Used to hydrate the
// in-memory graph at startup.
func (s *Store) ListAllDependencies(ctx context.Context) ([]*types.Dependency, error) {
	return s.queryDependencies(ctx, ``)
}

func (s *Store) queryDependencies(ctx context.Context, where string, args ...any) ([]*types.Dependency, error) {
	query := `
		SELECT id, task_id, depends_on_task_id, dependency_type, description, created_at, updated_at, metadata
		FROM task_dependencies ` + where + ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var deps []*types.Dependency
	for rows.Next() {
		var dep types.Dependency
		var kind string
		if err := rows.Scan(&dep.ID, &dep.TaskID, &dep.DependsOnID, &kind,
			&dep.Description, &dep.CreatedAt, &dep.UpdatedAt, &dep.Metadata); err != nil {
			return nil, wrapErr(err)
		}
		dep.Type = types.DependencyType(kind)
		deps = append(deps, &dep)
	}
	return deps, wrapErr(rows.Err())
}
