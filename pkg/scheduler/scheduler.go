package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/foreman/pkg/dag"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes the lease and reservation machinery.
type Config struct {
	LeaseTTL          time.Duration // default 30s
	HeartbeatInterval time.Duration // default 15s
	RenewalInterval   time.Duration // default 10s, must be < LeaseTTL/2
	RetryBudget       int           // reservation retries under contention, default 8
	AttemptsCeiling   int           // 0 disables the ceiling
	StaleAgentAfter   time.Duration // heartbeats older than this mark an agent stale
	ReaperInterval    time.Duration // 0 disables the self-timed reaper
}

// DefaultConfig returns the stock timing parameters.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:          30 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		RenewalInterval:   10 * time.Second,
		RetryBudget:       8,
		StaleAgentAfter:   2 * time.Minute,
	}
}

// Validate rejects timing combinations that would let a lease lapse between
// renewals.
func (c Config) Validate() error {
	if c.RenewalInterval >= c.LeaseTTL/2 {
		return fmt.Errorf("renewal interval %v must be < lease ttl %v / 2", c.RenewalInterval, c.LeaseTTL)
	}
	if c.RetryBudget < 1 {
		return fmt.Errorf("retry budget must be at least 1, got %d", c.RetryBudget)
	}
	return nil
}

// Assignment is what an agent receives from a successful reservation.
type Assignment struct {
	Task         *types.Task
	Lease        *types.Lease
	Dependencies []*types.Dependency
	BlockedBy    []string // always empty on a successful reservation
}

// Scheduler orchestrates the store, the dependency graph, and the
// backpressure layer to move tasks through their state machine. It is safe
// for concurrent use: any caller may invoke Reserve, Release, or ReclaimDue
// at the same time; the store's constraints arbitrate races.
type Scheduler struct {
	store  *store.Store
	graph  *dag.Engine
	bus    events.Publisher
	cfg    Config
	logger zerolog.Logger
}

// New creates a scheduler. The graph is hydrated from the store so restarts
// resume with a consistent view.
func New(ctx context.Context, st *store.Store, graph *dag.Engine, bus events.Publisher, cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		bus = events.Discard{}
	}

	tasks, err := st.ListTasks(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	deps, err := st.ListAllDependencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	graph.Hydrate(tasks, deps)

	return &Scheduler{
		store:  st,
		graph:  graph,
		bus:    bus,
		cfg:    cfg,
		logger: log.WithComponent("scheduler"),
	}, nil
}

// CreateTask persists a task and registers it with the graph. New tasks with
// unsatisfied hard dependencies start PENDING; otherwise READY.
func (s *Scheduler) CreateTask(ctx context.Context, task *types.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id required: %w", types.ErrInvariant)
	}
	if task.State == "" {
		task.State = types.TaskStateReady
	}
	if err := s.store.UpsertTask(ctx, task); err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}
	s.graph.AddTask(task)
	return nil
}

// AddDependency writes the edge through the store with the graph's cycle
// guard inside the same transaction, then mirrors it in memory. A new hard
// edge on a READY task whose predecessor is not COMPLETED demotes the task
// to PENDING.
func (s *Scheduler) AddDependency(ctx context.Context, taskID, dependsOnID string, kind types.DependencyType, description string) error {
	dep := &types.Dependency{TaskID: taskID, DependsOnID: dependsOnID, Type: kind, Description: description}
	if err := s.store.AddDependency(ctx, dep, store.CycleGuard(s.graph.Guard())); err != nil {
		return err
	}
	if err := s.graph.AddDependency(taskID, dependsOnID, kind); err != nil {
		// The store accepted the edge, so the in-memory graph must too.
		return fmt.Errorf("graph diverged from store: %w", types.ErrInvariant)
	}

	if kind != types.DependencyHard {
		return nil
	}
	pred, err := s.store.LoadTask(ctx, dependsOnID)
	if err != nil {
		return nil // predecessor not persisted yet; readiness sync will catch up
	}
	if pred.State != types.TaskStateCompleted {
		if err := s.store.UpdateTaskState(ctx, taskID, types.TaskStateReady, types.TaskStatePending); err == nil {
			s.graph.SetTaskState(taskID, types.TaskStatePending)
		}
	}
	return nil
}

// RemoveDependency removes the edge from the store and the graph, then
// promotes any PENDING task whose last hard gate just vanished.
func (s *Scheduler) RemoveDependency(ctx context.Context, taskID, dependsOnID string) error {
	if err := s.store.RemoveDependency(ctx, taskID, dependsOnID); err != nil {
		return err
	}
	s.graph.RemoveDependency(taskID, dependsOnID)
	return s.SyncReadiness(ctx)
}

// Reserve hands the agent the best runnable task under a fresh lease.
// Returns (nil, nil) when no candidate exists. Contention is retried within
// the budget and never surfaces unless the budget is exhausted. A file
// reservation conflict rolls the task lease back, leaves the task READY, and
// surfaces as a ConflictError.
func (s *Scheduler) Reserve(ctx context.Context, agentID string) (*Assignment, error) {
	start := time.Now()
	excluded := make(map[string]bool)

	for attempt := 0; attempt < s.cfg.RetryBudget; attempt++ {
		candidate := s.nextCandidate(excluded)
		if candidate == "" {
			return nil, nil
		}

		task, err := s.store.LoadTask(ctx, candidate)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				s.graph.RemoveTask(candidate)
				excluded[candidate] = true
				continue
			}
			return nil, err
		}

		if s.cfg.AttemptsCeiling > 0 && task.Attempts >= s.cfg.AttemptsCeiling {
			s.exhaust(ctx, task)
			excluded[candidate] = true
			continue
		}

		lease, err := s.store.TryReserve(ctx, agentID, candidate, s.cfg.LeaseTTL)
		if errors.Is(err, types.ErrContended) {
			excluded[candidate] = true
			continue
		}
		if err != nil {
			return nil, err
		}
		s.graph.SetTaskState(candidate, types.TaskStateReserved)

		if len(task.Files) > 0 {
			if conflict := s.acquireFiles(ctx, agentID, task); conflict != nil {
				// Roll the task lease back atomically; the task stays READY.
				if err := s.store.ReleaseLeaseToReady(ctx, agentID, candidate); err != nil {
					s.logger.Error().Err(err).Str("task_id", candidate).Msg("failed to roll back lease after file conflict")
				}
				s.graph.SetTaskState(candidate, types.TaskStateReady)
				metrics.FileConflicts.Inc()
				return nil, conflict
			}
		}

		task.State = types.TaskStateReserved
		task.Attempts = lease.Attempt
		deps, err := s.store.ListDependencies(ctx, candidate)
		if err != nil {
			return nil, err
		}

		s.recordTaskEvent(ctx, candidate, events.KindTaskReserved, map[string]any{
			"agent_id": agentID,
			"attempt":  lease.Attempt,
			"expires":  lease.ExpiresAt,
		})
		s.logger.Info().Str("task_id", candidate).Str("agent_id", agentID).Int("attempt", lease.Attempt).Msg("task reserved")
		metrics.ReservationLatency.Observe(time.Since(start).Seconds())

		return &Assignment{Task: task, Lease: lease, Dependencies: deps, BlockedBy: []string{}}, nil
	}

	return nil, fmt.Errorf("reservation retry budget exhausted: %w", types.ErrContended)
}

// nextCandidate picks the best executable task not yet excluded this call.
func (s *Scheduler) nextCandidate(excluded map[string]bool) string {
	for _, id := range s.graph.ExecutableTasks() {
		if !excluded[id] {
			return id
		}
	}
	return ""
}

// acquireFiles takes a file reservation per advisory path. Any conflict
// releases the paths already taken and reports the full offending set.
func (s *Scheduler) acquireFiles(ctx context.Context, agentID string, task *types.Task) *types.ConflictError {
	conflicts, err := s.store.ConflictingPaths(ctx, task.Files, agentID)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("conflict probe failed")
		return &types.ConflictError{Paths: task.Files}
	}
	if len(conflicts) > 0 {
		return &types.ConflictError{Paths: conflicts}
	}

	var taken []string
	for _, path := range task.Files {
		_, err := s.store.AcquireReservation(ctx, path, agentID, s.cfg.LeaseTTL, "task "+task.ID)
		if errors.Is(err, types.ErrContended) {
			// Lost a race after the probe; undo and report.
			for _, p := range taken {
				if rerr := s.store.ReleaseReservation(ctx, p, agentID); rerr != nil {
					s.logger.Error().Err(rerr).Str("path", p).Msg("failed to release reservation during rollback")
				}
			}
			return &types.ConflictError{Paths: []string{path}}
		}
		if err != nil {
			s.logger.Error().Err(err).Str("path", path).Msg("reservation acquire failed")
			return &types.ConflictError{Paths: []string{path}}
		}
		taken = append(taken, path)
	}
	return nil
}

// exhaust fails a task whose attempts passed the ceiling.
func (s *Scheduler) exhaust(ctx context.Context, task *types.Task) {
	if err := s.store.UpdateTaskState(ctx, task.ID, types.TaskStateReady, types.TaskStateFailed); err != nil {
		return
	}
	s.graph.SetTaskState(task.ID, types.TaskStateFailed)
	s.recordTaskEvent(ctx, task.ID, events.KindTaskFailed, map[string]any{
		"kind":     "EXHAUSTED",
		"attempts": task.Attempts,
	})
	s.logger.Warn().Str("task_id", task.ID).Int("attempts", task.Attempts).Msg("task exhausted attempts ceiling")
}

// Progress records the agent's first reported progress, driving the task
// RESERVED -> RUNNING and the agent's heartbeat to working.
func (s *Scheduler) Progress(ctx context.Context, agentID, taskID string) error {
	lease, err := s.store.ActiveLease(ctx, taskID)
	if err != nil {
		return fmt.Errorf("%w: no live lease for task %s", types.ErrLeaseLost, taskID)
	}
	if lease.AgentID != agentID {
		return fmt.Errorf("%w: task %s held by %s", types.ErrLeaseLost, taskID, lease.AgentID)
	}
	if err := s.store.UpdateTaskState(ctx, taskID, types.TaskStateReserved, types.TaskStateRunning); err != nil {
		if errors.Is(err, types.ErrContended) {
			return nil // already RUNNING
		}
		return err
	}
	s.graph.SetTaskState(taskID, types.TaskStateRunning)
	return s.store.UpsertHeartbeat(ctx, agentID, types.AgentStatusWorking, 0, types.NowMs())
}

// Release moves a held task to its terminal state, drops its lease and file
// reservations, and promotes any successors that became runnable.
// Idempotent for repeated calls with the same arguments.
func (s *Scheduler) Release(ctx context.Context, agentID, taskID string, outcome types.VerifyOutcome, details []byte) error {
	terminal := types.TaskStateCompleted
	kind := events.KindTaskCompleted
	if outcome == types.VerifyFail {
		terminal = types.TaskStateFailed
		kind = events.KindTaskFailed
	}

	task, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		return err
	}
	alreadyTerminal := task.State == terminal

	if err := s.store.ReleaseLease(ctx, agentID, taskID, terminal); err != nil {
		return err
	}
	s.graph.SetTaskState(taskID, terminal)

	if len(task.Files) > 0 {
		for _, path := range task.Files {
			if err := s.store.ReleaseReservation(ctx, path, agentID); err != nil && !errors.Is(err, types.ErrNotFound) {
				s.logger.Error().Err(err).Str("path", path).Msg("failed to release file reservation")
			}
		}
	}

	if !alreadyTerminal {
		data := map[string]any{"agent_id": agentID, "outcome": string(outcome)}
		if len(details) > 0 {
			data["details"] = json.RawMessage(details)
		}
		s.recordTaskEvent(ctx, taskID, kind, data)
		s.logger.Info().Str("task_id", taskID).Str("agent_id", agentID).Str("state", string(terminal)).Msg("task released")
	}

	return s.SyncReadiness(ctx)
}

// Reset re-opens a FAILED task: attempts return to zero, state to READY.
func (s *Scheduler) Reset(ctx context.Context, taskID string) error {
	if err := s.store.ResetTask(ctx, taskID); err != nil {
		return err
	}
	s.graph.SetTaskState(taskID, types.TaskStateReady)
	return nil
}

// RemoveTask deletes a task with no live lease from the store and the graph.
func (s *Scheduler) RemoveTask(ctx context.Context, taskID string) error {
	if err := s.store.RemoveTask(ctx, taskID); err != nil {
		return err
	}
	s.graph.RemoveTask(taskID)
	return nil
}

// SyncReadiness promotes PENDING tasks whose hard predecessors are all
// COMPLETED to READY.
func (s *Scheduler) SyncReadiness(ctx context.Context) error {
	pending, err := s.store.ListTasks(ctx, types.TaskStatePending)
	if err != nil {
		return err
	}
	blocked := make(map[string]bool)
	for _, id := range s.graph.BlockedTasks(nil) {
		blocked[id] = true
	}
	for _, task := range pending {
		if blocked[task.ID] {
			continue
		}
		if err := s.store.UpdateTaskState(ctx, task.ID, types.TaskStatePending, types.TaskStateReady); err != nil {
			if errors.Is(err, types.ErrContended) {
				continue // raced with another promoter
			}
			return err
		}
		s.graph.SetTaskState(task.ID, types.TaskStateReady)
	}
	return nil
}

// Heartbeat upserts an agent liveness record.
func (s *Scheduler) Heartbeat(ctx context.Context, agentID string, status types.AgentStatus, usagePercent float64) error {
	return s.store.UpsertHeartbeat(ctx, agentID, status, usagePercent, types.NowMs())
}

// Events returns the audit trail for a task.
func (s *Scheduler) Events(ctx context.Context, taskID string) ([]*types.Event, error) {
	return s.store.ListEvents(ctx, taskID)
}

// Graph exposes the dependency engine for read-only queries.
func (s *Scheduler) Graph() *dag.Engine {
	return s.graph
}

// recordTaskEvent appends to the durable audit trail and mirrors the event
// onto the bus. Audit failures are logged, never fatal: the state change
// already committed.
func (s *Scheduler) recordTaskEvent(ctx context.Context, taskID string, kind events.Kind, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	if err := s.store.AppendEvent(ctx, &types.Event{TaskID: taskID, Kind: string(kind), Data: payload}); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Str("kind", string(kind)).Msg("failed to append event")
	}
	s.bus.Publish(&events.Event{Kind: kind, TaskID: taskID, Message: string(kind)})
}
