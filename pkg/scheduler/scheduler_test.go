package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/foreman/pkg/dag"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spyBus captures published events for assertions.
type spyBus struct {
	mu     sync.Mutex
	events []*events.Event
}

func (s *spyBus) Publish(event *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *spyBus) count(kind events.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *store.Store, *spyBus) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := &spyBus{}
	sched, err := New(context.Background(), st, dag.NewEngine(), bus, cfg)
	require.NoError(t, err)
	return sched, st, bus
}

func createTask(t *testing.T, sched *Scheduler, id string, priority int) *types.Task {
	t.Helper()
	task := &types.Task{ID: id, Title: "task " + id, Priority: priority}
	require.NoError(t, sched.CreateTask(context.Background(), task))
	return task
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.RenewalInterval = 20 * time.Second
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RetryBudget = 0
	assert.Error(t, cfg.Validate())
}

func TestTwoAgentsNeverShareATask(t *testing.T) {
	sched, _, _ := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, sched, "t1", 0)
	createTask(t, sched, "t2", 0)

	a1, err := sched.Reserve(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, a1)
	a2, err := sched.Reserve(ctx, "agent-2")
	require.NoError(t, err)
	require.NotNil(t, a2)

	// Each agent got a distinct task.
	assert.NotEqual(t, a1.Task.ID, a2.Task.ID)

	// The backlog is drained; a third reservation finds nothing.
	a3, err := sched.Reserve(ctx, "agent-3")
	require.NoError(t, err)
	assert.Nil(t, a3)
}

func TestDependencyGating(t *testing.T) {
	sched, _, _ := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, sched, "parent", 0)
	createTask(t, sched, "child", 5) // higher priority but gated

	require.NoError(t, sched.AddDependency(ctx, "child", "parent", types.DependencyHard, ""))

	// Only the parent is runnable despite the child's priority.
	a, err := sched.Reserve(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "parent", a.Task.ID)

	// No second candidate while the parent runs.
	blocked, err := sched.Reserve(ctx, "agent-2")
	require.NoError(t, err)
	assert.Nil(t, blocked)

	// Completing the parent unblocks the child.
	require.NoError(t, sched.Release(ctx, "agent-1", "parent", types.VerifyPass, nil))

	a, err = sched.Reserve(ctx, "agent-2")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "child", a.Task.ID)
}

func TestNewHardDependencyDemotesReadyTask(t *testing.T) {
	sched, st, _ := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, sched, "parent", 0)
	createTask(t, sched, "child", 0)

	require.NoError(t, sched.AddDependency(ctx, "child", "parent", types.DependencyHard, ""))

	child, err := st.LoadTask(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatePending, child.State)
}

func TestLeaseExpiryReclaim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeaseTTL = -time.Second // expires immediately
	cfg.RenewalInterval = -time.Second
	sched, st, bus := newTestScheduler(t, cfg)
	ctx := context.Background()
	createTask(t, sched, "t1", 0)

	a, err := sched.Reserve(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 1, a.Lease.Attempt)

	reclaimed, err := sched.ReclaimDue(ctx, types.NowMs())
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "t1", reclaimed[0].TaskID)
	assert.Equal(t, "agent-1", reclaimed[0].PriorAgent)
	assert.Equal(t, 1, bus.count(events.KindLeaseReclaimed))

	// The task is READY again with its attempt recorded.
	task, err := st.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateReady, task.State)
	assert.Equal(t, 1, task.Attempts)

	// Another agent picks it up; the original holder's release now fails
	// and cannot complete agent-2's in-flight work.
	b, err := sched.Reserve(ctx, "agent-2")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, 2, b.Lease.Attempt)

	err = sched.Release(ctx, "agent-1", "t1", types.VerifyPass, nil)
	assert.ErrorIs(t, err, types.ErrLeaseLost)

	task, err = st.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateReserved, task.State)
	assert.Equal(t, 2, task.Attempts)
}

func TestRemoveDependencyRestoresReadiness(t *testing.T) {
	sched, st, _ := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, sched, "parent", 0)
	createTask(t, sched, "child", 1)

	before := sched.Graph().Validate()
	require.True(t, before.IsValid)

	require.NoError(t, sched.AddDependency(ctx, "child", "parent", types.DependencyHard, ""))
	child, err := st.LoadTask(ctx, "child")
	require.NoError(t, err)
	require.Equal(t, types.TaskStatePending, child.State)

	require.NoError(t, sched.RemoveDependency(ctx, "child", "parent"))

	// Validation is back to its pre-edge output and the child is
	// schedulable again without any unrelated release in between.
	after := sched.Graph().Validate()
	assert.Equal(t, before.IsValid, after.IsValid)
	assert.Equal(t, before.SortedTasks, after.SortedTasks)

	child, err = st.LoadTask(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateReady, child.State)

	a, err := sched.Reserve(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "child", a.Task.ID)
}

func TestReclaimDueEmptyIsNoOp(t *testing.T) {
	sched, _, _ := newTestScheduler(t, DefaultConfig())

	reclaimed, err := sched.ReclaimDue(context.Background(), types.NowMs())
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestCyclePrevention(t *testing.T) {
	sched, st, _ := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, sched, "a", 0)
	createTask(t, sched, "b", 0)
	createTask(t, sched, "c", 0)

	require.NoError(t, sched.AddDependency(ctx, "b", "a", types.DependencyHard, ""))
	require.NoError(t, sched.AddDependency(ctx, "c", "b", types.DependencyHard, ""))

	err := sched.AddDependency(ctx, "a", "c", types.DependencyHard, "")
	assert.ErrorIs(t, err, types.ErrWouldCycle)

	// The rejected edge reached neither the store nor the graph.
	deps, err := st.ListDependencies(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, deps)
	assert.True(t, sched.Graph().Validate().IsValid)
}

func TestFileReservationConflict(t *testing.T) {
	sched, st, _ := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()

	shared := []string{"pkg/api/server.go"}
	require.NoError(t, sched.CreateTask(ctx, &types.Task{ID: "t1", Title: "first", Files: shared, Priority: 1}))
	require.NoError(t, sched.CreateTask(ctx, &types.Task{ID: "t2", Title: "second", Files: shared}))

	a, err := sched.Reserve(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "t1", a.Task.ID)

	// t2 needs the same path: the reservation rolls back and surfaces the
	// conflicting paths.
	_, err = sched.Reserve(ctx, "agent-2")
	require.Error(t, err)
	conflict, ok := types.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, shared, conflict.Paths)

	// t2 is READY again, attempts untouched, no lease row left behind.
	task, err := st.LoadTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateReady, task.State)
	assert.Equal(t, 0, task.Attempts)
	_, err = st.ActiveLease(ctx, "t2")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// After agent-1 finishes, the path frees up and t2 becomes reservable.
	require.NoError(t, sched.Release(ctx, "agent-1", "t1", types.VerifyPass, nil))
	b, err := sched.Reserve(ctx, "agent-2")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "t2", b.Task.ID)
}

func TestReleaseIdempotent(t *testing.T) {
	sched, _, bus := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, sched, "t1", 0)

	a, err := sched.Reserve(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, a)

	require.NoError(t, sched.Release(ctx, "agent-1", "t1", types.VerifyPass, nil))
	require.NoError(t, sched.Release(ctx, "agent-1", "t1", types.VerifyPass, nil))

	// The terminal event was recorded exactly once.
	trail, err := sched.Events(ctx, "t1")
	require.NoError(t, err)
	completed := 0
	for _, e := range trail {
		if e.Kind == string(events.KindTaskCompleted) {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, bus.count(events.KindTaskCompleted))
}

func TestReleaseFailOutcome(t *testing.T) {
	sched, st, _ := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, sched, "t1", 0)

	_, err := sched.Reserve(ctx, "agent-1")
	require.NoError(t, err)

	require.NoError(t, sched.Release(ctx, "agent-1", "t1", types.VerifyFail, []byte(`{"reason":"tests red"}`)))

	task, err := st.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailed, task.State)

	// Reset re-opens the task for another run.
	require.NoError(t, sched.Reset(ctx, "t1"))
	task, err = st.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateReady, task.State)
	assert.Equal(t, 0, task.Attempts)
}

func TestProgressMarksRunning(t *testing.T) {
	sched, st, _ := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, sched, "t1", 0)

	_, err := sched.Reserve(ctx, "agent-1")
	require.NoError(t, err)

	require.NoError(t, sched.Progress(ctx, "agent-1", "t1"))
	task, err := st.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, task.State)

	// Repeated progress reports are harmless.
	require.NoError(t, sched.Progress(ctx, "agent-1", "t1"))

	// A stranger cannot report progress on someone else's task.
	err = sched.Progress(ctx, "agent-2", "t1")
	assert.ErrorIs(t, err, types.ErrLeaseLost)

	hb, err := st.GetHeartbeat(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusWorking, hb.Status)
}

func TestAttemptsCeilingExhausts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AttemptsCeiling = 2
	sched, st, _ := newTestScheduler(t, cfg)
	ctx := context.Background()

	task := createTask(t, sched, "t1", 0)
	task.Attempts = 2
	require.NoError(t, st.UpsertTask(ctx, task))
	sched.Graph().AddTask(task)

	a, err := sched.Reserve(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, a)

	got, err := st.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailed, got.State)

	trail, err := sched.Events(ctx, "t1")
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, string(events.KindTaskFailed), trail[len(trail)-1].Kind)
}

func TestReserveOrderFollowsPriority(t *testing.T) {
	sched, _, _ := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, sched, "low", 0)
	createTask(t, sched, "high", 9)

	a, err := sched.Reserve(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "high", a.Task.ID)
}

func TestRemoveTaskWithLiveLeaseForbidden(t *testing.T) {
	sched, _, _ := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, sched, "t1", 0)

	_, err := sched.Reserve(ctx, "agent-1")
	require.NoError(t, err)

	err = sched.RemoveTask(ctx, "t1")
	assert.ErrorIs(t, err, types.ErrInvariant)

	require.NoError(t, sched.Release(ctx, "agent-1", "t1", types.VerifyPass, nil))
	assert.NoError(t, sched.RemoveTask(ctx, "t1"))
}

func TestStaleAgentReclaim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaleAgentAfter = time.Minute
	sched, st, bus := newTestScheduler(t, cfg)
	ctx := context.Background()
	createTask(t, sched, "t1", 0)

	_, err := sched.Reserve(ctx, "agent-1")
	require.NoError(t, err)

	// The agent last heartbeated five minutes ago; its unexpired lease is
	// reclaimed anyway.
	stale := types.NowMs() - 5*60*1000
	require.NoError(t, st.UpsertHeartbeat(ctx, "agent-1", types.AgentStatusWorking, 0, stale))

	reclaimed, err := sched.ReclaimDue(ctx, types.NowMs())
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "t1", reclaimed[0].TaskID)
	assert.Equal(t, 1, bus.count(events.KindLeaseReclaimed))

	task, err := st.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateReady, task.State)
}

func TestRestartRehydratesGraph(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	ctx := context.Background()

	sched, err := New(ctx, st, dag.NewEngine(), nil, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, sched.CreateTask(ctx, &types.Task{ID: "parent", Title: "p"}))
	require.NoError(t, sched.CreateTask(ctx, &types.Task{ID: "child", Title: "c"}))
	require.NoError(t, sched.AddDependency(ctx, "child", "parent", types.DependencyHard, ""))
	require.NoError(t, st.Close())

	// A fresh process over the same database sees the same gating.
	st2, err := store.Open(dir)
	require.NoError(t, err)
	defer st2.Close()
	sched2, err := New(ctx, st2, dag.NewEngine(), nil, DefaultConfig())
	require.NoError(t, err)

	a, err := sched2.Reserve(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "parent", a.Task.ID)
}
