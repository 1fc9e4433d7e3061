package dag

import (
	"fmt"
	"testing"

	"github.com/cuemby/foreman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addTask(e *Engine, id string, state types.TaskState, priority int, createdAt int64) {
	e.AddTask(&types.Task{ID: id, Priority: priority, State: state, CreatedAt: createdAt})
}

func TestSelfDependencyRejected(t *testing.T) {
	e := NewEngine()
	addTask(e, "a", types.TaskStateReady, 0, 1)

	err := e.AddDependency("a", "a", types.DependencyHard)
	assert.ErrorIs(t, err, types.ErrWouldCycle)
}

func TestWouldCreateCycle(t *testing.T) {
	e := NewEngine()
	for _, id := range []string{"a", "b", "c"} {
		addTask(e, id, types.TaskStateReady, 0, 1)
	}
	// Chain c -> b -> a.
	require.NoError(t, e.AddDependency("b", "a", types.DependencyHard))
	require.NoError(t, e.AddDependency("c", "b", types.DependencyHard))

	// Closing the loop a -> c must be detected and rejected.
	assert.True(t, e.WouldCreateCycle("a", "c"))
	err := e.AddDependency("a", "c", types.DependencyHard)
	assert.ErrorIs(t, err, types.ErrWouldCycle)

	// The rejected edge left no trace.
	res := e.Validate()
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Cycles)
}

func TestSoftEdgesNeverCycleCheck(t *testing.T) {
	e := NewEngine()
	for _, id := range []string{"a", "b"} {
		addTask(e, id, types.TaskStateReady, 0, 1)
	}
	require.NoError(t, e.AddDependency("b", "a", types.DependencyHard))

	// A soft back edge is advisory and allowed even where a hard one would
	// close a loop.
	require.NoError(t, e.AddDependency("a", "b", types.DependencySoft))

	res := e.Validate()
	assert.True(t, res.IsValid)
}

func TestExecutableTasksGating(t *testing.T) {
	e := NewEngine()
	addTask(e, "parent", types.TaskStateReady, 0, 1)
	addTask(e, "child", types.TaskStateReady, 0, 2)
	require.NoError(t, e.AddDependency("child", "parent", types.DependencyHard))

	// The child is gated until the parent completes.
	assert.Equal(t, []string{"parent"}, e.ExecutableTasks())
	assert.Equal(t, []string{"child"}, e.BlockedTasks(nil))

	e.SetTaskState("parent", types.TaskStateCompleted)
	assert.Equal(t, []string{"child"}, e.ExecutableTasks())
	assert.Empty(t, e.BlockedTasks(nil))
}

func TestSoftEdgeDoesNotGate(t *testing.T) {
	e := NewEngine()
	addTask(e, "parent", types.TaskStateReady, 0, 1)
	addTask(e, "child", types.TaskStateReady, 0, 2)
	require.NoError(t, e.AddDependency("child", "parent", types.DependencySoft))

	ids := e.ExecutableTasks()
	assert.Contains(t, ids, "child")
	assert.Contains(t, ids, "parent")
}

func TestMissingPredecessorBlocksConservatively(t *testing.T) {
	e := NewEngine()
	addTask(e, "child", types.TaskStateReady, 0, 1)
	require.NoError(t, e.AddDependency("child", "ghost", types.DependencyHard))

	assert.Empty(t, e.ExecutableTasks())

	res := e.Validate()
	assert.False(t, res.IsValid)
	assert.Equal(t, []string{"child -> ghost"}, res.MissingDependencies)
}

func TestExecutableOrderMatchesReservationOrder(t *testing.T) {
	e := NewEngine()
	addTask(e, "old-low", types.TaskStateReady, 1, 10)
	addTask(e, "new-low", types.TaskStateReady, 1, 20)
	addTask(e, "high", types.TaskStateReady, 5, 30)
	addTask(e, "tie-b", types.TaskStateReady, 1, 10)
	addTask(e, "tie-a", types.TaskStateReady, 1, 10)

	got := e.ExecutableTasks()
	// priority desc, then createdAt asc, then id asc.
	assert.Equal(t, []string{"high", "old-low", "tie-a", "tie-b", "new-low"}, got)
}

func TestRemoveTaskDropsIncidentEdges(t *testing.T) {
	e := NewEngine()
	addTask(e, "a", types.TaskStateReady, 0, 1)
	addTask(e, "b", types.TaskStateReady, 0, 2)
	require.NoError(t, e.AddDependency("b", "a", types.DependencyHard))

	e.RemoveTask("a")

	// b now has a dangling predecessor reference? No: the edge went with a.
	assert.Equal(t, []string{"b"}, e.ExecutableTasks())

	st := e.Stats()
	assert.Equal(t, 1, st.TaskCount)
	assert.Equal(t, 0, st.EdgeCount)
}

func TestStats(t *testing.T) {
	e := NewEngine()
	for i, id := range []string{"a", "b", "c", "d"} {
		addTask(e, id, types.TaskStateReady, 0, int64(i))
	}
	require.NoError(t, e.AddDependency("b", "a", types.DependencyHard))
	require.NoError(t, e.AddDependency("c", "b", types.DependencyHard))
	require.NoError(t, e.AddDependency("d", "a", types.DependencySoft))

	st := e.Stats()
	assert.Equal(t, 4, st.TaskCount)
	assert.Equal(t, 3, st.EdgeCount)
	assert.Equal(t, 2, st.HardCount)
	assert.Equal(t, 1, st.SoftCount)
	assert.Equal(t, 3, st.MaxDepth) // a -> b -> c
	assert.Equal(t, 0, st.CyclicComponents)
}

func TestHydrateReplacesGraph(t *testing.T) {
	e := NewEngine()
	addTask(e, "stale", types.TaskStateReady, 0, 1)

	tasks := []*types.Task{
		{ID: "a", State: types.TaskStateCompleted, CreatedAt: 1},
		{ID: "b", State: types.TaskStateReady, CreatedAt: 2},
	}
	deps := []*types.Dependency{
		{TaskID: "b", DependsOnID: "a", Type: types.DependencyHard},
	}
	e.Hydrate(tasks, deps)

	assert.Equal(t, []string{"b"}, e.ExecutableTasks())
	assert.Equal(t, 2, e.Stats().TaskCount)
}

func TestLargeChainDepth(t *testing.T) {
	e := NewEngine()
	const n = 100
	for i := 0; i < n; i++ {
		addTask(e, fmt.Sprintf("t%03d", i), types.TaskStateReady, 0, int64(i))
	}
	for i := 1; i < n; i++ {
		require.NoError(t, e.AddDependency(fmt.Sprintf("t%03d", i), fmt.Sprintf("t%03d", i-1), types.DependencyHard))
	}

	assert.Equal(t, n, e.Stats().MaxDepth)
	// Only the chain head is executable.
	assert.Equal(t, []string{"t000"}, e.ExecutableTasks())
}
