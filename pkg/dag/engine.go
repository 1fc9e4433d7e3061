package dag

import (
	"fmt"
	"sync"

	"github.com/cuemby/foreman/pkg/types"
)

// node is the engine's view of a task: just enough to order and gate it.
type node struct {
	id        string
	priority  int
	createdAt int64
	state     types.TaskState
}

// Engine maintains the in-memory dependency graph, synchronized with the
// store's dependency rows. Adjacency is keyed by task id; the engine never
// holds task references. Single-writer/multi-reader: mutations take the
// exclusive lock, queries the shared lock.
type Engine struct {
	mu    sync.RWMutex
	nodes map[string]*node
	// preds[t][p] = kind: t depends on p
	preds map[string]map[string]types.DependencyType
	// succs[p][t] = kind: reverse index
	succs map[string]map[string]types.DependencyType
	cache *validationCache
}

// NewEngine creates an empty graph.
func NewEngine() *Engine {
	return &Engine{
		nodes: make(map[string]*node),
		preds: make(map[string]map[string]types.DependencyType),
		succs: make(map[string]map[string]types.DependencyType),
		cache: newValidationCache(),
	}
}

// AddTask registers or refreshes a task's ordering attributes. Idempotent.
func (e *Engine) AddTask(t *types.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nodes[t.ID] = &node{id: t.ID, priority: t.Priority, createdAt: t.CreatedAt, state: t.State}
	e.cache.invalidate()
}

// SetTaskState updates a task's state in the graph. Unknown ids are ignored.
func (e *Engine) SetTaskState(id string, state types.TaskState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n, ok := e.nodes[id]; ok {
		n.state = state
		e.cache.invalidate()
	}
}

// RemoveTask drops a task and every incident edge. Idempotent.
func (e *Engine) RemoveTask(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.nodes, id)
	for p := range e.preds[id] {
		delete(e.succs[p], id)
	}
	delete(e.preds, id)
	for t := range e.succs[id] {
		delete(e.preds[t], id)
	}
	delete(e.succs, id)
	e.cache.invalidate()
}

// AddDependency records that taskID depends on dependsOnID. Self-loops
// always fail; a hard edge that would close a cycle fails with ErrWouldCycle.
// Re-adding an existing edge updates its kind. Idempotent otherwise.
func (e *Engine) AddDependency(taskID, dependsOnID string, kind types.DependencyType) error {
	if taskID == dependsOnID {
		return fmt.Errorf("task %s cannot depend on itself: %w", taskID, types.ErrWouldCycle)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if kind == types.DependencyHard && e.wouldCycleLocked(taskID, dependsOnID) {
		return fmt.Errorf("edge %s -> %s: %w", taskID, dependsOnID, types.ErrWouldCycle)
	}

	if e.preds[taskID] == nil {
		e.preds[taskID] = make(map[string]types.DependencyType)
	}
	if e.succs[dependsOnID] == nil {
		e.succs[dependsOnID] = make(map[string]types.DependencyType)
	}
	e.preds[taskID][dependsOnID] = kind
	e.succs[dependsOnID][taskID] = kind
	e.cache.invalidate()
	return nil
}

// RemoveDependency drops the edge. Idempotent.
func (e *Engine) RemoveDependency(taskID, dependsOnID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.preds[taskID], dependsOnID)
	delete(e.succs[dependsOnID], taskID)
	e.cache.invalidate()
}

// WouldCreateCycle reports whether adding taskID -> dependsOnID as a hard
// edge would close a cycle. Pure predicate; the graph is not modified.
func (e *Engine) WouldCreateCycle(taskID, dependsOnID string) bool {
	if taskID == dependsOnID {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.wouldCycleLocked(taskID, dependsOnID)
}

// wouldCycleLocked probes hard-edge reachability from the proposed
// predecessor: finding taskID means the new edge closes a loop.
func (e *Engine) wouldCycleLocked(taskID, dependsOnID string) bool {
	seen := make(map[string]bool)
	stack := []string{dependsOnID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == taskID {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for p, kind := range e.preds[cur] {
			if kind == types.DependencyHard {
				stack = append(stack, p)
			}
		}
	}
	return false
}

// Guard adapts the engine into the store's in-transaction cycle check.
func (e *Engine) Guard() func(taskID, dependsOnID string, kind types.DependencyType) error {
	return func(taskID, dependsOnID string, kind types.DependencyType) error {
		if taskID == dependsOnID {
			return fmt.Errorf("task %s cannot depend on itself: %w", taskID, types.ErrWouldCycle)
		}
		if kind == types.DependencyHard && e.WouldCreateCycle(taskID, dependsOnID) {
			return fmt.Errorf("edge %s -> %s: %w", taskID, dependsOnID, types.ErrWouldCycle)
		}
		return nil
	}
}

// ExecutableTasks returns every READY task whose hard predecessors are all
// COMPLETED. Soft edges never gate execution. Results are ordered by
// (priority desc, createdAt asc, id asc), matching reservation order.
func (e *Engine) ExecutableTasks() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*node
	for id, n := range e.nodes {
		if n.state != types.TaskStateReady {
			continue
		}
		if e.hardBlockedLocked(id) {
			continue
		}
		out = append(out, n)
	}
	sortByReservationOrder(out)

	ids := make([]string, len(out))
	for i, n := range out {
		ids[i] = n.id
	}
	return ids
}

// BlockedTasks returns tasks with at least one hard predecessor not yet
// COMPLETED. The filter restricts the result when non-nil.
func (e *Engine) BlockedTasks(filter func(id string) bool) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []string
	for id := range e.nodes {
		if !e.hardBlockedLocked(id) {
			continue
		}
		if filter != nil && !filter(id) {
			continue
		}
		out = append(out, id)
	}
	sortStrings(out)
	return out
}

// hardBlockedLocked reports whether any hard predecessor is missing or not
// COMPLETED. A predecessor absent from the node set blocks conservatively.
func (e *Engine) hardBlockedLocked(id string) bool {
	for p, kind := range e.preds[id] {
		if kind != types.DependencyHard {
			continue
		}
		pn, ok := e.nodes[p]
		if !ok || pn.state != types.TaskStateCompleted {
			return true
		}
	}
	return false
}
