package dag

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/cuemby/foreman/pkg/types"
)

// validationCache memoizes the last Validate result, keyed by a fingerprint
// of the sorted edge list and task states. Any mutation invalidates it;
// lookups are advisory.
type validationCache struct {
	mu     sync.Mutex
	key    uint64
	result *ValidationResult
	valid  bool
}

func newValidationCache() *validationCache {
	return &validationCache{}
}

func (c *validationCache) get(key uint64) (*ValidationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.key == key {
		return c.result, true
	}
	return nil, false
}

func (c *validationCache) put(key uint64, res *ValidationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.result = res
	c.valid = true
}

func (c *validationCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}

// fingerprintLocked hashes sorted edges and task states. Caller holds at
// least the read lock.
func (e *Engine) fingerprintLocked() uint64 {
	var lines []string
	for t, preds := range e.preds {
		for p, kind := range preds {
			lines = append(lines, fmt.Sprintf("e:%s>%s:%s", t, p, kind))
		}
	}
	for id, n := range e.nodes {
		lines = append(lines, fmt.Sprintf("n:%s:%s:%d:%d", id, n.state, n.priority, n.createdAt))
	}
	sort.Strings(lines)

	h := fnv.New64a()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// Hydrate loads tasks and dependency edges in bulk, replacing the current
// graph. Used at startup to sync with the store.
func (e *Engine) Hydrate(tasks []*types.Task, deps []*types.Dependency) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nodes = make(map[string]*node, len(tasks))
	e.preds = make(map[string]map[string]types.DependencyType)
	e.succs = make(map[string]map[string]types.DependencyType)

	for _, t := range tasks {
		e.nodes[t.ID] = &node{id: t.ID, priority: t.Priority, createdAt: t.CreatedAt, state: t.State}
	}
	for _, d := range deps {
		if e.preds[d.TaskID] == nil {
			e.preds[d.TaskID] = make(map[string]types.DependencyType)
		}
		if e.succs[d.DependsOnID] == nil {
			e.succs[d.DependsOnID] = make(map[string]types.DependencyType)
		}
		e.preds[d.TaskID][d.DependsOnID] = d.Type
		e.succs[d.DependsOnID][d.TaskID] = d.Type
	}
	e.cache.invalidate()
}
