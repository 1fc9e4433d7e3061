package dag

import (
	"fmt"
	"sort"

	"github.com/cuemby/foreman/pkg/types"
)

// ValidationResult is the full graph health report.
type ValidationResult struct {
	IsValid             bool
	Cycles              [][]string // each cycle as an ordered id list
	MissingDependencies []string   // "task -> missing-id" descriptions
	OrphanedTasks       []string   // tasks with no incident edges
	SortedTasks         []string   // deterministic Kahn order over hard edges
	Errors              []string
}

// Statistics summarizes the graph shape.
type Statistics struct {
	TaskCount        int
	EdgeCount        int
	HardCount        int
	SoftCount        int
	MaxDepth         int // longest hard-edge chain
	CyclicComponents int
}

// Validate runs a full graph check: cycle detection over hard edges, missing
// and orphaned task discovery, and a deterministic topological order. The
// result is snapshot-consistent within the call. Results are cached until
// the next mutation.
func (e *Engine) Validate() *ValidationResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	key := e.fingerprintLocked()
	if cached, ok := e.cache.get(key); ok {
		return cached
	}

	res := &ValidationResult{IsValid: true}

	// Missing predecessors: edges whose depends-on id has no node.
	for t, preds := range e.preds {
		for p := range preds {
			if _, ok := e.nodes[p]; !ok {
				res.MissingDependencies = append(res.MissingDependencies, fmt.Sprintf("%s -> %s", t, p))
			}
		}
	}
	sortStrings(res.MissingDependencies)

	// Orphans: nodes with no incident edges in either direction.
	for id := range e.nodes {
		if len(e.preds[id]) == 0 && len(e.succs[id]) == 0 {
			res.OrphanedTasks = append(res.OrphanedTasks, id)
		}
	}
	sortStrings(res.OrphanedTasks)

	res.Cycles = e.findCyclesLocked()
	if len(res.Cycles) > 0 {
		res.IsValid = false
		for _, c := range res.Cycles {
			res.Errors = append(res.Errors, fmt.Sprintf("cycle: %v", c))
		}
	}
	if len(res.MissingDependencies) > 0 {
		res.IsValid = false
		for _, m := range res.MissingDependencies {
			res.Errors = append(res.Errors, fmt.Sprintf("missing dependency: %s", m))
		}
	}

	res.SortedTasks = e.topoSortLocked()

	e.cache.put(key, res)
	return res
}

// findCyclesLocked runs three-color DFS over hard edges. On meeting a grey
// successor, the cycle is the stack segment from its first occurrence to the
// current node. O(V + E).
func (e *Engine) findCyclesLocked() [][]string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(e.nodes))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)

		// Deterministic successor order keeps reported cycles stable.
		var next []string
		for p, kind := range e.preds[id] {
			if kind != types.DependencyHard {
				continue
			}
			if _, ok := e.nodes[p]; !ok {
				continue
			}
			next = append(next, p)
		}
		sortStrings(next)

		for _, p := range next {
			switch color[p] {
			case white:
				visit(p)
			case grey:
				for i, s := range stack {
					if s == p {
						cycle := make([]string, len(stack)-i)
						copy(cycle, stack[i:])
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	ids := make([]string, 0, len(e.nodes))
	for id := range e.nodes {
		ids = append(ids, id)
	}
	sortStrings(ids)
	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// topoSortLocked produces a Kahn order over hard edges. Ties are broken by
// ascending priority, then ascending createdAt, then lexicographic id, so
// the order is deterministic. Nodes trapped in cycles are omitted.
func (e *Engine) topoSortLocked() []string {
	indeg := make(map[string]int, len(e.nodes))
	for id := range e.nodes {
		indeg[id] = 0
	}
	for t, preds := range e.preds {
		if _, ok := e.nodes[t]; !ok {
			continue
		}
		for p, kind := range preds {
			if kind != types.DependencyHard {
				continue
			}
			if _, ok := e.nodes[p]; !ok {
				continue
			}
			indeg[t]++
		}
	}

	var ready []*node
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, e.nodes[id])
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			a, b := ready[i], ready[j]
			if a.priority != b.priority {
				return a.priority < b.priority
			}
			if a.createdAt != b.createdAt {
				return a.createdAt < b.createdAt
			}
			return a.id < b.id
		})
		n := ready[0]
		ready = ready[1:]
		order = append(order, n.id)

		for t, kind := range e.succs[n.id] {
			if kind != types.DependencyHard {
				continue
			}
			if _, ok := e.nodes[t]; !ok {
				continue
			}
			indeg[t]--
			if indeg[t] == 0 {
				ready = append(ready, e.nodes[t])
			}
		}
	}
	return order
}

// Stats computes shape statistics for the current graph.
func (e *Engine) Stats() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Statistics{TaskCount: len(e.nodes)}
	for t, preds := range e.preds {
		if _, ok := e.nodes[t]; !ok {
			continue
		}
		for p, kind := range preds {
			if _, ok := e.nodes[p]; !ok {
				continue
			}
			st.EdgeCount++
			if kind == types.DependencyHard {
				st.HardCount++
			} else {
				st.SoftCount++
			}
		}
	}

	st.CyclicComponents = len(e.findCyclesLocked())
	st.MaxDepth = e.maxDepthLocked()
	return st
}

// maxDepthLocked is the longest hard chain, counted in nodes. Memoized DFS;
// nodes on cycles contribute their acyclic prefix only.
func (e *Engine) maxDepthLocked() int {
	memo := make(map[string]int, len(e.nodes))
	onStack := make(map[string]bool)

	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		if onStack[id] {
			return 0
		}
		onStack[id] = true
		best := 0
		for p, kind := range e.preds[id] {
			if kind != types.DependencyHard {
				continue
			}
			if _, ok := e.nodes[p]; !ok {
				continue
			}
			if d := depth(p); d > best {
				best = d
			}
		}
		onStack[id] = false
		memo[id] = best + 1
		return best + 1
	}

	max := 0
	for id := range e.nodes {
		if d := depth(id); d > max {
			max = d
		}
	}
	return max
}

func sortByReservationOrder(nodes []*node) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.createdAt != b.createdAt {
			return a.createdAt < b.createdAt
		}
		return a.id < b.id
	})
}

func sortStrings(s []string) {
	sort.Strings(s)
}
