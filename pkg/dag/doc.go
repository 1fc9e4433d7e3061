/*
Package dag maintains the in-memory task dependency graph.

The engine mirrors the store's task_dependencies rows as adjacency maps keyed
by task id and answers the two questions the scheduler needs: "would this edge
close a cycle?" and "which tasks are runnable right now?".

# Invariants

The subgraph of hard edges is acyclic at all times. AddDependency refuses any
hard edge that would close a cycle (self-loops always fail), and the engine's
Guard plugs the same check into the store's AddDependency transaction so the
durable write and the in-memory validation commit or fail together.

Soft edges are recorded and reported by Validate but never gate execution:
ExecutableTasks considers hard predecessors only.

# Concurrency

Single-writer/multi-reader under one RWMutex. Validate is snapshot-consistent
within a call; between calls, readers may observe partial effects of
concurrent writers. The validation cache is keyed by an FNV fingerprint of
the sorted edge list and task states and is invalidated write-side under the
exclusive lock.

# Determinism

Validate's SortedTasks is a Kahn order over hard edges with ties broken by
ascending priority, then ascending creation time, then lexicographic id, so
two identical graphs always sort identically. Cycle detection is three-color
DFS, O(V + E).
*/
package dag
