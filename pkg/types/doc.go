/*
Package types defines the shared entity types for the Foreman coordination core.

All components exchange tasks, leases, heartbeats, file reservations, and events
by value or by identifier; nothing in the core holds cross-component references
to live objects. Timestamps are unix milliseconds throughout.

The error kinds in errors.go form the complete failure vocabulary of the core:

  - ErrContended: a uniqueness constraint lost a race (retried by the scheduler)
  - ErrWouldCycle: a dependency mutation would break acyclicity
  - ErrLeaseLost: a renewal found no owning lease
  - ErrNotFound: missing entity
  - ErrInvariant: internal consistency violation (fatal)
  - ErrDeadline: caller deadline elapsed
  - ConflictError: file reservation conflict carrying the offending paths

# See Also

  - pkg/store for the persistence of these entities
  - pkg/scheduler for the task state machine
*/
package types
