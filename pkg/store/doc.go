/*
Package store provides SQLite-backed persistence for the Foreman coordination core.

The store owns every durable entity: tasks, dependency edges, leases, file
reservations, agent heartbeats, the append-only event trail, and quota windows.
All other components refer to rows by identifier and go through the operations
here; nothing in the core holds cross-process references.

# Architecture

A single database file per host, opened in WAL mode with foreign keys enforced:

	┌──────────────────── SQLITE STORE ───────────────────────┐
	│                                                          │
	│  foreman.db (WAL, foreign_keys=on, busy_timeout=5000)    │
	│                                                          │
	│  tasks ─────────────┐     id PK, state, priority,        │
	│                     │     attempts, files (JSON)         │
	│  task_dependencies ─┤     UNIQUE(task_id, depends_on)    │
	│  leases ────────────┤     task_id PK  (one per task)     │
	│  file_reservations ─┤     file_path UNIQUE               │
	│  agent_heartbeats ──┤     agent_id PK                    │
	│  events ────────────┤     (task_id, ts) monotonic        │
	│  quota_windows ─────┘     fixed 1h partitions            │
	└──────────────────────────────────────────────────────────┘

Writes are serialized through an internal mutex and a single write transaction;
reads proceed in parallel under WAL. The store never retries internally.

# Failure semantics

A uniqueness constraint that loses a race surfaces as types.ErrContended.
Missing rows surface as types.ErrNotFound. A caller deadline that elapses
mid-statement rolls the transaction back and surfaces types.ErrDeadline.
Everything else propagates wrapped but untouched.

# Reservation protocol

TryReserve is the tie-breaker between concurrent reservers: the primary key on
leases.task_id decides the race inside one transaction, and an expired lease
row (lease_expires_at <= now) counts as absent. ReclaimExpired is the reaper's
entry point; it flips abandoned RESERVED tasks back to READY.

File reservations mirror the lease operations keyed by path, with an explicit
status column (active/expired/released) so the audit surface can distinguish a
release from an expiry.

# See Also

  - pkg/scheduler for the reservation protocol built on these operations
  - pkg/dag for the in-memory dependency graph kept in sync with
    task_dependencies
*/
package store
