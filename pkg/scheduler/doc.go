/*
Package scheduler moves tasks through their state machine and guarantees at
most one active executor per task.

# State machine

	        created
	            │
	            ▼
	       PENDING ──deps satisfied──► READY
	            ▲                        │
	            │ new hard dep           │ Reserve(agent)
	            │                        ▼
	            ╰──────────────────── RESERVED ──► RUNNING
	                                     │             │
	                                     │     verify PASS ─► COMPLETED
	                                     │     verify FAIL ─► FAILED
	                                     │
	                                     └── lease expired ──► READY

# Reservation protocol

Reserve runs the candidate loop from the dependency engine's executable set,
ordered by (priority desc, createdAt asc, id asc). The store's TryReserve is
the race arbiter: a contended candidate is excluded and the loop restarts,
bounded by the retry budget so heavy contention cannot livelock a caller.
Tasks with advisory file paths take a file reservation per path before the
assignment is returned; any conflict rolls the task lease back atomically,
leaves the task READY, and surfaces the offending paths as a ConflictError.

# Lease keeping and reclaim

LeaseKeeper is the holder's side of a reservation: a heartbeat ticker and a
renewal ticker behind a single shutdown signal. A failed renewal terminates
the execution with LEASE_LOST; the reclaim path re-READYs the task.

ReclaimDue is the reaper entry point any process may call. Correctness does
not depend on cadence: TryReserve treats expired leases as absent, so an
unreclaimed expiry blocks nobody. The optional Reaper wraps ReclaimDue in a
ticker loop for deployments that want a self-timed reaper.

# Concurrency

There is no single scheduler goroutine. Every public method may be called
concurrently; the store's uniqueness constraints arbitrate all races, and
every externally-invokable operation honors its context deadline.
*/
package scheduler
