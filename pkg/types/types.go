package types

import "time"

// Task represents a unit of work brokered among agents.
type Task struct {
	ID          string
	Title       string
	Description string
	PolicyLabel string // routes to a provider class
	Priority    int    // higher is preferred
	State       TaskState
	Attempts    int
	Files       []string // paths the task intends to modify (advisory)
	Payload     []byte   // opaque, passed to verifiers
	CreatedAt   int64    // unix milliseconds
	UpdatedAt   int64    // unix milliseconds
}

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskStatePending   TaskState = "PENDING"
	TaskStateReady     TaskState = "READY"
	TaskStateReserved  TaskState = "RESERVED"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateBlocked   TaskState = "BLOCKED"
)

// Terminal reports whether the state admits no further transitions.
// FAILED may still be re-opened by an explicit reset.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed
}

// DependencyType classifies a dependency edge
type DependencyType string

const (
	// DependencyHard gates execution: the predecessor must be COMPLETED
	DependencyHard DependencyType = "hard"
	// DependencySoft is advisory; recorded but never gates execution
	DependencySoft DependencyType = "soft"
)

// Dependency is a directed edge task -> depends-on
type Dependency struct {
	ID          int64
	TaskID      string
	DependsOnID string
	Type        DependencyType
	Description string
	CreatedAt   int64
	UpdatedAt   int64
	Metadata    string
}

// Lease is a bounded-duration exclusive claim by one agent over one task.
// At most one lease row exists per task.
type Lease struct {
	TaskID    string
	AgentID   string
	ExpiresAt int64 // unix milliseconds
	Attempt   int
}

// Active reports whether the lease counts as live at the given instant
func (l *Lease) Active(nowMs int64) bool {
	return l.ExpiresAt > nowMs
}

// AgentStatus is the self-reported state carried on a heartbeat
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusWorking AgentStatus = "working"
	AgentStatusBlocked AgentStatus = "blocked"
)

// Heartbeat is the periodic liveness record for an agent
type Heartbeat struct {
	AgentID             string
	LastSeen            int64 // unix milliseconds
	Status              AgentStatus
	ContextUsagePercent float64
}

// ReservationStatus is the lifecycle state of a file reservation
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationExpired  ReservationStatus = "expired"
	ReservationReleased ReservationStatus = "released"
)

// FileReservation grants one agent exclusive edit rights to a path.
// At most one active reservation exists per path.
type FileReservation struct {
	ID             int64
	FilePath       string
	AgentID        string
	LeaseExpiresAt int64
	CreatedAt      int64
	UpdatedAt      int64
	Status         ReservationStatus
	LeaseReason    string
	Metadata       string
}

// Event is one entry in the append-only audit trail
type Event struct {
	ID        string
	TaskID    string
	Timestamp int64 // unix milliseconds
	Kind      string
	Data      []byte // JSON at the persistence boundary
}

// Priority classes for the backpressure queue
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ProviderHealth summarizes a routing target's condition
type ProviderHealth string

const (
	HealthHealthy     ProviderHealth = "HEALTHY"
	HealthWarning     ProviderHealth = "WARNING"
	HealthCritical    ProviderHealth = "CRITICAL"
	HealthUnavailable ProviderHealth = "UNAVAILABLE"
)

// RouteDecision is the outcome of a backpressure routing check
type RouteDecision string

const (
	DecisionRoute    RouteDecision = "ROUTE"
	DecisionThrottle RouteDecision = "THROTTLE"
	DecisionDefer    RouteDecision = "DEFER"
	DecisionDrop     RouteDecision = "DROP"
)

// VerifyOutcome is the verdict returned by an external verifier bundle
type VerifyOutcome string

const (
	VerifyPass VerifyOutcome = "PASS"
	VerifyFail VerifyOutcome = "FAIL"
)

// NowMs returns the current wall clock in unix milliseconds
func NowMs() int64 {
	return time.Now().UnixMilli()
}
