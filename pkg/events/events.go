package events

import (
	"sync"
	"time"
)

// Kind identifies an event on the wire. These strings are stable: external
// observers match on them and they are stored verbatim in the audit trail.
type Kind string

const (
	// Backpressure and admission
	KindThrottled         Kind = "THROTTLED"
	KindAllowed           Kind = "ALLOWED"
	KindQueued            Kind = "QUEUED"
	KindDeferred          Kind = "DEFERRED"
	KindDropped           Kind = "DROPPED"
	KindQueueFull         Kind = "QUEUE_FULL"
	KindRetry             Kind = "RETRY"
	KindPriorityDropped   Kind = "PRIORITY_DROPPED"
	KindLimitConfigChange Kind = "LIMIT_CONFIG_CHANGED"

	// Provider and queue health
	KindProviderDegrading  Kind = "PROVIDER_HEALTH_DEGRADING"
	KindProviderRecovering Kind = "PROVIDER_HEALTH_RECOVERING"
	KindQueueSpike         Kind = "QUEUE_UTILIZATION_SPIKE"
	KindQueueNormalized    Kind = "QUEUE_UTILIZATION_NORMALIZED"
	KindRateApproaching    Kind = "RATE_LIMIT_APPROACHING"
	KindRateRecovery       Kind = "RATE_LIMIT_RECOVERY"
	KindPredictiveAlert    Kind = "PREDICTIVE_HEALTH_ALERT"

	// Task lifecycle
	KindTaskReserved   Kind = "TASK_RESERVED"
	KindLeaseRenewed   Kind = "LEASE_RENEWED"
	KindLeaseLost      Kind = "LEASE_LOST"
	KindLeaseReclaimed Kind = "LEASE_RECLAIMED"
	KindTaskCompleted  Kind = "TASK_COMPLETED"
	KindTaskFailed     Kind = "TASK_FAILED"
)

// Severity classifies how urgent an event is for observers
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is a coordination event delivered to subscribers
type Event struct {
	Kind      Kind
	Severity  Severity
	Timestamp time.Time
	TaskID    string
	AgentID   string
	Provider  string
	Message   string
	Fields    map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Publisher is the sink interface components emit through. The Broker is the
// production implementation; tests swap in an in-memory spy.
type Publisher interface {
	Publish(event *Event)
}

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Discard is a Publisher that drops every event. Useful for construction
// paths that have no observer wired yet.
type Discard struct{}

func (Discard) Publish(*Event) {}
