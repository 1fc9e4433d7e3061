package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/types"
)

// DropReasonQueueFull names the only drop reason Enqueue produces.
const DropReasonQueueFull = "QUEUE_FULL"

// Item is one queued admission.
type Item struct {
	ID         string
	TaskID     string
	Provider   string
	Priority   types.Priority
	EnqueuedAt time.Time
}

// Result reports the outcome of an Enqueue call.
type Result struct {
	Queued        bool
	Position      int           // queue length at insert (1-based)
	EstimatedWait time.Duration // position x EWMA service time of the class
	DropReason    string
	Evicted       *Item // low item displaced by a high enqueue, if any
}

// Config sets per-class depth caps and the eviction policy.
type Config struct {
	Caps                 map[types.Priority]int
	EnablePrioritization bool // allow high to evict the oldest low
}

// DefaultConfig returns caps suitable for a single-host deployment.
func DefaultConfig() Config {
	return Config{
		Caps: map[types.Priority]int{
			types.PriorityHigh:   64,
			types.PriorityMedium: 128,
			types.PriorityLow:    256,
		},
	}
}

const ewmaAlpha = 0.2

// Queue is a three-tier priority queue with configurable depth caps.
// Enqueue and Dequeue are O(1) amortized under a single mutex.
type Queue struct {
	mu     sync.Mutex
	cfg    Config
	items  map[types.Priority][]*Item
	ewmaMs map[types.Priority]float64
	spiked map[types.Priority]bool
	bus    events.Publisher
}

// New creates a queue publishing admission events to the bus.
func New(cfg Config, bus events.Publisher) *Queue {
	if bus == nil {
		bus = events.Discard{}
	}
	if cfg.Caps == nil {
		cfg = DefaultConfig()
	}
	return &Queue{
		cfg: cfg,
		items: map[types.Priority][]*Item{
			types.PriorityHigh:   nil,
			types.PriorityMedium: nil,
			types.PriorityLow:    nil,
		},
		ewmaMs: make(map[types.Priority]float64),
		spiked: make(map[types.Priority]bool),
		bus:    bus,
	}
}

// Enqueue admits an item at its priority class. A full class drops the item
// with QUEUE_FULL, unless prioritization is enabled and a high enqueue can
// displace the oldest low item. Medium never evicts.
func (q *Queue) Enqueue(item *Item) Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	pri := item.Priority
	cap := q.cfg.Caps[pri]

	var evicted *Item
	if len(q.items[pri]) >= cap {
		if q.cfg.EnablePrioritization && pri == types.PriorityHigh && len(q.items[types.PriorityLow]) > 0 {
			evicted = q.items[types.PriorityLow][0]
			q.items[types.PriorityLow] = q.items[types.PriorityLow][1:]
			q.publish(events.KindPriorityDropped, events.SeverityWarning, evicted,
				fmt.Sprintf("low item %s evicted by high-priority enqueue", evicted.ID))
		} else {
			q.publish(events.KindQueueFull, events.SeverityWarning, item,
				fmt.Sprintf("%s queue at cap %d", pri, cap))
			q.publish(events.KindDropped, events.SeverityError, item, "enqueue dropped")
			return Result{DropReason: DropReasonQueueFull}
		}
	}

	q.items[pri] = append(q.items[pri], item)
	pos := len(q.items[pri])

	q.publish(events.KindQueued, events.SeverityInfo, item,
		fmt.Sprintf("queued at position %d", pos))
	q.checkUtilizationLocked(pri)

	return Result{
		Queued:        true,
		Position:      pos,
		EstimatedWait: time.Duration(float64(pos)*q.ewmaMs[pri]) * time.Millisecond,
		Evicted:       evicted,
	}
}

// Dequeue removes the next item, scanning high -> medium -> low. Returns nil
// when every class is empty. The item's time in queue feeds the class EWMA
// used for wait estimates.
func (q *Queue) Dequeue() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, pri := range []types.Priority{types.PriorityHigh, types.PriorityMedium, types.PriorityLow} {
		if len(q.items[pri]) == 0 {
			continue
		}
		item := q.items[pri][0]
		q.items[pri] = q.items[pri][1:]

		waited := float64(time.Since(item.EnqueuedAt).Milliseconds())
		if q.ewmaMs[pri] == 0 {
			q.ewmaMs[pri] = waited
		} else {
			q.ewmaMs[pri] = ewmaAlpha*waited + (1-ewmaAlpha)*q.ewmaMs[pri]
		}

		q.checkUtilizationLocked(pri)
		return item
	}
	return nil
}

// Depth returns the current length of one class.
func (q *Queue) Depth(pri types.Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[pri])
}

// Depths returns the current length of every class.
func (q *Queue) Depths() map[types.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[types.Priority]int, 3)
	for pri, items := range q.items {
		out[pri] = len(items)
	}
	return out
}

// Utilization returns depth/cap for a class, in [0, 1].
func (q *Queue) Utilization(pri types.Priority) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.utilizationLocked(pri)
}

func (q *Queue) utilizationLocked(pri types.Priority) float64 {
	cap := q.cfg.Caps[pri]
	if cap == 0 {
		return 1
	}
	return float64(len(q.items[pri])) / float64(cap)
}

// Utilization thresholds for spike detection. Hysteresis keeps the spike
// and normalize events from flapping around a single boundary.
const (
	spikeThreshold     = 0.9
	normalizeThreshold = 0.5
)

func (q *Queue) checkUtilizationLocked(pri types.Priority) {
	util := q.utilizationLocked(pri)
	switch {
	case util >= spikeThreshold && !q.spiked[pri]:
		q.spiked[pri] = true
		q.bus.Publish(&events.Event{
			Kind:     events.KindQueueSpike,
			Severity: events.SeverityWarning,
			Message:  fmt.Sprintf("%s queue utilization %.0f%%", pri, util*100),
			Fields:   map[string]string{"priority": string(pri)},
		})
	case util <= normalizeThreshold && q.spiked[pri]:
		q.spiked[pri] = false
		q.bus.Publish(&events.Event{
			Kind:     events.KindQueueNormalized,
			Severity: events.SeverityInfo,
			Message:  fmt.Sprintf("%s queue utilization %.0f%%", pri, util*100),
			Fields:   map[string]string{"priority": string(pri)},
		})
	}
}

func (q *Queue) publish(kind events.Kind, sev events.Severity, item *Item, msg string) {
	q.bus.Publish(&events.Event{
		Kind:     kind,
		Severity: sev,
		TaskID:   item.TaskID,
		Provider: item.Provider,
		Message:  msg,
		Fields:   map[string]string{"item_id": item.ID, "priority": string(item.Priority)},
	})
}
