package metrics

import (
	"github.com/cuemby/foreman/pkg/events"
)

// Bridge drains a broker subscription into the event counters so the
// components emitting events never touch Prometheus directly.
type Bridge struct {
	broker *events.Broker
	sub    events.Subscriber
	doneCh chan struct{}
}

// NewBridge subscribes to the broker and starts counting.
func NewBridge(broker *events.Broker) *Bridge {
	b := &Bridge{
		broker: broker,
		sub:    broker.Subscribe(),
		doneCh: make(chan struct{}),
	}
	go b.run()
	return b
}

// Stop cancels the subscription and waits for the drain loop to exit.
func (b *Bridge) Stop() {
	b.broker.Unsubscribe(b.sub)
	<-b.doneCh
}

func (b *Bridge) run() {
	defer close(b.doneCh)
	for event := range b.sub {
		b.count(event)
	}
}

func (b *Bridge) count(event *events.Event) {
	switch event.Kind {
	case events.KindTaskReserved:
		TasksReserved.Inc()
	case events.KindTaskCompleted:
		TasksCompleted.WithLabelValues("COMPLETED").Inc()
	case events.KindTaskFailed:
		TasksCompleted.WithLabelValues("FAILED").Inc()
	case events.KindLeaseReclaimed:
		LeasesReclaimed.Inc()
	case events.KindThrottled:
		LimiterThrottled.WithLabelValues(event.Provider).Inc()
	case events.KindDropped:
		QueueDropped.WithLabelValues("QUEUE_FULL").Inc()
	case events.KindPriorityDropped:
		QueueDropped.WithLabelValues("PRIORITY_DROPPED").Inc()
	}
}
