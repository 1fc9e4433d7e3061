/*
Package events defines the coordination event taxonomy and an in-process broker.

Every state change in the backpressure layer and every task lifecycle transition
publishes an Event with a stable Kind string. The Kind values are part of the
external contract: dashboards, bots, and audit renderers match on them, so they
never change spelling.

The Broker fans events out to buffered subscriber channels; slow subscribers
drop rather than block publishers. Components emit through the Publisher
interface, so tests can substitute an in-memory spy and alternative sinks
(stdout, remote collectors) can be wired without touching the core.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Kind, ev.TaskID)
		}
	}()
*/
package events
