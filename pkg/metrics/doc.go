/*
Package metrics provides Prometheus metrics collection and exposition for
Foreman.

All metrics are registered on the default registry at package init and
exposed via the standard promhttp handler. Counters (reservations, finishes,
reclaims, drops, throttles) are incremented inline by the components that
observe the event; gauges (task states, active leases, queue depths, limiter
tokens) are refreshed by the periodic Collector, which polls the store, the
backpressure queue and the rate limiter every 15 seconds.

	┌─────────────── METRICS FLOW ────────────────┐
	│                                              │
	│  scheduler ──inc──► counters                 │
	│  queue     ──inc──► counters                 │
	│                                              │
	│  Collector ─poll─► store / queue / limiter   │
	│       │                                      │
	│       └──set──► gauges                       │
	│                                              │
	│  Prometheus ──scrape──► Handler()            │
	└──────────────────────────────────────────────┘
*/
package metrics
