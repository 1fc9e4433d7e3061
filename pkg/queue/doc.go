/*
Package queue implements the three-tier priority queue and backpressure router.

Admissions land in one of three classes (high, medium, low), each with a
configured depth cap. Enqueue reports the insert position and an estimated
wait derived from an EWMA of the class's observed service times; a full class
drops with reason QUEUE_FULL. With prioritization enabled, a high enqueue may
displace the oldest low item, publishing PRIORITY_DROPPED for the victim.
Medium never evicts.

Every state change publishes a typed event with a severity, so observers can
follow admission decisions without polling:

	QUEUED / DROPPED / QUEUE_FULL / PRIORITY_DROPPED
	QUEUE_UTILIZATION_SPIKE / QUEUE_UTILIZATION_NORMALIZED

The Router combines the queue with the rate limiter and the optional quota
manager into a single routing decision:

	res, err := router.ShouldRoute(ctx, task, "anthropic")
	switch res.Decision {
	case types.DecisionRoute:    // dispatch now
	case types.DecisionThrottle: // wait res.WaitMs and retry
	case types.DecisionDefer:    // provider quota exhausted, back off
	case types.DecisionDrop:     // target queue full
	}

Quota is consulted only for providers that advertise limits and overrides
everything else when exhausted. Health transitions publish
PROVIDER_HEALTH_DEGRADING / PROVIDER_HEALTH_RECOVERING, token headroom
publishes RATE_LIMIT_APPROACHING / RATE_LIMIT_RECOVERY, and a combined
degradation publishes PREDICTIVE_HEALTH_ALERT for external observers.
*/
package queue
