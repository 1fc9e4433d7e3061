package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/ratelimit"
	"github.com/cuemby/foreman/pkg/types"
)

// RouteResult is the routing recommendation for one task/provider pair.
type RouteResult struct {
	Decision types.RouteDecision
	WaitMs   int64
	Health   types.ProviderHealth
}

// Router gates task dispatch by consulting the rate limiter, queue depth,
// and (when the provider advertises limits) the quota manager. Quota is
// authoritative when present.
type Router struct {
	limiter *ratelimit.Manager
	quota   *ratelimit.QuotaManager
	queue   *Queue
	bus     events.Publisher

	mu         sync.Mutex
	lastHealth map[string]types.ProviderHealth
	lowTokens  map[string]bool
}

// NewRouter wires the backpressure inputs together. quota may be nil.
func NewRouter(limiter *ratelimit.Manager, quota *ratelimit.QuotaManager, q *Queue, bus events.Publisher) *Router {
	if bus == nil {
		bus = events.Discard{}
	}
	return &Router{
		limiter:    limiter,
		quota:      quota,
		queue:      q,
		bus:        bus,
		lastHealth: make(map[string]types.ProviderHealth),
		lowTokens:  make(map[string]bool),
	}
}

// ShouldRoute decides whether a task may be dispatched to the provider now.
// A ROUTE decision consumes one rate-limit token and records one quota
// request.
func (r *Router) ShouldRoute(ctx context.Context, task *types.Task, provider string) (RouteResult, error) {
	// Quota first: it is authoritative for providers that advertise limits.
	if r.quota != nil && r.quota.HasLimits(provider) {
		exceeded, err := r.quota.Exceeded(ctx, provider)
		if err != nil {
			return RouteResult{}, fmt.Errorf("quota check for %s: %w", provider, err)
		}
		if exceeded {
			res := RouteResult{Decision: types.DecisionDefer, WaitMs: 60_000, Health: types.HealthUnavailable}
			r.observeHealth(provider, res.Health)
			r.publish(events.KindDeferred, events.SeverityWarning, task, provider, "provider quota exhausted")
			return res, nil
		}
	}

	// Queue pressure: a full target class drops, heavy pressure defers.
	pri := classify(task.Priority)
	util := r.queue.Utilization(pri)
	if util >= 1 {
		res := RouteResult{Decision: types.DecisionDrop, Health: r.healthFor(provider, util)}
		r.observeHealth(provider, res.Health)
		r.publish(events.KindDropped, events.SeverityError, task, provider,
			fmt.Sprintf("%s queue full", pri))
		return res, nil
	}

	// Rate limit last so a denied touch does not burn queue headroom.
	d := r.limiter.TryConsume(provider)
	if !d.Allowed {
		res := RouteResult{Decision: types.DecisionThrottle, WaitMs: d.WaitMs, Health: r.healthFor(provider, util)}
		r.observeHealth(provider, res.Health)
		r.publish(events.KindThrottled, events.SeverityWarning, task, provider,
			fmt.Sprintf("rate limited, retry in %dms", d.WaitMs))
		return res, nil
	}

	r.observeTokens(provider, d)
	if r.quota != nil && r.quota.HasLimits(provider) {
		if err := r.quota.Record(ctx, provider); err != nil {
			return RouteResult{}, fmt.Errorf("quota record for %s: %w", provider, err)
		}
	}

	res := RouteResult{Decision: types.DecisionRoute, Health: r.healthFor(provider, util)}
	r.observeHealth(provider, res.Health)
	r.publish(events.KindAllowed, events.SeverityInfo, task, provider, "admitted")
	return res, nil
}

// classify maps a task's integer priority onto a queue class.
func classify(priority int) types.Priority {
	switch {
	case priority >= 2:
		return types.PriorityHigh
	case priority == 1:
		return types.PriorityMedium
	default:
		return types.PriorityLow
	}
}

// healthFor derives a provider health indicator from limiter headroom and
// queue utilization.
func (r *Router) healthFor(provider string, util float64) types.ProviderHealth {
	st := r.limiter.Status(provider)
	capacity := r.limiter.Bucket(provider).Capacity()
	headroom := float64(st.Remaining) / float64(capacity)

	switch {
	case util >= 1:
		return types.HealthCritical
	case headroom <= 0 && util >= spikeThreshold:
		return types.HealthCritical
	case headroom < 0.2 || util >= spikeThreshold:
		return types.HealthWarning
	default:
		return types.HealthHealthy
	}
}

// observeHealth publishes degrade/recover transitions per provider.
func (r *Router) observeHealth(provider string, h types.ProviderHealth) {
	r.mu.Lock()
	prev, seen := r.lastHealth[provider]
	r.lastHealth[provider] = h
	r.mu.Unlock()

	if !seen || prev == h {
		return
	}
	if rank(h) > rank(prev) {
		sev := events.SeverityWarning
		if h == types.HealthCritical || h == types.HealthUnavailable {
			sev = events.SeverityCritical
		}
		r.bus.Publish(&events.Event{
			Kind:     events.KindProviderDegrading,
			Severity: sev,
			Provider: provider,
			Message:  fmt.Sprintf("provider health %s -> %s", prev, h),
		})
	} else {
		r.bus.Publish(&events.Event{
			Kind:     events.KindProviderRecovering,
			Severity: events.SeverityInfo,
			Provider: provider,
			Message:  fmt.Sprintf("provider health %s -> %s", prev, h),
		})
	}
}

// observeTokens publishes approach/recovery transitions around the 20%
// token headroom mark, and a predictive alert when headroom and queue
// pressure degrade together.
func (r *Router) observeTokens(provider string, d ratelimit.Decision) {
	capacity := r.limiter.Bucket(provider).Capacity()
	low := float64(d.Remaining)/float64(capacity) < 0.2

	r.mu.Lock()
	wasLow := r.lowTokens[provider]
	r.lowTokens[provider] = low
	r.mu.Unlock()

	switch {
	case low && !wasLow:
		r.bus.Publish(&events.Event{
			Kind:     events.KindRateApproaching,
			Severity: events.SeverityWarning,
			Provider: provider,
			Message:  fmt.Sprintf("%d tokens remaining of %d", d.Remaining, capacity),
		})
		if r.queue.Utilization(types.PriorityHigh) >= normalizeThreshold {
			r.bus.Publish(&events.Event{
				Kind:     events.KindPredictiveAlert,
				Severity: events.SeverityWarning,
				Provider: provider,
				Message:  "token headroom and high-priority queue pressure degrading together",
			})
		}
	case !low && wasLow:
		r.bus.Publish(&events.Event{
			Kind:     events.KindRateRecovery,
			Severity: events.SeverityInfo,
			Provider: provider,
			Message:  "token headroom recovered",
		})
	}
}

func rank(h types.ProviderHealth) int {
	switch h {
	case types.HealthHealthy:
		return 0
	case types.HealthWarning:
		return 1
	case types.HealthCritical:
		return 2
	default:
		return 3
	}
}

func (r *Router) publish(kind events.Kind, sev events.Severity, task *types.Task, provider, msg string) {
	r.bus.Publish(&events.Event{
		Kind:     kind,
		Severity: sev,
		TaskID:   task.ID,
		Provider: provider,
		Message:  msg,
	})
}
