package queue

import (
	"context"
	"testing"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/ratelimit"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTask(priority int) *types.Task {
	return &types.Task{ID: "t1", Title: "t", Priority: priority}
}

func TestShouldRouteAdmits(t *testing.T) {
	bus := &spyBus{}
	limiter := ratelimit.NewManager(nil)
	q := New(smallConfig(false), nil)
	router := NewRouter(limiter, nil, q, bus)

	res, err := router.ShouldRoute(context.Background(), testTask(0), "openai")
	require.NoError(t, err)
	assert.Equal(t, types.DecisionRoute, res.Decision)
	assert.Equal(t, types.HealthHealthy, res.Health)
	assert.Equal(t, 1, bus.count(events.KindAllowed))

	// The admission consumed one token.
	assert.Equal(t, ratelimit.DefaultCapacity-1, limiter.Status("openai").Remaining)
}

func TestShouldRouteThrottlesWhenExhausted(t *testing.T) {
	bus := &spyBus{}
	limiter := ratelimit.NewManager(nil)
	limiter.Configure("openai", 1, 1.0)
	q := New(smallConfig(false), nil)
	router := NewRouter(limiter, nil, q, bus)
	ctx := context.Background()

	res, err := router.ShouldRoute(ctx, testTask(0), "openai")
	require.NoError(t, err)
	require.Equal(t, types.DecisionRoute, res.Decision)

	res, err = router.ShouldRoute(ctx, testTask(0), "openai")
	require.NoError(t, err)
	assert.Equal(t, types.DecisionThrottle, res.Decision)
	assert.Greater(t, res.WaitMs, int64(0))
	assert.LessOrEqual(t, res.WaitMs, int64(1000))
	assert.Equal(t, 1, bus.count(events.KindThrottled))
}

func TestShouldRouteDropsOnFullQueue(t *testing.T) {
	bus := &spyBus{}
	limiter := ratelimit.NewManager(nil)
	q := New(smallConfig(false), nil)
	q.Enqueue(item("a", types.PriorityLow))
	q.Enqueue(item("b", types.PriorityLow))
	router := NewRouter(limiter, nil, q, bus)

	res, err := router.ShouldRoute(context.Background(), testTask(0), "openai")
	require.NoError(t, err)
	assert.Equal(t, types.DecisionDrop, res.Decision)
	assert.Equal(t, types.HealthCritical, res.Health)
	assert.Equal(t, 1, bus.count(events.KindDropped))

	// A drop must not burn a rate-limit token.
	assert.Equal(t, ratelimit.DefaultCapacity, limiter.Status("openai").Remaining)
}

func TestShouldRouteDefersOnQuota(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	bus := &spyBus{}
	limiter := ratelimit.NewManager(nil)
	quota := ratelimit.NewQuotaManager(st, map[string]ratelimit.QuotaLimits{
		"openai": {Daily: 1},
	})
	q := New(smallConfig(false), nil)
	router := NewRouter(limiter, quota, q, bus)

	// First admission routes and records the quota request.
	res, err := router.ShouldRoute(ctx, testTask(0), "openai")
	require.NoError(t, err)
	require.Equal(t, types.DecisionRoute, res.Decision)

	// Quota is authoritative: the limiter has plenty of tokens left.
	res, err = router.ShouldRoute(ctx, testTask(0), "openai")
	require.NoError(t, err)
	assert.Equal(t, types.DecisionDefer, res.Decision)
	assert.Equal(t, int64(60_000), res.WaitMs)
	assert.Equal(t, types.HealthUnavailable, res.Health)
	assert.Equal(t, 1, bus.count(events.KindDeferred))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		priority int
		want     types.Priority
	}{
		{priority: -1, want: types.PriorityLow},
		{priority: 0, want: types.PriorityLow},
		{priority: 1, want: types.PriorityMedium},
		{priority: 2, want: types.PriorityHigh},
		{priority: 9, want: types.PriorityHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.priority))
	}
}

func TestRouterEmitsTokenApproachAndRecovery(t *testing.T) {
	bus := &spyBus{}
	limiter := ratelimit.NewManager(nil)
	limiter.Configure("openai", 5, 1.0)
	q := New(smallConfig(false), nil)
	router := NewRouter(limiter, nil, q, bus)
	ctx := context.Background()

	// Draining to below 20% headroom fires the approach warning once.
	for i := 0; i < 5; i++ {
		_, err := router.ShouldRoute(ctx, testTask(0), "openai")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, bus.count(events.KindRateApproaching))

	// A reset restores headroom and the next admission reports recovery.
	limiter.Reset("openai")
	_, err := router.ShouldRoute(ctx, testTask(0), "openai")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.count(events.KindRateRecovery))
}
