package ratelimit

import (
	"context"
	"sync"
	"testing"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spyBus captures published events for assertions.
type spyBus struct {
	mu     sync.Mutex
	events []*events.Event
}

func (s *spyBus) Publish(event *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *spyBus) kinds() []events.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Kind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

func TestManagerLazyDefaults(t *testing.T) {
	m := NewManager(nil)

	// First touch materializes a bucket with default limits.
	d := m.TryConsume("openai")
	assert.True(t, d.Allowed)
	assert.Equal(t, DefaultCapacity-1, d.Remaining)
	assert.Equal(t, DefaultCapacity, m.Bucket("openai").Capacity())

	assert.Equal(t, []string{"openai"}, m.Providers())
}

func TestManagerConfigurePublishesChange(t *testing.T) {
	bus := &spyBus{}
	m := NewManager(bus)

	m.Configure("openai", 5, 2.0)

	assert.Equal(t, 5, m.Bucket("openai").Capacity())
	assert.Equal(t, 2.0, m.Bucket("openai").RefillRate())

	kinds := bus.kinds()
	require.Len(t, kinds, 1)
	assert.Equal(t, events.KindLimitConfigChange, kinds[0])
}

func TestManagerTryConsumeManyPreservesOrder(t *testing.T) {
	m := NewManager(nil)
	m.Configure("a", 1, 1.0)

	// Drain provider a so the per-provider outcomes differ.
	m.TryConsume("a")

	decisions := m.TryConsumeMany([]string{"a", "b"})
	require.Len(t, decisions, 2)
	assert.False(t, decisions[0].Allowed)
	assert.True(t, decisions[1].Allowed)
}

func TestManagerBucketsIndependent(t *testing.T) {
	m := NewManager(nil)
	m.Configure("a", 1, 1.0)

	d := m.TryConsume("a")
	require.True(t, d.Allowed)
	d = m.TryConsume("a")
	assert.False(t, d.Allowed)

	// Provider b is unaffected by a's exhaustion.
	d = m.TryConsume("b")
	assert.True(t, d.Allowed)
}

func TestQuotaManagerExceeded(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	q := NewQuotaManager(st, map[string]QuotaLimits{
		"openai": {Daily: 2},
	})
	assert.True(t, q.HasLimits("openai"))
	assert.False(t, q.HasLimits("anthropic"))

	exceeded, err := q.Exceeded(ctx, "openai")
	require.NoError(t, err)
	assert.False(t, exceeded)

	require.NoError(t, q.Record(ctx, "openai"))
	require.NoError(t, q.Record(ctx, "openai"))

	exceeded, err = q.Exceeded(ctx, "openai")
	require.NoError(t, err)
	assert.True(t, exceeded)

	// Providers without limits are never quota-blocked.
	exceeded, err = q.Exceeded(ctx, "anthropic")
	require.NoError(t, err)
	assert.False(t, exceeded)
}

func TestQuotaManagerConcurrentSetLimits(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	q := NewQuotaManager(st, nil)

	// Limits may be reconfigured while the router consults the manager;
	// run under -race.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.SetLimits("openai", QuotaLimits{Daily: j + 1})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.HasLimits("openai")
				if _, err := q.Exceeded(ctx, "openai"); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.True(t, q.HasLimits("openai"))
}
