package metrics

import (
	"context"
	"time"

	"github.com/cuemby/foreman/pkg/queue"
	"github.com/cuemby/foreman/pkg/ratelimit"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
)

// Collector polls the store, queue and rate limiter into the gauges.
type Collector struct {
	store   *store.Store
	queue   *queue.Queue
	limiter *ratelimit.Manager
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector. queue and limiter may be nil.
func NewCollector(st *store.Store, q *queue.Queue, limiter *ratelimit.Manager) *Collector {
	return &Collector{
		store:   st,
		queue:   q,
		limiter: limiter,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectTaskMetrics(ctx)
	c.collectLeaseMetrics(ctx)
	c.collectQueueMetrics()
	c.collectLimiterMetrics()
}

func (c *Collector) collectTaskMetrics(ctx context.Context) {
	states := []types.TaskState{
		types.TaskStatePending,
		types.TaskStateReady,
		types.TaskStateReserved,
		types.TaskStateRunning,
		types.TaskStateCompleted,
		types.TaskStateFailed,
		types.TaskStateBlocked,
	}
	for _, state := range states {
		tasks, err := c.store.ListTasks(ctx, state)
		if err != nil {
			return
		}
		TasksTotal.WithLabelValues(string(state)).Set(float64(len(tasks)))
	}
}

func (c *Collector) collectLeaseMetrics(ctx context.Context) {
	leases, err := c.store.ListActiveLeases(ctx)
	if err != nil {
		return
	}
	LeasesActive.Set(float64(len(leases)))
}

func (c *Collector) collectQueueMetrics() {
	if c.queue == nil {
		return
	}
	for pri, depth := range c.queue.Depths() {
		QueueDepth.WithLabelValues(string(pri)).Set(float64(depth))
	}
}

func (c *Collector) collectLimiterMetrics() {
	if c.limiter == nil {
		return
	}
	for _, provider := range c.limiter.Providers() {
		status := c.limiter.Status(provider)
		LimiterTokens.WithLabelValues(provider).Set(float64(status.Remaining))
	}
}
