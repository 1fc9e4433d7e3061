package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/rs/zerolog"
)

// LeaseKeeper runs the holder's side of an active reservation: a heartbeat
// ticker and a renewal ticker, cancellable through a single Stop. A failed
// renewal means the lease is gone; the keeper tears its timers down and
// reports LEASE_LOST through Done.
type LeaseKeeper struct {
	store   *store.Store
	bus     events.Publisher
	cfg     Config
	agentID string
	taskID  string

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan error
	logger   zerolog.Logger
}

// NewLeaseKeeper creates a keeper for one reservation. Call Start to begin
// ticking.
func NewLeaseKeeper(st *store.Store, bus events.Publisher, cfg Config, agentID, taskID string) *LeaseKeeper {
	if bus == nil {
		bus = events.Discard{}
	}
	return &LeaseKeeper{
		store:   st,
		bus:     bus,
		cfg:     cfg,
		agentID: agentID,
		taskID:  taskID,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan error, 1),
		logger:  log.WithComponent("lease-keeper"),
	}
}

// Start launches the heartbeat and renewal loops. The keeper stops when the
// context is cancelled, Stop is called, or a renewal fails.
func (k *LeaseKeeper) Start(ctx context.Context) {
	go k.run(ctx)
}

// Stop halts both timers. Safe to call more than once.
func (k *LeaseKeeper) Stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
}

// Done yields nil after a clean Stop, or the lease-loss error.
func (k *LeaseKeeper) Done() <-chan error {
	return k.doneCh
}

func (k *LeaseKeeper) run(ctx context.Context) {
	heartbeat := time.NewTicker(k.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	renewal := time.NewTicker(k.cfg.RenewalInterval)
	defer renewal.Stop()

	for {
		select {
		case <-heartbeat.C:
			// Missed ticks coalesce; no make-up fires.
			if err := k.store.UpsertHeartbeat(ctx, k.agentID, types.AgentStatusWorking, 0, types.NowMs()); err != nil {
				k.logger.Warn().Err(err).Str("agent_id", k.agentID).Msg("heartbeat upsert failed")
			}

		case <-renewal.C:
			newExpiry := types.NowMs() + k.cfg.LeaseTTL.Milliseconds()
			if err := k.store.RenewLease(ctx, k.agentID, k.taskID, newExpiry); err != nil {
				k.logger.Warn().Err(err).Str("task_id", k.taskID).Str("agent_id", k.agentID).Msg("lease renewal failed")
				k.bus.Publish(&events.Event{
					Kind:     events.KindLeaseLost,
					Severity: events.SeverityError,
					TaskID:   k.taskID,
					AgentID:  k.agentID,
					Message:  "lease renewal found no owning lease",
				})
				k.doneCh <- err
				return
			}
			k.bus.Publish(&events.Event{
				Kind:    events.KindLeaseRenewed,
				TaskID:  k.taskID,
				AgentID: k.agentID,
			})

		case <-k.stopCh:
			k.doneCh <- nil
			return

		case <-ctx.Done():
			k.doneCh <- nil
			return
		}
	}
}
