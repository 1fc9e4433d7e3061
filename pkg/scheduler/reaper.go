package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
)

// ReclaimDue reclaims every lease expired at now, expires stale file
// reservations, and frees tasks held by agents whose heartbeats have gone
// stale. Any process may invoke it at any frequency; with no expired leases
// it is a no-op returning the empty set. Correctness does not depend on the
// invocation cadence because TryReserve treats expired leases as absent.
func (s *Scheduler) ReclaimDue(ctx context.Context, nowMs int64) ([]store.ReclaimedLease, error) {
	reclaimed, err := s.store.ReclaimExpired(ctx, nowMs)
	if err != nil {
		return nil, err
	}
	for _, r := range reclaimed {
		s.graph.SetTaskState(r.TaskID, types.TaskStateReady)
		s.emitReclaim(ctx, r, "lease expired")
	}

	if _, err := s.store.ExpireReservations(ctx, nowMs); err != nil {
		s.logger.Error().Err(err).Msg("failed to expire file reservations")
	}

	if s.cfg.StaleAgentAfter > 0 {
		cutoff := nowMs - s.cfg.StaleAgentAfter.Milliseconds()
		stale, err := s.store.StaleAgents(ctx, cutoff)
		if err != nil {
			return reclaimed, err
		}
		for _, agent := range stale {
			freed, err := s.store.ReclaimAgentLeases(ctx, agent)
			if err != nil {
				s.logger.Error().Err(err).Str("agent_id", agent).Msg("failed to reclaim stale agent leases")
				continue
			}
			for _, r := range freed {
				s.graph.SetTaskState(r.TaskID, types.TaskStateReady)
				s.emitReclaim(ctx, r, "agent heartbeat stale")
				reclaimed = append(reclaimed, r)
			}
			if _, err := s.store.ReleaseAgentReservations(ctx, agent); err != nil {
				s.logger.Error().Err(err).Str("agent_id", agent).Msg("failed to release stale agent reservations")
			}
		}
	}

	return reclaimed, nil
}

func (s *Scheduler) emitReclaim(ctx context.Context, r store.ReclaimedLease, reason string) {
	data, _ := json.Marshal(map[string]string{"prior_agent": r.PriorAgent, "reason": reason})
	if err := s.store.AppendEvent(ctx, &types.Event{
		TaskID: r.TaskID,
		Kind:   string(events.KindLeaseReclaimed),
		Data:   data,
	}); err != nil {
		s.logger.Error().Err(err).Str("task_id", r.TaskID).Msg("failed to append reclaim event")
	}
	s.bus.Publish(&events.Event{
		Kind:     events.KindLeaseReclaimed,
		Severity: events.SeverityWarning,
		TaskID:   r.TaskID,
		AgentID:  r.PriorAgent,
		Message:  reason,
	})
	s.logger.Warn().Str("task_id", r.TaskID).Str("prior_agent", r.PriorAgent).Str("reason", reason).Msg("lease reclaimed")
}

// Reaper periodically invokes ReclaimDue. The loop is optional: supervisors
// that drive reclaim themselves simply never start one.
type Reaper struct {
	sched    *Scheduler
	interval time.Duration
	stopCh   chan struct{}
}

// NewReaper creates a self-timed reaper. A non-positive interval falls back
// to the lease TTL.
func NewReaper(sched *Scheduler, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = sched.cfg.LeaseTTL
	}
	return &Reaper{sched: sched, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the reap loop.
func (r *Reaper) Start() {
	go r.run()
}

// Stop stops the reap loop.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	logger := log.WithComponent("reaper")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reclaimed, err := r.sched.ReclaimDue(context.Background(), types.NowMs())
			if err != nil {
				logger.Error().Err(err).Msg("reclaim pass failed")
				continue
			}
			if len(reclaimed) > 0 {
				logger.Info().Int("count", len(reclaimed)).Msg("reclaimed expired leases")
			}
		case <-r.stopCh:
			return
		}
	}
}
