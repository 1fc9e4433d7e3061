package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/foreman/pkg/types"
)

// VerifyRequest is handed to the external verifier bundle after a task has
// run and before it is released.
type VerifyRequest struct {
	Task    *types.Task
	Workdir string
	Payload []byte
	Attempt int
}

// VerifyResult is the bundle's verdict plus structured details, stored as an
// event alongside the terminal transition.
type VerifyResult struct {
	Outcome types.VerifyOutcome
	Details map[string]any
}

// Verifier is the exit contract to external verification. Implementations
// live outside the core.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error)
}

// Finish runs the verifier for a held task and releases it to the terminal
// state the verdict selects. A verifier error fails the task.
func (s *Scheduler) Finish(ctx context.Context, agentID, taskID, workdir string, v Verifier) (VerifyResult, error) {
	task, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		return VerifyResult{}, err
	}
	lease, err := s.store.ActiveLease(ctx, taskID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%w: no live lease for task %s", types.ErrLeaseLost, taskID)
	}
	if lease.AgentID != agentID {
		return VerifyResult{}, fmt.Errorf("%w: task %s held by %s", types.ErrLeaseLost, taskID, lease.AgentID)
	}

	result, err := v.Verify(ctx, VerifyRequest{
		Task:    task,
		Workdir: workdir,
		Payload: task.Payload,
		Attempt: lease.Attempt,
	})
	if err != nil {
		result = VerifyResult{
			Outcome: types.VerifyFail,
			Details: map[string]any{"error": err.Error()},
		}
	}

	var details []byte
	if result.Details != nil {
		details, _ = json.Marshal(result.Details)
	}
	if rerr := s.Release(ctx, agentID, taskID, result.Outcome, details); rerr != nil {
		return result, rerr
	}
	return result, nil
}
