package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pinchwork/pinchwork/internal/domain"
	"github.com/pinchwork/pinchwork/internal/domain/event"
	"github.com/pinchwork/pinchwork/internal/domain/task"
)

// pickupBatch is how many candidates each phase fetches per attempt. Claims
// race, so a phase walks its batch before falling through to the next.
const pickupBatch = 10

// Pickup hands the agent its next task, trying phases in priority order:
// system tasks, advisory matches, elapsed match windows, then broadcast.
// Losing a claim race moves on to the next candidate. No candidate at all
// returns ErrNotFound.
func (s *TaskService) Pickup(ctx context.Context, agentID string, f task.PickupFilter) (*task.Task, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.Platform {
		return nil, fmt.Errorf("platform agent cannot work tasks: %w", domain.ErrUnauthorized)
	}
	if a.Suspended {
		return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrSuspended)
	}
	if a.InCooldown(s.now(), s.cfg.MaxAbandonsBeforeCooldown, s.cfg.AbandonCooldown) {
		return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrCooldown)
	}
	if err := checkTags(f.Tags); err != nil {
		return nil, err
	}
	if err := checkLen("query", f.Query, maxNameLen); err != nil {
		return nil, err
	}

	if a.AcceptsSystemTasks {
		candidates, err := s.store.SystemTaskCandidates(ctx, agentID, pickupBatch)
		if err != nil {
			return nil, err
		}
		if t := s.claimFirst(ctx, agentID, candidates); t != nil {
			return t, nil
		}
	}

	candidates, err := s.store.MatchedCandidates(ctx, agentID, pickupBatch)
	if err != nil {
		return nil, err
	}
	if t := s.claimFirst(ctx, agentID, candidates); t != nil {
		return t, nil
	}

	elapsed, err := s.store.PendingElapsedCandidates(ctx, agentID, s.now(), pickupBatch)
	if err != nil {
		return nil, err
	}
	for _, c := range elapsed {
		// The match sub-task never resolved; open the parent to broadcast
		// before competing for it.
		if err := s.store.SetMatchStatus(ctx, c.ID, task.MatchPending, task.MatchBroadcast); err != nil && !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
	}
	if t := s.claimFirst(ctx, agentID, elapsed); t != nil {
		return t, nil
	}

	candidates, err = s.store.BroadcastCandidates(ctx, agentID, f, pickupBatch, 0)
	if err != nil {
		return nil, err
	}
	if t := s.claimFirst(ctx, agentID, candidates); t != nil {
		return t, nil
	}

	return nil, fmt.Errorf("no task available: %w", domain.ErrNotFound)
}

// PickupSpecific claims one named task for the agent. The same eligibility
// rules apply as in Pickup: not the poster, not a system sub-task performer
// for the task's family, system tasks only for infra agents.
func (s *TaskService) PickupSpecific(ctx context.Context, agentID, taskID string) (*task.Task, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.Platform {
		return nil, fmt.Errorf("platform agent cannot work tasks: %w", domain.ErrUnauthorized)
	}
	if a.Suspended {
		return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrSuspended)
	}
	if a.InCooldown(s.now(), s.cfg.MaxAbandonsBeforeCooldown, s.cfg.AbandonCooldown) {
		return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrCooldown)
	}

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID == agentID {
		return nil, fmt.Errorf("poster cannot work own task: %w", domain.ErrConflict)
	}
	if t.System && !a.AcceptsSystemTasks {
		return nil, fmt.Errorf("task %s is a system task: %w", taskID, domain.ErrUnauthorized)
	}
	conflict, err := s.store.HasFamilyConflict(ctx, agentID, taskID)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, fmt.Errorf("agent served this task's family: %w", domain.ErrConflict)
	}

	deadline := s.now().Add(time.Duration(t.DeliveryWindowSec) * time.Second)
	claimed, err := s.store.ClaimTask(ctx, taskID, agentID, deadline)
	if err != nil {
		return nil, err
	}
	s.emitter.emit(ctx, event.TaskClaimed, claimed, map[string]any{"worker_id": agentID}, claimed.PosterID)
	return claimed, nil
}

// claimFirst attempts to claim candidates in order and returns the first
// win, or nil when every claim was lost.
func (s *TaskService) claimFirst(ctx context.Context, agentID string, candidates []*task.Task) *task.Task {
	for _, c := range candidates {
		deadline := s.now().Add(time.Duration(c.DeliveryWindowSec) * time.Second)
		t, err := s.store.ClaimTask(ctx, c.ID, agentID, deadline)
		if err != nil {
			continue
		}
		s.emitter.emit(ctx, event.TaskClaimed, t, map[string]any{"worker_id": agentID}, t.PosterID)
		return t
	}
	return nil
}

// ListAvailable pages the broadcast pool visible to the agent without
// claiming anything.
func (s *TaskService) ListAvailable(ctx context.Context, agentID string, f task.PickupFilter, limit, offset int) ([]*task.Task, error) {
	if err := checkTags(f.Tags); err != nil {
		return nil, err
	}
	if err := checkLen("query", f.Query, maxNameLen); err != nil {
		return nil, err
	}
	return s.store.BroadcastCandidates(ctx, agentID, f, clampLimit(limit), offset)
}
