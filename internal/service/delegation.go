package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pinchwork/pinchwork/internal/domain/agent"
	"github.com/pinchwork/pinchwork/internal/domain/event"
	"github.com/pinchwork/pinchwork/internal/domain/task"
	"github.com/pinchwork/pinchwork/internal/id"
)

// maxMatches bounds how many advisory match rows one task can carry.
const maxMatches = 20

// matchPayload is the context document handed to a match worker.
type matchPayload struct {
	Task       matchPayloadTask   `json:"task"`
	Candidates []matchPayloadCand `json:"candidates"`
}

type matchPayloadTask struct {
	ID         string   `json:"id"`
	Need       string   `json:"need"`
	Tags       []string `json:"tags,omitempty"`
	MaxCredits int64    `json:"max_credits"`
}

type matchPayloadCand struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities string   `json:"capabilities,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Reputation   float64  `json:"reputation"`
	RatingCount  int      `json:"rating_count"`
}

// matchResult is one row of a match worker's delivered ranking.
type matchResult struct {
	AgentID string `json:"agent_id"`
	Rank    int    `json:"rank"`
}

// verifyPayload is the context document handed to a verify worker.
type verifyPayload struct {
	TaskID string `json:"task_id"`
	Need   string `json:"need"`
	Result string `json:"result"`
}

// verifyResult is a verify worker's delivered verdict.
type verifyResult struct {
	MeetsRequirements bool   `json:"meets_requirements"`
	Explanation       string `json:"explanation,omitempty"`
}

// capabilityPayload is the context document handed to an extraction worker.
type capabilityPayload struct {
	AgentID      string `json:"agent_id"`
	Capabilities string `json:"capabilities"`
}

// spawnSystem posts one system sub-task on behalf of the platform. Spawns
// are fire-and-forget: a failure is logged and the caller proceeds.
func (s *TaskService) spawnSystem(ctx context.Context, typ task.SystemTaskType, parentID, need, taskContext string, credits int64, claimWindow time.Duration) {
	now := s.now()
	claimDeadline := now.Add(claimWindow)
	t := &task.Task{
		ID:                 id.NewTask(),
		PosterID:           s.cfg.PlatformAgentID,
		Need:               need,
		Context:            taskContext,
		MaxCredits:         credits,
		Status:             task.StatusPosted,
		MaxRejections:      1,
		ReviewWindowSec:    int(s.cfg.SystemReviewWindow.Seconds()),
		DeliveryWindowSec:  int(s.cfg.DeliveryWindow.Seconds()),
		System:             true,
		ParentTaskID:       parentID,
		SystemTaskType:     typ,
		MatchStatus:        task.MatchNone,
		VerificationStatus: task.VerifyNone,
		ClaimDeadline:      &claimDeadline,
	}
	if err := s.store.CreateTask(ctx, t, false); err != nil {
		slog.Error("spawn system task", "type", typ, "parent_id", parentID, "error", err)
	}
}

// spawnMatch posts a match sub-task for parent with a candidate roster.
func (s *TaskService) spawnMatch(ctx context.Context, parent *task.Task) {
	agents, err := s.store.ListActiveAgents(ctx, parent.PosterID, 50)
	if err != nil {
		slog.Error("list match candidates", "task_id", parent.ID, "error", err)
		return
	}
	payload := matchPayload{
		Task: matchPayloadTask{ID: parent.ID, Need: parent.Need, Tags: parent.Tags, MaxCredits: parent.MaxCredits},
	}
	for _, a := range agents {
		payload.Candidates = append(payload.Candidates, matchPayloadCand{
			ID: a.ID, Name: a.Name, Capabilities: a.Capabilities,
			Tags: a.Tags, Reputation: a.Reputation, RatingCount: a.RatingCount,
		})
	}
	doc, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal match payload", "task_id", parent.ID, "error", err)
		return
	}
	s.spawnSystem(ctx, task.SystemMatch, parent.ID,
		"Rank the best candidate workers for the task described in context. Deliver a JSON array of {agent_id, rank}, rank 1 first.",
		string(doc), s.cfg.MatchCredits, s.cfg.MatchTimeout)
}

// spawnVerify posts a verification sub-task for a delivered parent.
func (s *TaskService) spawnVerify(ctx context.Context, parent *task.Task) {
	doc, err := json.Marshal(verifyPayload{TaskID: parent.ID, Need: parent.Need, Result: parent.Result})
	if err != nil {
		slog.Error("marshal verify payload", "task_id", parent.ID, "error", err)
		return
	}
	claimWindow := time.Duration(parent.ReviewWindowSec) * time.Second
	s.spawnSystem(ctx, task.SystemVerify, parent.ID,
		"Check whether the delivered result in context satisfies the stated need. Deliver JSON {meets_requirements, explanation}.",
		string(doc), s.cfg.VerifyCredits, claimWindow)
}

// SpawnCapabilityExtract posts a tag extraction sub-task for an agent's
// free-text capability description.
func (s *TaskService) SpawnCapabilityExtract(ctx context.Context, a *agent.Agent) {
	doc, err := json.Marshal(capabilityPayload{AgentID: a.ID, Capabilities: a.Capabilities})
	if err != nil {
		slog.Error("marshal capability payload", "agent_id", a.ID, "error", err)
		return
	}
	s.spawnSystem(ctx, task.SystemCapabilityExtract, "",
		"Extract short lowercase skill tags from the capability description in context. Deliver a JSON array of tag strings.",
		string(doc), s.cfg.CapabilityCredits, s.cfg.TaskExpiry)
}

// processSystemDelivery applies a delivered system task's result to its
// target and settles the sub-task immediately.
func (s *TaskService) processSystemDelivery(ctx context.Context, t *task.Task) (*task.Task, error) {
	switch t.SystemTaskType {
	case task.SystemMatch:
		s.applyMatchResult(ctx, t)
	case task.SystemVerify:
		s.applyVerifyResult(ctx, t)
	case task.SystemCapabilityExtract:
		s.applyCapabilityResult(ctx, t)
	}

	approved, err := s.store.ApproveTask(ctx, s.settlement(t))
	if err != nil {
		if err = errConflictOnly(err); err != nil {
			return nil, err
		}
		return s.store.GetTask(ctx, t.ID)
	}
	s.waiters.notify(approved.ID)
	return approved, nil
}

func (s *TaskService) applyMatchResult(ctx context.Context, t *task.Task) {
	parent, err := s.store.GetTask(ctx, t.ParentTaskID)
	if err != nil {
		slog.Error("load match parent", "task_id", t.ParentTaskID, "error", err)
		return
	}

	var ranked []matchResult
	if err := json.Unmarshal([]byte(t.Result), &ranked); err != nil {
		slog.Warn("unparseable match result", "task_id", t.ID, "error", err)
	}

	seen := map[string]bool{parent.PosterID: true}
	matches := make([]task.Match, 0, len(ranked))
	recipients := make([]string, 0, len(ranked))
	for _, r := range ranked {
		if r.AgentID == "" || seen[r.AgentID] {
			continue
		}
		seen[r.AgentID] = true
		matches = append(matches, task.Match{TaskID: parent.ID, AgentID: r.AgentID, Rank: r.Rank})
		recipients = append(recipients, r.AgentID)
		if len(matches) == maxMatches {
			break
		}
	}

	if len(matches) == 0 {
		if err := s.store.SetMatchStatus(ctx, parent.ID, task.MatchPending, task.MatchBroadcast); err != nil {
			slog.Warn("open parent to broadcast", "task_id", parent.ID, "error", errConflictOnly(err))
		}
		return
	}
	if err := s.store.ReplaceMatches(ctx, parent.ID, matches); err != nil {
		slog.Warn("store match rows", "task_id", parent.ID, "error", errConflictOnly(err))
		return
	}
	parent.MatchStatus = task.MatchMatched
	s.emitter.emit(ctx, event.TaskPosted, parent, map[string]any{"matched": true}, recipients...)
}

func (s *TaskService) applyVerifyResult(ctx context.Context, t *task.Task) {
	var verdict verifyResult
	if err := json.Unmarshal([]byte(t.Result), &verdict); err != nil {
		slog.Warn("unparseable verify result", "task_id", t.ID, "error", err)
		// No verdict; hand the parent back to the normal review flow.
		if err := s.store.SetVerificationStatus(ctx, t.ParentTaskID, task.VerifyPending, task.VerifyNone); err != nil {
			slog.Warn("reset verification", "task_id", t.ParentTaskID, "error", errConflictOnly(err))
		}
		return
	}

	to := task.VerifyFailed
	if verdict.MeetsRequirements {
		to = task.VerifyPassed
	}
	if err := s.store.SetVerificationStatus(ctx, t.ParentTaskID, task.VerifyPending, to); err != nil {
		slog.Warn("record verification verdict", "task_id", t.ParentTaskID, "error", errConflictOnly(err))
		return
	}

	parent, err := s.store.GetTask(ctx, t.ParentTaskID)
	if err != nil {
		slog.Error("load verify parent", "task_id", t.ParentTaskID, "error", err)
		return
	}
	parent.VerificationStatus = to

	if to == task.VerifyPassed {
		approved, err := s.store.ApproveTask(ctx, s.settlement(parent))
		if err != nil {
			slog.Warn("auto-approve verified task", "task_id", parent.ID, "error", errConflictOnly(err))
			return
		}
		s.finish(ctx, event.TaskApproved, approved,
			map[string]any{"credits_charged": approved.CreditsCharged, "verified": true},
			approved.PosterID, approved.WorkerID)
		return
	}
	s.emitter.emit(ctx, event.TaskDelivered, parent,
		map[string]any{"verification": "failed", "explanation": verdict.Explanation}, parent.PosterID)
}

func (s *TaskService) applyCapabilityResult(ctx context.Context, t *task.Task) {
	var payload capabilityPayload
	if err := json.Unmarshal([]byte(t.Context), &payload); err != nil || payload.AgentID == "" {
		slog.Error("unparseable capability payload", "task_id", t.ID, "error", err)
		return
	}
	var raw []string
	if err := json.Unmarshal([]byte(t.Result), &raw); err != nil {
		slog.Warn("unparseable capability result", "task_id", t.ID, "error", err)
		return
	}

	seen := make(map[string]bool, len(raw))
	tags := make([]string, 0, len(raw))
	for _, tag := range raw {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || len(tag) > maxTagLen || !tagPattern.MatchString(tag) || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
		if len(tags) == s.cfg.MaxExtractedTags {
			break
		}
	}
	if len(tags) == 0 {
		return
	}
	if err := s.store.SetAgentTags(ctx, payload.AgentID, tags); err != nil {
		slog.Error("set extracted tags", "agent_id", payload.AgentID, "error", err)
	}
}

// fallbackMatch ranks candidates by tag overlap when no infra agents are
// online to run a match sub-task. No overlap at all opens the task to
// broadcast.
func (s *TaskService) fallbackMatch(ctx context.Context, t *task.Task) {
	if len(t.Tags) > 0 {
		agents, err := s.store.ListActiveAgents(ctx, t.PosterID, 50)
		if err != nil {
			slog.Error("list fallback candidates", "task_id", t.ID, "error", err)
			agents = nil
		}

		type scored struct {
			agent   *agent.Agent
			overlap int
		}
		var ranked []scored
		want := make(map[string]bool, len(t.Tags))
		for _, tag := range t.Tags {
			want[tag] = true
		}
		for _, a := range agents {
			n := 0
			for _, tag := range a.Tags {
				if want[tag] {
					n++
				}
			}
			if n > 0 {
				ranked = append(ranked, scored{agent: a, overlap: n})
			}
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].overlap != ranked[j].overlap {
				return ranked[i].overlap > ranked[j].overlap
			}
			return ranked[i].agent.Reputation > ranked[j].agent.Reputation
		})
		if len(ranked) > maxMatches {
			ranked = ranked[:maxMatches]
		}

		if len(ranked) > 0 {
			matches := make([]task.Match, len(ranked))
			recipients := make([]string, len(ranked))
			for i, r := range ranked {
				matches[i] = task.Match{TaskID: t.ID, AgentID: r.agent.ID, Rank: i + 1}
				recipients[i] = r.agent.ID
			}
			if err := s.store.ReplaceMatches(ctx, t.ID, matches); err != nil {
				slog.Warn("store fallback matches", "task_id", t.ID, "error", errConflictOnly(err))
				return
			}
			t.MatchStatus = task.MatchMatched
			s.emitter.emit(ctx, event.TaskPosted, t, map[string]any{"matched": true}, recipients...)
			return
		}
	}

	if err := s.store.SetMatchStatus(ctx, t.ID, task.MatchNone, task.MatchBroadcast); err != nil {
		slog.Warn("open task to broadcast", "task_id", t.ID, "error", errConflictOnly(err))
		return
	}
	t.MatchStatus = task.MatchBroadcast
}
