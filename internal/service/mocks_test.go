package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pinchwork/pinchwork/internal/domain"
	"github.com/pinchwork/pinchwork/internal/domain/agent"
	"github.com/pinchwork/pinchwork/internal/domain/event"
	"github.com/pinchwork/pinchwork/internal/domain/ledger"
	"github.com/pinchwork/pinchwork/internal/domain/rating"
	"github.com/pinchwork/pinchwork/internal/domain/task"
	"github.com/pinchwork/pinchwork/internal/port/broadcast"
	"github.com/pinchwork/pinchwork/internal/port/database"
)

// mockStore is an in-memory database.Store that mirrors the conditional
// transition semantics of the real store: a guard miss on an existing row is
// domain.ErrConflict, a missing row domain.ErrNotFound, and settlement moves
// balances and ledger rows together.
type mockStore struct {
	mu      sync.Mutex
	agents  map[string]*agent.Agent
	tasks   map[string]*task.Task
	matches map[string][]task.Match
	ledgers map[string][]*ledger.Entry
	ratings []*rating.Rating
	tick    int64
}

func newMockStore() *mockStore {
	return &mockStore{
		agents:  make(map[string]*agent.Agent),
		tasks:   make(map[string]*task.Task),
		matches: make(map[string][]task.Match),
		ledgers: make(map[string][]*ledger.Entry),
	}
}

// clock hands out strictly increasing timestamps so FIFO ordering is
// deterministic without sleeping.
func (s *mockStore) clock() time.Time {
	s.tick++
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(s.tick) * time.Second)
}

func copyAgent(a *agent.Agent) *agent.Agent {
	c := *a
	c.Tags = append([]string(nil), a.Tags...)
	return &c
}

func copyTask(t *task.Task) *task.Task {
	c := *t
	c.Tags = append([]string(nil), t.Tags...)
	return &c
}

func (s *mockStore) appendLedger(agentID string, amount int64, reason ledger.Reason, taskID string) {
	entries := s.ledgers[agentID]
	s.ledgers[agentID] = append(entries, &ledger.Entry{
		Seq:       int64(len(entries) + 1),
		AgentID:   agentID,
		Amount:    amount,
		Reason:    reason,
		TaskID:    taskID,
		CreatedAt: s.clock(),
	})
}

func (s *mockStore) move(agentID string, balance, escrowed int64) {
	a := s.agents[agentID]
	if a == nil {
		return
	}
	a.Balance += balance
	a.Escrowed += escrowed
}

func (s *mockStore) Ping(context.Context) error { return nil }

// --- Agents ---

func (s *mockStore) CreateAgent(_ context.Context, a *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return fmt.Errorf("agent %s: %w", a.ID, domain.ErrConflict)
	}
	a.CreatedAt = s.clock()
	a.UpdatedAt = a.CreatedAt
	s.agents[a.ID] = copyAgent(a)
	return nil
}

func (s *mockStore) GetAgent(_ context.Context, id string) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("get agent %s: %w", id, domain.ErrNotFound)
	}
	return copyAgent(a), nil
}

func (s *mockStore) GetAgentByFingerprint(_ context.Context, fingerprint string) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.KeyFingerprint == fingerprint {
			return copyAgent(a), nil
		}
	}
	return nil, fmt.Errorf("agent by fingerprint: %w", domain.ErrNotFound)
}

func (s *mockStore) UpdateAgentProfile(_ context.Context, id string, patch agent.UpdateRequest) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("update agent %s: %w", id, domain.ErrNotFound)
	}
	if patch.Name != nil {
		a.Name = *patch.Name
	}
	if patch.Capabilities != nil {
		a.Capabilities = *patch.Capabilities
	}
	if patch.AcceptsSystemTasks != nil {
		a.AcceptsSystemTasks = *patch.AcceptsSystemTasks
	}
	a.UpdatedAt = s.clock()
	return copyAgent(a), nil
}

func (s *mockStore) SetAgentTags(_ context.Context, id string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("set agent tags %s: %w", id, domain.ErrNotFound)
	}
	a.Tags = append([]string(nil), tags...)
	return nil
}

func (s *mockStore) SetAgentSuspended(_ context.Context, id string, suspended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("suspend agent %s: %w", id, domain.ErrNotFound)
	}
	a.Suspended = suspended
	return nil
}

func (s *mockStore) ListInfraAgents(context.Context) ([]*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*agent.Agent
	for _, a := range s.agents {
		if a.AcceptsSystemTasks && !a.Suspended && !a.Platform {
			out = append(out, copyAgent(a))
		}
	}
	sortAgentsByCreated(out)
	return out, nil
}

func (s *mockStore) ListActiveAgents(_ context.Context, excludeID string, limit int) ([]*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*agent.Agent
	for _, a := range s.agents {
		if !a.Suspended && !a.Platform && a.ID != excludeID {
			out = append(out, copyAgent(a))
		}
	}
	sortAgentsByCreated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortAgentsByCreated(agents []*agent.Agent) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
}

func (s *mockStore) RecordAbandon(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("record abandon %s: %w", id, domain.ErrNotFound)
	}
	a.Abandons++
	t := at
	a.LastAbandonAt = &t
	return nil
}

func (s *mockStore) SetReputation(_ context.Context, id string, mean float64, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("set reputation %s: %w", id, domain.ErrNotFound)
	}
	a.Reputation = mean
	a.RatingCount = count
	return nil
}

func (s *mockStore) Grant(_ context.Context, agentID string, amount int64, reason ledger.Reason, taskID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return 0, fmt.Errorf("get agent %s: %w", agentID, domain.ErrNotFound)
	}
	if a.Balance+amount < 0 {
		return 0, fmt.Errorf("grant %s: %w", agentID, domain.ErrInsufficientCredits)
	}
	a.Balance += amount
	s.appendLedger(agentID, amount, reason, taskID)
	return a.Balance, nil
}

// --- Tasks ---

func (s *mockStore) CreateTask(_ context.Context, t *task.Task, hold bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hold {
		poster, ok := s.agents[t.PosterID]
		if !ok {
			return fmt.Errorf("escrow hold %s: %w", t.PosterID, domain.ErrNotFound)
		}
		if poster.Balance < t.MaxCredits {
			return fmt.Errorf("escrow hold %s: %w", t.PosterID, domain.ErrInsufficientCredits)
		}
		poster.Balance -= t.MaxCredits
		poster.Escrowed += t.MaxCredits
		s.appendLedger(t.PosterID, -t.MaxCredits, ledger.ReasonEscrowHold, t.ID)
	}
	t.CreatedAt = s.clock()
	t.UpdatedAt = t.CreatedAt
	s.tasks[t.ID] = copyTask(t)
	return nil
}

func (s *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	return copyTask(t), nil
}

func (s *mockStore) ListByPoster(_ context.Context, posterID string, limit, offset int) ([]*task.Task, error) {
	return s.listBy(func(t *task.Task) bool { return t.PosterID == posterID }, limit, offset, true), nil
}

func (s *mockStore) ListByWorker(_ context.Context, workerID string, limit, offset int) ([]*task.Task, error) {
	return s.listBy(func(t *task.Task) bool { return t.WorkerID == workerID }, limit, offset, true), nil
}

func (s *mockStore) listBy(keep func(*task.Task) bool, limit, offset int, newestFirst bool) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *mockStore) transitionErr(taskID string) error {
	if _, ok := s.tasks[taskID]; !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return fmt.Errorf("task %s: %w", taskID, domain.ErrConflict)
}

func (s *mockStore) ClaimTask(_ context.Context, taskID, workerID string, deliveryDeadline time.Time) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != task.StatusPosted || t.PosterID == workerID || s.familyConflict(workerID, t) {
		return nil, s.transitionErr(taskID)
	}
	now := s.clock()
	t.Status = task.StatusClaimed
	t.WorkerID = workerID
	t.ClaimedAt = &now
	dd := deliveryDeadline
	t.DeliveryDeadline = &dd
	t.UpdatedAt = now
	delete(s.matches, taskID)
	return copyTask(t), nil
}

func (s *mockStore) DeliverTask(_ context.Context, taskID, workerID, result string, charged int64, reviewDeadline time.Time) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != task.StatusClaimed || t.WorkerID != workerID {
		return nil, s.transitionErr(taskID)
	}
	now := s.clock()
	t.Status = task.StatusDelivered
	t.Result = result
	t.CreditsCharged = charged
	t.DeliveredAt = &now
	rd := reviewDeadline
	t.ReviewDeadline = &rd
	t.UpdatedAt = now
	return copyTask(t), nil
}

func (s *mockStore) ApproveTask(_ context.Context, st database.Settlement) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[st.TaskID]
	if !ok || t.Status != task.StatusDelivered {
		return nil, s.transitionErr(st.TaskID)
	}
	now := s.clock()
	t.Status = task.StatusApproved
	t.ApprovedAt = &now
	t.UpdatedAt = now

	if st.System {
		if st.Charged > 0 {
			s.move(st.WorkerID, st.Charged, 0)
			s.appendLedger(st.WorkerID, st.Charged, ledger.ReasonPayment, st.TaskID)
		}
	} else {
		s.move(st.PosterID, st.Refund, -(st.Charged + st.Refund))
		s.appendLedger(st.PosterID, -st.Charged, ledger.ReasonEscrowRelease, st.TaskID)
		if st.Refund > 0 {
			s.appendLedger(st.PosterID, st.Refund, ledger.ReasonEscrowRefund, st.TaskID)
		}
		if st.WorkerShare > 0 {
			s.move(st.WorkerID, st.WorkerShare, 0)
			s.appendLedger(st.WorkerID, st.WorkerShare, ledger.ReasonPayment, st.TaskID)
		}
		if st.PlatformShare > 0 {
			s.move(st.PlatformID, st.PlatformShare, 0)
			s.appendLedger(st.PlatformID, st.PlatformShare, ledger.ReasonFee, st.TaskID)
		}
	}
	return copyTask(t), nil
}

func (s *mockStore) RejectTask(_ context.Context, taskID, posterID string, newDeliveryDeadline time.Time) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != task.StatusDelivered || t.PosterID != posterID {
		return nil, s.transitionErr(taskID)
	}
	now := s.clock()
	t.RejectionCount++
	t.UpdatedAt = now
	if t.RejectionCount >= t.MaxRejections {
		t.Status = task.StatusRejected
		if !t.System && t.MaxCredits > 0 {
			s.move(posterID, t.MaxCredits, -t.MaxCredits)
			s.appendLedger(posterID, t.MaxCredits, ledger.ReasonEscrowRefund, taskID)
		}
		return copyTask(t), nil
	}
	t.Status = task.StatusClaimed
	t.Result = ""
	t.DeliveredAt = nil
	t.ReviewDeadline = nil
	dd := newDeliveryDeadline
	t.DeliveryDeadline = &dd
	t.VerificationStatus = task.VerifyNone
	return copyTask(t), nil
}

func (s *mockStore) CancelTask(_ context.Context, taskID, posterID string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != task.StatusPosted || t.PosterID != posterID {
		return nil, s.transitionErr(taskID)
	}
	t.Status = task.StatusCancelled
	t.UpdatedAt = s.clock()
	if !t.System && t.MaxCredits > 0 {
		s.move(posterID, t.MaxCredits, -t.MaxCredits)
		s.appendLedger(posterID, t.MaxCredits, ledger.ReasonEscrowRefund, taskID)
	}
	delete(s.matches, taskID)
	return copyTask(t), nil
}

func (s *mockStore) ReleaseClaim(_ context.Context, taskID, expectedWorker string, newClaimDeadline time.Time) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != task.StatusClaimed || t.WorkerID != expectedWorker {
		return nil, s.transitionErr(taskID)
	}
	t.Status = task.StatusPosted
	t.WorkerID = ""
	t.ClaimedAt = nil
	t.DeliveryDeadline = nil
	cd := newClaimDeadline
	t.ClaimDeadline = &cd
	t.UpdatedAt = s.clock()
	return copyTask(t), nil
}

func (s *mockStore) ExpireTask(_ context.Context, taskID string, from task.Status) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != from {
		return nil, s.transitionErr(taskID)
	}
	t.Status = task.StatusExpired
	t.WorkerID = ""
	t.UpdatedAt = s.clock()
	if !t.System && t.MaxCredits > 0 {
		s.move(t.PosterID, t.MaxCredits, -t.MaxCredits)
		s.appendLedger(t.PosterID, t.MaxCredits, ledger.ReasonEscrowRefund, taskID)
	}
	delete(s.matches, taskID)
	return copyTask(t), nil
}

func (s *mockStore) SetMatchStatus(_ context.Context, taskID string, from, to task.MatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.MatchStatus != from {
		return fmt.Errorf("set match status %s: %w", taskID, domain.ErrConflict)
	}
	t.MatchStatus = to
	return nil
}

func (s *mockStore) SetVerificationStatus(_ context.Context, taskID string, from, to task.VerificationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.VerificationStatus != from {
		return fmt.Errorf("set verification status %s: %w", taskID, domain.ErrConflict)
	}
	t.VerificationStatus = to
	return nil
}

func (s *mockStore) ReplaceMatches(_ context.Context, taskID string, matches []task.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != task.StatusPosted {
		return fmt.Errorf("replace matches %s: %w", taskID, domain.ErrConflict)
	}
	t.MatchStatus = task.MatchMatched
	s.matches[taskID] = append([]task.Match(nil), matches...)
	return nil
}

// --- Pickup queries ---

// familyConflict mirrors the store's family rule: an agent that served a
// system sub-task may not touch the parent or its siblings.
func (s *mockStore) familyConflict(agentID string, t *task.Task) bool {
	for _, sub := range s.tasks {
		if !sub.System || sub.WorkerID != agentID {
			continue
		}
		if sub.ParentTaskID != "" && sub.ParentTaskID == t.ID {
			return true
		}
		if t.ParentTaskID != "" && sub.ParentTaskID == t.ParentTaskID && sub.ID != t.ID {
			return true
		}
	}
	return false
}

func (s *mockStore) SystemTaskCandidates(_ context.Context, agentID string, limit int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusPosted || !t.System || t.PosterID == agentID {
			continue
		}
		if p, ok := s.tasks[t.ParentTaskID]; ok && p.PosterID == agentID {
			continue
		}
		if s.familyConflict(agentID, t) {
			continue
		}
		out = append(out, copyTask(t))
	}
	sortTasksByCreated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *mockStore) MatchedCandidates(_ context.Context, agentID string, limit int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type ranked struct {
		t    *task.Task
		rank int
	}
	var out []ranked
	for taskID, rows := range s.matches {
		t, ok := s.tasks[taskID]
		if !ok || t.Status != task.StatusPosted || t.PosterID == agentID || s.familyConflict(agentID, t) {
			continue
		}
		for _, m := range rows {
			if m.AgentID == agentID {
				out = append(out, ranked{t: copyTask(t), rank: m.Rank})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank < out[j].rank
		}
		return out[i].t.CreatedAt.Before(out[j].t.CreatedAt)
	})
	tasks := make([]*task.Task, 0, len(out))
	for _, r := range out {
		tasks = append(tasks, r.t)
	}
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *mockStore) BroadcastCandidates(_ context.Context, agentID string, f task.PickupFilter, limit, offset int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusPosted || t.System || t.PosterID == agentID {
			continue
		}
		if t.MatchStatus != task.MatchNone && t.MatchStatus != task.MatchBroadcast {
			continue
		}
		if s.familyConflict(agentID, t) {
			continue
		}
		if len(f.Tags) > 0 && !tagsOverlap(t.Tags, f.Tags) {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(t.Need), strings.ToLower(f.Query)) {
			continue
		}
		out = append(out, copyTask(t))
	}
	sortTasksByCreated(out)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *mockStore) PendingElapsedCandidates(_ context.Context, agentID string, now time.Time, limit int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusPosted || t.System || t.PosterID == agentID {
			continue
		}
		if t.MatchStatus != task.MatchPending || t.MatchDeadline == nil || !t.MatchDeadline.Before(now) {
			continue
		}
		if s.familyConflict(agentID, t) {
			continue
		}
		out = append(out, copyTask(t))
	}
	sortTasksByCreated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *mockStore) HasFamilyConflict(_ context.Context, agentID, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, nil
	}
	return s.familyConflict(agentID, t), nil
}

func tagsOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func sortTasksByCreated(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
}

// --- Reaper queries ---

func (s *mockStore) OverdueDelivery(_ context.Context, now time.Time, limit int) ([]*task.Task, error) {
	return s.overdue(func(t *task.Task) bool {
		return t.Status == task.StatusClaimed && t.DeliveryDeadline != nil && t.DeliveryDeadline.Before(now)
	}, limit), nil
}

func (s *mockStore) OverdueReview(_ context.Context, now time.Time, system bool, limit int) ([]*task.Task, error) {
	return s.overdue(func(t *task.Task) bool {
		return t.Status == task.StatusDelivered && t.System == system &&
			t.ReviewDeadline != nil && t.ReviewDeadline.Before(now)
	}, limit), nil
}

func (s *mockStore) OverdueMatch(_ context.Context, now time.Time, limit int) ([]*task.Task, error) {
	return s.overdue(func(t *task.Task) bool {
		return t.MatchStatus == task.MatchPending && t.MatchDeadline != nil && t.MatchDeadline.Before(now)
	}, limit), nil
}

func (s *mockStore) OverdueClaimWindow(_ context.Context, now time.Time, limit int) ([]*task.Task, error) {
	return s.overdue(func(t *task.Task) bool {
		return t.Status == task.StatusPosted && t.ClaimDeadline != nil && t.ClaimDeadline.Before(now)
	}, limit), nil
}

func (s *mockStore) overdue(keep func(*task.Task) bool, limit int) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, copyTask(t))
		}
	}
	sortTasksByCreated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// --- Ledger ---

func (s *mockStore) ListLedger(_ context.Context, agentID string, limit, offset int) ([]*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.ledgers[agentID]
	out := make([]*ledger.Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *mockStore) LedgerFold(_ context.Context, agentID string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, escrowed := ledger.Fold(s.ledgers[agentID])
	return balance, escrowed, nil
}

// --- Ratings ---

func (s *mockStore) CreateRating(_ context.Context, r *rating.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.ratings {
		if existing.TaskID == r.TaskID && existing.RaterID == r.RaterID {
			return fmt.Errorf("rating %s by %s: %w", r.TaskID, r.RaterID, domain.ErrConflict)
		}
	}
	r.CreatedAt = s.clock()
	c := *r
	s.ratings = append(s.ratings, &c)
	return nil
}

func (s *mockStore) RatingStats(_ context.Context, rateeID string) (float64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum, count int
	for _, r := range s.ratings {
		if r.RateeID == rateeID {
			sum += r.Score
			count++
		}
	}
	if count == 0 {
		return 0, 0, nil
	}
	return float64(sum) / float64(count), count, nil
}

// tasksOfType returns the spawned system tasks of one type, oldest first.
func (s *mockStore) tasksOfType(typ task.SystemTaskType) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.System && t.SystemTaskType == typ {
			out = append(out, copyTask(t))
		}
	}
	sortTasksByCreated(out)
	return out
}

// --- Queue / broadcaster / cache fakes ---

// mockQueue records mirrored publishes.
type mockQueue struct {
	mu        sync.Mutex
	published []struct {
		subject string
		data    []byte
	}
	publishErr error
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func (q *mockQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.published))
	for i, p := range q.published {
		out[i] = p.subject
	}
	return out
}

// mockBroadcaster records published events.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []*event.Event
}

func (b *mockBroadcaster) Publish(_ context.Context, evt *event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *mockBroadcaster) Subscribe(string) broadcast.Subscription { return nil }

func (b *mockBroadcaster) kindsFor(agentID string) []event.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []event.Kind
	for _, e := range b.events {
		if e.AgentID == agentID {
			out = append(out, e.Kind)
		}
	}
	return out
}

// mockCache is a TTL-less map cache.
type mockCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMockCache() *mockCache { return &mockCache{m: make(map[string][]byte)} }

func (c *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = append([]byte(nil), value...)
	return nil
}

func (c *mockCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}
