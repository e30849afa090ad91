package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/pinchwork/pinchwork/internal/config"
	"github.com/pinchwork/pinchwork/internal/domain"
	"github.com/pinchwork/pinchwork/internal/domain/event"
	"github.com/pinchwork/pinchwork/internal/domain/rating"
	"github.com/pinchwork/pinchwork/internal/domain/task"
	"github.com/pinchwork/pinchwork/internal/id"
	"github.com/pinchwork/pinchwork/internal/port/broadcast"
	"github.com/pinchwork/pinchwork/internal/port/database"
	"github.com/pinchwork/pinchwork/internal/port/messagequeue"
	"github.com/pinchwork/pinchwork/internal/resilience"
)

// TaskService drives the task lifecycle: posting, delivery, review,
// settlement and the delegation machinery behind matching and verification.
type TaskService struct {
	store   database.Store
	cfg     config.Market
	emitter *emitter
	waiters *waiterRegistry
	now     func() time.Time
}

// NewTaskService creates a new TaskService.
func NewTaskService(store database.Store, bcast broadcast.Broadcaster, queue messagequeue.Queue, cfg config.Market) *TaskService {
	now := time.Now
	return &TaskService{
		store:   store,
		cfg:     cfg,
		emitter: &emitter{
			bcast:   bcast,
			queue:   queue,
			breaker: resilience.NewBreaker(5, 30*time.Second),
			now:     now,
		},
		waiters: newWaiterRegistry(),
		now:     now,
	}
}

// Create posts a new task and escrows the poster's max_credits. When infra
// agents are online a match sub-task is spawned; otherwise the built-in
// matcher ranks candidates directly or the task falls back to broadcast.
func (s *TaskService) Create(ctx context.Context, posterID string, req *task.CreateRequest) (*task.Task, error) {
	if err := checkRequired("need", req.Need, maxNeedLen); err != nil {
		return nil, err
	}
	if err := checkLen("context", req.Context, maxContextLen); err != nil {
		return nil, err
	}
	if err := checkCredits(req.MaxCredits); err != nil {
		return nil, err
	}
	if err := checkTags(req.Tags); err != nil {
		return nil, err
	}
	if req.ReviewWindowSec < 0 || req.DeliveryWindowSec < 0 || req.MaxRejections < 0 {
		return nil, fmt.Errorf("windows and max_rejections must be non-negative: %w", domain.ErrInvalidInput)
	}

	poster, err := s.store.GetAgent(ctx, posterID)
	if err != nil {
		return nil, err
	}
	if poster.Suspended {
		return nil, fmt.Errorf("poster %s: %w", posterID, domain.ErrSuspended)
	}

	now := s.now()
	claimDeadline := now.Add(s.cfg.TaskExpiry)
	t := &task.Task{
		ID:                 id.NewTask(),
		PosterID:           posterID,
		Need:               req.Need,
		Context:            req.Context,
		MaxCredits:         req.MaxCredits,
		Tags:               req.Tags,
		Status:             task.StatusPosted,
		MaxRejections:      req.MaxRejections,
		ReviewWindowSec:    req.ReviewWindowSec,
		DeliveryWindowSec:  req.DeliveryWindowSec,
		MatchStatus:        task.MatchNone,
		VerificationStatus: task.VerifyNone,
		ClaimDeadline:      &claimDeadline,
	}
	if t.MaxRejections == 0 {
		t.MaxRejections = s.cfg.MaxRejections
	}
	if t.ReviewWindowSec == 0 {
		t.ReviewWindowSec = int(s.cfg.ReviewWindow.Seconds())
	}
	if t.DeliveryWindowSec == 0 {
		t.DeliveryWindowSec = int(s.cfg.DeliveryWindow.Seconds())
	}

	infra, err := s.store.ListInfraAgents(ctx)
	if err != nil {
		return nil, err
	}
	if len(infra) > 0 {
		md := now.Add(s.cfg.MatchTimeout)
		t.MatchStatus = task.MatchPending
		t.MatchDeadline = &md
	}

	if err := s.store.CreateTask(ctx, t, true); err != nil {
		return nil, err
	}

	if t.MatchStatus == task.MatchPending {
		s.spawnMatch(ctx, t)
	} else {
		s.fallbackMatch(ctx, t)
	}

	if fresh, err := s.store.GetTask(ctx, t.ID); err == nil {
		t = fresh
	}
	return t, nil
}

// Get returns a task to one of its participants. A positive wait blocks
// until the task reaches a terminal state or the wait elapses.
func (s *TaskService) Get(ctx context.Context, taskID, callerID string, wait time.Duration) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID != callerID && t.WorkerID != callerID {
		return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrUnauthorized)
	}
	if wait <= 0 || t.Status.Terminal() {
		return t, nil
	}
	if wait > s.cfg.MaxWait {
		wait = s.cfg.MaxWait
	}

	ch, cancel := s.waiters.wait(taskID)
	defer cancel()

	// Re-read after registering so a transition between the first read and
	// the registration is not missed.
	t, err = s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return t, nil
	case <-ch:
		return s.store.GetTask(ctx, taskID)
	}
}

// Deliver submits the worker's result and starts the review window. System
// task deliveries are processed and settled immediately.
func (s *TaskService) Deliver(ctx context.Context, taskID, workerID string, req *task.DeliverRequest) (*task.Task, error) {
	if err := checkRequired("result", req.Result, maxResultLen); err != nil {
		return nil, err
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	charged := req.CreditsClaimed
	if charged <= 0 || charged > t.MaxCredits {
		charged = t.MaxCredits
	}

	window := time.Duration(t.ReviewWindowSec) * time.Second
	if t.System {
		window = s.cfg.SystemReviewWindow
	}
	reviewDeadline := s.now().Add(window)

	t, err = s.store.DeliverTask(ctx, taskID, workerID, req.Result, charged, reviewDeadline)
	if err != nil {
		return nil, err
	}

	if t.System {
		return s.processSystemDelivery(ctx, t)
	}

	if infra, err := s.store.ListInfraAgents(ctx); err == nil && len(infra) > 0 {
		if err := s.store.SetVerificationStatus(ctx, t.ID, task.VerifyNone, task.VerifyPending); err == nil {
			t.VerificationStatus = task.VerifyPending
			s.spawnVerify(ctx, t)
		}
	}

	s.emitter.emit(ctx, event.TaskDelivered, t, map[string]any{"credits_charged": charged}, t.PosterID)
	return t, nil
}

// Approve settles a delivered task: the worker is paid charged minus the
// platform fee, the unspent escrow returns to the poster. An optional score
// rates the worker in the same call.
func (s *TaskService) Approve(ctx context.Context, taskID, posterID string, score int, comment string) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID != posterID {
		return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrUnauthorized)
	}

	t, err = s.store.ApproveTask(ctx, s.settlement(t))
	if err != nil {
		return nil, err
	}

	if score != 0 {
		if err := s.rate(ctx, t, posterID, score, comment); err != nil {
			return nil, err
		}
	}

	s.finish(ctx, event.TaskApproved, t, map[string]any{"credits_charged": t.CreditsCharged}, t.PosterID, t.WorkerID)
	return t, nil
}

// Reject sends a delivered task back to the worker for rework. Once the
// rejection count reaches the task's limit the task terminates rejected and
// the full escrow returns to the poster.
func (s *TaskService) Reject(ctx context.Context, taskID, posterID string, req *task.RejectRequest) (*task.Task, error) {
	if err := checkRequired("reason", req.Reason, maxReasonLen); err != nil {
		return nil, err
	}
	if err := checkLen("feedback", req.Feedback, maxReasonLen); err != nil {
		return nil, err
	}

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	newDeadline := s.now().Add(time.Duration(t.DeliveryWindowSec) * time.Second)

	t, err = s.store.RejectTask(ctx, taskID, posterID, newDeadline)
	if err != nil {
		return nil, err
	}

	data := map[string]any{"reason": req.Reason}
	if req.Feedback != "" {
		data["feedback"] = req.Feedback
	}
	if t.Status.Terminal() {
		s.finish(ctx, event.TaskRejected, t, data, t.PosterID, t.WorkerID)
	} else {
		s.emitter.emit(ctx, event.TaskRejected, t, data, t.WorkerID)
	}
	return t, nil
}

// Cancel withdraws an unclaimed task and refunds the escrow.
func (s *TaskService) Cancel(ctx context.Context, taskID, posterID string) (*task.Task, error) {
	t, err := s.store.CancelTask(ctx, taskID, posterID)
	if err != nil {
		return nil, err
	}
	s.finish(ctx, event.TaskCancelled, t, nil, t.PosterID)
	return t, nil
}

// Abandon releases the worker's claim, returning the task to posted. The
// abandon is recorded against the worker for cooldown accounting.
func (s *TaskService) Abandon(ctx context.Context, taskID, workerID string) (*task.Task, error) {
	newClaimDeadline := s.now().Add(s.cfg.TaskExpiry)
	t, err := s.store.ReleaseClaim(ctx, taskID, workerID, newClaimDeadline)
	if err != nil {
		return nil, err
	}
	if err := s.store.RecordAbandon(ctx, workerID, s.now()); err != nil {
		return nil, err
	}
	// The claim consumed any match rows, so reopen the task to broadcast.
	if err := s.store.SetMatchStatus(ctx, taskID, task.MatchMatched, task.MatchBroadcast); err == nil {
		t.MatchStatus = task.MatchBroadcast
	}
	s.emitter.emit(ctx, event.TaskPosted, t, nil, t.PosterID)
	return t, nil
}

// Rate records a score from one task participant about the other. Allowed
// once per direction, on terminal tasks that had a worker.
func (s *TaskService) Rate(ctx context.Context, taskID, raterID string, score int, comment string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() || t.WorkerID == "" {
		return fmt.Errorf("task %s not ratable: %w", taskID, domain.ErrConflict)
	}
	return s.rate(ctx, t, raterID, score, comment)
}

func (s *TaskService) rate(ctx context.Context, t *task.Task, raterID string, score int, comment string) error {
	var rateeID string
	switch raterID {
	case t.PosterID:
		rateeID = t.WorkerID
	case t.WorkerID:
		rateeID = t.PosterID
	default:
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrUnauthorized)
	}
	if err := checkLen("comment", comment, maxReasonLen); err != nil {
		return err
	}
	r := &rating.Rating{TaskID: t.ID, RaterID: raterID, RateeID: rateeID, Score: score, Comment: comment}
	if !r.Valid() {
		return fmt.Errorf("score must be in [1, 5]: %w", domain.ErrInvalidInput)
	}
	if err := s.store.CreateRating(ctx, r); err != nil {
		return err
	}
	mean, count, err := s.store.RatingStats(ctx, rateeID)
	if err != nil {
		return err
	}
	return s.store.SetReputation(ctx, rateeID, mean, count)
}

// ListPosted returns the agent's posted tasks, newest first.
func (s *TaskService) ListPosted(ctx context.Context, agentID string, limit, offset int) ([]*task.Task, error) {
	return s.store.ListByPoster(ctx, agentID, clampLimit(limit), offset)
}

// ListWorking returns the tasks the agent has worked, newest first.
func (s *TaskService) ListWorking(ctx context.Context, agentID string, limit, offset int) ([]*task.Task, error) {
	return s.store.ListByWorker(ctx, agentID, clampLimit(limit), offset)
}

// settlement computes the approval money split for t.
func (s *TaskService) settlement(t *task.Task) database.Settlement {
	charged := t.CreditsCharged
	workerShare := int64(math.Floor(float64(charged) * (1 - s.cfg.FeeRate)))
	return database.Settlement{
		TaskID:        t.ID,
		PosterID:      t.PosterID,
		WorkerID:      t.WorkerID,
		PlatformID:    s.cfg.PlatformAgentID,
		Charged:       charged,
		WorkerShare:   workerShare,
		PlatformShare: charged - workerShare,
		Refund:        t.MaxCredits - charged,
		System:        t.System,
	}
}

// finish emits a terminal event and wakes blocked get_task callers.
func (s *TaskService) finish(ctx context.Context, kind event.Kind, t *task.Task, data map[string]any, recipients ...string) {
	s.emitter.emit(ctx, kind, t, data, recipients...)
	s.waiters.notify(t.ID)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}

// errConflictOnly returns nil for conflict errors so racing sweeps and
// double transitions stay quiet.
func errConflictOnly(err error) error {
	if errors.Is(err, domain.ErrConflict) {
		return nil
	}
	return err
}
