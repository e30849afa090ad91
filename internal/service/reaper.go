package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pinchwork/pinchwork/internal/config"
	"github.com/pinchwork/pinchwork/internal/domain"
	"github.com/pinchwork/pinchwork/internal/domain/event"
	"github.com/pinchwork/pinchwork/internal/domain/task"
	"github.com/pinchwork/pinchwork/internal/port/database"
)

const (
	sweepBatch = 100

	// ledgerCheckEvery spaces the fold self-check out to roughly hourly at
	// the default sweep interval.
	ledgerCheckEvery = 360
)

// Reaper enforces deadlines in the background: missed deliveries, silent
// reviews, stalled matching and expired posts. Every transition it makes
// goes through the same guarded store calls the request path uses, so a
// lost race is just skipped.
type Reaper struct {
	tasks    *TaskService
	credits  *CreditService
	store    database.Store
	cfg      config.Market
	interval time.Duration
	sweeps   int
}

// NewReaper creates a new Reaper.
func NewReaper(tasks *TaskService, credits *CreditService, store database.Store, cfg config.Market) *Reaper {
	return &Reaper{tasks: tasks, credits: credits, store: store, cfg: cfg, interval: cfg.ReaperInterval}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	slog.Info("reaper started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs every deadline pass once.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.tasks.now()
	r.sweepOverdueDelivery(ctx, now)
	r.sweepOverdueReview(ctx, now)
	r.sweepOverdueSystemReview(ctx, now)
	r.sweepOverdueMatch(ctx, now)
	r.sweepExpired(ctx, now)

	r.sweeps++
	if r.sweeps%ledgerCheckEvery == 0 {
		r.checkLedgers(ctx)
	}
}

// sweepOverdueDelivery releases claims whose delivery deadline passed. The
// miss counts as an abandon against the worker.
func (r *Reaper) sweepOverdueDelivery(ctx context.Context, now time.Time) {
	overdue, err := r.store.OverdueDelivery(ctx, now, sweepBatch)
	if err != nil {
		slog.Error("sweep overdue delivery", "error", err)
		return
	}
	for _, t := range overdue {
		claimDeadline := now.Add(r.cfg.TaskExpiry)
		if t.ClaimDeadline != nil {
			claimDeadline = *t.ClaimDeadline
		}
		worker := t.WorkerID
		released, err := r.store.ReleaseClaim(ctx, t.ID, worker, claimDeadline)
		if err != nil {
			if err = errConflictOnly(err); err != nil {
				slog.Error("release overdue claim", "task_id", t.ID, "error", err)
			}
			continue
		}
		if err := r.store.RecordAbandon(ctx, worker, now); err != nil {
			slog.Error("record abandon", "agent_id", worker, "error", err)
		}
		if err := r.store.SetMatchStatus(ctx, t.ID, task.MatchMatched, task.MatchBroadcast); err == nil {
			released.MatchStatus = task.MatchBroadcast
		}
		slog.Info("released overdue claim", "task_id", t.ID, "worker_id", worker)
		r.tasks.emitter.emit(ctx, event.TaskPosted, released, map[string]any{"reclaimed": true}, released.PosterID)
	}
}

// sweepOverdueReview auto-approves deliveries the poster never reviewed.
func (r *Reaper) sweepOverdueReview(ctx context.Context, now time.Time) {
	overdue, err := r.store.OverdueReview(ctx, now, false, sweepBatch)
	if err != nil {
		slog.Error("sweep overdue review", "error", err)
		return
	}
	for _, t := range overdue {
		approved, err := r.store.ApproveTask(ctx, r.tasks.settlement(t))
		if err != nil {
			if err = errConflictOnly(err); err != nil {
				slog.Error("auto-approve overdue review", "task_id", t.ID, "error", err)
			}
			continue
		}
		slog.Info("auto-approved on review timeout", "task_id", t.ID, "credits_charged", approved.CreditsCharged)
		r.tasks.finish(ctx, event.TaskApproved, approved,
			map[string]any{"credits_charged": approved.CreditsCharged, "auto_approved": true},
			approved.PosterID, approved.WorkerID)
	}
}

// sweepOverdueSystemReview finishes system deliveries whose inline
// processing never ran, typically after a crash between deliver and settle.
func (r *Reaper) sweepOverdueSystemReview(ctx context.Context, now time.Time) {
	overdue, err := r.store.OverdueReview(ctx, now, true, sweepBatch)
	if err != nil {
		slog.Error("sweep overdue system review", "error", err)
		return
	}
	for _, t := range overdue {
		if _, err := r.tasks.processSystemDelivery(ctx, t); err != nil {
			slog.Error("settle overdue system delivery", "task_id", t.ID, "error", err)
		}
	}
}

// sweepOverdueMatch opens tasks to broadcast when the match window elapsed
// without a ranking.
func (r *Reaper) sweepOverdueMatch(ctx context.Context, now time.Time) {
	overdue, err := r.store.OverdueMatch(ctx, now, sweepBatch)
	if err != nil {
		slog.Error("sweep overdue match", "error", err)
		return
	}
	for _, t := range overdue {
		if err := r.store.SetMatchStatus(ctx, t.ID, task.MatchPending, task.MatchBroadcast); err != nil {
			if err = errConflictOnly(err); err != nil {
				slog.Error("open stalled match to broadcast", "task_id", t.ID, "error", err)
			}
			continue
		}
		slog.Info("match window elapsed, broadcasting", "task_id", t.ID)
	}
}

// sweepExpired expires posted tasks past their claim deadline and refunds
// the escrow.
func (r *Reaper) sweepExpired(ctx context.Context, now time.Time) {
	overdue, err := r.store.OverdueClaimWindow(ctx, now, sweepBatch)
	if err != nil {
		slog.Error("sweep expired", "error", err)
		return
	}
	for _, t := range overdue {
		expired, err := r.store.ExpireTask(ctx, t.ID, task.StatusPosted)
		if err != nil {
			if err = errConflictOnly(err); err != nil {
				slog.Error("expire task", "task_id", t.ID, "error", err)
			}
			continue
		}
		slog.Info("expired unclaimed task", "task_id", t.ID)
		r.tasks.finish(ctx, event.TaskExpired, expired, nil, expired.PosterID)
	}
}

// checkLedgers folds a sample of agent ledgers against the cached scalars.
// A mismatch is logged loudly; it means an invariant broke somewhere.
func (r *Reaper) checkLedgers(ctx context.Context) {
	agents, err := r.store.ListActiveAgents(ctx, "", 20)
	if err != nil {
		slog.Error("list agents for ledger check", "error", err)
		return
	}
	for _, a := range agents {
		ok, err := r.credits.CheckLedger(ctx, a.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			slog.Error("ledger self-check", "agent_id", a.ID, "error", err)
			continue
		}
		if !ok {
			slog.Error("LEDGER MISMATCH", "agent_id", a.ID, "balance", a.Balance, "escrowed", a.Escrowed)
		}
	}
}
