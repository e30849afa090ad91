package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pinchwork/pinchwork/internal/domain"
	"github.com/pinchwork/pinchwork/internal/domain/ledger"
	"github.com/pinchwork/pinchwork/internal/domain/task"
	"github.com/pinchwork/pinchwork/internal/port/database"
)

// CreateTask inserts the task and, when hold is true, parks max_credits of
// the poster's balance in escrow. Insert, hold and ledger row commit
// together; a hold guard miss rolls everything back.
func (s *Store) CreateTask(ctx context.Context, t *task.Task, hold bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create task begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`INSERT INTO tasks (id, poster_id, need, context, max_credits, tags, status,
		                    max_rejections, review_window_sec, delivery_window_sec,
		                    system, parent_task_id, system_task_type, match_status,
		                    claim_deadline, match_deadline)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING created_at, updated_at`,
		t.ID, t.PosterID, t.Need, t.Context, t.MaxCredits, pgTextArray(t.Tags),
		t.Status, t.MaxRejections, t.ReviewWindowSec, t.DeliveryWindowSec,
		t.System, nullIfEmpty(t.ParentTaskID), string(t.SystemTaskType),
		t.MatchStatus, deadlineArg(t.ClaimDeadline), deadlineArg(t.MatchDeadline))
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	if hold {
		tag, err := tx.Exec(ctx,
			`UPDATE agents SET balance = balance - $2, escrowed = escrowed + $2, updated_at = now()
			 WHERE id = $1 AND balance >= $2`,
			t.PosterID, t.MaxCredits)
		if err != nil {
			return fmt.Errorf("escrow hold %s: %w", t.PosterID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("escrow hold %s: %w", t.PosterID, domain.ErrInsufficientCredits)
		}
		if err := appendLedger(ctx, tx, t.PosterID, -t.MaxCredits, ledger.ReasonEscrowHold, t.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("create task commit: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) ListByPoster(ctx context.Context, posterID string, limit, offset int) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE poster_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		posterID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list by poster: %w", err)
	}
	return collectTasks(rows)
}

func (s *Store) ListByWorker(ctx context.Context, workerID string, limit, offset int) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE worker_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		workerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list by worker: %w", err)
	}
	return collectTasks(rows)
}

// ClaimTask flips posted to claimed for workerID. The guard enforces poster
// exclusion and the family conflict rule; match rows are cleared in the
// same transaction.
func (s *Store) ClaimTask(ctx context.Context, taskID, workerID string, deliveryDeadline time.Time) (*task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`UPDATE tasks SET status = 'claimed', worker_id = $2, claimed_at = now(),
		        delivery_deadline = $3, updated_at = now()
		 WHERE id = $1 AND status = 'posted' AND poster_id <> $2
		   AND NOT EXISTS (
		       SELECT 1 FROM tasks s
		       WHERE s.system AND s.worker_id = $2
		         AND (s.parent_task_id = tasks.id
		              OR (tasks.parent_task_id IS NOT NULL
		                  AND s.parent_task_id = tasks.parent_task_id
		                  AND s.id <> tasks.id))
		   )
		 RETURNING `+taskColumns,
		taskID, workerID, deliveryDeadline)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.transitionOutcome(ctx, taskID, "", false)
		}
		return nil, fmt.Errorf("claim task %s: %w", taskID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM task_matches WHERE task_id = $1`, taskID); err != nil {
		return nil, fmt.Errorf("clear matches %s: %w", taskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}
	return t, nil
}

func (s *Store) DeliverTask(ctx context.Context, taskID, workerID, result string, charged int64, reviewDeadline time.Time) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks SET status = 'delivered', result = $3, credits_charged = $4,
		        delivered_at = now(), review_deadline = $5, updated_at = now()
		 WHERE id = $1 AND status = 'claimed' AND worker_id = $2
		 RETURNING `+taskColumns,
		taskID, workerID, result, charged, reviewDeadline)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.transitionOutcome(ctx, taskID, workerID, false)
		}
		return nil, fmt.Errorf("deliver task %s: %w", taskID, err)
	}
	return t, nil
}

// ApproveTask settles a delivered task: status flip, escrow release, worker
// payment, platform fee, unused-escrow refund and their ledger rows, all in
// one transaction. System tasks skip escrow and are paid by the platform.
func (s *Store) ApproveTask(ctx context.Context, st database.Settlement) (*task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("approve begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`UPDATE tasks SET status = 'approved', approved_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'delivered'
		 RETURNING `+taskColumns,
		st.TaskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.transitionOutcome(ctx, st.TaskID, "", true)
		}
		return nil, fmt.Errorf("approve task %s: %w", st.TaskID, err)
	}

	if st.System {
		if st.Charged > 0 {
			if err := moveEscrow(ctx, tx, st.WorkerID, st.Charged, 0); err != nil {
				return nil, err
			}
			if err := appendLedger(ctx, tx, st.WorkerID, st.Charged, ledger.ReasonPayment, st.TaskID); err != nil {
				return nil, err
			}
		}
	} else {
		if err := moveEscrow(ctx, tx, st.PosterID, st.Refund, -(st.Charged + st.Refund)); err != nil {
			return nil, err
		}
		if err := appendLedger(ctx, tx, st.PosterID, -st.Charged, ledger.ReasonEscrowRelease, st.TaskID); err != nil {
			return nil, err
		}
		if st.Refund > 0 {
			if err := appendLedger(ctx, tx, st.PosterID, st.Refund, ledger.ReasonEscrowRefund, st.TaskID); err != nil {
				return nil, err
			}
		}
		if st.WorkerShare > 0 {
			if err := moveEscrow(ctx, tx, st.WorkerID, st.WorkerShare, 0); err != nil {
				return nil, err
			}
			if err := appendLedger(ctx, tx, st.WorkerID, st.WorkerShare, ledger.ReasonPayment, st.TaskID); err != nil {
				return nil, err
			}
		}
		if st.PlatformShare > 0 {
			if err := moveEscrow(ctx, tx, st.PlatformID, st.PlatformShare, 0); err != nil {
				return nil, err
			}
			if err := appendLedger(ctx, tx, st.PlatformID, st.PlatformShare, ledger.ReasonFee, st.TaskID); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("approve commit: %w", err)
	}
	return t, nil
}

// RejectTask increments the rejection count. Below the cap the task returns
// to claimed for redelivery with escrow still held; at the cap it becomes
// rejected and the full hold is refunded.
func (s *Store) RejectTask(ctx context.Context, taskID, posterID string, newDeliveryDeadline time.Time) (*task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("reject begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Terminal branch first: the guard only matches when this rejection
	// reaches the cap.
	row := tx.QueryRow(ctx,
		`UPDATE tasks SET status = 'rejected', rejection_count = rejection_count + 1,
		        updated_at = now()
		 WHERE id = $1 AND status = 'delivered' AND poster_id = $2
		   AND rejection_count + 1 >= max_rejections
		 RETURNING `+taskColumns,
		taskID, posterID)
	t, err := scanTask(row)
	switch {
	case err == nil:
		if !t.System && t.MaxCredits > 0 {
			if err := moveEscrow(ctx, tx, posterID, t.MaxCredits, -t.MaxCredits); err != nil {
				return nil, err
			}
			if err := appendLedger(ctx, tx, posterID, t.MaxCredits, ledger.ReasonEscrowRefund, taskID); err != nil {
				return nil, err
			}
		}
	case errors.Is(err, pgx.ErrNoRows):
		row = tx.QueryRow(ctx,
			`UPDATE tasks SET status = 'claimed', rejection_count = rejection_count + 1,
			        result = '', delivered_at = NULL, review_deadline = NULL,
			        delivery_deadline = $3, verification_status = 'none', updated_at = now()
			 WHERE id = $1 AND status = 'delivered' AND poster_id = $2
			 RETURNING `+taskColumns,
			taskID, posterID, newDeliveryDeadline)
		t, err = scanTask(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, s.transitionOutcome(ctx, taskID, posterID, true)
			}
			return nil, fmt.Errorf("reject task %s: %w", taskID, err)
		}
	default:
		return nil, fmt.Errorf("reject task %s: %w", taskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("reject commit: %w", err)
	}
	return t, nil
}

func (s *Store) CancelTask(ctx context.Context, taskID, posterID string) (*task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("cancel begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`UPDATE tasks SET status = 'cancelled', updated_at = now()
		 WHERE id = $1 AND status = 'posted' AND poster_id = $2
		 RETURNING `+taskColumns,
		taskID, posterID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.transitionOutcome(ctx, taskID, posterID, true)
		}
		return nil, fmt.Errorf("cancel task %s: %w", taskID, err)
	}

	if !t.System && t.MaxCredits > 0 {
		if err := moveEscrow(ctx, tx, posterID, t.MaxCredits, -t.MaxCredits); err != nil {
			return nil, err
		}
		if err := appendLedger(ctx, tx, posterID, t.MaxCredits, ledger.ReasonEscrowRefund, taskID); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM task_matches WHERE task_id = $1`, taskID); err != nil {
		return nil, fmt.Errorf("clear matches %s: %w", taskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("cancel commit: %w", err)
	}
	return t, nil
}

// ReleaseClaim returns a claimed task to posted, clearing the worker. Used
// by abandon and by the delivery-deadline sweep; escrow stays held.
func (s *Store) ReleaseClaim(ctx context.Context, taskID, expectedWorker string, newClaimDeadline time.Time) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks SET status = 'posted', worker_id = NULL, claimed_at = NULL,
		        delivery_deadline = NULL, claim_deadline = $3, updated_at = now()
		 WHERE id = $1 AND status = 'claimed' AND worker_id = $2
		 RETURNING `+taskColumns,
		taskID, expectedWorker, newClaimDeadline)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.transitionOutcome(ctx, taskID, expectedWorker, false)
		}
		return nil, fmt.Errorf("release claim %s: %w", taskID, err)
	}
	return t, nil
}

// ExpireTask moves a task from the given state to expired and refunds the
// escrow hold for non-system tasks.
func (s *Store) ExpireTask(ctx context.Context, taskID string, from task.Status) (*task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("expire begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`UPDATE tasks SET status = 'expired', worker_id = NULL, updated_at = now()
		 WHERE id = $1 AND status = $2
		 RETURNING `+taskColumns,
		taskID, string(from))
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.transitionOutcome(ctx, taskID, "", true)
		}
		return nil, fmt.Errorf("expire task %s: %w", taskID, err)
	}

	if !t.System && t.MaxCredits > 0 {
		if err := moveEscrow(ctx, tx, t.PosterID, t.MaxCredits, -t.MaxCredits); err != nil {
			return nil, err
		}
		if err := appendLedger(ctx, tx, t.PosterID, t.MaxCredits, ledger.ReasonEscrowRefund, taskID); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM task_matches WHERE task_id = $1`, taskID); err != nil {
		return nil, fmt.Errorf("clear matches %s: %w", taskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("expire commit: %w", err)
	}
	return t, nil
}

func (s *Store) SetMatchStatus(ctx context.Context, taskID string, from, to task.MatchStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET match_status = $3, updated_at = now()
		 WHERE id = $1 AND match_status = $2`,
		taskID, from, to)
	if err != nil {
		return fmt.Errorf("set match status %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set match status %s: %w", taskID, domain.ErrConflict)
	}
	return nil
}

func (s *Store) SetVerificationStatus(ctx context.Context, taskID string, from, to task.VerificationStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET verification_status = $3, updated_at = now()
		 WHERE id = $1 AND verification_status = $2`,
		taskID, from, to)
	if err != nil {
		return fmt.Errorf("set verification status %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set verification status %s: %w", taskID, domain.ErrConflict)
	}
	return nil
}

// ReplaceMatches installs the advisory ranking for a task and flips its
// match status to matched. Only an unclaimed task accepts match rows.
func (s *Store) ReplaceMatches(ctx context.Context, taskID string, matches []task.Match) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("replace matches begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE tasks SET match_status = 'matched', updated_at = now()
		 WHERE id = $1 AND status = 'posted'`,
		taskID)
	if err != nil {
		return fmt.Errorf("replace matches %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("replace matches %s: %w", taskID, domain.ErrConflict)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM task_matches WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("replace matches %s: %w", taskID, err)
	}
	for _, m := range matches {
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_matches (task_id, agent_id, rank) VALUES ($1, $2, $3)`,
			taskID, m.AgentID, m.Rank); err != nil {
			return fmt.Errorf("insert match %s/%s: %w", taskID, m.AgentID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("replace matches commit: %w", err)
	}
	return nil
}
