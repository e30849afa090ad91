package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pinchwork/pinchwork/internal/domain"
	"github.com/pinchwork/pinchwork/internal/domain/agent"
	"github.com/pinchwork/pinchwork/internal/domain/ledger"
	"github.com/pinchwork/pinchwork/internal/domain/task"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

const agentColumns = `id, name, capabilities, tags, accepts_system_tasks, platform, suspended,
	balance, escrowed, reputation, rating_count, abandons, last_abandon_at,
	key_hash, key_fingerprint, created_at, updated_at`

const taskColumns = `id, poster_id, worker_id, need, context, result, max_credits, credits_charged,
	tags, status, rejection_count, max_rejections, review_window_sec, delivery_window_sec,
	system, parent_task_id, system_task_type, match_status, verification_status,
	claim_deadline, delivery_deadline, review_deadline, match_deadline,
	created_at, claimed_at, delivered_at, approved_at, updated_at`

// taskColumnsOf qualifies every task column with a table alias, for joins.
func taskColumnsOf(alias string) string {
	cols := strings.Split(taskColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanAgent(row scannable) (*agent.Agent, error) {
	var a agent.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Capabilities, &a.Tags, &a.AcceptsSystemTasks,
		&a.Platform, &a.Suspended, &a.Balance, &a.Escrowed, &a.Reputation,
		&a.RatingCount, &a.Abandons, &a.LastAbandonAt, &a.KeyHash, &a.KeyFingerprint,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTask(row scannable) (*task.Task, error) {
	var (
		t        task.Task
		workerID *string
		parentID *string
	)
	err := row.Scan(&t.ID, &t.PosterID, &workerID, &t.Need, &t.Context, &t.Result,
		&t.MaxCredits, &t.CreditsCharged, &t.Tags, &t.Status, &t.RejectionCount,
		&t.MaxRejections, &t.ReviewWindowSec, &t.DeliveryWindowSec, &t.System,
		&parentID, &t.SystemTaskType, &t.MatchStatus, &t.VerificationStatus,
		&t.ClaimDeadline, &t.DeliveryDeadline, &t.ReviewDeadline, &t.MatchDeadline,
		&t.CreatedAt, &t.ClaimedAt, &t.DeliveredAt, &t.ApprovedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if workerID != nil {
		t.WorkerID = *workerID
	}
	if parentID != nil {
		t.ParentTaskID = *parentID
	}
	return &t, nil
}

func scanEntry(row scannable) (*ledger.Entry, error) {
	var (
		e      ledger.Entry
		taskID *string
	)
	if err := row.Scan(&e.Seq, &e.AgentID, &e.Amount, &e.Reason, &taskID, &e.CreatedAt); err != nil {
		return nil, err
	}
	if taskID != nil {
		e.TaskID = *taskID
	}
	return &e, nil
}

func collectTasks(rows pgx.Rows) ([]*task.Task, error) {
	defer rows.Close()
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func collectAgents(rows pgx.Rows) ([]*agent.Agent, error) {
	defer rows.Close()
	var agents []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// nullIfEmpty returns nil for empty strings (for nullable text columns).
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// pgTextArray converts a string slice to a pgx-compatible text array.
// nil slices become empty arrays to avoid SQL NULL.
func pgTextArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// appendLedger writes one ledger row inside tx.
func appendLedger(ctx context.Context, tx pgx.Tx, agentID string, amount int64, reason ledger.Reason, taskID string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger (agent_id, amount, reason, task_id) VALUES ($1, $2, $3, $4)`,
		agentID, amount, reason, nullIfEmpty(taskID))
	if err != nil {
		return fmt.Errorf("append ledger %s %s: %w", agentID, reason, err)
	}
	return nil
}

// moveEscrow applies a guarded balance/escrow mutation inside tx. The guard
// keeps both scalars non-negative; a miss means the caller's view is stale.
func moveEscrow(ctx context.Context, tx pgx.Tx, agentID string, balanceDelta, escrowDelta int64) error {
	tag, err := tx.Exec(ctx,
		`UPDATE agents SET balance = balance + $2, escrowed = escrowed + $3, updated_at = now()
		 WHERE id = $1 AND balance + $2 >= 0 AND escrowed + $3 >= 0`,
		agentID, balanceDelta, escrowDelta)
	if err != nil {
		return fmt.Errorf("move escrow %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("move escrow %s: %w", agentID, domain.ErrConflict)
	}
	return nil
}

// transitionOutcome maps a guard miss on a task transition to the precise
// domain error: missing row, wrong actor, or wrong state.
func (s *Store) transitionOutcome(ctx context.Context, taskID, actorID string, posterSide bool) error {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if actorID != "" {
		if posterSide && t.PosterID != actorID {
			return fmt.Errorf("task %s: %w", taskID, domain.ErrUnauthorized)
		}
		if !posterSide && t.WorkerID != actorID {
			return fmt.Errorf("task %s: %w", taskID, domain.ErrUnauthorized)
		}
	}
	return fmt.Errorf("task %s in %s: %w", taskID, t.Status, domain.ErrConflict)
}

func deadlineArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
