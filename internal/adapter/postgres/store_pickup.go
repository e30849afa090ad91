package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/pinchwork/pinchwork/internal/domain/task"
)

// familyConflictClause excludes tasks whose system-task family the agent has
// already served. The correlated row is the candidate task t.
const familyConflictClause = `NOT EXISTS (
	SELECT 1 FROM tasks s
	WHERE s.system AND s.worker_id = $1
	  AND (s.parent_task_id = t.id
	       OR (t.parent_task_id IS NOT NULL AND s.parent_task_id = t.parent_task_id AND s.id <> t.id))
)`

// SystemTaskCandidates returns posted system tasks the infra agent may
// claim, oldest first. Tasks whose parent was posted by the agent are
// excluded, as is any family the agent already served.
func (s *Store) SystemTaskCandidates(ctx context.Context, agentID string, limit int) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumnsOf("t")+`
		 FROM tasks t
		 LEFT JOIN tasks p ON p.id = t.parent_task_id
		 WHERE t.status = 'posted' AND t.system
		   AND t.poster_id <> $1
		   AND (p.poster_id IS NULL OR p.poster_id <> $1)
		   AND `+familyConflictClause+`
		 ORDER BY t.created_at
		 LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("system task candidates: %w", err)
	}
	return collectTasks(rows)
}

// MatchedCandidates returns posted tasks whose advisory ranking names the
// agent, best rank first.
func (s *Store) MatchedCandidates(ctx context.Context, agentID string, limit int) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumnsOf("t")+`
		 FROM tasks t
		 JOIN task_matches m ON m.task_id = t.id AND m.agent_id = $1
		 WHERE t.status = 'posted' AND t.poster_id <> $1
		   AND `+familyConflictClause+`
		 ORDER BY m.rank, t.created_at
		 LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("matched candidates: %w", err)
	}
	return collectTasks(rows)
}

// BroadcastCandidates returns posted non-system tasks open to everyone,
// FIFO, narrowed by the agent's optional tag/text filter.
func (s *Store) BroadcastCandidates(ctx context.Context, agentID string, f task.PickupFilter, limit, offset int) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumnsOf("t")+`
		 FROM tasks t
		 WHERE t.status = 'posted' AND NOT t.system
		   AND t.match_status IN ('none', 'broadcast')
		   AND t.poster_id <> $1
		   AND `+familyConflictClause+`
		   AND (cardinality($2::text[]) = 0 OR t.tags && $2)
		   AND ($3 = '' OR t.need ILIKE '%' || $3 || '%')
		 ORDER BY t.created_at
		 LIMIT $4 OFFSET $5`,
		agentID, pgTextArray(f.Tags), f.Query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("broadcast candidates: %w", err)
	}
	return collectTasks(rows)
}

// PendingElapsedCandidates returns tasks still marked match-pending whose
// match deadline has passed but which the reaper has not yet flipped to
// broadcast. They are treated as broadcast.
func (s *Store) PendingElapsedCandidates(ctx context.Context, agentID string, now time.Time, limit int) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumnsOf("t")+`
		 FROM tasks t
		 WHERE t.status = 'posted' AND NOT t.system
		   AND t.match_status = 'pending' AND t.match_deadline < $2
		   AND t.poster_id <> $1
		   AND `+familyConflictClause+`
		 ORDER BY t.created_at
		 LIMIT $3`,
		agentID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pending elapsed candidates: %w", err)
	}
	return collectTasks(rows)
}

// HasFamilyConflict reports whether the agent served a system sub-task in
// the named task's family.
func (s *Store) HasFamilyConflict(ctx context.Context, agentID, taskID string) (bool, error) {
	var conflict bool
	row := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM tasks s, tasks t
		     WHERE t.id = $2 AND s.system AND s.worker_id = $1
		       AND (s.parent_task_id = t.id
		            OR (t.parent_task_id IS NOT NULL AND s.parent_task_id = t.parent_task_id AND s.id <> t.id))
		 )`,
		agentID, taskID)
	if err := row.Scan(&conflict); err != nil {
		return false, fmt.Errorf("family conflict %s/%s: %w", agentID, taskID, err)
	}
	return conflict, nil
}

// OverdueDelivery returns claimed tasks whose delivery deadline has passed.
func (s *Store) OverdueDelivery(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'claimed' AND delivery_deadline < $1
		 ORDER BY delivery_deadline LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("overdue delivery: %w", err)
	}
	return collectTasks(rows)
}

// OverdueReview returns delivered tasks whose review window has elapsed,
// split by system flag so the two sweeps stay independent.
func (s *Store) OverdueReview(ctx context.Context, now time.Time, system bool, limit int) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'delivered' AND system = $2 AND review_deadline < $1
		 ORDER BY review_deadline LIMIT $3`,
		now, system, limit)
	if err != nil {
		return nil, fmt.Errorf("overdue review: %w", err)
	}
	return collectTasks(rows)
}

// OverdueMatch returns tasks stuck in match-pending past their deadline.
func (s *Store) OverdueMatch(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE match_status = 'pending' AND match_deadline < $1
		 ORDER BY match_deadline LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("overdue match: %w", err)
	}
	return collectTasks(rows)
}

// OverdueClaimWindow returns posted tasks nobody claimed before their claim
// deadline.
func (s *Store) OverdueClaimWindow(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'posted' AND claim_deadline < $1
		 ORDER BY claim_deadline LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("overdue claim window: %w", err)
	}
	return collectTasks(rows)
}
