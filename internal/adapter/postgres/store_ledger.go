package postgres

import (
	"context"
	"fmt"

	"github.com/pinchwork/pinchwork/internal/domain/ledger"
)

func (s *Store) ListLedger(ctx context.Context, agentID string, limit, offset int) ([]*ledger.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, agent_id, amount, reason, task_id, created_at
		 FROM ledger WHERE agent_id = $1
		 ORDER BY seq DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LedgerFold recomputes the agent's balance and escrow from the full ledger.
// The stored scalars are a cache of this fold; the self-check compares them.
func (s *Store) LedgerFold(ctx context.Context, agentID string) (int64, int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, agent_id, amount, reason, task_id, created_at
		 FROM ledger WHERE agent_id = $1 ORDER BY seq`,
		agentID)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger fold: %w", err)
	}
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return 0, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	balance, escrowed := ledger.Fold(entries)
	return balance, escrowed, nil
}
