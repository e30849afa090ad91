package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pinchwork/pinchwork/internal/domain"
	"github.com/pinchwork/pinchwork/internal/domain/agent"
	"github.com/pinchwork/pinchwork/internal/domain/ledger"
)

func (s *Store) CreateAgent(ctx context.Context, a *agent.Agent) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO agents (id, name, capabilities, tags, accepts_system_tasks, platform,
		                     balance, key_hash, key_fingerprint)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		a.ID, a.Name, a.Capabilities, pgTextArray(a.Tags), a.AcceptsSystemTasks,
		a.Platform, a.Balance, a.KeyHash, a.KeyFingerprint)
	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get agent %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) GetAgentByFingerprint(ctx context.Context, fingerprint string) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE key_fingerprint = $1`, fingerprint)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("agent by fingerprint: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("agent by fingerprint: %w", err)
	}
	return a, nil
}

func (s *Store) UpdateAgentProfile(ctx context.Context, id string, patch agent.UpdateRequest) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE agents SET
		     name = COALESCE($2, name),
		     capabilities = COALESCE($3, capabilities),
		     accepts_system_tasks = COALESCE($4, accepts_system_tasks),
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+agentColumns,
		id, patch.Name, patch.Capabilities, patch.AcceptsSystemTasks)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update agent %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("update agent %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) SetAgentTags(ctx context.Context, id string, tags []string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET tags = $2, updated_at = now() WHERE id = $1`,
		id, pgTextArray(tags))
	if err != nil {
		return fmt.Errorf("set agent tags %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set agent tags %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SetAgentSuspended(ctx context.Context, id string, suspended bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET suspended = $2, updated_at = now() WHERE id = $1`,
		id, suspended)
	if err != nil {
		return fmt.Errorf("suspend agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("suspend agent %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ListInfraAgents(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE accepts_system_tasks AND NOT suspended AND NOT platform
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list infra agents: %w", err)
	}
	return collectAgents(rows)
}

func (s *Store) ListActiveAgents(ctx context.Context, excludeID string, limit int) ([]*agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE NOT suspended AND NOT platform AND id <> $1
		 ORDER BY created_at LIMIT $2`,
		excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}
	return collectAgents(rows)
}

func (s *Store) RecordAbandon(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET abandons = abandons + 1, last_abandon_at = $2, updated_at = now()
		 WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("record abandon %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record abandon %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SetReputation(ctx context.Context, id string, mean float64, count int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET reputation = $2, rating_count = $3, updated_at = now() WHERE id = $1`,
		id, mean, count)
	if err != nil {
		return fmt.Errorf("set reputation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set reputation %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Grant credits an agent's balance and writes the ledger row in one
// transaction. Returns the new balance.
func (s *Store) Grant(ctx context.Context, agentID string, amount int64, reason ledger.Reason, taskID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("grant begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance int64
	row := tx.QueryRow(ctx,
		`UPDATE agents SET balance = balance + $2, updated_at = now()
		 WHERE id = $1 AND balance + $2 >= 0
		 RETURNING balance`,
		agentID, amount)
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := s.GetAgent(ctx, agentID); gerr != nil {
				return 0, gerr
			}
			return 0, fmt.Errorf("grant %s: %w", agentID, domain.ErrInsufficientCredits)
		}
		return 0, fmt.Errorf("grant %s: %w", agentID, err)
	}

	if err := appendLedger(ctx, tx, agentID, amount, reason, taskID); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("grant commit: %w", err)
	}
	return balance, nil
}
