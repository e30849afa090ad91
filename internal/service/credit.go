package service

import (
	"context"

	"github.com/pinchwork/pinchwork/internal/config"
	"github.com/pinchwork/pinchwork/internal/domain/ledger"
	"github.com/pinchwork/pinchwork/internal/port/database"
)

// Credits is the balance view returned to an agent.
type Credits struct {
	Balance  int64           `json:"balance"`
	Escrowed int64           `json:"escrowed"`
	Ledger   []*ledger.Entry `json:"ledger"`
}

// CreditService exposes balances, ledger pages and the fold self-check.
type CreditService struct {
	store database.Store
	cfg   config.Market
}

// NewCreditService creates a new CreditService.
func NewCreditService(store database.Store, cfg config.Market) *CreditService {
	return &CreditService{store: store, cfg: cfg}
}

// GetCredits returns the agent's balance, escrow and a recent ledger page.
func (s *CreditService) GetCredits(ctx context.Context, agentID string, limit, offset int) (*Credits, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := s.store.ListLedger(ctx, agentID, limit, offset)
	if err != nil {
		return nil, err
	}
	return &Credits{Balance: a.Balance, Escrowed: a.Escrowed, Ledger: entries}, nil
}

// CheckLedger recomputes the agent's ledger fold and compares it to the
// cached scalars. The initial registration grant is the fold baseline. A
// mismatch is an accounting alarm, not a user error.
func (s *CreditService) CheckLedger(ctx context.Context, agentID string) (bool, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if a.Platform {
		return true, nil
	}
	balance, escrowed, err := s.store.LedgerFold(ctx, agentID)
	if err != nil {
		return false, err
	}
	return a.Balance == s.cfg.InitialCredits+balance && a.Escrowed == escrowed, nil
}
