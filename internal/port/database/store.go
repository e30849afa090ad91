// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/pinchwork/pinchwork/internal/domain/agent"
	"github.com/pinchwork/pinchwork/internal/domain/ledger"
	"github.com/pinchwork/pinchwork/internal/domain/rating"
	"github.com/pinchwork/pinchwork/internal/domain/task"
)

// Settlement describes the money movement performed when a task is approved.
// The caller computes the split; the store applies the status flip, escrow
// release, payouts and ledger rows in one transaction.
type Settlement struct {
	TaskID        string
	PosterID      string
	WorkerID      string
	PlatformID    string
	Charged       int64
	WorkerShare   int64
	PlatformShare int64
	Refund        int64
	System        bool
}

// Store is the port interface for persistent marketplace state. Every state
// transition is a single-statement conditional update: the statement checks
// the expected prior state and performs the write atomically, and a guard
// miss surfaces as domain.ErrConflict. Balance mutations and their ledger
// rows commit in the same transaction.
type Store interface {
	Ping(ctx context.Context) error

	// Agents
	CreateAgent(ctx context.Context, a *agent.Agent) error
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	GetAgentByFingerprint(ctx context.Context, fingerprint string) (*agent.Agent, error)
	UpdateAgentProfile(ctx context.Context, id string, patch agent.UpdateRequest) (*agent.Agent, error)
	SetAgentTags(ctx context.Context, id string, tags []string) error
	SetAgentSuspended(ctx context.Context, id string, suspended bool) error
	ListInfraAgents(ctx context.Context) ([]*agent.Agent, error)
	ListActiveAgents(ctx context.Context, excludeID string, limit int) ([]*agent.Agent, error)
	RecordAbandon(ctx context.Context, id string, at time.Time) error
	SetReputation(ctx context.Context, id string, mean float64, count int) error

	// Credits. Grant returns the new balance.
	Grant(ctx context.Context, agentID string, amount int64, reason ledger.Reason, taskID string) (int64, error)

	// Tasks
	CreateTask(ctx context.Context, t *task.Task, hold bool) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListByPoster(ctx context.Context, posterID string, limit, offset int) ([]*task.Task, error)
	ListByWorker(ctx context.Context, workerID string, limit, offset int) ([]*task.Task, error)

	// Transitions
	ClaimTask(ctx context.Context, taskID, workerID string, deliveryDeadline time.Time) (*task.Task, error)
	DeliverTask(ctx context.Context, taskID, workerID, result string, charged int64, reviewDeadline time.Time) (*task.Task, error)
	ApproveTask(ctx context.Context, s Settlement) (*task.Task, error)
	RejectTask(ctx context.Context, taskID, posterID string, newDeliveryDeadline time.Time) (*task.Task, error)
	CancelTask(ctx context.Context, taskID, posterID string) (*task.Task, error)
	ReleaseClaim(ctx context.Context, taskID, expectedWorker string, newClaimDeadline time.Time) (*task.Task, error)
	ExpireTask(ctx context.Context, taskID string, from task.Status) (*task.Task, error)

	// Matching
	SetMatchStatus(ctx context.Context, taskID string, from, to task.MatchStatus) error
	SetVerificationStatus(ctx context.Context, taskID string, from, to task.VerificationStatus) error
	ReplaceMatches(ctx context.Context, taskID string, matches []task.Match) error

	// Pickup candidate queries, phase order. Each embeds the eligibility
	// rules (not poster, not in the task's system-task family, no second
	// active sibling sub-task).
	SystemTaskCandidates(ctx context.Context, agentID string, limit int) ([]*task.Task, error)
	MatchedCandidates(ctx context.Context, agentID string, limit int) ([]*task.Task, error)
	BroadcastCandidates(ctx context.Context, agentID string, f task.PickupFilter, limit, offset int) ([]*task.Task, error)
	PendingElapsedCandidates(ctx context.Context, agentID string, now time.Time, limit int) ([]*task.Task, error)
	HasFamilyConflict(ctx context.Context, agentID, taskID string) (bool, error)

	// Reaper range queries
	OverdueDelivery(ctx context.Context, now time.Time, limit int) ([]*task.Task, error)
	OverdueReview(ctx context.Context, now time.Time, system bool, limit int) ([]*task.Task, error)
	OverdueMatch(ctx context.Context, now time.Time, limit int) ([]*task.Task, error)
	OverdueClaimWindow(ctx context.Context, now time.Time, limit int) ([]*task.Task, error)

	// Ledger
	ListLedger(ctx context.Context, agentID string, limit, offset int) ([]*ledger.Entry, error)
	LedgerFold(ctx context.Context, agentID string) (balance, escrowed int64, err error)

	// Ratings
	CreateRating(ctx context.Context, r *rating.Rating) error
	RatingStats(ctx context.Context, rateeID string) (mean float64, count int, err error)
}
