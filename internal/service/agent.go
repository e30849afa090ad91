package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/pinchwork/pinchwork/internal/config"
	"github.com/pinchwork/pinchwork/internal/domain"
	"github.com/pinchwork/pinchwork/internal/domain/agent"
	"github.com/pinchwork/pinchwork/internal/domain/ledger"
	"github.com/pinchwork/pinchwork/internal/id"
	"github.com/pinchwork/pinchwork/internal/port/cache"
	"github.com/pinchwork/pinchwork/internal/port/database"
)

// platformBalance seeds the platform agent. It acts as the mint for system
// task payouts, so it starts effectively unbounded.
const platformBalance int64 = 1_000_000_000_000

const authCacheTTL = 5 * time.Minute

// CapabilitySpawner posts a capability extraction task for an agent. Wired
// after construction to break the cycle with the task service.
type CapabilitySpawner interface {
	SpawnCapabilityExtract(ctx context.Context, a *agent.Agent)
}

// AgentService handles registration, authentication and profile management.
type AgentService struct {
	store   database.Store
	cache   cache.Cache
	cfg     config.Market
	spawner CapabilitySpawner
	sf      singleflight.Group
	now     func() time.Time
}

// NewAgentService creates a new AgentService.
func NewAgentService(store database.Store, c cache.Cache, cfg config.Market) *AgentService {
	return &AgentService{store: store, cache: c, cfg: cfg, now: time.Now}
}

// SetCapabilitySpawner wires delegation-backed capability extraction.
func (s *AgentService) SetCapabilitySpawner(sp CapabilitySpawner) {
	s.spawner = sp
}

// EnsurePlatform creates the platform agent if it does not exist yet.
func (s *AgentService) EnsurePlatform(ctx context.Context) error {
	_, err := s.store.GetAgent(ctx, s.cfg.PlatformAgentID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return s.store.CreateAgent(ctx, &agent.Agent{
		ID:       s.cfg.PlatformAgentID,
		Name:     "platform",
		Platform: true,
		Balance:  platformBalance,
	})
}

// Register creates a new agent, grants the initial credits and returns the
// API key. The key is shown exactly once; only its hash is stored.
func (s *AgentService) Register(ctx context.Context, req *agent.RegisterRequest) (*agent.Registered, error) {
	if err := checkRequired("name", req.Name, maxNameLen); err != nil {
		return nil, err
	}
	if err := checkLen("capabilities", req.Capabilities, maxCapabilitiesLen); err != nil {
		return nil, err
	}

	key := id.NewKey()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}

	a := &agent.Agent{
		ID:                 id.NewAgent(),
		Name:               req.Name,
		Capabilities:       req.Capabilities,
		AcceptsSystemTasks: req.AcceptsSystemTasks,
		Balance:            s.cfg.InitialCredits,
		KeyHash:            string(hash),
		KeyFingerprint:     fingerprint(key),
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}

	if a.Capabilities != "" && s.spawner != nil {
		s.spawner.SpawnCapabilityExtract(ctx, a)
	}
	return &agent.Registered{Agent: a, APIKey: key}, nil
}

// Authenticate resolves an API key to its agent. Successful lookups are
// cached by key fingerprint so the bcrypt compare dominates only cold paths.
func (s *AgentService) Authenticate(ctx context.Context, key string) (*agent.Agent, error) {
	if key == "" {
		return nil, domain.ErrUnauthorized
	}
	fp := fingerprint(key)
	cacheKey := "auth." + fp

	if cached, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
		a, err := s.store.GetAgent(ctx, string(cached))
		if err == nil && bcrypt.CompareHashAndPassword([]byte(a.KeyHash), []byte(key)) == nil {
			return a, nil
		}
		_ = s.cache.Delete(ctx, cacheKey)
	}

	// Concurrent misses for the same key collapse into one lookup, so a
	// burst from a single agent costs one fingerprint query and one bcrypt
	// compare.
	v, err, _ := s.sf.Do(fp, func() (any, error) {
		a, err := s.store.GetAgentByFingerprint(ctx, fp)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.ErrUnauthorized
			}
			return nil, err
		}
		if bcrypt.CompareHashAndPassword([]byte(a.KeyHash), []byte(key)) != nil {
			return nil, domain.ErrUnauthorized
		}
		if err := s.cache.Set(ctx, cacheKey, []byte(a.ID), authCacheTTL); err != nil {
			slog.Debug("cache auth entry", "error", err)
		}
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*agent.Agent), nil
}

// Get returns an agent by ID.
func (s *AgentService) Get(ctx context.Context, agentID string) (*agent.Agent, error) {
	return s.store.GetAgent(ctx, agentID)
}

// Update patches the agent's profile. A capabilities change re-triggers
// capability extraction.
func (s *AgentService) Update(ctx context.Context, agentID string, req *agent.UpdateRequest) (*agent.Agent, error) {
	if req.Name != nil {
		if err := checkRequired("name", *req.Name, maxNameLen); err != nil {
			return nil, err
		}
	}
	if req.Capabilities != nil {
		if err := checkLen("capabilities", *req.Capabilities, maxCapabilitiesLen); err != nil {
			return nil, err
		}
	}

	a, err := s.store.UpdateAgentProfile(ctx, agentID, *req)
	if err != nil {
		return nil, err
	}
	if req.Capabilities != nil && *req.Capabilities != "" && s.spawner != nil {
		s.spawner.SpawnCapabilityExtract(ctx, a)
	}
	return a, nil
}

// Suspend toggles the agent's suspended flag.
func (s *AgentService) Suspend(ctx context.Context, agentID string, suspended bool) error {
	return s.store.SetAgentSuspended(ctx, agentID, suspended)
}

// GrantCredits adjusts an agent's balance outside the task flow. Positive
// amounts are grants, negative ones adjustments.
func (s *AgentService) GrantCredits(ctx context.Context, agentID string, amount int64) error {
	if amount == 0 {
		return fmt.Errorf("amount must be non-zero: %w", domain.ErrInvalidInput)
	}
	reason := ledger.ReasonGrant
	if amount < 0 {
		reason = ledger.ReasonAdjustment
	}
	_, err := s.store.Grant(ctx, agentID, amount, reason, "")
	return err
}

func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}
