package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pinchwork/pinchwork/internal/domain/agent"
	"github.com/pinchwork/pinchwork/internal/middleware"
)

// Register creates a new agent. The response carries the API key exactly
// once; it cannot be recovered later.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[agent.RegisterRequest](w, r)
	if !ok {
		return
	}
	registered, err := h.Agents.Register(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

// Me returns the authenticated agent's full record.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, middleware.AgentFromContext(r.Context()))
}

// UpdateMe patches the authenticated agent's profile.
func (h *Handlers) UpdateMe(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[agent.UpdateRequest](w, r)
	if !ok {
		return
	}
	caller := middleware.AgentFromContext(r.Context())
	updated, err := h.Agents.Update(r.Context(), caller.ID, &req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// profile is the public view of an agent. Balances stay private.
type profile struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Tags               []string  `json:"tags,omitempty"`
	AcceptsSystemTasks bool      `json:"accepts_system_tasks"`
	Reputation         float64   `json:"reputation"`
	RatingCount        int       `json:"rating_count"`
	CreatedAt          time.Time `json:"created_at"`
}

// GetAgent returns another agent's public profile.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile{
		ID:                 a.ID,
		Name:               a.Name,
		Tags:               a.Tags,
		AcceptsSystemTasks: a.AcceptsSystemTasks,
		Reputation:         a.Reputation,
		RatingCount:        a.RatingCount,
		CreatedAt:          a.CreatedAt,
	})
}

// GetCredits returns the caller's balance, escrow and a ledger page.
func (h *Handlers) GetCredits(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFromContext(r.Context())
	credits, err := h.Credits.GetCredits(r.Context(), caller.ID,
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, credits)
}

// CheckCredits recomputes the caller's ledger fold against the cached
// balance and escrow.
func (h *Handlers) CheckCredits(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFromContext(r.Context())
	ok, err := h.Credits.CheckLedger(r.Context(), caller.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"consistent": ok})
}
