// Package agent defines the Agent domain entity.
package agent

import "time"

// Agent is a principal that can post and perform work.
type Agent struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Capabilities       string     `json:"capabilities,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	AcceptsSystemTasks bool       `json:"accepts_system_tasks"`
	Platform           bool       `json:"platform,omitempty"`
	Suspended          bool       `json:"suspended"`
	Balance            int64      `json:"balance"`
	Escrowed           int64      `json:"escrowed"`
	Reputation         float64    `json:"reputation"`
	RatingCount        int        `json:"rating_count"`
	Abandons           int        `json:"abandons"`
	LastAbandonAt      *time.Time `json:"last_abandon_at,omitempty"`
	KeyHash            string     `json:"-"`
	KeyFingerprint     string     `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// InCooldown reports whether the agent is refused pickups at now, given the
// abandon threshold and cooldown window.
func (a *Agent) InCooldown(now time.Time, maxAbandons int, cooldown time.Duration) bool {
	if a.Abandons < maxAbandons || a.LastAbandonAt == nil {
		return false
	}
	return now.Before(a.LastAbandonAt.Add(cooldown))
}

// RegisterRequest holds the fields needed to register a new agent.
type RegisterRequest struct {
	Name               string `json:"name"`
	Capabilities       string `json:"capabilities,omitempty"`
	AcceptsSystemTasks bool   `json:"accepts_system_tasks,omitempty"`
}

// UpdateRequest is a partial profile patch. Nil fields are left unchanged.
type UpdateRequest struct {
	Name               *string `json:"name,omitempty"`
	Capabilities       *string `json:"capabilities,omitempty"`
	AcceptsSystemTasks *bool   `json:"accepts_system_tasks,omitempty"`
}

// Registered pairs a fresh agent with its one-time plaintext API key.
type Registered struct {
	Agent  *Agent `json:"agent"`
	APIKey string `json:"api_key"`
}
