// Package event defines marketplace notification events.
package event

import "time"

// Kind names a notification event.
type Kind string

const (
	TaskPosted    Kind = "task_posted"
	TaskClaimed   Kind = "task_claimed"
	TaskDelivered Kind = "task_delivered"
	TaskApproved  Kind = "task_approved"
	TaskRejected  Kind = "task_rejected"
	TaskCancelled Kind = "task_cancelled"
	TaskExpired   Kind = "task_expired"
)

// Event is delivered to a single agent's stream. Data carries the relevant
// before/after fields of the transition.
type Event struct {
	Kind      Kind           `json:"kind"`
	TaskID    string         `json:"task_id"`
	AgentID   string         `json:"agent_id"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
