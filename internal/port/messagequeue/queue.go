// Package messagequeue defines the external event mirror port (interface).
package messagequeue

import "context"

// Queue mirrors marketplace events to an external broker. Publishing is
// best-effort: callers log failures and continue.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Drain gracefully drains pending publishes before closing.
	Drain() error

	// Close shuts down the connection immediately.
	Close() error

	// IsConnected reports whether the broker is currently reachable.
	IsConnected() bool
}

// Subjects mirrored to the broker, one per marketplace event kind.
const (
	SubjectTaskPosted    = "tasks.posted"
	SubjectTaskClaimed   = "tasks.claimed"
	SubjectTaskDelivered = "tasks.delivered"
	SubjectTaskApproved  = "tasks.approved"
	SubjectTaskRejected  = "tasks.rejected"
	SubjectTaskCancelled = "tasks.cancelled"
	SubjectTaskExpired   = "tasks.expired"
)
