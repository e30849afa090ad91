// Package broadcast defines the port for per-agent event streams.
package broadcast

import (
	"context"

	"github.com/pinchwork/pinchwork/internal/domain/event"
)

// Subscription is one agent stream. Events are delivered in order; when the
// consumer falls behind the bounded buffer, the oldest events are dropped
// and Lagging reports true so the consumer can resync by polling.
type Subscription interface {
	Events() <-chan *event.Event
	Lagging() bool
	Close()
}

// Broadcaster fans marketplace events out to subscribed agents. Delivery is
// best-effort; Publish never blocks on slow consumers.
type Broadcaster interface {
	Publish(ctx context.Context, evt *event.Event)
	Subscribe(agentID string) Subscription
}
