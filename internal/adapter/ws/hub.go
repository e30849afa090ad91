// Package ws implements the broadcast port over WebSocket connections.
package ws

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pinchwork/pinchwork/internal/domain/event"
	"github.com/pinchwork/pinchwork/internal/port/broadcast"
)

// subBuffer bounds each subscription's in-flight events. When a consumer
// falls behind, the oldest buffered event is dropped and the subscription
// is marked lagging.
const subBuffer = 64

// Hub fans marketplace events out to per-agent subscriptions.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]*subscription)}
}

type subscription struct {
	hub     *Hub
	agentID string
	ch      chan *event.Event
	lagging atomic.Bool
	once    sync.Once
}

// Events returns the subscription's ordered event stream.
func (s *subscription) Events() <-chan *event.Event { return s.ch }

// Lagging reports whether events were dropped since the subscription opened.
func (s *subscription) Lagging() bool { return s.lagging.Load() }

// Close detaches the subscription from the hub and closes its channel.
func (s *subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.ch)
	})
}

// Subscribe opens an event stream for agentID.
func (h *Hub) Subscribe(agentID string) broadcast.Subscription {
	s := &subscription{hub: h, agentID: agentID, ch: make(chan *event.Event, subBuffer)}
	h.mu.Lock()
	h.subs[agentID] = append(h.subs[agentID], s)
	h.mu.Unlock()
	return s
}

// Publish delivers evt to every subscription of its recipient agent. A full
// buffer sheds the oldest event rather than blocking the publisher.
func (h *Hub) Publish(_ context.Context, evt *event.Event) {
	h.mu.RLock()
	subs := h.subs[evt.AgentID]
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- evt:
			continue
		default:
		}
		s.lagging.Store(true)
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- evt:
		default:
		}
	}
}

// SubscriberCount returns the number of open subscriptions for agentID.
func (h *Hub) SubscriberCount(agentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[agentID])
}

func (h *Hub) remove(target *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[target.agentID]
	for i, s := range subs {
		if s == target {
			h.subs[target.agentID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[target.agentID]) == 0 {
		delete(h.subs, target.agentID)
	}
}
