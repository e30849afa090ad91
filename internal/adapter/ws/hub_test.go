package ws

import (
	"context"
	"testing"

	"github.com/pinchwork/pinchwork/internal/domain/event"
)

func TestHubDeliversToRecipientOnly(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("ag-1")
	b := hub.Subscribe("ag-2")
	defer a.Close()
	defer b.Close()

	hub.Publish(context.Background(), &event.Event{Kind: event.TaskPosted, AgentID: "ag-1"})

	select {
	case evt := <-a.Events():
		if evt.Kind != event.TaskPosted {
			t.Fatalf("expected task_posted, got %q", evt.Kind)
		}
	default:
		t.Fatal("expected an event for ag-1")
	}
	select {
	case evt := <-b.Events():
		t.Fatalf("unexpected event for ag-2: %q", evt.Kind)
	default:
	}
}

func TestHubFansOutToAllSubscriptions(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("ag-1")
	b := hub.Subscribe("ag-1")
	defer a.Close()
	defer b.Close()

	hub.Publish(context.Background(), &event.Event{Kind: event.TaskApproved, AgentID: "ag-1"})

	for _, sub := range []interface{ Events() <-chan *event.Event }{a, b} {
		select {
		case <-sub.Events():
		default:
			t.Fatal("expected every subscription of the agent to receive the event")
		}
	}
}

func TestHubShedsOldestWhenFull(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("ag-1")
	defer sub.Close()

	for i := 0; i < subBuffer+1; i++ {
		hub.Publish(context.Background(), &event.Event{Kind: event.TaskPosted, AgentID: "ag-1", TaskID: "tk-first"})
	}
	hub.Publish(context.Background(), &event.Event{Kind: event.TaskApproved, AgentID: "ag-1", TaskID: "tk-last"})

	if !sub.Lagging() {
		t.Fatal("expected the subscription marked lagging")
	}

	// The newest event survived the shed.
	var last *event.Event
	for {
		select {
		case evt := <-sub.Events():
			last = evt
			continue
		default:
		}
		break
	}
	if last == nil || last.TaskID != "tk-last" {
		t.Fatalf("expected the newest event retained, got %+v", last)
	}
}

func TestHubCloseDetaches(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("ag-1")

	if n := hub.SubscriberCount("ag-1"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	sub.Close()
	sub.Close() // idempotent
	if n := hub.SubscriberCount("ag-1"); n != 0 {
		t.Fatalf("expected 0 subscribers after close, got %d", n)
	}

	// Publishing after close must not panic or block.
	hub.Publish(context.Background(), &event.Event{Kind: event.TaskPosted, AgentID: "ag-1"})

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected the event channel closed")
	}
}
