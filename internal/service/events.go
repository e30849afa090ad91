package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pinchwork/pinchwork/internal/domain/event"
	"github.com/pinchwork/pinchwork/internal/domain/task"
	"github.com/pinchwork/pinchwork/internal/port/broadcast"
	"github.com/pinchwork/pinchwork/internal/port/messagequeue"
	"github.com/pinchwork/pinchwork/internal/resilience"
)

// emitter fans lifecycle events out to subscribed agents and mirrors them
// to the external broker. Both paths are best-effort; the mirror sits behind
// a circuit breaker so a flapping broker cannot slow lifecycle transitions.
type emitter struct {
	bcast   broadcast.Broadcaster
	queue   messagequeue.Queue
	breaker *resilience.Breaker
	now     func() time.Time
}

var kindSubjects = map[event.Kind]string{
	event.TaskPosted:    messagequeue.SubjectTaskPosted,
	event.TaskClaimed:   messagequeue.SubjectTaskClaimed,
	event.TaskDelivered: messagequeue.SubjectTaskDelivered,
	event.TaskApproved:  messagequeue.SubjectTaskApproved,
	event.TaskRejected:  messagequeue.SubjectTaskRejected,
	event.TaskCancelled: messagequeue.SubjectTaskCancelled,
	event.TaskExpired:   messagequeue.SubjectTaskExpired,
}

// emit delivers one event kind for task t to each recipient agent.
func (e *emitter) emit(ctx context.Context, kind event.Kind, t *task.Task, data map[string]any, recipients ...string) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = t.Status

	for _, agentID := range recipients {
		if agentID == "" {
			continue
		}
		evt := &event.Event{
			Kind:      kind,
			TaskID:    t.ID,
			AgentID:   agentID,
			Data:      data,
			CreatedAt: e.now(),
		}
		if e.bcast != nil {
			e.bcast.Publish(ctx, evt)
		}
		if e.queue != nil {
			payload, err := json.Marshal(evt)
			if err != nil {
				slog.Error("marshal event", "kind", kind, "task_id", t.ID, "error", err)
				continue
			}
			err = e.breaker.Execute(func() error {
				return e.queue.Publish(ctx, kindSubjects[kind], payload)
			})
			if err != nil {
				slog.Error("mirror event to queue", "kind", kind, "task_id", t.ID, "error", err)
			}
		}
	}
}
