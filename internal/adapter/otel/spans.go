package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "pinchwork"

// StartTaskSpan starts a span for one task lifecycle operation.
func StartTaskSpan(ctx context.Context, op, taskID, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, op,
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("agent.id", agentID),
		),
	)
}

// StartPickupSpan starts a span for a pickup arbitration pass.
func StartPickupSpan(ctx context.Context, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pickup",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
		),
	)
}
