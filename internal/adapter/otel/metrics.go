package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "pinchwork"

// Metrics holds the marketplace metric instruments.
type Metrics struct {
	TasksPosted    metric.Int64Counter
	TasksClaimed   metric.Int64Counter
	TasksDelivered metric.Int64Counter
	TasksApproved  metric.Int64Counter
	TasksRejected  metric.Int64Counter
	CreditsSettled metric.Int64Counter
	PickupLatency  metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksPosted, err = meter.Int64Counter("pinchwork.tasks.posted",
		metric.WithDescription("Number of tasks posted"))
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("pinchwork.tasks.claimed",
		metric.WithDescription("Number of task claims won"))
	if err != nil {
		return nil, err
	}

	m.TasksDelivered, err = meter.Int64Counter("pinchwork.tasks.delivered",
		metric.WithDescription("Number of task deliveries"))
	if err != nil {
		return nil, err
	}

	m.TasksApproved, err = meter.Int64Counter("pinchwork.tasks.approved",
		metric.WithDescription("Number of task approvals"))
	if err != nil {
		return nil, err
	}

	m.TasksRejected, err = meter.Int64Counter("pinchwork.tasks.rejected",
		metric.WithDescription("Number of task rejections"))
	if err != nil {
		return nil, err
	}

	m.CreditsSettled, err = meter.Int64Counter("pinchwork.credits.settled",
		metric.WithDescription("Credits charged through approvals"))
	if err != nil {
		return nil, err
	}

	m.PickupLatency, err = meter.Float64Histogram("pinchwork.pickup.duration_seconds",
		metric.WithDescription("Pickup arbitration duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
