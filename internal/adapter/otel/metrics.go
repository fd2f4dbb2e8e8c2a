package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "switchboard"

// Metrics holds all orchestrator metric instruments.
type Metrics struct {
	TasksSubmitted   metric.Int64Counter
	TasksFinished    metric.Int64Counter
	ModeDowngrades   metric.Int64Counter
	CircuitChanges   metric.Int64Counter
	ProbeFailures    metric.Int64Counter
	DeliveryDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksSubmitted, err = meter.Int64Counter("switchboard.tasks.submitted",
		metric.WithDescription("Number of tasks submitted"))
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("switchboard.tasks.finished",
		metric.WithDescription("Number of tasks reaching a terminal state"))
	if err != nil {
		return nil, err
	}

	m.ModeDowngrades, err = meter.Int64Counter("switchboard.delivery.downgrades",
		metric.WithDescription("Number of tasks delivered in a weaker mode than requested"))
	if err != nil {
		return nil, err
	}

	m.CircuitChanges, err = meter.Int64Counter("switchboard.circuit.changes",
		metric.WithDescription("Number of agent circuit state changes"))
	if err != nil {
		return nil, err
	}

	m.ProbeFailures, err = meter.Int64Counter("switchboard.probe.failures",
		metric.WithDescription("Number of failed health probes"))
	if err != nil {
		return nil, err
	}

	m.DeliveryDuration, err = meter.Float64Histogram("switchboard.delivery.duration_seconds",
		metric.WithDescription("Delivery duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TaskSubmitted counts a new task.
func (m *Metrics) TaskSubmitted(ctx context.Context, agentID, mode string) {
	if m == nil {
		return
	}
	m.TasksSubmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.id", agentID), attribute.String("delivery.mode", mode)))
}

// TaskFinished counts a terminal task and records how long delivery took.
func (m *Metrics) TaskFinished(ctx context.Context, agentID, state string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent.id", agentID), attribute.String("task.state", state))
	m.TasksFinished.Add(ctx, 1, attrs)
	m.DeliveryDuration.Record(ctx, took.Seconds(), attrs)
}

// Downgraded counts a mode downgrade.
func (m *Metrics) Downgraded(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.ModeDowngrades.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode.requested", from), attribute.String("mode.effective", to)))
}

// CircuitChanged counts a circuit transition.
func (m *Metrics) CircuitChanged(ctx context.Context, agentID, to string) {
	if m == nil {
		return
	}
	m.CircuitChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.id", agentID), attribute.String("circuit.state", to)))
}

// ProbeFailed counts a failed probe.
func (m *Metrics) ProbeFailed(ctx context.Context, agentID, kind string) {
	if m == nil {
		return
	}
	m.ProbeFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.id", agentID), attribute.String("error.kind", kind)))
}
