package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "switchboard"

// StartDeliverySpan starts a span for one delivery attempt of a task.
func StartDeliverySpan(ctx context.Context, taskID, agentID, mode string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "delivery",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("agent.id", agentID),
			attribute.String("delivery.mode", mode),
		),
	)
}

// StartProbeSpan starts a span for a health probe.
func StartProbeSpan(ctx context.Context, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "probe",
		trace.WithAttributes(attribute.String("agent.id", agentID)),
	)
}

// StartDiscoverySpan starts a span for an AgentCard fetch.
func StartDiscoverySpan(ctx context.Context, cardURL string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "discovery",
		trace.WithAttributes(attribute.String("agentcard.url", cardURL)),
	)
}
