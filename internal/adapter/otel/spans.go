package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "taskforge"

// StartTaskSpan starts a span for a task lifecycle operation (claim, complete, fail).
func StartTaskSpan(ctx context.Context, op, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task."+op,
		trace.WithAttributes(attribute.String("task.id", taskID)),
	)
}

// StartChargeSpan starts a span for a budget charge.
func StartChargeSpan(ctx context.Context, serviceID string, amount float64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "budget.charge",
		trace.WithAttributes(
			attribute.String("service.id", serviceID),
			attribute.Float64("charge.usd", amount),
		),
	)
}

// StartSandboxSpan starts a span for sandbox provisioning or teardown.
func StartSandboxSpan(ctx context.Context, op, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sandbox."+op,
		trace.WithAttributes(attribute.String("task.id", taskID)),
	)
}

// EndSpan records err on span (if any) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
