package statemachine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "statemachine"

// startTransitionSpan creates the span covering one hand-off.
// Uses the global tracer initialized by the telemetry package.
// The caller is responsible for calling span.End().
//
//nolint:spancheck // Span lifecycle managed by caller
func startTransitionSpan(ctx context.Context, machine, from, to string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "statemachine.transition")
	span.SetAttributes(
		attribute.String("machine", machine),
		attribute.String("from", sanitizeState(from)),
		attribute.String("to", to),
	)

	return ctx, span
}

// startStopSpan creates the span covering Stop.
//
//nolint:spancheck // Span lifecycle managed by caller
func startStopSpan(ctx context.Context, machine, state string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "statemachine.stop")
	span.SetAttributes(
		attribute.String("machine", machine),
		attribute.String("state", sanitizeState(state)),
	)

	return ctx, span
}

// annotateActivation records the incoming activation on the span.
func annotateActivation(span trace.Span, activation Activation) {
	span.SetAttributes(
		attribute.String("activation_id", activation.ID.String()),
		attribute.Int64("sequence", int64(activation.Sequence)), //nolint:gosec
	)
}

// recordFailure adds a contained failure to the span in ctx as an error event.
// The span status is set to error; the transition itself still completes.
func recordFailure(ctx context.Context, failure Failure) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.RecordError(failure.Err, trace.WithAttributes(
		attribute.String("failure.kind", failure.Kind.String()),
		attribute.String("failure.state", failure.Activation.StateName()),
	))
	span.SetStatus(codes.Error, failure.Kind.String()+" failure")
}
