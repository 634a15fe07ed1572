package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "roundtable"

// StartCommandSpan starts a span for a scheduler command on a conversation.
func StartCommandSpan(ctx context.Context, command, conversationID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "scheduler."+command,
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
		),
	)
}

// StartRunSpan starts a span for a worker executing a run.
func StartRunSpan(ctx context.Context, runID, conversationID, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run.execute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.kind", kind),
			attribute.String("conversation.id", conversationID),
		),
	)
}

// StartForkSpan starts a span for branch creation.
func StartForkSpan(ctx context.Context, parentID, messageID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "conversation.fork",
		trace.WithAttributes(
			attribute.String("conversation.id", parentID),
			attribute.String("message.id", messageID),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
