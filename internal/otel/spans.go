package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for context-store spans.
var (
	AttrTaskID       = attribute.Key("ctxstore.task.id")
	AttrSessionID    = attribute.Key("ctxstore.session.id")
	AttrConflictID   = attribute.Key("ctxstore.conflict.id")
	AttrCheckpointID = attribute.Key("ctxstore.checkpoint.id")
	AttrMethod       = attribute.Key("ctxstore.method")
	AttrSource       = attribute.Key("ctxstore.source")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound tool request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
