package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for kernel spans.
var (
	AttrThreadID  = attribute.Key("agentos.thread.id")
	AttrEntryID   = attribute.Key("agentos.context.entry_id")
	AttrTier      = attribute.Key("agentos.context.tier")
	AttrMessageID = attribute.Key("agentos.journal.message_id")
	AttrWALSeq    = attribute.Key("agentos.wal.seq")
	AttrForced    = attribute.Key("agentos.forced")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
