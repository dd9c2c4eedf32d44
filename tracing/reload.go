package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReloadTracer creates spans for reload batches and the compiles inside them.
// A nil *ReloadTracer is valid and uses the global provider.
type ReloadTracer struct {
	tracer trace.Tracer
}

// NewReloadTracer creates a ReloadTracer. If tracer is nil, the global
// tracer provider is used.
func NewReloadTracer(tracer trace.Tracer) *ReloadTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	}
	return &ReloadTracer{tracer: tracer}
}

func (r *ReloadTracer) get() trace.Tracer {
	if r == nil || r.tracer == nil {
		return otel.GetTracerProvider().Tracer(instrumentationName)
	}
	return r.tracer
}

// StartBatch begins the span covering one reload cycle.
func (r *ReloadTracer) StartBatch(ctx context.Context, batchID string, created, modified, deleted int) (context.Context, trace.Span) {
	return r.get().Start(ctx, "reload.batch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("reload.batch.id", batchID),
			attribute.Int("reload.created", created),
			attribute.Int("reload.modified", modified),
			attribute.Int("reload.deleted", deleted),
		),
	)
}

// StartCompile begins a child span for compiling one function file.
func (r *ReloadTracer) StartCompile(ctx context.Context, functionID, path string) (context.Context, trace.Span) {
	return r.get().Start(ctx, "reload.compile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("function.id", functionID),
			attribute.String("function.path", path),
		),
	)
}

// StartPublish begins the span for swapping the active table on the main loop.
func (r *ReloadTracer) StartPublish(ctx context.Context) (context.Context, trace.Span) {
	return r.get().Start(ctx, "reload.publish", trace.WithSpanKind(trace.SpanKindInternal))
}

// RecordError records err on span and marks it failed.
func (r *ReloadTracer) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks a span as successful.
func (r *ReloadTracer) SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
