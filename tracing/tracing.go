// Package tracing provides OpenTelemetry spans around the parts of a
// projection's lifecycle worth following across process boundaries: a
// single event's pass through stage 2 (ProcessEvent), and each checkpoint
// write.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies the coreproj tracer to the configured
// TracerProvider.
const TracerName = "github.com/foldstream/coreproj"

// Tracer wraps an OpenTelemetry tracer for coreproj spans.
type Tracer struct {
	tracer          trace.Tracer
	projectionName string
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Tracer) { t.tracer = tp.Tracer(TracerName) }
}

// WithProjectionName sets the projection name attribute stamped on every
// span.
func WithProjectionName(name string) Option {
	return func(t *Tracer) { t.projectionName = name }
}

// NewTracer creates a Tracer using the global TracerProvider unless
// overridden by WithTracerProvider.
func NewTracer(opts ...Option) *Tracer {
	t := &Tracer{tracer: otel.Tracer(TracerName)}
	for _, o := range opts {
		o(t)
	}
	return t
}

// StartProcessEventSpan starts a span covering one call into the user
// handler's ProcessEvent for a given partition and event type.
func (t *Tracer) StartProcessEventSpan(ctx context.Context, partition, eventType string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "coreproj.process_event", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("coreproj.projection", t.projectionName),
		attribute.String("coreproj.partition", partition),
		attribute.String("coreproj.event_type", eventType),
	)
	return ctx, span
}

// StartCheckpointSpan starts a span covering one checkpoint write attempt.
func (t *Tracer) StartCheckpointSpan(ctx context.Context, tagString string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "coreproj.checkpoint_write", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("coreproj.projection", t.projectionName),
		attribute.String("coreproj.checkpoint_tag", tagString),
	)
	return ctx, span
}

// StartEmitSpan starts a span covering one emitted-stream batch write.
func (t *Tracer) StartEmitSpan(ctx context.Context, targetStream string, batchSize int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("coreproj.emit.%s", targetStream), trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("coreproj.projection", t.projectionName),
		attribute.String("coreproj.target_stream", targetStream),
		attribute.Int("coreproj.batch_size", batchSize),
	)
	return ctx, span
}

// EndWithResult sets the span's status from err and ends it.
func EndWithResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SetError records err on the span currently in ctx.
func SetError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds a named event to the span currently in ctx.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}
