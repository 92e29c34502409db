package observer

import (
	"context"
	"fmt"
	"time"

	flock "github.com/sorenkv/flock"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// stepSpanName is the span the runtime opens around each agent step.
// The metered tracer keys step metrics off it.
const stepSpanName = "agent.step"

// otelTracer implements flock.Tracer using OpenTelemetry.
type otelTracer struct {
	inner trace.Tracer
	inst  *Instruments
}

// NewTracer returns a flock.Tracer backed by the global OTEL TracerProvider.
// Call observer.Init() first to configure the provider; otherwise spans go to
// a no-op backend.
func NewTracer() flock.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

// NewMeteredTracer is NewTracer plus step metrics: every step span also
// increments the step counter and records its duration on End.
func NewMeteredTracer(inst *Instruments) flock.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName), inst: inst}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...flock.SpanAttr) (context.Context, flock.Span) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(otelAttrs...))
	s := &otelSpan{inner: span}
	if t.inst != nil && name == stepSpanName {
		t.inst.AgentSteps.Add(ctx, 1)
		s.inst = t.inst
		s.start = time.Now()
	}
	return ctx, s
}

// otelSpan implements flock.Span using an OTEL trace.Span.
type otelSpan struct {
	inner trace.Span
	inst  *Instruments
	start time.Time
}

func (s *otelSpan) SetAttr(attrs ...flock.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.SetAttributes(otelAttrs...)
}

func (s *otelSpan) Event(name string, attrs ...flock.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	if s.inst != nil {
		s.inst.StepDuration.Record(context.Background(),
			float64(time.Since(s.start).Milliseconds()))
	}
	s.inner.End()
}

// toOTELAttr converts a flock.SpanAttr to an OTEL attribute.KeyValue.
func toOTELAttr(a flock.SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

// compile-time checks
var (
	_ flock.Tracer = (*otelTracer)(nil)
	_ flock.Span   = (*otelSpan)(nil)
)
