package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrNegotiationID = attribute.Key("haggle.negotiation.id")
	AttrItemID        = attribute.Key("haggle.item.id")
	AttrTaskID        = attribute.Key("haggle.task.id")
	AttrRound         = attribute.Key("haggle.negotiation.round")
	AttrDecision      = attribute.Key("haggle.decision.type")
	AttrErrorClass    = attribute.Key("haggle.error.class")
	AttrRoute         = attribute.Key("haggle.http.route")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// FailSpan marks span as errored and tags it with class when class is set.
// A nil err leaves the span untouched.
func FailSpan(span trace.Span, err error, class string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if class != "" {
		span.SetAttributes(AttrErrorClass.String(class))
	}
}
