package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", SampleRate: 0.5})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "agent.decide",
		AttrNegotiationID.String("neg-1"),
		AttrRound.Int(3),
	)
	if !span.SpanContext().IsValid() {
		t.Fatal("expected sampled span with valid context")
	}
	span.End()

	_, server := StartServerSpan(context.Background(), p.Tracer, "POST /offers", AttrRoute.String("/offers"))
	server.End()
}

func TestFailSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer(ScopeName)

	_, ok := StartSpan(context.Background(), tracer, "agent.process")
	FailSpan(ok, nil, "TRANSIENT")
	ok.End()

	_, failed := StartSpan(context.Background(), tracer, "agent.process")
	FailSpan(failed, errors.New("pricing model unavailable"), "TRANSIENT")
	failed.End()

	ended := sr.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Unset {
		t.Fatalf("nil error should leave status unset, got %v", ended[0].Status())
	}
	if ended[1].Status().Code != codes.Error || len(ended[1].Events()) != 1 {
		t.Fatalf("failed span status %v events %d", ended[1].Status(), len(ended[1].Events()))
	}
	var class string
	for _, kv := range ended[1].Attributes() {
		if kv.Key == AttrErrorClass {
			class = kv.Value.AsString()
		}
	}
	if class != "TRANSIENT" {
		t.Fatalf("error class attribute = %q", class)
	}
}

func TestInit_CapturesSpansAndMetrics(t *testing.T) {
	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, ServiceName: "haggle-test"},
		WithSpanExporter(spans), WithMetricReader(reader))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "agent.decide", AttrNegotiationID.String("neg-7"))
	span.End()
	if err := p.ForceFlush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := spans.GetSpans()
	if len(got) != 1 || got[0].Name != "agent.decide" {
		t.Fatalf("exported spans = %+v", got)
	}

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.Decisions.Add(context.Background(), 2)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "haggle.decisions" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("decisions data = %T", metric.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Fatalf("haggle.decisions = %d, want 2", total)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"disabled ignores junk", Config{Exporter: "carrier-pigeon", SampleRate: 7}, true},
		{"defaults", Config{Enabled: true}, true},
		{"bad exporter", Config{Enabled: true, Exporter: "zipkin"}, false},
		{"bad rate", Config{Enabled: true, SampleRate: 1.5}, false},
		{"bad headers", Config{Enabled: true, Headers: "authorization"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, ok want %v", err, tc.ok)
			}
		})
	}
}

func TestParseHeaders(t *testing.T) {
	got, err := parseHeaders(" authorization = Bearer abc , x-tenant=shop,, ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got["authorization"] != "Bearer abc" || got["x-tenant"] != "shop" {
		t.Fatalf("headers = %v", got)
	}
	if _, err := parseHeaders("=value"); err == nil {
		t.Fatal("empty key should fail")
	}
}
