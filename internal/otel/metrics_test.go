package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.DecisionDuration == nil || m.Decisions == nil || m.ProtocolErrors == nil {
		t.Fatal("decision instruments not created")
	}
	if m.TaskDuration == nil || m.QueueEnqueued == nil {
		t.Fatal("queue instruments not created")
	}
	if m.RequestDuration == nil || m.RateLimitRejects == nil {
		t.Fatal("gateway instruments not created")
	}

	m.RecordDecision(context.Background(), "COUNTER", 0.002)
	m.RecordProtocolError(context.Background(), "not_your_turn")
}

func TestNoopMetrics_SafeToRecord(t *testing.T) {
	m := NoopMetrics()
	if m == nil {
		t.Fatal("expected non-nil metrics")
	}
	m.RecordDecision(context.Background(), "ACCEPT", 0.1)

	var nilMetrics *Metrics
	nilMetrics.RecordDecision(context.Background(), "ACCEPT", 0.1)
	nilMetrics.RecordProtocolError(context.Background(), "expired")
	nilMetrics.RecordTask(context.Background(), "ok", 0.1)
	nilMetrics.RecordRequest(context.Background(), "GET /healthz", 200, 0.001)
}

func TestMetrics_LatencyBucketsAndAttributes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(ScopeName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordRequest(ctx, "POST /items/{id}/offers", 201, 0.004)
	m.RecordRequest(ctx, "POST /items/{id}/offers", 201, 0.02)
	m.RecordTask(ctx, "TRANSIENT", 0.3)
	m.RecordEnqueue(ctx)
	m.RecordRateLimitReject(ctx)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	found := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = md.Data
		}
	}

	req, ok := found["haggle.request.duration"].(metricdata.Histogram[float64])
	if !ok || len(req.DataPoints) != 1 {
		t.Fatalf("request histogram = %#v", found["haggle.request.duration"])
	}
	dp := req.DataPoints[0]
	if dp.Count != 2 || len(dp.Bounds) != len(latencyBuckets) {
		t.Fatalf("count %d bounds %v", dp.Count, dp.Bounds)
	}
	if route, _ := dp.Attributes.Value(AttrRoute); route.AsString() != "POST /items/{id}/offers" {
		t.Fatalf("route attribute = %v", route)
	}
	for _, name := range []string{"haggle.task.duration", "haggle.queue.enqueued", "haggle.ratelimit.rejects"} {
		if _, ok := found[name]; !ok {
			t.Fatalf("%s not collected", name)
		}
	}
}
