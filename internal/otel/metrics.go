package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Latency boundaries in seconds. The SDK defaults (0, 5, 10, 25, ...) put
// every sub-5s observation in one bucket.
var latencyBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds the instruments recorded by the engine and gateway. A nil
// *Metrics records nothing.
type Metrics struct {
	DecisionDuration metric.Float64Histogram
	Decisions        metric.Int64Counter
	ProtocolErrors   metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	QueueEnqueued    metric.Int64Counter
	RequestDuration  metric.Float64Histogram
	RateLimitRejects metric.Int64Counter
}

type histogramDef struct {
	dst  *metric.Float64Histogram
	name string
	desc string
}

type counterDef struct {
	dst  *metric.Int64Counter
	name string
	desc string
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	histograms := []histogramDef{
		{&m.DecisionDuration, "haggle.decision.duration", "Time spent computing a seller agent decision"},
		{&m.TaskDuration, "haggle.task.duration", "Agent task processing duration"},
		{&m.RequestDuration, "haggle.request.duration", "Gateway request duration"},
	}
	counters := []counterDef{
		{&m.Decisions, "haggle.decisions", "Agent decisions by type"},
		{&m.ProtocolErrors, "haggle.protocol.errors", "Negotiation protocol rejections by code"},
		{&m.QueueEnqueued, "haggle.queue.enqueued", "Agent tasks enqueued"},
		{&m.RateLimitRejects, "haggle.ratelimit.rejects", "Requests rejected by the rate limiter"},
	}

	var errs []error
	for _, h := range histograms {
		inst, err := meter.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		errs = append(errs, err)
		*h.dst = inst
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		errs = append(errs, err)
		*c.dst = inst
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	return m
}

// RecordDecision counts one decision and its latency.
func (m *Metrics) RecordDecision(ctx context.Context, decisionType string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrDecision.String(decisionType))
	m.Decisions.Add(ctx, 1, attrs)
	m.DecisionDuration.Record(ctx, seconds, attrs)
}

// RecordProtocolError counts a rejected negotiation operation by error code.
func (m *Metrics) RecordProtocolError(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordTask records one agent task run. outcome is "ok" or an error class.
func (m *Metrics) RecordTask(ctx context.Context, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.TaskDuration.Record(ctx, seconds, metric.WithAttributes(AttrErrorClass.String(outcome)))
}

func (m *Metrics) RecordEnqueue(ctx context.Context) {
	if m == nil {
		return
	}
	m.QueueEnqueued.Add(ctx, 1)
}

// RecordRequest records a gateway request by route pattern and status.
func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(
		AttrRoute.String(route),
		attribute.Int("http.status_code", status),
	))
}

func (m *Metrics) RecordRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
