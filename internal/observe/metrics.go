// Package observe holds the OpenTelemetry instruments for the call and query
// flows. A Prometheus exporter bridge is installed by [InitProvider] so the
// instruments can be scraped at /metrics. Tests should build their own
// [Metrics] with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "call-insights-go"

// Poll outcomes. They are the only values of the "outcome" attribute.
const (
	OutcomeResult    = "result"
	OutcomeExhausted = "exhausted"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing, which
// keeps instrumentation optional for callers and tests.
type Metrics struct {
	PollAttempts    metric.Int64Counter
	PollOutcomes    metric.Int64Counter
	PollDuration    metric.Float64Histogram
	QueryRequests   metric.Int64Counter
	QueryDuration   metric.Float64Histogram
	ActiveCalls     metric.Int64UpDownCounter
	CallTransitions metric.Int64Counter
}

// pollBuckets are in seconds; a full default poll runs about a minute.
var pollBuckets = []float64{0.05, 0.25, 1, 3, 6, 15, 30, 60, 90}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PollAttempts, err = m.Int64Counter("call_insights.poll.attempts",
		metric.WithDescription("Requests issued to the call-details endpoint."),
	); err != nil {
		return nil, err
	}
	if met.PollOutcomes, err = m.Int64Counter("call_insights.poll.outcomes",
		metric.WithDescription("Finished polls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PollDuration, err = m.Float64Histogram("call_insights.poll.duration",
		metric.WithDescription("Wall time of a poll from first attempt to termination."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(pollBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueryRequests, err = m.Int64Counter("call_insights.query.requests",
		metric.WithDescription("Generative queries by status."),
	); err != nil {
		return nil, err
	}
	if met.QueryDuration, err = m.Float64Histogram("call_insights.query.duration",
		metric.WithDescription("Latency of generative queries."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("call_insights.calls.active",
		metric.WithDescription("Call sessions between start and terminal state."),
	); err != nil {
		return nil, err
	}
	if met.CallTransitions, err = m.Int64Counter("call_insights.calls.transitions",
		metric.WithDescription("Call state transitions by target state."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func (m *Metrics) RecordPollAttempt(ctx context.Context) {
	if m == nil {
		return
	}
	m.PollAttempts.Add(ctx, 1)
}

func (m *Metrics) RecordPollOutcome(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.PollOutcomes.Add(ctx, 1, attrs)
	m.PollDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) RecordQuery(ctx context.Context, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.QueryRequests.Add(ctx, 1, attrs)
	m.QueryDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordTransition counts a move into state and adjusts the active call gauge
// by delta (+1 on start, -1 when a call reaches a terminal state).
func (m *Metrics) RecordTransition(ctx context.Context, state string, delta int64) {
	if m == nil {
		return
	}
	m.CallTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	if delta != 0 {
		m.ActiveCalls.Add(ctx, delta)
	}
}
