package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the engine's fixed five-instrument set. Every emission carries
// the monitor name and type; step emissions additionally carry story_name.
type Metrics struct {
	runs           metric.Int64Counter
	duration       metric.Float64Histogram
	errors         metric.Int64Counter
	status         metric.Int64Gauge
	httpStatusCode metric.Int64Gauge
}

// Emission is one run's worth of metric updates.
type Emission struct {
	Name       string
	Type       string
	StoryName  string
	DurationMS float64
	OK         bool
	StatusCode int
}

// NewMetrics registers the five instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error
	m.runs, err = meter.Int64Counter(
		"runs",
		metric.WithDescription("Completed monitor runs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram(
		"duration",
		metric.WithDescription("Run duration from runner start to end"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.errors, err = meter.Int64Counter(
		"errors",
		metric.WithDescription("Runs that ended not-ok"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.status, err = meter.Int64Gauge(
		"status",
		metric.WithDescription("0 when the last run was ok, 1 otherwise"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.httpStatusCode, err = meter.Int64Gauge(
		"http_status_code",
		metric.WithDescription("Last HTTP status observed, 0 when the call failed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Emit updates all five instruments for one completed run.
func (m *Metrics) Emit(ctx context.Context, e Emission) {
	attrs := []attribute.KeyValue{
		attribute.String("name", e.Name),
		attribute.String("type", e.Type),
	}
	if e.StoryName != "" {
		attrs = append(attrs, attribute.String("story_name", e.StoryName))
	}
	set := metric.WithAttributes(attrs...)

	m.runs.Add(ctx, 1, set)
	m.duration.Record(ctx, e.DurationMS, set)
	if !e.OK {
		m.errors.Add(ctx, 1, set)
	}

	var status int64
	if !e.OK {
		status = 1
	}
	m.status.Record(ctx, status, set)
	m.httpStatusCode.Record(ctx, int64(e.StatusCode), set)
}
