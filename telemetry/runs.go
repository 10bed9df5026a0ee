package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// RunMetrics counts finished pipeline runs and measures how long each
// one took, labelled by verdict.
type RunMetrics struct {
	runs     otelmetric.Int64Counter
	duration otelmetric.Int64Histogram
}

func (t *Telemetry) RunMetrics() *RunMetrics {
	const (
		metricNameRunsFinished  = "runs_finished"
		metricDescRunsFinished  = "Counts pipeline runs that reached a verdict."
		metricNameRunDurationMs = "run_duration_millis"
		metricUnitRunDurationMs = "ms"
		metricDescRunDurationMs = "Measures wall-clock duration of pipeline runs, in milliseconds."
	)

	runs, err := t.meter.Int64Counter(
		metricNameRunsFinished,
		otelmetric.WithDescription(metricDescRunsFinished),
	)
	if err != nil {
		panic(fmt.Sprintf("unable to create %s counter: %v", metricNameRunsFinished, err))
	}

	duration, err := t.meter.Int64Histogram(
		metricNameRunDurationMs,
		otelmetric.WithDescription(metricDescRunDurationMs),
		otelmetric.WithUnit(metricUnitRunDurationMs),
	)
	if err != nil {
		panic(fmt.Sprintf("unable to create %s histogram: %v", metricNameRunDurationMs, err))
	}

	return &RunMetrics{runs: runs, duration: duration}
}

func (m *RunMetrics) Observe(ctx context.Context, verdict string, elapsed time.Duration) {
	attrs := otelmetric.WithAttributes(attribute.String("verdict", verdict))
	m.runs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
}
