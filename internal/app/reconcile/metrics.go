package reconcile

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// ReconcilerMetrics defines the metrics operations the reconciler records.
type ReconcilerMetrics interface {
	IncSweeps(ctx context.Context)
	IncSweepFailures(ctx context.Context)
	IncOrphansEvicted(ctx context.Context)
	ObserveSweepDuration(ctx context.Context, duration time.Duration)
}

// reconcilerMetrics implements ReconcilerMetrics on the otel meter API.
type reconcilerMetrics struct {
	sweeps         metric.Int64Counter
	sweepFailures  metric.Int64Counter
	orphansEvicted metric.Int64Counter
	sweepDuration  metric.Float64Histogram
}

var _ ReconcilerMetrics = (*reconcilerMetrics)(nil)

const namespace = "worker"

// NewReconcilerMetrics creates the reconciler metrics instance.
func NewReconcilerMetrics(mp metric.MeterProvider) (*reconcilerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(reconcilerMetrics)
	var err error

	if m.sweeps, err = meter.Int64Counter(
		"reconcile_sweeps_total",
		metric.WithDescription("Total number of reconciliation sweeps started"),
	); err != nil {
		return nil, err
	}

	if m.sweepFailures, err = meter.Int64Counter(
		"reconcile_sweep_failures_total",
		metric.WithDescription("Total number of reconciliation sweeps aborted by a store failure"),
	); err != nil {
		return nil, err
	}

	if m.orphansEvicted, err = meter.Int64Counter(
		"reconcile_orphans_evicted_total",
		metric.WithDescription("Total number of task ids evicted because their record vanished"),
	); err != nil {
		return nil, err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"reconcile_sweep_duration_seconds",
		metric.WithDescription("Time taken by each completed reconciliation sweep"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *reconcilerMetrics) IncSweeps(ctx context.Context)        { m.sweeps.Add(ctx, 1) }
func (m *reconcilerMetrics) IncSweepFailures(ctx context.Context) { m.sweepFailures.Add(ctx, 1) }
func (m *reconcilerMetrics) IncOrphansEvicted(ctx context.Context) {
	m.orphansEvicted.Add(ctx, 1)
}

func (m *reconcilerMetrics) ObserveSweepDuration(ctx context.Context, duration time.Duration) {
	m.sweepDuration.Record(ctx, duration.Seconds())
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

var _ ReconcilerMetrics = NoopMetrics{}

func (NoopMetrics) IncSweeps(context.Context)                      {}
func (NoopMetrics) IncSweepFailures(context.Context)               {}
func (NoopMetrics) IncOrphansEvicted(context.Context)              {}
func (NoopMetrics) ObserveSweepDuration(context.Context, time.Duration) {
}
