// Package telemetry emits engine metrics through the OpenTelemetry metric
// API. Without a configured MeterProvider the instruments are noops, so the
// engine never pays for observability it hasn't asked for.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for engine metrics.
const meterName = "github.com/fframes/jobengine"

// Metrics bundles the engine's instruments. Instruments are created once at
// construction; the OTel API guarantees noop fallbacks on error, so creation
// failures degrade gracefully rather than propagate.
type Metrics struct {
	submitted     metric.Int64Counter
	dispatched    metric.Int64Counter
	completed     metric.Int64Counter
	timeouts      metric.Int64Counter
	resourceKills metric.Int64Counter
	active        metric.Int64UpDownCounter
	jobDuration   metric.Float64Histogram
	queueWait     metric.Float64Histogram
}

// New creates Metrics on the global MeterProvider.
func New() *Metrics {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates Metrics on the provided meter. This variant exists so
// tests can inject a manual reader.
func NewWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{}

	m.submitted, _ = meter.Int64Counter(
		"jobengine.jobs.submitted",
		metric.WithDescription("Jobs accepted by Submit"),
		metric.WithUnit("{job}"),
	)

	m.dispatched, _ = meter.Int64Counter(
		"jobengine.jobs.dispatched",
		metric.WithDescription("Jobs handed to the executor"),
		metric.WithUnit("{job}"),
	)

	m.completed, _ = meter.Int64Counter(
		"jobengine.jobs.completed",
		metric.WithDescription("Jobs reaching a terminal state"),
		metric.WithUnit("{job}"),
	)

	m.timeouts, _ = meter.Int64Counter(
		"jobengine.jobs.timeouts",
		metric.WithDescription("Jobs killed for exceeding their wall-clock timeout"),
		metric.WithUnit("{job}"),
	)

	m.resourceKills, _ = meter.Int64Counter(
		"jobengine.jobs.resource_kills",
		metric.WithDescription("Jobs killed for breaching the hard resource ceiling"),
		metric.WithUnit("{job}"),
	)

	m.active, _ = meter.Int64UpDownCounter(
		"jobengine.jobs.active",
		metric.WithDescription("Jobs currently running"),
		metric.WithUnit("{job}"),
	)

	m.jobDuration, _ = meter.Float64Histogram(
		"jobengine.job.duration",
		metric.WithDescription("Process run time from spawn to exit"),
		metric.WithUnit("s"),
	)

	m.queueWait, _ = meter.Float64Histogram(
		"jobengine.job.queue_wait",
		metric.WithDescription("Time between submission and dispatch"),
		metric.WithUnit("s"),
	)

	return m
}

// JobSubmitted records an accepted submission.
func (m *Metrics) JobSubmitted(ctx context.Context) {
	m.submitted.Add(ctx, 1)
}

// JobDispatched records a dispatch and the time the job spent queued.
func (m *Metrics) JobDispatched(ctx context.Context, queueWait time.Duration) {
	m.dispatched.Add(ctx, 1)
	m.active.Add(ctx, 1)
	m.queueWait.Record(ctx, queueWait.Seconds())
}

// JobCompleted records a terminal transition with the given status label and
// the process run time. Jobs cancelled before dispatch pass a zero duration.
func (m *Metrics) JobCompleted(ctx context.Context, status string, ran bool, duration time.Duration) {
	m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))

	if ran {
		m.active.Add(ctx, -1)
		m.jobDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("status", status)))
	}
}

// JobTimedOut counts a timeout kill.
func (m *Metrics) JobTimedOut(ctx context.Context) {
	m.timeouts.Add(ctx, 1)
}

// JobResourceKilled counts a hard-ceiling kill.
func (m *Metrics) JobResourceKilled(ctx context.Context) {
	m.resourceKills.Add(ctx, 1)
}
