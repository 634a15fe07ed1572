package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "roundtable"

// Metrics holds the scheduler's metric instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RoundsStarted  metric.Int64Counter
	RoundsFinished metric.Int64Counter
	RunsQueued     metric.Int64Counter
	RunsClaimed    metric.Int64Counter
	RunsFinished   metric.Int64Counter
	RunsStale      metric.Int64Counter
	RaceAbsorbed   metric.Int64Counter
	RunDuration    metric.Float64Histogram
}

// NewMetrics creates all instruments on mp, or on the global provider
// when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.RoundsStarted, "roundtable.rounds.started", "Rounds started"},
		{&m.RoundsFinished, "roundtable.rounds.finished", "Rounds finished, by ended reason"},
		{&m.RunsQueued, "roundtable.runs.queued", "Runs created in queued status"},
		{&m.RunsClaimed, "roundtable.runs.claimed", "Runs claimed by a worker"},
		{&m.RunsFinished, "roundtable.runs.finished", "Runs reaching a terminal status"},
		{&m.RunsStale, "roundtable.runs.stale", "Running runs detected without a recent heartbeat"},
		{&m.RaceAbsorbed, "roundtable.runs.race_absorbed", "Run inserts that lost a singleton race"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.RunDuration, err = meter.Float64Histogram("roundtable.run.duration_seconds",
		metric.WithDescription("Time from claim to terminal status"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RoundStarted records a new round.
func (m *Metrics) RoundStarted(ctx context.Context, replyOrder, autoKind string) {
	if m == nil {
		return
	}
	m.RoundsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reply_order", replyOrder),
		attribute.String("auto_kind", autoKind),
	))
}

// RoundFinished records a finished round.
func (m *Metrics) RoundFinished(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.RoundsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("ended_reason", reason)))
}

// RunQueued records a queued run.
func (m *Metrics) RunQueued(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.RunsQueued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RunClaimed records a claim.
func (m *Metrics) RunClaimed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.RunsClaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RunFinished records a terminal run and, when started is set, its duration.
func (m *Metrics) RunFinished(ctx context.Context, kind, status string, started *time.Time) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("status", status))
	m.RunsFinished.Add(ctx, 1, attrs)
	if started != nil {
		m.RunDuration.Record(ctx, time.Since(*started).Seconds(), attrs)
	}
}

// RunStale records stale runs found by a health check.
func (m *Metrics) RunStale(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RunsStale.Add(ctx, int64(n))
}

// RaceLost records a run insert rejected by a singleton constraint.
func (m *Metrics) RaceLost(ctx context.Context) {
	if m == nil {
		return
	}
	m.RaceAbsorbed.Add(ctx, 1)
}
