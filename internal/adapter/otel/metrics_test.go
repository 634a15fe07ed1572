package otel_test

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	rtotel "github.com/roundtable-chat/roundtable/internal/adapter/otel"
	"github.com/roundtable-chat/roundtable/internal/config"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					out[m.Name] += dp.Value
				}
			}
		}
	}
	return out
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := rtotel.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	started := time.Now().Add(-time.Second)

	m.RoundStarted(ctx, "list", "none")
	m.RunQueued(ctx, "auto_response")
	m.RunQueued(ctx, "force_talk")
	m.RunClaimed(ctx, "auto_response")
	m.RunFinished(ctx, "auto_response", "succeeded", &started)
	m.RoundFinished(ctx, "round_complete")
	m.RunStale(ctx, 2)
	m.RaceLost(ctx)

	got := collect(t, reader)
	want := map[string]int64{
		"roundtable.rounds.started":     1,
		"roundtable.rounds.finished":    1,
		"roundtable.runs.queued":        2,
		"roundtable.runs.claimed":       1,
		"roundtable.runs.finished":      1,
		"roundtable.runs.stale":         2,
		"roundtable.runs.race_absorbed": 1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %d, want %d", name, got[name], v)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *rtotel.Metrics
	ctx := context.Background()
	m.RoundStarted(ctx, "natural", "none")
	m.RunFinished(ctx, "auto_response", "failed", nil)
	m.RunStale(ctx, 1)
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := rtotel.Setup(context.Background(), config.Telemetry{}, "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
