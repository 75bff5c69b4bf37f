package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"stagehand/internal/config"
	"stagehand/internal/telemetry"
)

func TestInitDisabledReturnsNoop(t *testing.T) {
	p, err := telemetry.Init(context.Background(), config.Telemetry{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer)
	require.NotNil(t, p.Meter)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	_, err := telemetry.Init(context.Background(), config.Telemetry{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
}

func TestInitNoneExporter(t *testing.T) {
	p, err := telemetry.Init(context.Background(), config.Telemetry{Enabled: true, Exporter: "none"})
	require.NoError(t, err)
	_, span := p.Tracer.Start(context.Background(), "probe")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *telemetry.Metrics
	ctx := context.Background()
	m.StageDequeued(ctx, "script")
	m.LockStolen(ctx, "script")
	m.ActiveDelta(ctx, "claude-1", 1)
	m.OrphansReleased(ctx, 2)
}

func TestMetricsRecordCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := telemetry.NewMetrics(mp.Meter(telemetry.ScopeName))
	require.NoError(t, err)

	ctx := context.Background()
	m.StageDequeued(ctx, "script")
	m.StageDequeued(ctx, "video")
	m.BreakerTripped(ctx, "codex")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if sum, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[metric.Name] += dp.Value
				}
			}
		}
	}
	require.Equal(t, int64(2), totals["stagehand.queue.dequeued"])
	require.Equal(t, int64(1), totals["stagehand.pool.breaker_trips"])
}
