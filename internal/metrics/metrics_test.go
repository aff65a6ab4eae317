package metrics_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"governor/internal/metrics"
)

func TestRecorderCounts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec, err := metrics.New(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	rec.Decision(ctx, "queue", "supervised")
	rec.Decision(ctx, "queue", "supervised")
	rec.Decision(ctx, "execute", "autonomous")
	rec.Expired(ctx, 3)
	rec.Gate(ctx, "rate_limited")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(3), totals["governor.decisions.total"])
	assert.Equal(t, int64(3), totals["governor.approvals.expired.total"])
	assert.Equal(t, int64(1), totals["governor.soul.gated.total"])
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *metrics.Recorder
	rec.Decision(context.Background(), "queue", "x")
	rec.Expired(context.Background(), 1)
}
