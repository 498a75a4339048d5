package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	res := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, m.Name)
			for _, dp := range sum.DataPoints {
				engine, _ := dp.Attributes.Value(attribute.Key("engine"))
				assert.Equal(t, "test", engine.AsString())
				res[m.Name] += dp.Value
			}
		}
	}
	return res
}

func TestRecorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	rec, err := New(mp, "test")
	require.NoError(t, err)

	ctx := context.Background()
	rec.Accepted(ctx)
	rec.Accepted(ctx)
	rec.Closed(ctx)
	rec.Requests(ctx, 3)
	rec.ResponseBytes(ctx, 512)
	rec.AcceptError(ctx)

	got := collect(t, reader)
	totals, err := Totals(ctx, reader)
	require.NoError(t, err)
	assert.Equal(t, got, totals)

	assert.Equal(t, int64(2), got["connections.accepted"])
	assert.Equal(t, int64(1), got["connections.closed"])
	assert.Equal(t, int64(3), got["requests"])
	assert.Equal(t, int64(512), got["responses.bytes"])
	assert.Equal(t, int64(1), got["accept.errors"])
}

func TestRecorderGlobalProvider(t *testing.T) {
	rec, err := New(nil, "test")
	require.NoError(t, err)

	rec.Accepted(context.Background())
}
