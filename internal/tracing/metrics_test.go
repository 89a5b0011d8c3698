package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
)

func TestMetricsCollectorRecordsBatchLifecycle(t *testing.T) {
	mp := metric.NewMeterProvider()
	mc, err := NewMetricsCollector(mp)
	require.NoError(t, err)

	ctx := context.Background()
	mc.RecordBatchCreated(ctx, "b-1", "decom-host", "scheduled")

	mc.activeBatchesMu.RLock()
	require.True(t, mc.activeBatches["b-1"])
	mc.activeBatchesMu.RUnlock()

	mc.RecordBatchTerminal(ctx, "b-1")

	mc.activeBatchesMu.RLock()
	require.False(t, mc.activeBatches["b-1"])
	mc.activeBatchesMu.RUnlock()
}

func TestMetricsCollectorRecordsTickAndLease(t *testing.T) {
	mp := metric.NewMeterProvider()
	mc, err := NewMetricsCollector(mp)
	require.NoError(t, err)

	mc.RecordTick(context.Background(), 25*time.Millisecond)
	mc.SetLeaseHeld(true)

	mc.leaseHeldMu.RLock()
	require.True(t, mc.leaseHeld)
	mc.leaseHeldMu.RUnlock()
}

func TestMetricsCollectorDispatchQueueDepthNeverGoesNegative(t *testing.T) {
	mp := metric.NewMeterProvider()
	mc, err := NewMetricsCollector(mp)
	require.NoError(t, err)

	mc.DecrementDispatchQueueDepth()

	mc.dispatchQueueDepthMu.RLock()
	require.Equal(t, int64(0), mc.dispatchQueueDepth)
	mc.dispatchQueueDepthMu.RUnlock()

	mc.IncrementDispatchQueueDepth()
	mc.IncrementDispatchQueueDepth()
	mc.DecrementDispatchQueueDepth()

	mc.dispatchQueueDepthMu.RLock()
	require.Equal(t, int64(1), mc.dispatchQueueDepth)
	mc.dispatchQueueDepthMu.RUnlock()
}
