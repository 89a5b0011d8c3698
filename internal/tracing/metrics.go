package tracing

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector collects Prometheus-compatible metrics for the runbook
// engine: batches created, phases dispatched, step/init terminal outcomes,
// and scheduler tick health.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	batchesTotal   metric.Int64Counter
	phasesTotal    metric.Int64Counter
	stepsTotal     metric.Int64Counter
	initsTotal     metric.Int64Counter
	ticksTotal     metric.Int64Counter
	membersTotal   metric.Int64Counter

	// Histograms
	tickDuration metric.Float64Histogram
	stepDuration metric.Float64Histogram

	// Gauges (using observable gauges)
	activeBatches  map[string]bool
	activeBatchesMu sync.RWMutex
	leaseHeld      bool
	leaseHeldMu    sync.RWMutex
	dispatchQueueDepth   int64
	dispatchQueueDepthMu sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector using the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("runbook-engine")

	mc := &MetricsCollector{
		meter:         meter,
		activeBatches: make(map[string]bool),
	}

	var err error

	mc.batchesTotal, err = meter.Int64Counter(
		"runbook_batches_total",
		metric.WithDescription("Total number of batches created"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	mc.phasesTotal, err = meter.Int64Counter(
		"runbook_phases_dispatched_total",
		metric.WithDescription("Total number of phase executions dispatched"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepsTotal, err = meter.Int64Counter(
		"runbook_steps_total",
		metric.WithDescription("Total number of step executions reaching a terminal state"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	mc.initsTotal, err = meter.Int64Counter(
		"runbook_inits_total",
		metric.WithDescription("Total number of init executions reaching a terminal state"),
		metric.WithUnit("{init}"),
	)
	if err != nil {
		return nil, err
	}

	mc.ticksTotal, err = meter.Int64Counter(
		"runbook_scheduler_ticks_total",
		metric.WithDescription("Total number of scheduler ticks run by this instance"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, err
	}

	mc.membersTotal, err = meter.Int64Counter(
		"runbook_batch_members_total",
		metric.WithDescription("Total number of batch members added or removed"),
		metric.WithUnit("{member}"),
	)
	if err != nil {
		return nil, err
	}

	mc.tickDuration, err = meter.Float64Histogram(
		"runbook_scheduler_tick_duration_seconds",
		metric.WithDescription("Scheduler tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepDuration, err = meter.Float64Histogram(
		"runbook_step_duration_seconds",
		metric.WithDescription("Step execution duration in seconds, dispatch to terminal"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"runbook_active_batches",
		metric.WithDescription("Number of batches not yet in a terminal state"),
		metric.WithUnit("{batch}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeBatchesMu.RLock()
			count := len(mc.activeBatches)
			mc.activeBatchesMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"runbook_scheduler_lease_held",
		metric.WithDescription("1 if this instance currently holds the scheduler lease, else 0"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.leaseHeldMu.RLock()
			held := mc.leaseHeld
			mc.leaseHeldMu.RUnlock()
			if held {
				observer.Observe(1)
			} else {
				observer.Observe(0)
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"runbook_dispatch_queue_depth",
		metric.WithDescription("Number of dispatch messages published but not yet acknowledged"),
		metric.WithUnit("{message}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.dispatchQueueDepthMu.RLock()
			depth := mc.dispatchQueueDepth
			mc.dispatchQueueDepthMu.RUnlock()
			observer.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"runbook_goroutines",
		metric.WithDescription("Number of active goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"runbook_heap_bytes",
		metric.WithDescription("Current heap allocation in bytes"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			observer.Observe(int64(m.HeapAlloc))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordBatchCreated records the creation of a new batch.
func (mc *MetricsCollector) RecordBatchCreated(ctx context.Context, batchID, runbookName, trigger string) {
	mc.activeBatchesMu.Lock()
	mc.activeBatches[batchID] = true
	mc.activeBatchesMu.Unlock()

	mc.batchesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("runbook", runbookName),
		attribute.String("trigger", trigger),
	))
}

// RecordBatchTerminal records a batch reaching a terminal status.
func (mc *MetricsCollector) RecordBatchTerminal(ctx context.Context, batchID string) {
	mc.activeBatchesMu.Lock()
	delete(mc.activeBatches, batchID)
	mc.activeBatchesMu.Unlock()
}

// RecordPhaseDispatched records a phase execution being dispatched.
func (mc *MetricsCollector) RecordPhaseDispatched(ctx context.Context, runbookName, phaseName string) {
	mc.phasesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("runbook", runbookName),
		attribute.String("phase", phaseName),
	))
}

// RecordStepTerminal records a step execution reaching a terminal status.
func (mc *MetricsCollector) RecordStepTerminal(ctx context.Context, runbookName, phaseName, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("runbook", runbookName),
		attribute.String("phase", phaseName),
		attribute.String("status", status),
	}
	mc.stepsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordInitTerminal records an init execution reaching a terminal status.
func (mc *MetricsCollector) RecordInitTerminal(ctx context.Context, runbookName, status string) {
	mc.initsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("runbook", runbookName),
		attribute.String("status", status),
	))
}

// RecordMembersChanged records batch members being added or removed.
func (mc *MetricsCollector) RecordMembersChanged(ctx context.Context, batchID, change string, count int) {
	if count <= 0 {
		return
	}
	mc.membersTotal.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("change", change),
	))
}

// RecordTick records one completed scheduler tick.
func (mc *MetricsCollector) RecordTick(ctx context.Context, duration time.Duration) {
	mc.ticksTotal.Add(ctx, 1)
	mc.tickDuration.Record(ctx, duration.Seconds())
}

// SetLeaseHeld updates whether this instance currently holds the scheduler lease.
func (mc *MetricsCollector) SetLeaseHeld(held bool) {
	mc.leaseHeldMu.Lock()
	mc.leaseHeld = held
	mc.leaseHeldMu.Unlock()
}

// IncrementDispatchQueueDepth increments the pending dispatch message count.
func (mc *MetricsCollector) IncrementDispatchQueueDepth() {
	mc.dispatchQueueDepthMu.Lock()
	mc.dispatchQueueDepth++
	mc.dispatchQueueDepthMu.Unlock()
}

// DecrementDispatchQueueDepth decrements the pending dispatch message count.
func (mc *MetricsCollector) DecrementDispatchQueueDepth() {
	mc.dispatchQueueDepthMu.Lock()
	if mc.dispatchQueueDepth > 0 {
		mc.dispatchQueueDepth--
	}
	mc.dispatchQueueDepthMu.Unlock()
}
