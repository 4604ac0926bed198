package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/embeddedsocial/pipeline/telemetry"
)

// Stats is a point in time view of a worker's counters.
type Stats struct {
	Received              int64
	Completed             int64
	Abandoned             int64
	Failed                int64
	ReceiveErrors         int64
	Active                int64
	AverageProcessingTime time.Duration
	IdleTime              time.Duration
}

type workerMetrics struct {
	active         atomic.Int64 // messages being processed right now
	lastActivity   atomic.Int64 // UnixNano
	processingTime atomic.Int64 // nanoseconds, summed
	processed      atomic.Int64
	received       atomic.Int64
	completed      atomic.Int64
	abandoned      atomic.Int64
	failed         atomic.Int64
	receiveErrors  atomic.Int64

	attrs            metric.MeasurementOption
	receivedCounter  metric.Int64Counter
	completedCounter metric.Int64Counter
	abandonCounter   metric.Int64Counter
	failedCounter    metric.Int64Counter
	receiveErrCount  metric.Int64Counter
}

func newWorkerMetrics(workerName, queueName string) *workerMetrics {
	return &workerMetrics{
		attrs: metric.WithAttributes(
			telemetry.AttrWorkerKey.String(workerName),
			telemetry.AttrQueueKey.String(queueName),
		),
		receivedCounter:  telemetry.DimensionlessMeasure(PackageName, "/received", "Messages received"),
		completedCounter: telemetry.DimensionlessMeasure(PackageName, "/completed", "Messages completed"),
		abandonCounter:   telemetry.DimensionlessMeasure(PackageName, "/abandoned", "Messages abandoned"),
		failedCounter:    telemetry.DimensionlessMeasure(PackageName, "/failed", "Messages whose processing failed"),
		receiveErrCount:  telemetry.DimensionlessMeasure(PackageName, "/receive_errors", "Failed receive calls"),
	}
}

func (m *workerMetrics) openMessage(ctx context.Context) time.Time {
	m.active.Add(1)
	m.received.Add(1)
	m.receivedCounter.Add(ctx, 1, m.attrs)
	return time.Now()
}

func (m *workerMetrics) closeMessage(ctx context.Context, startTime time.Time, processErr error, completed bool) {
	switch {
	case processErr != nil:
		m.failed.Add(1)
		m.failedCounter.Add(ctx, 1, m.attrs)
		m.abandoned.Add(1)
		m.abandonCounter.Add(ctx, 1, m.attrs)
	case completed:
		m.completed.Add(1)
		m.completedCounter.Add(ctx, 1, m.attrs)
	}

	m.processingTime.Add(time.Since(startTime).Nanoseconds())
	m.processed.Add(1)
	m.active.Add(-1)
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *workerMetrics) receiveFailed(ctx context.Context) {
	m.receiveErrors.Add(1)
	m.receiveErrCount.Add(ctx, 1, m.attrs)
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *workerMetrics) isIdle(state State) bool {
	return state == StateRunning && m.active.Load() <= 0
}

func (m *workerMetrics) idleTime(state State) time.Duration {
	if !m.isIdle(state) {
		return 0
	}

	lastActivity := m.lastActivity.Load()
	if lastActivity == 0 {
		return 0
	}

	return time.Since(time.Unix(0, lastActivity))
}

func (m *workerMetrics) averageProcessingTime() time.Duration {
	count := m.processed.Load()
	if count == 0 {
		return 0
	}

	return time.Duration(m.processingTime.Load() / count)
}

func (m *workerMetrics) snapshot(state State) Stats {
	return Stats{
		Received:              m.received.Load(),
		Completed:             m.completed.Load(),
		Abandoned:             m.abandoned.Load(),
		Failed:                m.failed.Load(),
		ReceiveErrors:         m.receiveErrors.Load(),
		Active:                m.active.Load(),
		AverageProcessingTime: m.averageProcessingTime(),
		IdleTime:              m.idleTime(state),
	}
}
