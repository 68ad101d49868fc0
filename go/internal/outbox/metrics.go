package outbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "eshop.outbox.dispatcher"

// MetricsCollector defines the interface for collecting outbox metrics
type MetricsCollector interface {
	RecordEventProcessed(eventType string, success bool, duration time.Duration)
	RecordBatchProcessed(count int, duration time.Duration)
	RecordOutboxLag(lag int)
	RecordPublishAttempt(eventType string, attempt int, success bool)
	RecordDeadLetter(eventType string)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordEventProcessed(string, bool, time.Duration) {}
func (n *NoOpMetricsCollector) RecordBatchProcessed(int, time.Duration)          {}
func (n *NoOpMetricsCollector) RecordOutboxLag(int)                              {}
func (n *NoOpMetricsCollector) RecordPublishAttempt(string, int, bool)           {}
func (n *NoOpMetricsCollector) RecordDeadLetter(string)                          {}

// DispatcherMetrics records dispatcher activity on OpenTelemetry instruments.
type DispatcherMetrics struct {
	events         metric.Int64Counter
	deadLettered   metric.Int64Counter
	batches        metric.Int64Counter
	publishLatency metric.Float64Histogram
	cycleLatency   metric.Float64Histogram
	attempts       metric.Int64Histogram
	pending        metric.Int64Gauge
}

// NewDispatcherMetrics creates the instruments on provider. A nil provider
// falls back to the global one.
func NewDispatcherMetrics(provider metric.MeterProvider) (*DispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	var (
		m   DispatcherMetrics
		err error
	)

	m.events, err = meter.Int64Counter(
		"outbox.events",
		metric.WithDescription("Publish outcomes per event type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.events counter: %w", err)
	}

	m.deadLettered, err = meter.Int64Counter(
		"outbox.events.dead_lettered",
		metric.WithDescription("Outbox rows removed from the pending set without being published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.events.dead_lettered counter: %w", err)
	}

	m.batches, err = meter.Int64Counter(
		"outbox.batches",
		metric.WithDescription("Dispatch cycles that claimed rows"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.batches counter: %w", err)
	}

	m.publishLatency, err = meter.Float64Histogram(
		"outbox.publish.latency",
		metric.WithDescription("Time taken by a single bus publish"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.publish.latency histogram: %w", err)
	}

	m.cycleLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	m.attempts, err = meter.Int64Histogram(
		"outbox.publish.attempt",
		metric.WithDescription("Attempt number of each publish"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.publish.attempt histogram: %w", err)
	}

	m.pending, err = meter.Int64Gauge(
		"outbox.queue.depth",
		metric.WithDescription("Rows waiting to be published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.queue.depth gauge: %w", err)
	}

	return &m, nil
}

func outcome(success bool) string {
	if success {
		return "published"
	}
	return "failed"
}

func (m *DispatcherMetrics) RecordEventProcessed(eventType string, success bool, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("outcome", outcome(success)),
	)
	m.events.Add(ctx, 1, attrs)
	m.publishLatency.Record(ctx, duration.Seconds(), attrs)
}

func (m *DispatcherMetrics) RecordBatchProcessed(count int, duration time.Duration) {
	ctx := context.Background()
	if count > 0 {
		m.batches.Add(ctx, 1)
	}
	m.cycleLatency.Record(ctx, duration.Seconds())
}

func (m *DispatcherMetrics) RecordOutboxLag(lag int) {
	m.pending.Record(context.Background(), int64(lag))
}

func (m *DispatcherMetrics) RecordPublishAttempt(eventType string, attempt int, success bool) {
	m.attempts.Record(context.Background(), int64(attempt), metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("outcome", outcome(success)),
	))
}

func (m *DispatcherMetrics) RecordDeadLetter(eventType string) {
	m.deadLettered.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// ObserveHealth exports the checker's verdict as gauges read on every collection.
func ObserveHealth(provider metric.MeterProvider, checker HealthChecker) (metric.Registration, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	healthy, err := meter.Int64ObservableGauge("outbox.healthy",
		metric.WithDescription("Whether the outbox dispatcher is healthy"))
	if err != nil {
		return nil, fmt.Errorf("create outbox.healthy gauge: %w", err)
	}
	running, err := meter.Int64ObservableGauge("outbox.dispatcher.running",
		metric.WithDescription("Whether the dispatcher loop is running"))
	if err != nil {
		return nil, fmt.Errorf("create outbox.dispatcher.running gauge: %w", err)
	}
	connected, err := meter.Int64ObservableGauge("outbox.bus.connected",
		metric.WithDescription("Whether the bus is connected"))
	if err != nil {
		return nil, fmt.Errorf("create outbox.bus.connected gauge: %w", err)
	}

	reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		status := checker.Check(ctx)
		o.ObserveInt64(healthy, boolToInt(status.Healthy))
		o.ObserveInt64(running, boolToInt(status.DispatcherAlive))
		o.ObserveInt64(connected, boolToInt(status.BusConnected))
		return nil
	}, healthy, running, connected)
	if err != nil {
		return nil, fmt.Errorf("register outbox health callback: %w", err)
	}
	return reg, nil
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
