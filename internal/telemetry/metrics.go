package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the relay's metric instruments.
type Metrics struct {
	connections metric.Int64UpDownCounter
	presence    metric.Int64Counter
	sent        metric.Int64Counter
	receipts    metric.Int64Counter
	rejected    metric.Int64Counter
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(ServiceName))
}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *Metrics {
	m, _ := NewMetricsWithMeter(noop.NewMeterProvider().Meter(ServiceName))
	return m
}

// NewMetricsWithMeter creates instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.connections, err = meter.Int64UpDownCounter("relay_connections",
		metric.WithDescription("Live relay connections")); err != nil {
		return nil, err
	}
	if m.presence, err = meter.Int64Counter("relay_presence_transitions_total",
		metric.WithDescription("User online/offline transitions")); err != nil {
		return nil, err
	}
	if m.sent, err = meter.Int64Counter("relay_messages_sent_total",
		metric.WithDescription("Messages accepted by send_message")); err != nil {
		return nil, err
	}
	if m.receipts, err = meter.Int64Counter("relay_receipts_total",
		metric.WithDescription("Delivered and seen receipts relayed")); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("relay_rejected_events_total",
		metric.WithDescription("Inbound events that failed")); err != nil {
		return nil, err
	}
	return &m, nil
}

// ConnectionOpened records a registered connection.
func (m *Metrics) ConnectionOpened(ctx context.Context) {
	m.connections.Add(ctx, 1)
}

// ConnectionClosed records an unregistered connection.
func (m *Metrics) ConnectionClosed(ctx context.Context) {
	m.connections.Add(ctx, -1)
}

// PresenceTransition records an online or offline transition.
func (m *Metrics) PresenceTransition(ctx context.Context, kind string) {
	m.presence.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// MessageSent records an accepted message.
func (m *Metrics) MessageSent(ctx context.Context) {
	m.sent.Add(ctx, 1)
}

// ReceiptRelayed records a delivered or seen receipt.
func (m *Metrics) ReceiptRelayed(ctx context.Context, eventName string) {
	m.receipts.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventName)))
}

// EventRejected records a failed inbound event.
func (m *Metrics) EventRejected(ctx context.Context, eventName, code string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", eventName),
		attribute.String("code", code),
	))
}
