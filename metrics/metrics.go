// Package metrics exposes the delivery pipeline's observability surface
// using the OTel metric API. If no MeterProvider is configured the
// instruments are noops and every report becomes a pass-through.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for jobrelay metrics.
const meterName = "github.com/spryce/jobrelay"

// DeliveryMetrics instruments covering the delivery pipeline. All methods
// are safe on a nil receiver so components can run without metrics wired.
//
// Instruments:
//   - jobrelay.messages.received (Int64Counter): queue messages received
//   - jobrelay.messages.deduplicated (Int64Counter): redeliveries suppressed
//   - jobrelay.notifications.dispatched (Int64Counter): session pushes delivered
//   - jobrelay.notifications.buffered (Int64Counter): events routed to the offline buffer
//   - jobrelay.messages.dead_lettered (Int64Counter): messages moved to the dead-letter path
//   - jobrelay.sessions.live (Int64UpDownCounter): currently live sessions
type DeliveryMetrics struct {
	received     metric.Int64Counter
	deduplicated metric.Int64Counter
	dispatched   metric.Int64Counter
	buffered     metric.Int64Counter
	deadLettered metric.Int64Counter
	liveSessions metric.Int64UpDownCounter
}

// GetDeliveryMetrics define the delivery pipeline instruments against the
// global MeterProvider. On instrument definition error the OTel API returns
// noop instruments, so the errors are not fatal.
func GetDeliveryMetrics() *DeliveryMetrics {
	meter := otel.Meter(meterName)
	return GetDeliveryMetricsWithMeter(meter)
}

// GetDeliveryMetricsWithMeter define the instruments against a specific
// meter. This variant allows injecting a MeterProvider for testing.
func GetDeliveryMetricsWithMeter(meter metric.Meter) *DeliveryMetrics {
	received, _ := meter.Int64Counter(
		"jobrelay.messages.received",
		metric.WithDescription("Queue messages received by the consumer pool"),
		metric.WithUnit("{message}"),
	)
	deduplicated, _ := meter.Int64Counter(
		"jobrelay.messages.deduplicated",
		metric.WithDescription("Broker redeliveries suppressed by the deduplication store"),
		metric.WithUnit("{message}"),
	)
	dispatched, _ := meter.Int64Counter(
		"jobrelay.notifications.dispatched",
		metric.WithDescription("Notifications delivered to live sessions"),
		metric.WithUnit("{notification}"),
	)
	buffered, _ := meter.Int64Counter(
		"jobrelay.notifications.buffered",
		metric.WithDescription("Events routed to the offline buffer"),
		metric.WithUnit("{notification}"),
	)
	deadLettered, _ := meter.Int64Counter(
		"jobrelay.messages.dead_lettered",
		metric.WithDescription("Messages moved to the dead-letter path"),
		metric.WithUnit("{message}"),
	)
	liveSessions, _ := meter.Int64UpDownCounter(
		"jobrelay.sessions.live",
		metric.WithDescription("Currently live client sessions"),
		metric.WithUnit("{session}"),
	)
	return &DeliveryMetrics{
		received:     received,
		deduplicated: deduplicated,
		dispatched:   dispatched,
		buffered:     buffered,
		deadLettered: deadLettered,
		liveSessions: liveSessions,
	}
}

// Received record queue messages received
func (m *DeliveryMetrics) Received(ctxt context.Context, count int) {
	if m == nil {
		return
	}
	m.received.Add(ctxt, int64(count))
}

// Deduplicated record one suppressed redelivery
func (m *DeliveryMetrics) Deduplicated(ctxt context.Context) {
	if m == nil {
		return
	}
	m.deduplicated.Add(ctxt, 1)
}

// Dispatched record notifications delivered to sessions
func (m *DeliveryMetrics) Dispatched(ctxt context.Context, count int) {
	if m == nil {
		return
	}
	m.dispatched.Add(ctxt, int64(count))
}

// Buffered record one event routed to the offline buffer
func (m *DeliveryMetrics) Buffered(ctxt context.Context) {
	if m == nil {
		return
	}
	m.buffered.Add(ctxt, 1)
}

// DeadLettered record one message moved to the dead-letter path
func (m *DeliveryMetrics) DeadLettered(ctxt context.Context) {
	if m == nil {
		return
	}
	m.deadLettered.Add(ctxt, 1)
}

// SessionOpened record one session becoming live
func (m *DeliveryMetrics) SessionOpened(ctxt context.Context) {
	if m == nil {
		return
	}
	m.liveSessions.Add(ctxt, 1)
}

// SessionClosed record one session leaving
func (m *DeliveryMetrics) SessionClosed(ctxt context.Context) {
	if m == nil {
		return
	}
	m.liveSessions.Add(ctxt, -1)
}
