package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"riffstake/core/events"
)

// EventMetrics counts emitted ledger events and webhook delivery outcomes.
// It implements events.Emitter so it can sit in an events.Multi.
type EventMetrics struct {
	emitted    *prometheus.CounterVec
	deliveries *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

var _ events.Emitter = (*EventMetrics)(nil)

// Events returns the lazily registered event metrics.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &EventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "riffstake",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Ledger events emitted, segmented by type.",
			}, []string{"type"}),
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "riffstake",
				Subsystem: "events",
				Name:      "webhook_deliveries_total",
				Help:      "Webhook deliveries segmented by event type and outcome.",
			}, []string{"type", "outcome"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.deliveries)
	})
	return eventRegistry
}

func normaliseType(eventType string) string {
	eventType = strings.TrimSpace(strings.ToLower(eventType))
	if eventType == "" {
		return "unknown"
	}
	return eventType
}

// Emit counts evt by type.
func (m *EventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.emitted.WithLabelValues(normaliseType(evt.EventType())).Inc()
}

// RecordDelivery counts one finished webhook delivery. Outcome is
// "delivered", "failed" or "dropped".
func (m *EventMetrics) RecordDelivery(eventType, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.deliveries.WithLabelValues(normaliseType(eventType), outcome).Inc()
}
