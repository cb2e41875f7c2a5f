package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"oyamarket/core/events"
)

type eventMetrics struct {
	emitted   *prometheus.CounterVec
	transfers *prometheus.CounterVec
	mints     *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured ledger and escrow
// events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "oya",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of emitted events segmented by type.",
			}, []string{"type"}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "oya",
				Subsystem: "events",
				Name:      "transfers_total",
				Help:      "Count of ledger transfers segmented by asset.",
			}, []string{"asset"}),
			mints: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "oya",
				Subsystem: "events",
				Name:      "mints_total",
				Help:      "Count of ledger mints segmented by asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.transfers, eventRegistry.mints)
	})
	return eventRegistry
}

// RecordTransfer increments the transfer counter for the supplied asset ticker.
func (m *eventMetrics) RecordTransfer(asset string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(normalizeAsset(asset)).Inc()
}

func (m *eventMetrics) RecordMint(asset string) {
	if m == nil {
		return
	}
	m.mints.WithLabelValues(normalizeAsset(asset)).Inc()
}

// Record classifies an emitted event.
func (m *eventMetrics) Record(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.emitted.WithLabelValues(evt.EventType()).Inc()
	switch e := evt.(type) {
	case events.Transfer:
		m.RecordTransfer(e.Symbol)
	case events.Mint:
		m.RecordMint(e.Symbol)
	}
}

// MeteredEmitter counts every event before handing it to next.
func MeteredEmitter(next events.Emitter) events.Emitter {
	return meteredEmitter{next: next, metrics: Events()}
}

type meteredEmitter struct {
	next    events.Emitter
	metrics *eventMetrics
}

func (e meteredEmitter) Emit(evt events.Event) {
	e.metrics.Record(evt)
	if e.next != nil {
		e.next.Emit(evt)
	}
}

func normalizeAsset(asset string) string {
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}
