package observability

import (
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"haggle/core/events"
	"haggle/core/types"
)

type eventMetrics struct {
	transitions   *prometheus.CounterVec
	settledVolume *prometheus.CounterVec
	fees          *prometheus.CounterVec
	refunds       *prometheus.CounterVec
	rounds        prometheus.Histogram
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking negotiation events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "haggle",
				Subsystem: "negotiation",
				Name:      "events_total",
				Help:      "Count of negotiation events segmented by type.",
			}, []string{"type"}),
			settledVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "haggle",
				Subsystem: "negotiation",
				Name:      "settled_volume_total",
				Help:      "Settled value in token minor units.",
			}, []string{"token"}),
			fees: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "haggle",
				Subsystem: "negotiation",
				Name:      "protocol_fees_total",
				Help:      "Protocol fees routed to the treasury in token minor units.",
			}, []string{"token"}),
			refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "haggle",
				Subsystem: "negotiation",
				Name:      "refunds_total",
				Help:      "Value returned to buyers segmented by cause.",
			}, []string{"cause"}),
			rounds: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "haggle",
				Subsystem: "negotiation",
				Name:      "rounds_to_settle",
				Help:      "Offer rounds completed before settlement.",
				Buckets:   prometheus.LinearBuckets(1, 1, 20),
			}),
		}
		prometheus.MustRegister(
			eventRegistry.transitions,
			eventRegistry.settledVolume,
			eventRegistry.fees,
			eventRegistry.refunds,
			eventRegistry.rounds,
		)
	})
	return eventRegistry
}

// Record updates the counters for a single negotiation event.
func (m *eventMetrics) Record(evt *types.Event) {
	if m == nil || evt == nil {
		return
	}
	m.transitions.WithLabelValues(evt.Type).Inc()
	token := strings.ToUpper(strings.TrimSpace(evt.Attributes["token"]))
	if token == "" {
		token = "UNKNOWN"
	}
	switch evt.Type {
	case "negotiation.settled":
		m.settledVolume.WithLabelValues(token).Add(parseAmount(evt.Attributes["settledAmount"]))
		m.fees.WithLabelValues(token).Add(parseAmount(evt.Attributes["protocolFee"]))
		m.refunds.WithLabelValues("settlement").Add(parseAmount(evt.Attributes["buyerRefund"]))
		m.rounds.Observe(parseAmount(evt.Attributes["totalRounds"]))
	case "negotiation.rejected":
		m.refunds.WithLabelValues("rejected").Add(parseAmount(evt.Attributes["refundAmount"]))
	case "negotiation.expired":
		m.refunds.WithLabelValues("expired").Add(parseAmount(evt.Attributes["refundAmount"]))
	}
}

func parseAmount(raw string) float64 {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return float64(value)
}

// MetricsEmitter feeds every emitted negotiation event into the Events
// registry.
type MetricsEmitter struct{}

// Emit implements events.Emitter.
func (MetricsEmitter) Emit(evt events.Event) {
	payload, ok := events.Unwrap(evt)
	if !ok {
		return
	}
	Events().Record(payload)
}

var _ events.Emitter = MetricsEmitter{}
