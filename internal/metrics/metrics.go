package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the escrow engine collectors.
	Registry = prometheus.NewRegistry()

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Order operations by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	transferLegs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "treasury",
			Name:      "transfers_total",
			Help:      "Treasury movements requested, by leg and outcome.",
		},
		[]string{"leg", "outcome"},
	)

	transferAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "treasury",
			Name:      "settled_amount_total",
			Help:      "Sum of settled amounts in minor units, by leg.",
		},
		[]string{"leg"},
	)

	treasuryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow",
			Subsystem: "treasury",
			Name:      "request_duration_seconds",
			Help:      "Duration of treasury requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"kind"},
	)

	reconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "reconciler",
			Name:      "intents_total",
			Help:      "Pending intents processed by the reconciliation sweep.",
		},
		[]string{"outcome"},
	)

	feePercentage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrow",
			Subsystem: "platform",
			Name:      "fee_percentage",
			Help:      "Current platform fee percentage.",
		},
	)

	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Audit events dropped because the queue was full or closed.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		transitions,
		transferLegs,
		transferAmount,
		treasuryDuration,
		reconciled,
		feePercentage,
		droppedEvents,
	)
}

// Handler exposes the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordTransition(action, outcome string) {
	transitions.WithLabelValues(action, outcome).Inc()
}

func RecordTransfer(leg, outcome string, amount int64) {
	transferLegs.WithLabelValues(leg, outcome).Inc()
	if outcome == "settled" && amount > 0 {
		transferAmount.WithLabelValues(leg).Add(float64(amount))
	}
}

func ObserveTreasury(kind string, seconds float64) {
	treasuryDuration.WithLabelValues(kind).Observe(seconds)
}

func RecordReconciled(outcome string) {
	reconciled.WithLabelValues(outcome).Inc()
}

func SetFeePercentage(pct int) {
	feePercentage.Set(float64(pct))
}

func RecordDroppedEvent() {
	droppedEvents.Inc()
}
