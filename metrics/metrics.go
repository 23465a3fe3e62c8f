package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bridge"

var (
	// Settlement
	SettlementOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "outcomes_total",
		Help:      "Settlement attempts by direction and outcome",
	}, []string{"direction", "outcome"})

	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "process_duration_seconds",
		Help:      "Time spent processing one candidate event",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"direction"})

	PayoutAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "payout_attempts_total",
		Help:      "Payout calls by result class",
	}, []string{"call", "result"})

	SweptTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "swept_transactions_total",
		Help:      "Transactions forced from processing to failed by the stuck sweep",
	})

	// Listener
	ListenerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "listening",
		Help:      "1 while the listener is in the listening state",
	}, []string{"listener"})

	ListenerReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "reconnects_total",
		Help:      "Transitions into the reconnecting state",
	}, []string{"listener"})

	ListenerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "events_total",
		Help:      "Events received from the subscription",
	}, []string{"listener"})

	// Resilience
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state changes",
	}, []string{"call", "to"})

	// Reserve
	ReserveAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reserve",
		Name:      "available",
		Help:      "Last computed available reserve, in whole units",
	}, []string{"asset"})

	// Reconciler
	PollRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "polls_total",
		Help:      "Signature polls of the watched account",
	}, []string{"account", "result"})
)

func ResultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
