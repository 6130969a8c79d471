package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Metrics implements gocredits.Metrics using Prometheus.
type Metrics struct {
	transitionsTotal           *prometheus.CounterVec
	creditsGrantedTotal        *prometheus.CounterVec
	debitsTotal                *prometheus.CounterVec
	debitAmount                prometheus.Histogram
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_transitions_total",
			Help:      "Total number of plan reconciliation attempts by outcome.",
		}, []string{"to", "kind", "reason"}),

		creditsGrantedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_granted_total",
			Help:      "Total credits granted by plan transitions.",
		}, []string{"to"}),

		debitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_debits_total",
			Help:      "Total number of credit debit attempts.",
		}, []string{"success"}),

		debitAmount: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_debit_amount",
			Help:      "Distribution of debited credit amounts.",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000},
		}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordTransition(_, to gocredits.Plan, kind gocredits.EventKind,
	reason gocredits.OutcomeReason, granted int) {
	m.transitionsTotal.WithLabelValues(string(to), string(kind), string(reason)).Inc()
	if granted > 0 {
		m.creditsGrantedTotal.WithLabelValues(string(to)).Add(float64(granted))
	}
}

func (m *Metrics) RecordDebit(amount int, success bool) {
	m.debitsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
	if success {
		m.debitAmount.Observe(float64(amount))
	}
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
