// Package metrics метрики движка сделок. Nil-значение *Metrics безопасно и ничего не пишет.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

type Metrics struct {
	escrowOps       *prometheus.CounterVec
	escrowDuration  *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	pendingOps      prometheus.Gauge
	escrowAmount    *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		escrowOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_operations_total",
			Help: "Escrow processor operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		escrowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_operation_duration_seconds",
			Help:    "Duration of escrow processor operations including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Order state machine transitions by name and result.",
		}, []string{"transition", "result"}),
		pendingOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_pending_operations",
			Help: "Escrow operations awaiting reconciliation.",
		}),
		escrowAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_amount_total",
			Help: "Money moved through escrow by kind and currency.",
		}, []string{"kind", "currency"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_events_publish_failures_total",
			Help: "Order events that could not be published.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.escrowOps, m.escrowDuration, m.transitions, m.pendingOps, m.escrowAmount, m.publishFailures)
	return m
}

func (m *Metrics) ObserveEscrowOperation(kind, outcome string, took time.Duration) {
	if m == nil || m.escrowOps == nil {
		return
	}
	m.escrowOps.WithLabelValues(normalize(kind), normalize(outcome)).Inc()
	m.escrowDuration.WithLabelValues(normalize(kind)).Observe(took.Seconds())
}

func (m *Metrics) AddEscrowAmount(kind, currency string, amount decimal.Decimal) {
	if m == nil || m.escrowAmount == nil {
		return
	}
	m.escrowAmount.WithLabelValues(normalize(kind), normalize(currency)).Add(amount.InexactFloat64())
}

func (m *Metrics) ObserveTransition(transition, result string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalize(transition), normalize(result)).Inc()
}

func (m *Metrics) SetPendingOperations(n int) {
	if m == nil || m.pendingOps == nil {
		return
	}
	m.pendingOps.Set(float64(n))
}

func (m *Metrics) IncPublishFailure(eventType string) {
	if m == nil || m.publishFailures == nil {
		return
	}
	m.publishFailures.WithLabelValues(normalize(eventType)).Inc()
}

func normalize(label string) string {
	if label == "" {
		return "unknown"
	}
	return label
}
