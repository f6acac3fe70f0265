// Package metrics exposes rebalancer counters on a dedicated prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rebalancer"

// Registry holds every collector the engine updates.
type Registry struct {
	reg *prometheus.Registry

	BatchesCreated   *prometheus.CounterVec
	BatchTransitions *prometheus.CounterVec
	OrdersSubmitted  *prometheus.CounterVec
	ValidationFailed *prometheus.CounterVec
	OrderLatency     prometheus.Histogram
	BreakerState     prometheus.Gauge
	MaxDrift         *prometheus.GaugeVec
	PositionsOffside *prometheus.GaugeVec
}

// New registers all collectors plus process and Go runtime metrics.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		BatchesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_created_total",
			Help:      "Order batches created, by allocation source and initial status.",
		}, []string{"source", "status"}),
		BatchTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_transitions_total",
			Help:      "Batch status transitions, by target status.",
		}, []string{"status"}),
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order outcomes, by action and result status.",
		}, []string{"action", "status"}),
		ValidationFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_violations_total",
			Help:      "Pre-submission validation violations, by code.",
		}, []string{"code"}),
		OrderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_submit_seconds",
			Help:      "Brokerage order submission latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "brokerage_breaker_state",
			Help:      "Order circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
		MaxDrift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_max_drift",
			Help:      "Largest absolute weight drift seen at the last rebalance.",
		}, []string{"account"}),
		PositionsOffside: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_positions_exceeding_threshold",
			Help:      "Positions whose drift exceeded the threshold at the last rebalance.",
		}, []string{"account"}),
	}

	r.reg.MustRegister(
		r.BatchesCreated,
		r.BatchTransitions,
		r.OrdersSubmitted,
		r.ValidationFailed,
		r.OrderLatency,
		r.BreakerState,
		r.MaxDrift,
		r.PositionsOffside,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
