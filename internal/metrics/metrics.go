// Package metrics exposes Prometheus collectors for the marketplace core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	escrowOps   *prometheus.CounterVec
	escrowCents *prometheus.CounterVec
	badges      *prometheus.CounterVec
	ratings     prometheus.Histogram
	publishErrs *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "valeconecta",
			Name:      "task_transitions_total",
			Help:      "Task status transitions committed, by edge.",
		}, []string{"from", "to"}),
		escrowOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "valeconecta",
			Name:      "escrow_operations_total",
			Help:      "Escrow hold/release/refund attempts by outcome.",
		}, []string{"op", "result"}),
		escrowCents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "valeconecta",
			Name:      "escrow_cents_total",
			Help:      "Money moved through escrow in centavos.",
		}, []string{"op"}),
		badges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "valeconecta",
			Name:      "badges_awarded_total",
			Help:      "Badges awarded to professionals.",
		}, []string{"badge"}),
		ratings: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "valeconecta",
			Name:      "rating_stars",
			Help:      "Distribution of submitted ratings.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		publishErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "valeconecta",
			Name:      "publish_errors_total",
			Help:      "Post-commit fan-out failures by sink.",
		}, []string{"sink"}),
	}
	reg.MustRegister(m.transitions, m.escrowOps, m.escrowCents, m.badges, m.ratings, m.publishErrs)
	reg.MustRegister(collectors.NewGoCollector())
	return m
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Escrow counts one coordinator call; amount is added only on success.
func (m *Metrics) Escrow(op string, amountCents int64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.escrowOps.WithLabelValues(op, result).Inc()
	if err == nil && amountCents > 0 {
		m.escrowCents.WithLabelValues(op).Add(float64(amountCents))
	}
}

func (m *Metrics) Badge(id string) {
	if m == nil {
		return
	}
	m.badges.WithLabelValues(id).Inc()
}

func (m *Metrics) Rating(stars int) {
	if m == nil {
		return
	}
	m.ratings.Observe(float64(stars))
}

func (m *Metrics) PublishError(sink string) {
	if m == nil {
		return
	}
	m.publishErrs.WithLabelValues(sink).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
