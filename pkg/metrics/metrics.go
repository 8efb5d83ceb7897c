package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fulfillment carries the saga-level instruments. All methods are nil-safe so
// tests can run without a registry.
type Fulfillment struct {
	sagas        *prometheus.CounterVec
	sagaDuration *prometheus.HistogramVec
	reservations *prometheus.CounterVec
	sweepTotal   prometheus.Counter
}

func New() *Fulfillment {
	m := &Fulfillment{
		sagas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "sagas_total",
			Help:      "Completed order sagas by terminal outcome.",
		}, []string{"outcome"}),
		sagaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fulfillment",
			Name:      "saga_duration_seconds",
			Help:      "Wall time from submission to a terminal status.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"outcome"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "reservations_total",
			Help:      "Inventory reservation attempts by result.",
		}, []string{"result"}),
		sweepTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "swept_reservations_total",
			Help:      "Expired reservations reclaimed by the sweeper.",
		}),
	}
	prometheus.MustRegister(m.sagas, m.sagaDuration, m.reservations, m.sweepTotal)
	return m
}

func (m *Fulfillment) SagaFinished(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.sagas.WithLabelValues(outcome).Inc()
	m.sagaDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Fulfillment) ReservationResult(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

func (m *Fulfillment) SweptReservations(n int) {
	if m == nil {
		return
	}
	m.sweepTotal.Add(float64(n))
}

func Handler() http.Handler {
	return promhttp.Handler()
}
