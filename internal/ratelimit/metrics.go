package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeGranted = "granted"
	outcomeDenied  = "denied"
	outcomeBypass  = "bypass"
)

// Metrics — счётчики решений контроллера и текущий расход окна.
// Nil-safe: без регистрации (в тестах) все методы — no-op.
type Metrics struct {
	decisions *prometheus.CounterVec
	consumed  *prometheus.GaugeVec
	queueLen  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "futures_bot",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Admission decisions by category and outcome.",
		}, []string{"category", "outcome"}),
		consumed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "futures_bot",
			Subsystem: "ratelimit",
			Name:      "window_consumed_weight",
			Help:      "Committed weight in the current rolling window.",
		}, []string{"category"}),
		queueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "futures_bot",
			Subsystem: "ratelimit",
			Name:      "waiters",
			Help:      "Callers currently blocked in WaitForSlot.",
		}),
	}
	reg.MustRegister(m.decisions, m.consumed, m.queueLen)

	return m
}

func (m *Metrics) observe(cat Category, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(cat), outcome).Inc()
}

func (m *Metrics) setConsumed(cat Category, weight int) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(string(cat)).Set(float64(weight))
}

func (m *Metrics) setWaiters(n int) {
	if m == nil {
		return
	}
	m.queueLen.Set(float64(n))
}
