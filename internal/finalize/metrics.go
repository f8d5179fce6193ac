package finalize

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records finalize outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	requests    *prometheus.CounterVec
	duration    prometheus.Histogram
	settlements *prometheus.CounterVec
}

// NewMetrics registers the finalize collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_finalize_requests_total",
			Help: "Finalize requests by outcome kind",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_finalize_duration_seconds",
			Help:    "Time spent handling a finalize request",
			Buckets: prometheus.DefBuckets,
		}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_stats_settlements_total",
			Help: "Ledger settlements by result (applied, replayed or mismatch)",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.settlements)
	}
	return m
}

func (m *Metrics) observe(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.duration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) settlement(applied bool) {
	if m == nil {
		return
	}
	if applied {
		m.settlements.WithLabelValues("applied").Inc()
		return
	}
	m.settlements.WithLabelValues("replayed").Inc()
}

func (m *Metrics) settlementMismatch() {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues("mismatch").Inc()
}
