package cdncert

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "cdncert"

// Metrics records renewal outcomes. A nil *Metrics records nothing.
type Metrics struct {
	renewals     *prometheus.CounterVec
	expiry       *prometheus.GaugeVec
	passDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "renewals_total",
			Help:      "Renewal attempts per domain by result (skipped, renewed, failed).",
		}, []string{"domain", "result"}),
		expiry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "certificate_expiry_timestamp_seconds",
			Help:      "Expiry of the certificate held in the vault for a domain.",
		}, []string{"domain"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of a scheduler pass over all domains.",
			Buckets:   []float64{1, 10, 30, 60, 120, 300, 600, 1200},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.renewals, m.expiry, m.passDuration)
	}
	return m
}

func (m *Metrics) observeOutcome(domain string, outcome Outcome) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(domain, string(outcome)).Inc()
}

func (m *Metrics) observeExpiry(domain string, expiry time.Time) {
	if m == nil {
		return
	}
	m.expiry.WithLabelValues(domain).Set(float64(expiry.Unix()))
}

func (m *Metrics) observePass(d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(d.Seconds())
}
