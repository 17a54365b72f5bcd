package purchase

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Initiations       *prometheus.CounterVec
	InitiationLatency *prometheus.HistogramVec
	Verdicts          *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	CreditFailures    prometheus.Counter
	AuditFailures     *prometheus.CounterVec
	PriceRefreshDur   prometheus.Histogram
	PriceRefreshErrs  prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Initiations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchase_initiations_total",
				Help: "Total purchase initiation attempts.",
			},
			[]string{"result"},
		),
		InitiationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "purchase_initiation_latency_seconds",
				Help:    "Purchase initiation latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		Verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_verdicts_total",
				Help: "Compliance verdicts by risk level and outcome.",
			},
			[]string{"risk_level", "passed"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchase_transitions_total",
				Help: "Purchase status transitions by target status.",
			},
			[]string{"to"},
		),
		CreditFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "purchase_credit_failures_total",
				Help: "Purchases that failed while crediting the ledger.",
			},
		),
		AuditFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchase_audit_failures_total",
				Help: "Compliance events that could not be recorded.",
			},
			[]string{"event_type"},
		),
		PriceRefreshDur: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crypto_price_refresh_duration_seconds",
				Help:    "Crypto price reload duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		PriceRefreshErrs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crypto_price_refresh_errors_total",
				Help: "Failed crypto price reloads.",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.Initiations,
			m.InitiationLatency,
			m.Verdicts,
			m.Transitions,
			m.CreditFailures,
			m.AuditFailures,
			m.PriceRefreshDur,
			m.PriceRefreshErrs,
		)
	}
	return m
}

func (m *Metrics) observeInitiation(result string, started time.Time) {
	if m == nil {
		return
	}
	m.Initiations.WithLabelValues(result).Inc()
	m.InitiationLatency.WithLabelValues(result).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeVerdict(level string, passed bool) {
	if m == nil {
		return
	}
	label := "false"
	if passed {
		label = "true"
	}
	m.Verdicts.WithLabelValues(level, label).Inc()
}

func (m *Metrics) observeTransition(to Status) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) observeCreditFailure() {
	if m == nil {
		return
	}
	m.CreditFailures.Inc()
}

func (m *Metrics) observeAuditFailure(eventType string) {
	if m == nil {
		return
	}
	m.AuditFailures.WithLabelValues(eventType).Inc()
}

// ObserveRefresh and IncRefreshError let the crypto price book report reloads.
func (m *Metrics) ObserveRefresh(d time.Duration) {
	if m == nil {
		return
	}
	m.PriceRefreshDur.Observe(d.Seconds())
}

func (m *Metrics) IncRefreshError() {
	if m == nil {
		return
	}
	m.PriceRefreshErrs.Inc()
}
