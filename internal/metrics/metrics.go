package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"relayguard/internal/events"
)

const namespace = "relayguard"

// Metrics holds the guard's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	AdmissionsTotal  *prometheus.CounterVec // result=admitted|rejected, reason
	AdmissionLatency prometheus.Histogram
	CompletionsTotal *prometheus.CounterVec // result=success|failure
	FeesPaidTotal    prometheus.Counter
	EventsTotal      *prometheus.CounterVec // kind, reason

	reg prometheus.Registerer
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AdmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Admission decisions by result and reason",
			},
			[]string{"result", "reason"},
		),
		AdmissionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_latency_seconds",
			Help:      "Time spent deciding an admission",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		}),
		CompletionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completions_total",
				Help:      "Completed relays by outcome",
			},
			[]string{"result"},
		),
		FeesPaidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_paid_total",
			Help:      "Sum of confirmed sponsored fees",
		}),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Circuit transitions and treasury health changes",
			},
			[]string{"kind", "reason"},
		),
		reg: reg,
	}

	reg.MustRegister(
		m.AdmissionsTotal,
		m.AdmissionLatency,
		m.CompletionsTotal,
		m.FeesPaidTotal,
		m.EventsTotal,
	)
	return m
}

// ObserveAdmission counts one admission decision.
func (m *Metrics) ObserveAdmission(admitted bool, reason string, took time.Duration) {
	if m == nil {
		return
	}
	result := "rejected"
	if admitted {
		result = "admitted"
		reason = ""
	}
	m.AdmissionsTotal.WithLabelValues(result, reason).Inc()
	m.AdmissionLatency.Observe(took.Seconds())
}

// ObserveCompletion counts one finished relay.
func (m *Metrics) ObserveCompletion(success bool, fee float64) {
	if m == nil {
		return
	}
	if success {
		m.CompletionsTotal.WithLabelValues("success").Inc()
		if fee > 0 {
			m.FeesPaidTotal.Add(fee)
		}
		return
	}
	m.CompletionsTotal.WithLabelValues("failure").Inc()
}

// OnEvent counts guard events.
func (m *Metrics) OnEvent(e events.Event) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(string(e.Kind), e.Reason).Inc()
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

var _ events.Listener = (*Metrics)(nil)
