package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the rules engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	passesTotal        *prometheus.CounterVec
	evaluationsTotal   *prometheus.CounterVec
	triggersTotal      *prometheus.CounterVec
	cooldownSkips      prometheus.Counter
	errorsTotal        *prometheus.CounterVec
	valueLookups       *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	activeRules        prometheus.Gauge
}

// NewMetrics creates and registers engine metrics; a nil registry returns nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		passesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multirubro",
			Subsystem: "rules",
			Name:      "passes_total",
			Help:      "Evaluation passes, one per reading",
		}, []string{"result"}),

		evaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multirubro",
			Subsystem: "rules",
			Name:      "evaluations_total",
			Help:      "Condition evaluations performed",
		}, []string{"result"}),

		triggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multirubro",
			Subsystem: "rules",
			Name:      "triggers_total",
			Help:      "Rules fired, by action type",
		}, []string{"action"}),

		cooldownSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "multirubro",
			Subsystem: "rules",
			Name:      "cooldown_skips_total",
			Help:      "Applicable rules skipped because they were cooling down",
		}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multirubro",
			Subsystem: "rules",
			Name:      "errors_total",
			Help:      "Rule processing errors",
		}, []string{"error_type"}),

		valueLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multirubro",
			Subsystem: "rules",
			Name:      "value_lookups_total",
			Help:      "Cross-device latest value lookups",
		}, []string{"outcome"}),

		evaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "multirubro",
			Subsystem: "rules",
			Name:      "pass_duration_seconds",
			Help:      "Time spent evaluating all rules for one reading",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),

		activeRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "multirubro",
			Subsystem: "rules",
			Name:      "active_rules",
			Help:      "Number of active rules loaded",
		}),
	}

	reg.MustRegister(
		m.passesTotal,
		m.evaluationsTotal,
		m.triggersTotal,
		m.cooldownSkips,
		m.errorsTotal,
		m.valueLookups,
		m.evaluationDuration,
		m.activeRules,
	)
	return m
}

func (m *Metrics) pass(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.passesTotal.WithLabelValues(result).Inc()
	m.evaluationDuration.Observe(d.Seconds())
}

func (m *Metrics) evaluation(matched bool) {
	if m == nil {
		return
	}
	result := "false"
	if matched {
		result = "true"
	}
	m.evaluationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) trigger(action string) {
	if m == nil {
		return
	}
	m.triggersTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) cooldown() {
	if m == nil {
		return
	}
	m.cooldownSkips.Inc()
}

func (m *Metrics) failure(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) lookup(outcome string) {
	if m == nil {
		return
	}
	m.valueLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setActiveRules(n int) {
	if m == nil {
		return
	}
	m.activeRules.Set(float64(n))
}
