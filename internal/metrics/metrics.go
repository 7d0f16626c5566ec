package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leadflow"

// Metrics exposes rule engine and scheduler activity to Prometheus.
// A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	ruleEvaluations *prometheus.CounterVec
	ruleDuration    *prometheus.HistogramVec
	leadsExcluded   prometheus.Counter
	actionsApplied  *prometheus.CounterVec
	taskExecutions  *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	tasksInFlight   prometheus.Gauge
}

// New registers the collectors on a fresh registry
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and serves them from gatherer
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Metrics, error) {
	m := &Metrics{
		gatherer: gatherer,
		ruleEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "evaluations_total",
			Help:      "Rule and rule set evaluations by kind and outcome.",
		}, []string{"kind", "matched"}),
		ruleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "evaluation_seconds",
			Help:      "Time spent evaluating one rule or rule set.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}, []string{"kind"}),
		leadsExcluded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "leads_excluded_total",
			Help:      "Leads rejected by an exclude list.",
		}),
		actionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "actions_total",
			Help:      "Rule actions applied by type and result.",
		}, []string{"action", "result"}),
		taskExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "executions_total",
			Help:      "Finished schedule executions by task type and status.",
		}, []string{"task_type", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "execution_seconds",
			Help:      "Schedule execution duration.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"task_type"}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "executions_in_flight",
			Help:      "Executions currently running in this process.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.ruleEvaluations,
		m.ruleDuration,
		m.leadsExcluded,
		m.actionsApplied,
		m.taskExecutions,
		m.taskDuration,
		m.tasksInFlight,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registered metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RuleEvaluated records one rule or rule set evaluation
func (m *Metrics) RuleEvaluated(kind string, matched bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ruleEvaluations.WithLabelValues(kind, boolLabel(matched)).Inc()
	m.ruleDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// LeadExcluded records a lead rejected by an exclude list
func (m *Metrics) LeadExcluded() {
	if m == nil {
		return
	}
	m.leadsExcluded.Inc()
}

// ActionApplied records a rule action attempt
func (m *Metrics) ActionApplied(action string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.actionsApplied.WithLabelValues(action, result).Inc()
}

// ExecutionFinished records a finished schedule execution
func (m *Metrics) ExecutionFinished(taskType string, succeeded bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "completed"
	if !succeeded {
		status = "failed"
	}
	m.taskExecutions.WithLabelValues(taskType, status).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// InFlight sets the number of running executions
func (m *Metrics) InFlight(n int) {
	if m == nil {
		return
	}
	m.tasksInFlight.Set(float64(n))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
