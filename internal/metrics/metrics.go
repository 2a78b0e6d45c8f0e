package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eventrules"

// Metrics holds the Prometheus collectors shared by the engine components.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	eventsProcessed    *prometheus.CounterVec
	ruleEvaluations    *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	actionsTotal       *prometheus.CounterVec
	taskAttempts       *prometheus.CounterVec
	cacheRebuilds      *prometheus.CounterVec
	scheduleFirings    prometheus.Counter
	queueDepth         prometheus.Gauge
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "events_processed_total",
			Help:      "Events processed by trigger source and terminal state",
		}, []string{"source", "state"}),

		ruleEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rule_evaluations_total",
			Help:      "Rule condition evaluations by result",
		}, []string{"result"}),

		evaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "event_duration_seconds",
			Help:      "Time spent processing one event end to end",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"source"}),

		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "actions_total",
			Help:      "Dispatched actions by type and status",
		}, []string{"action_type", "status"}),

		taskAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "task_attempts_total",
			Help:      "Asynchronous action attempts by outcome",
		}, []string{"action_type", "outcome"}),

		cacheRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "rebuilds_total",
			Help:      "Rule cache rebuilds by outcome",
		}, []string{"outcome"}),

		scheduleFirings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "firings_total",
			Help:      "Scheduled rules fired",
		}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the in-process queue",
		}),
	}

	m.registry.MustRegister(
		m.eventsProcessed,
		m.ruleEvaluations,
		m.evaluationDuration,
		m.actionsTotal,
		m.taskAttempts,
		m.cacheRebuilds,
		m.scheduleFirings,
		m.queueDepth,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
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

func (m *Metrics) EventProcessed(source, state string, took time.Duration) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(source, state).Inc()
	m.evaluationDuration.WithLabelValues(source).Observe(took.Seconds())
}

func (m *Metrics) RuleEvaluated(result string) {
	if m == nil {
		return
	}
	m.ruleEvaluations.WithLabelValues(result).Inc()
}

func (m *Metrics) ActionFinished(actionType, status string) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(actionType, status).Inc()
}

func (m *Metrics) TaskAttempt(actionType, outcome string) {
	if m == nil {
		return
	}
	m.taskAttempts.WithLabelValues(actionType, outcome).Inc()
}

func (m *Metrics) CacheRebuild(outcome string) {
	if m == nil {
		return
	}
	m.cacheRebuilds.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ScheduleFired() {
	if m == nil {
		return
	}
	m.scheduleFirings.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
