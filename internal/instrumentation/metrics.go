package instrumentation

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/env360/env360/internal/domain"
)

// Metrics holds the orchestrator's Prometheus collectors. It satisfies the
// observer interfaces of the workflow engine and the cluster gateway.
type Metrics struct {
	registry *prometheus.Registry

	workflowsTotal *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	applyTotal     *prometheus.CounterVec
	pollDuration   *prometheus.HistogramVec
}

// NewMetrics builds the collectors on a fresh registry alongside the standard
// Go and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		workflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "env360_workflows_total",
			Help: "Workflow executions by workflow name and terminal status.",
		}, []string{"workflow", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "env360_step_duration_seconds",
			Help:    "Workflow step execution time by step name and outcome.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0},
		}, []string{"step", "status"}),
		applyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "env360_k8s_apply_total",
			Help: "Manifests applied to target clusters by kind and outcome.",
		}, []string{"kind", "status"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "env360_k8s_poll_duration_seconds",
			Help:    "Time spent waiting for applied resources to become ready.",
			Buckets: []float64{0.1, 0.5, 1.0, 5.0, 15.0, 30.0, 60.0, 120.0, 300.0},
		}, []string{"kind"}),
	}
	registry.MustRegister(m.workflowsTotal, m.stepDuration, m.applyTotal, m.pollDuration)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WorkflowFinished records one workflow reaching a terminal state.
func (m *Metrics) WorkflowFinished(name string, status domain.WorkflowState, elapsed time.Duration) {
	m.workflowsTotal.WithLabelValues(name, string(status)).Inc()
}

// StepFinished records one executed (non-memoized) workflow step.
func (m *Metrics) StepFinished(step string, elapsed time.Duration, err error) {
	m.stepDuration.WithLabelValues(step, outcome(err)).Observe(elapsed.Seconds())
}

// ApplyRecorded records one manifest apply against a target cluster.
func (m *Metrics) ApplyRecorded(kind string, err error) {
	m.applyTotal.WithLabelValues(kind, outcome(err)).Inc()
}

// PollRecorded records how long a readiness poll took.
func (m *Metrics) PollRecorded(kind string, elapsed time.Duration) {
	m.pollDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
