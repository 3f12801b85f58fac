package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusMetrics struct {
	registry      prometheus.Registerer
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsPaused    prometheus.Counter
	agentSteps    prometheus.Histogram
	agentInFlight prometheus.Gauge
}

func InitPrometheusMetrics(namespace string, reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PrometheusMetrics{
		registry: reg,
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_jobs_total",
				Help:      "Total number of dispatched job executions",
			},
			[]string{"action", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_job_duration_seconds",
				Help:      "Duration of job executions",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"action"},
		),
		jobsPaused: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_jobs_paused_total",
				Help:      "Jobs paused by the failure circuit breaker",
			},
		),
		agentSteps: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_agent_run_steps",
				Help:      "Model invocations per background agent run",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 20},
			},
		),
		agentInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatch_agent_runs_in_flight",
				Help:      "Background agent runs currently executing",
			},
		),
	}

	reg.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.jobsPaused,
		m.agentSteps,
		m.agentInFlight,
	)

	return m
}

func (m *PrometheusMetrics) RecordJob(action string, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(action, outcome).Inc()
	m.jobDuration.WithLabelValues(action).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordPause() {
	if m == nil {
		return
	}
	m.jobsPaused.Inc()
}

func (m *PrometheusMetrics) RecordAgentRun(steps int) {
	if m == nil {
		return
	}
	m.agentSteps.Observe(float64(steps))
}

func (m *PrometheusMetrics) AgentRunStarted() {
	if m == nil {
		return
	}
	m.agentInFlight.Inc()
}

func (m *PrometheusMetrics) AgentRunFinished() {
	if m == nil {
		return
	}
	m.agentInFlight.Dec()
}
