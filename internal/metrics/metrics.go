// Package metrics exposes pipeline counters to Prometheus.
//
// All methods are safe on a nil *Metrics, so components can take an optional
// collector without branching.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "postpipe"

type Metrics struct {
	reg *prometheus.Registry

	jobs        *prometheus.CounterVec
	retries     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	logins      *prometheus.CounterVec
	cascades    prometheus.Counter
	schedules   *prometheus.CounterVec
	janitor     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_jobs_total",
			Help:      "Stage executions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Stage attempts that were scheduled for retry.",
		}, []string{"stage"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of a single stage attempt.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		cascades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_cascades_total",
			Help:      "Accounts failed as a whole after a login precheck failure.",
		}),
		schedules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedules_finished_total",
			Help:      "Schedules that reached a terminal status.",
		}, []string{"status"}),
		janitor: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_runs_total",
			Help:      "Maintenance task runs by task and result.",
		}, []string{"task", "result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobs, m.retries, m.jobDuration, m.logins, m.cascades, m.schedules, m.janitor,
	)
	return m
}

// Gauge registers a gauge evaluated at scrape time.
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

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) StageDone(stage, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(stage, outcome).Inc()
	m.jobDuration.WithLabelValues(stage).Observe(took.Seconds())
}

func (m *Metrics) StageRetry(stage string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stage).Inc()
}

func (m *Metrics) LoginAttempt(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) Cascade() {
	if m == nil {
		return
	}
	m.cascades.Inc()
}

func (m *Metrics) ScheduleFinished(status string) {
	if m == nil {
		return
	}
	m.schedules.WithLabelValues(status).Inc()
}

func (m *Metrics) JanitorRun(task, result string) {
	if m == nil {
		return
	}
	m.janitor.WithLabelValues(task, result).Inc()
}
