// Package observability provides Prometheus metrics for promotion runs.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
)

const namespace = "promoter"

// Metrics records run, cutover, gate and HTTP measurements on its own
// registry and implements ports.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	runs             *prometheus.CounterVec
	cutovers         *prometheus.CounterVec
	cutoverDuration  *prometheus.HistogramVec
	approvalsPending prometheus.Gauge
	healthChecks     *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	buildInfo        *prometheus.GaugeVec
}

var _ ports.Recorder = (*Metrics)(nil)

// NewMetrics creates and registers the promoter metrics.
func NewMetrics(version string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Promotion runs by terminal status.",
		}, []string{"status"}),
		cutovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cutovers_total",
			Help:      "Cutovers by target and outcome.",
		}, []string{"target", "outcome"}),
		cutoverDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cutover_duration_seconds",
			Help:      "Cutover duration in seconds.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"target"}),
		approvalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Runs suspended at an approval gate.",
		}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Health checks by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information.",
		}, []string{"version"}),
	}

	m.registry.MustRegister(
		m.runs, m.cutovers, m.cutoverDuration, m.approvalsPending, m.healthChecks,
		m.httpRequests, m.httpDuration, m.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.buildInfo.WithLabelValues(version).Set(1)
	return m
}

// RunFinished counts a finished run.
func (m *Metrics) RunFinished(status string) {
	m.runs.WithLabelValues(status).Inc()
}

// CutoverFinished counts a cutover and observes its duration.
func (m *Metrics) CutoverFinished(target, outcome string, d time.Duration) {
	m.cutovers.WithLabelValues(target, outcome).Inc()
	m.cutoverDuration.WithLabelValues(target).Observe(d.Seconds())
}

// ApprovalsPending sets the number of suspended runs.
func (m *Metrics) ApprovalsPending(n int) {
	m.approvalsPending.Set(float64(n))
}

// HealthCheck counts one health check result.
func (m *Metrics) HealthCheck(result string) {
	m.healthChecks.WithLabelValues(result).Inc()
}

// RecordHTTPRequest counts one served request. route is the matched route
// pattern, not the raw path.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
