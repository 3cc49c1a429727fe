package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures workflow engine level counters and timings.
type Metrics interface {
	IncWorkflowStarted(kind string)
	IncWorkflowCompleted(kind, status string)
	IncStepRetried(step string)
	IncGateFailed(step string)
	IncStepSkipped(step string)
	ObserveGenerationDuration(step string, durationSeconds float64)
	ObserveWorkflowDuration(kind string, durationSeconds float64)
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncWorkflowStarted(string)                 {}
func (Noop) IncWorkflowCompleted(string, string)       {}
func (Noop) IncStepRetried(string)                     {}
func (Noop) IncGateFailed(string)                      {}
func (Noop) IncStepSkipped(string)                     {}
func (Noop) ObserveGenerationDuration(string, float64) {}
func (Noop) ObserveWorkflowDuration(string, float64)   {}

// NoopGateway implements GatewayMetrics without emitting anything.
type NoopGateway struct{}

func (NoopGateway) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	started      *prometheus.CounterVec
	completed    *prometheus.CounterVec
	retried      *prometheus.CounterVec
	gateFailed   *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	genDuration  *prometheus.HistogramVec
	wfDuration   *prometheus.HistogramVec
	httpDuration *prometheus.HistogramVec
	once         sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Workflow runs started by definition kind",
		}, []string{"kind"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_completed_total",
			Help:      "Workflow runs reaching a terminal status by kind and status",
		}, []string{"kind", "status"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Step retry attempts by step",
		}, []string{"step"}),
		gateFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_failures_total",
			Help:      "Quality gate rejections by step",
		}, []string{"step"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_skipped_total",
			Help:      "Steps skipped by explicit user action",
		}, []string{"step"}),
		genDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Latency of generation backend calls by step",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"step"}),
		wfDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "End-to-end workflow duration by kind",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"kind"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Gateway request latency by method, route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.started, p.completed, p.retried, p.gateFailed, p.skipped, p.genDuration, p.wfDuration, p.httpDuration)
	})
}

func (p *Prom) IncWorkflowStarted(kind string) {
	p.started.WithLabelValues(kind).Inc()
}

func (p *Prom) IncWorkflowCompleted(kind, status string) {
	p.completed.WithLabelValues(kind, status).Inc()
}

func (p *Prom) IncStepRetried(step string) {
	p.retried.WithLabelValues(step).Inc()
}

func (p *Prom) IncGateFailed(step string) {
	p.gateFailed.WithLabelValues(step).Inc()
}

func (p *Prom) IncStepSkipped(step string) {
	p.skipped.WithLabelValues(step).Inc()
}

func (p *Prom) ObserveGenerationDuration(step string, durationSeconds float64) {
	p.genDuration.WithLabelValues(step).Observe(durationSeconds)
}

func (p *Prom) ObserveWorkflowDuration(kind string, durationSeconds float64) {
	p.wfDuration.WithLabelValues(kind).Observe(durationSeconds)
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.httpDuration.WithLabelValues(method, route, status).Observe(durationSeconds)
}

// Handler exposes the default Prometheus registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
