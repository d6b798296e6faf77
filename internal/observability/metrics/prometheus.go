package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus holds the engine's Prometheus collectors on a dedicated registry.
type Prometheus struct {
	registry *prometheus.Registry

	jobTransitions   *prometheus.CounterVec
	chunks           *prometheus.CounterVec
	requests         *prometheus.CounterVec
	chunkDuration    *prometheus.HistogramVec
	webhookAttempts  *prometheus.CounterVec
	webhookDuration  *prometheus.HistogramVec
	deadLetters      prometheus.Counter
	sessionOps       *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	sessionReady     *prometheus.GaugeVec
	reaperDeleted    *prometheus.CounterVec
	recoveryOutcomes *prometheus.CounterVec
}

// NewPrometheus registers the engine collectors plus the Go and process collectors.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "inferbatch"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		jobTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_job_transitions_total",
			Help:      "Batch job status transitions",
		}, []string{"to", "result"}),
		chunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_chunks_total",
			Help:      "Chunks executed",
		}, []string{"model", "result"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_requests_total",
			Help:      "Requests committed, by outcome",
		}, []string{"model", "outcome"}),
		chunkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "executor_chunk_duration_seconds",
			Help:      "Chunk execution and commit latency",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"model"}),
		webhookAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_attempts_total",
			Help:      "Webhook delivery attempts",
		}, []string{"event", "result"}),
		webhookDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_attempt_duration_seconds",
			Help:      "Webhook attempt latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
		deadLetters: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_dead_letters_total",
			Help:      "Deliveries moved to the dead letter queue",
		}),
		sessionOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_operations_total",
			Help:      "Model load and unload operations",
		}, []string{"operation", "result"}),
		sessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_operation_duration_seconds",
			Help:      "Model load and unload latency",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"operation"}),
		sessionReady: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_ready",
			Help:      "1 when the slot has a model ready",
		}, []string{"slot"}),
		reaperDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_deleted_total",
			Help:      "Rows removed by the retention reaper",
		}, []string{"kind"}),
		recoveryOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_jobs_total",
			Help:      "Jobs reconciled at startup, by action",
		}, []string{"action"}),
	}
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
