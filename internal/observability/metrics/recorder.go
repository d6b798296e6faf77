package metrics

import (
	"github.com/target/inferbatch/internal/observability/statsd"
)

// Recorder feeds every engine event to both StatsD and Prometheus. Either side may be nil,
// and a nil *Recorder drops everything.
type Recorder struct {
	sink statsd.Sink
	prom *Prometheus
}

// NewRecorder creates a Recorder.
func NewRecorder(sink statsd.Sink, prom *Prometheus) *Recorder {
	return &Recorder{sink: sink, prom: prom}
}

// JobTransition records a batch job status change.
func (r *Recorder) JobTransition(in JobMetric) {
	if r == nil {
		return
	}
	EmitJobTransition(r.sink, in)
	if r.prom != nil {
		r.prom.jobTransitions.WithLabelValues(in.To, in.Result).Inc()
	}
}

// Chunk records one executed chunk.
func (r *Recorder) Chunk(in ChunkMetric) {
	if r == nil {
		return
	}
	EmitChunk(r.sink, in)
	if r.prom == nil {
		return
	}
	result := ResultSuccess
	if in.Err != nil {
		result = ResultError
	}
	r.prom.chunks.WithLabelValues(in.ModelID, result).Inc()
	if ok := in.Size - in.Failed; ok > 0 {
		r.prom.requests.WithLabelValues(in.ModelID, "ok").Add(float64(ok))
	}
	if in.Failed > 0 {
		r.prom.requests.WithLabelValues(in.ModelID, "failed").Add(float64(in.Failed))
	}
	if in.Duration > 0 {
		r.prom.chunkDuration.WithLabelValues(in.ModelID).Observe(in.Duration.Seconds())
	}
}

// WebhookAttempt records one delivery attempt.
func (r *Recorder) WebhookAttempt(in WebhookMetric) {
	if r == nil {
		return
	}
	EmitWebhookAttempt(r.sink, in)
	if r.prom == nil {
		return
	}
	r.prom.webhookAttempts.WithLabelValues(in.Event, in.Result).Inc()
	if in.Duration > 0 {
		r.prom.webhookDuration.WithLabelValues(in.Event).Observe(in.Duration.Seconds())
	}
}

// DeadLetter records a delivery entering the DLQ.
func (r *Recorder) DeadLetter(event string) {
	if r == nil {
		return
	}
	if r.sink != nil {
		r.sink.Count("webhook.dead_letter", 1, map[string]string{"event": event})
	}
	if r.prom != nil {
		r.prom.deadLetters.Inc()
	}
}

// SessionOperation records a model load or unload.
func (r *Recorder) SessionOperation(in SessionMetric) {
	if r == nil {
		return
	}
	EmitSessionOperation(r.sink, in)
	if r.prom == nil {
		return
	}
	r.prom.sessionOps.WithLabelValues(in.Operation, in.Result).Inc()
	if in.Duration > 0 {
		r.prom.sessionDuration.WithLabelValues(in.Operation).Observe(in.Duration.Seconds())
	}
}

// SessionReady sets the readiness gauge of a slot.
func (r *Recorder) SessionReady(slotID string, ready bool) {
	if r == nil {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	if r.sink != nil {
		r.sink.Gauge("session.ready", v, map[string]string{"slot_id": slotID})
	}
	if r.prom != nil {
		r.prom.sessionReady.WithLabelValues(slotID).Set(v)
	}
}

// ReaperDeleted records rows removed by a retention step.
func (r *Recorder) ReaperDeleted(kind string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	if r.sink != nil {
		r.sink.Count("reaper.deleted", n, map[string]string{"kind": kind})
	}
	if r.prom != nil {
		r.prom.reaperDeleted.WithLabelValues(kind).Add(float64(n))
	}
}

// RecoveryAction records one job reconciled at startup.
func (r *Recorder) RecoveryAction(action string, n int) {
	if r == nil || n <= 0 {
		return
	}
	if r.sink != nil {
		r.sink.Count("recovery.jobs", int64(n), map[string]string{"action": action})
	}
	if r.prom != nil {
		r.prom.recoveryOutcomes.WithLabelValues(action).Add(float64(n))
	}
}
