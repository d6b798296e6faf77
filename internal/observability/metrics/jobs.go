// Package metrics translates engine events into StatsD and Prometheus series.
package metrics

import (
	"maps"
	"strconv"
	"time"

	obserrors "github.com/target/inferbatch/internal/observability/errors"
	"github.com/target/inferbatch/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures a batch job status change.
type JobMetric struct {
	ModelID  string
	To       string
	Code     string
	Result   string
	Duration time.Duration
	Err      error
}

// ChunkMetric captures one executed chunk.
type ChunkMetric struct {
	ModelID   string
	Size      int
	Failed    int
	Duration  time.Duration
	Err       error
	Abandoned bool
}

// WebhookMetric captures one webhook delivery attempt.
type WebhookMetric struct {
	Event      string
	Attempt    int
	StatusCode int
	Result     string
	Duration   time.Duration
	Err        error
}

// SessionMetric captures a model load or unload.
type SessionMetric struct {
	SlotID    string
	ModelID   string
	Operation string
	Result    string
	Duration  time.Duration
	Err       error
}

func withErrorClass(tags map[string]string, result string, err error) map[string]string {
	if err != nil && result == ResultError {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	return tags
}

// EmitJobTransition emits batch job lifecycle metrics.
func EmitJobTransition(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}
	tags := withErrorClass(map[string]string{
		"model_id": in.ModelID,
		"to":       in.To,
		"result":   in.Result,
	}, in.Result, in.Err)
	if in.Code != "" {
		tags["failure_code"] = in.Code
	}

	sink.Count("batch_job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("batch_job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitChunk emits per-chunk throughput metrics.
func EmitChunk(sink statsd.Sink, in ChunkMetric) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if in.Err != nil {
		result = ResultError
	}
	tags := withErrorClass(map[string]string{"model_id": in.ModelID, "result": result}, result, in.Err)

	sink.Count("executor.chunk", 1, tags)
	if in.Size > 0 {
		sink.Count("executor.requests", int64(in.Size), CloneTags(tags))
	}
	if in.Failed > 0 {
		sink.Count("executor.requests_failed", int64(in.Failed), CloneTags(tags))
	}
	if in.Duration > 0 {
		sink.Timing("executor.chunk_duration", in.Duration, CloneTags(tags))
	}
}

// EmitWebhookAttempt emits delivery attempt metrics.
func EmitWebhookAttempt(sink statsd.Sink, in WebhookMetric) {
	if sink == nil {
		return
	}
	tags := withErrorClass(map[string]string{
		"event":   in.Event,
		"result":  in.Result,
		"attempt": strconv.Itoa(in.Attempt),
	}, in.Result, in.Err)
	if in.StatusCode > 0 {
		tags["status_code"] = strconv.Itoa(in.StatusCode)
	}

	sink.Count("webhook.attempt", 1, tags)
	if in.Duration > 0 {
		sink.Timing("webhook.attempt_duration", in.Duration, CloneTags(tags))
	}
}

// EmitSessionOperation emits model load/unload metrics.
func EmitSessionOperation(sink statsd.Sink, in SessionMetric) {
	if sink == nil {
		return
	}
	tags := withErrorClass(map[string]string{
		"slot_id":   in.SlotID,
		"model_id":  in.ModelID,
		"operation": in.Operation,
		"result":    in.Result,
	}, in.Result, in.Err)

	sink.Count("session.operation", 1, tags)
	if in.Duration > 0 {
		sink.Timing("session.operation_duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	maps.Copy(out, src)
	delete(out, "")
	return out
}
