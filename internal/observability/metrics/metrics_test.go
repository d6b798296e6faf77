package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedMetric struct {
	kind  string
	name  string
	value float64
	tags  map[string]string
}

type recordingSink struct {
	mu      sync.Mutex
	metrics []recordedMetric
}

func (s *recordingSink) Count(name string, value int64, tags map[string]string) {
	s.add("count", name, float64(value), tags)
}

func (s *recordingSink) Gauge(name string, value float64, tags map[string]string) {
	s.add("gauge", name, value, tags)
}

func (s *recordingSink) Timing(name string, value time.Duration, tags map[string]string) {
	s.add("timing", name, float64(value.Milliseconds()), tags)
}

func (s *recordingSink) add(kind, name string, value float64, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, recordedMetric{kind: kind, name: name, value: value, tags: CloneTags(tags)})
}

func (s *recordingSink) find(name string) (recordedMetric, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.metrics {
		if m.name == name {
			return m, true
		}
	}
	return recordedMetric{}, false
}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

func TestEmitJobTransitionTagsErrorClass(t *testing.T) {
	sink := &recordingSink{}
	EmitJobTransition(sink, JobMetric{
		ModelID:  "llama-8b",
		To:       "failed",
		Code:     "infrastructure",
		Result:   ResultError,
		Duration: 2 * time.Second,
		Err:      boomErr{},
	})

	m, ok := sink.find("batch_job.transition")
	require.True(t, ok)
	assert.Equal(t, "failed", m.tags["to"])
	assert.Equal(t, "infrastructure", m.tags["failure_code"])
	assert.Equal(t, "metrics_boomerr", m.tags["error_class"])

	timing, ok := sink.find("batch_job.duration")
	require.True(t, ok)
	assert.InDelta(t, 2000, timing.value, 0.1)
}

func TestEmitChunkCountsRequests(t *testing.T) {
	sink := &recordingSink{}
	EmitChunk(sink, ChunkMetric{ModelID: "m", Size: 100, Failed: 3})

	reqs, ok := sink.find("executor.requests")
	require.True(t, ok)
	assert.InDelta(t, 100, reqs.value, 0)
	failed, ok := sink.find("executor.requests_failed")
	require.True(t, ok)
	assert.InDelta(t, 3, failed.value, 0)
	_, ok = sink.find("executor.chunk_duration")
	assert.False(t, ok)
}

func TestEmittersTolerateNilSink(t *testing.T) {
	assert.NotPanics(t, func() {
		EmitJobTransition(nil, JobMetric{})
		EmitChunk(nil, ChunkMetric{})
		EmitWebhookAttempt(nil, WebhookMetric{})
		EmitSessionOperation(nil, SessionMetric{})
		var r *Recorder
		r.JobTransition(JobMetric{})
		r.DeadLetter("completed")
		r.SessionReady("slot-0", true)
	})
}

func TestRecorderFeedsPrometheus(t *testing.T) {
	prom := NewPrometheus("test")
	sink := &recordingSink{}
	r := NewRecorder(sink, prom)

	r.Chunk(ChunkMetric{ModelID: "m", Size: 10, Failed: 2, Duration: time.Second})
	r.Chunk(ChunkMetric{ModelID: "m", Size: 5, Err: errors.New("x")})
	r.WebhookAttempt(WebhookMetric{Event: "completed", Result: ResultSuccess, Attempt: 1})
	r.DeadLetter("failed")
	r.SessionReady("slot-0", true)
	r.ReaperDeleted("delivered", 4)
	r.ReaperDeleted("results", 0)

	assert.InDelta(t, 1, testutil.ToFloat64(prom.chunks.WithLabelValues("m", ResultSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(prom.chunks.WithLabelValues("m", ResultError)), 0)
	assert.InDelta(t, 13, testutil.ToFloat64(prom.requests.WithLabelValues("m", "ok")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(prom.requests.WithLabelValues("m", "failed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(prom.deadLetters), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(prom.sessionReady.WithLabelValues("slot-0")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(prom.reaperDeleted.WithLabelValues("delivered")), 0)

	_, ok := sink.find("webhook.dead_letter")
	assert.True(t, ok)
}

func TestPrometheusHandlerServesRegistry(t *testing.T) {
	prom := NewPrometheus("")
	NewRecorder(nil, prom).DeadLetter("completed")

	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "inferbatch_webhook_dead_letters_total 1")
}

func TestCloneTagsDropsEmptyKeys(t *testing.T) {
	assert.Nil(t, CloneTags(nil))
	assert.Equal(t, map[string]string{"a": "1"}, CloneTags(map[string]string{"a": "1", "": "x"}))
}
