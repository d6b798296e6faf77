package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/inferbatch/config"
	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/model"
	"github.com/target/inferbatch/internal/testutil/memstore"
)

type sinkCall struct {
	name  string
	value int64
	tags  map[string]string
}

// recordingSink captures statsd counts.
type recordingSink struct {
	mu     sync.Mutex
	counts []sinkCall
	gauges []string
}

func (s *recordingSink) Count(name string, value int64, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = append(s.counts, sinkCall{name: name, value: value, tags: tags})
}

func (s *recordingSink) Gauge(name string, _ float64, _ map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges = append(s.gauges, name)
}

func (s *recordingSink) Timing(string, time.Duration, map[string]string) {}

func (s *recordingSink) find(name, operation string) (sinkCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.counts {
		if c.name == name && c.tags["operation"] == operation {
			return c, true
		}
	}
	return sinkCall{}, false
}

type failingRetention struct {
	*memstore.Retention
	err error
}

func (f failingRetention) DeleteDeliveredBefore(context.Context, core.RetentionParams) (int64, error) {
	return 0, f.err
}

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:         time.Minute,
		DeliveredMaxAge:  7 * 24 * time.Hour,
		ResultsMaxAge:    30 * 24 * time.Hour,
		ValidatingMaxAge: time.Hour,
		BatchSize:        2,
	}
}

func TestReaperService_RunOnce(t *testing.T) {
	clock := memstore.NewClock(testEpoch)
	h := newHarnessAt(t, clock.Now)
	ctx := context.Background()

	// A completed job with results, a delivered webhook and no export yet.
	done := h.submit(t, "m1", 5, 2, &model.WebhookConfig{URL: "https://hooks.example.com/x"})
	session, claimed := h.claim(t, "m1")
	completed, err := h.executor(t, session, nil).Run(ctx, claimed)
	require.NoError(t, err)
	require.True(t, completed)
	_, err = h.sched.MarkStatus(ctx, StatusChange{JobID: done.ID, To: model.BatchJobStatusCompleted})
	require.NoError(t, err)
	d, err := h.store.Deliveries().ReserveNext(ctx, time.Minute)
	require.NoError(t, err)
	_, err = h.store.Deliveries().MarkDelivered(ctx, d.ID)
	require.NoError(t, err)

	// A job whose input check never finished.
	stuck, err := h.store.Jobs().Create(ctx, &model.CreateBatchJobRequest{ModelID: "m1", InputRef: "slow", ChunkSize: 1})
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)

	exporter := &memstore.Exporter{}
	sink := &recordingSink{}
	reaper, err := NewReaperService(ReaperServiceOptions{
		Repo:      h.store.Retention(),
		Scheduler: h.sched,
		Exporter:  exporter,
		Jobs:      h.store.Jobs(),
		Config:    testReaperConfig(),
		Logger:    discardLogger(),
		Metrics:   sink,
	})
	require.NoError(t, err)

	require.NoError(t, reaper.RunOnce(ctx))

	failed := h.job(t, stuck.ID)
	assert.Equal(t, model.BatchJobStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureCode)
	assert.Equal(t, model.FailureCodeStuckValidating, *failed.FailureCode)

	assert.Equal(t, []string{done.ID}, exporter.Exported())
	exported := h.job(t, done.ID)
	require.NotNil(t, exported.OutputRef)
	assert.Zero(t, h.store.ResultCount(done.ID), "results pruned once exported")
	assert.Empty(t, h.store.AllDeliveries())

	// Deleting in batches of two still removes all five rows.
	rows, ok := sink.find("reaper.rows_processed", "delete_results")
	require.True(t, ok)
	assert.EqualValues(t, 5, rows.value)
	assert.Contains(t, sink.gauges, "reaper.last_success_epoch")

	// A second pass has nothing left to do.
	require.NoError(t, reaper.RunOnce(ctx))
	assert.Len(t, exporter.Exported(), 1)
}

func TestReaperService_KeepsRecentData(t *testing.T) {
	clock := memstore.NewClock(testEpoch)
	h := newHarnessAt(t, clock.Now)
	ctx := context.Background()

	job := h.submit(t, "m1", 2, 2, nil)
	session, claimed := h.claim(t, "m1")
	_, err := h.executor(t, session, nil).Run(ctx, claimed)
	require.NoError(t, err)
	_, err = h.sched.MarkStatus(ctx, StatusChange{JobID: job.ID, To: model.BatchJobStatusCompleted})
	require.NoError(t, err)

	clock.Advance(time.Hour)

	exporter := &memstore.Exporter{}
	reaper, err := NewReaperService(ReaperServiceOptions{
		Repo:      h.store.Retention(),
		Scheduler: h.sched,
		Exporter:  exporter,
		Jobs:      h.store.Jobs(),
		Config:    testReaperConfig(),
	})
	require.NoError(t, err)

	require.NoError(t, reaper.RunOnce(ctx))
	assert.Empty(t, exporter.Exported())
	assert.Equal(t, 2, h.store.ResultCount(job.ID))
}

func TestReaperService_StepErrorDoesNotStopOthers(t *testing.T) {
	clock := memstore.NewClock(testEpoch)
	h := newHarnessAt(t, clock.Now)
	ctx := context.Background()

	stuck, err := h.store.Jobs().Create(ctx, &model.CreateBatchJobRequest{ModelID: "m1", InputRef: "slow", ChunkSize: 1})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	sink := &recordingSink{}
	reaper, err := NewReaperService(ReaperServiceOptions{
		Repo:      failingRetention{Retention: h.store.Retention(), err: errors.New("connection reset")},
		Scheduler: h.sched,
		Config:    testReaperConfig(),
		Metrics:   sink,
	})
	require.NoError(t, err)

	err = reaper.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete delivered webhooks")
	assert.Equal(t, model.BatchJobStatusFailed, h.job(t, stuck.ID).Status)

	op, ok := sink.find("reaper.cleanup_operation", "delete_delivered")
	require.True(t, ok)
	assert.Equal(t, "error", op.tags["result"])
	assert.NotContains(t, sink.gauges, "reaper.last_success_epoch")
}

func TestNewReaperService_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := NewReaperService(ReaperServiceOptions{Scheduler: h.sched})
	require.Error(t, err)

	_, err = NewReaperService(ReaperServiceOptions{Repo: h.store.Retention()})
	require.Error(t, err)

	_, err = MustNewReaperService(ReaperServiceOptions{
		Repo:      h.store.Retention(),
		Scheduler: h.sched,
		Exporter:  &memstore.Exporter{},
	})
	require.Error(t, err)
}
