package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/target/inferbatch/internal/domain/model"
	"github.com/target/inferbatch/internal/observability/notify"
	"github.com/target/inferbatch/internal/testutil/memstore"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// steppingClock advances one millisecond per reading so queue order is deterministic.
func steppingClock() func() time.Time {
	var ticks atomic.Int64
	return func() time.Time {
		return testEpoch.Add(time.Duration(ticks.Add(1)) * time.Millisecond)
	}
}

// testingT is satisfied by *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingNotifier captures outcomes handed to an OutcomeNotifier.
type recordingNotifier struct {
	outcomes []notify.JobOutcome
}

func (r *recordingNotifier) Notify(_ context.Context, o notify.JobOutcome) error {
	r.outcomes = append(r.outcomes, o)
	return nil
}

// recordingDispatcher counts Dispatch calls.
type recordingDispatcher struct {
	jobs []string
}

func (r *recordingDispatcher) Dispatch(_ context.Context, job *model.BatchJob) bool {
	r.jobs = append(r.jobs, job.ID)
	return true
}

type harness struct {
	store    *memstore.Store
	source   *memstore.Source
	backend  *memstore.Backend
	notifier *recordingNotifier
	dispatch *recordingDispatcher
	sched    *SchedulerService
	inputs   int
}

func newHarness(t testingT) *harness {
	t.Helper()
	return newHarnessAt(t, steppingClock())
}

// newHarnessAt builds a harness whose store reads time from now.
func newHarnessAt(t testingT, now func() time.Time) *harness {
	t.Helper()
	h := &harness{
		store:    memstore.New(now),
		source:   memstore.NewSource(),
		backend:  &memstore.Backend{},
		notifier: &recordingNotifier{},
		dispatch: &recordingDispatcher{},
	}
	sched, err := NewSchedulerService(SchedulerServiceOptions{
		Jobs:     h.store.Jobs(),
		Source:   h.source,
		Webhooks: h.dispatch,
		Notifier: h.notifier,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	h.sched = sched
	return h
}

// submit registers n requests and submits a job for modelID.
func (h *harness) submit(t testingT, modelID string, n, chunkSize int, hook *model.WebhookConfig) *model.BatchJob {
	t.Helper()
	h.inputs++
	ref := fmt.Sprintf("input-%s-%d", modelID, h.inputs)
	h.source.Add(ref, n)
	job, err := h.sched.Submit(context.Background(), &model.CreateBatchJobRequest{
		ModelID:   modelID,
		InputRef:  ref,
		ChunkSize: chunkSize,
		Webhook:   hook,
	})
	require.NoError(t, err)
	require.Equal(t, model.BatchJobStatusQueued, job.Status)
	return job
}

func (h *harness) session(t testingT, slot string) *SessionManager {
	t.Helper()
	m, err := NewSessionManager(SessionManagerOptions{SlotID: slot, Backend: h.backend, Logger: discardLogger()})
	require.NoError(t, err)
	return m
}

func (h *harness) executor(t testingT, session SessionView, exporter *memstore.Exporter) *Executor {
	t.Helper()
	opts := ExecutorOptions{
		Checkpoints: h.store.Checkpoints(),
		Jobs:        h.store.Jobs(),
		Source:      h.source,
		Backend:     h.backend,
		Session:     session,
		Logger:      discardLogger(),
	}
	if exporter != nil {
		opts.Exporter = exporter
	}
	e, err := NewExecutor(opts)
	require.NoError(t, err)
	return e
}

func (h *harness) job(t testingT, id string) *model.BatchJob {
	t.Helper()
	j, err := h.store.Jobs().GetByID(context.Background(), id)
	require.NoError(t, err)
	return j
}
