package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/model"
)

func (h *harness) recovery(t testingT) *RecoveryService {
	t.Helper()
	return h.recoveryFor(t, h.sched)
}

// peer returns a scheduler for a second engine process sharing the store.
func (h *harness) peer(t testingT) *SchedulerService {
	t.Helper()
	sched, err := NewSchedulerService(SchedulerServiceOptions{
		Jobs:   h.store.Jobs(),
		Source: h.source,
		Owner:  "peer",
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	return sched
}

func (h *harness) recoveryFor(t testingT, sched *SchedulerService) *RecoveryService {
	t.Helper()
	svc, err := NewRecoveryService(RecoveryServiceOptions{
		Jobs:        h.store.Jobs(),
		Checkpoints: h.store.Checkpoints(),
		Scheduler:   sched,
		Deliveries:  h.store.Deliveries(),
		Backends:    []core.InferenceBackend{h.backend},
		Locker:      h.store,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)
	return svc
}

func TestRecoveryService_RequeuesConsistentJobAtFront(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "m1", 30, 10, nil)
	session, job := h.claim(t, "m1")

	ctx, cancel := context.WithCancel(context.Background())
	h.backend.OnExecute = func(start int) {
		if start == 20 {
			cancel()
		}
	}
	_, err := h.executor(t, session, nil).Run(ctx, job)
	require.ErrorIs(t, err, context.Canceled)
	h.backend.OnExecute = nil

	// A job submitted later must not overtake the recovered one.
	later := h.submit(t, "m1", 5, 5, nil)
	h.store.ExpireLease(job.ID)

	report, err := h.recovery(t).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, report.Requeued)
	assert.Empty(t, report.Corrupt)
	assert.Equal(t, 1, report.BackendsUnloaded)
	assert.Empty(t, h.backend.Loaded())

	requeued := h.job(t, job.ID)
	assert.Equal(t, model.BatchJobStatusQueued, requeued.Status)
	assert.Equal(t, 20, requeued.Checkpoint)

	next, err := h.sched.NextFor(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, job.ID, next.ID)
	assert.NotEqual(t, later.ID, next.ID)
}

func TestRecoveryService_FailsCorruptCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "m1", 10, 5, &model.WebhookConfig{URL: "https://hooks.example.com/x"})
	_, job := h.claim(t, "m1")

	// Rows exist past the stored checkpoint: the commit that wrote them never advanced it.
	h.store.PutResults(job.ID,
		model.RequestResult{BatchJobID: job.ID, Index: 0, OK: true},
		model.RequestResult{BatchJobID: job.ID, Index: 1, OK: true},
	)
	h.store.ExpireLease(job.ID)

	report, err := h.recovery(t).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, report.Corrupt)
	assert.Empty(t, report.Requeued)

	failed := h.job(t, job.ID)
	assert.Equal(t, model.BatchJobStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureCode)
	assert.Equal(t, model.FailureCodeCheckpointCorrupt, *failed.FailureCode)
	assert.Contains(t, *failed.FailureReason, "checkpoint corrupt")

	deliveries := h.store.AllDeliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, model.WebhookEventFailed, deliveries[0].Event)
}

func TestRecoveryService_RevalidatesValidatingJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.Add("readable", 4)

	stuck, err := h.store.Jobs().Create(ctx, &model.CreateBatchJobRequest{ModelID: "m1", InputRef: "readable", ChunkSize: 2})
	require.NoError(t, err)
	broken, err := h.store.Jobs().Create(ctx, &model.CreateBatchJobRequest{ModelID: "m1", InputRef: "gone", ChunkSize: 2})
	require.NoError(t, err)

	report, err := h.recovery(t).Reconcile(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{stuck.ID, broken.ID}, report.Revalidated)

	queued := h.job(t, stuck.ID)
	assert.Equal(t, model.BatchJobStatusQueued, queued.Status)
	assert.Equal(t, 4, queued.RequestCounts.Total)

	failed := h.job(t, broken.ID)
	assert.Equal(t, model.BatchJobStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureCode)
	assert.Equal(t, model.FailureCodeInputInvalid, *failed.FailureCode)
}

func TestRecoveryService_RearmsOnlyLapsedDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for range 2 {
		job := h.submit(t, "m1", 1, 1, &model.WebhookConfig{URL: "https://hooks.example.com/x"})
		_, err := h.sched.Cancel(ctx, job.ID)
		require.NoError(t, err)
	}

	live, err := h.store.Deliveries().ReserveNext(ctx, defaultDeliveryLease)
	require.NoError(t, err)
	lapsed, err := h.store.Deliveries().ReserveNext(ctx, time.Nanosecond)
	require.NoError(t, err)
	require.NotEqual(t, live.ID, lapsed.ID)

	report, err := h.recovery(t).Reconcile(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.DeliveriesRearmed)

	again, err := h.store.Deliveries().ReserveNext(ctx, defaultDeliveryLease)
	require.NoError(t, err)
	assert.Equal(t, lapsed.ID, again.ID)
	_, err = h.store.Deliveries().ReserveNext(ctx, defaultDeliveryLease)
	require.ErrorIs(t, err, model.ErrNoDeliveriesAvailable)
}

func TestRecoveryService_LeavesLiveJobsToTheirOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, "m1", 3, 1, nil)
	_, job := h.claim(t, "m1")
	peer := h.peer(t)

	// A second process starting up must not take a job this one is still renewing.
	report, err := h.recoveryFor(t, peer).Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Requeued)
	assert.Empty(t, report.Corrupt)
	assert.Equal(t, model.BatchJobStatusInProgress, h.job(t, job.ID).Status)
	assert.Equal(t, h.sched.Owner(), h.store.LeaseOwner(job.ID))

	moved, err := peer.Requeue(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, moved, "only the owner may hand its job back")
	renewed, err := peer.RenewLease(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, renewed)

	renewed, err = h.sched.RenewLease(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, renewed)
}

func TestRecoveryService_ReclaimsLapsedLeaseFromDeadPeer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, "m1", 3, 1, nil)
	_, job := h.claim(t, "m1")
	h.store.ExpireLease(job.ID)
	peer := h.peer(t)

	report, err := h.recoveryFor(t, peer).ReclaimOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, report.Requeued)
	assert.Zero(t, h.backend.Unloads(), "a sweep leaves local backends alone")

	// The old owner finds out on its next renewal and must not settle the job.
	renewed, err := h.sched.RenewLease(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, renewed)

	claimed, err := peer.NextFor(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, peer.Owner(), h.store.LeaseOwner(job.ID))
}

func TestRecoveryService_SweepReclaimsOrphansUntilCancelled(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "m1", 3, 1, nil)
	_, job := h.claim(t, "m1")
	h.store.ExpireLease(job.ID)

	sweeper := h.recoveryFor(t, h.peer(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Sweep(ctx, time.Millisecond) }()

	require.Eventually(t, func() bool {
		return h.job(t, job.ID).Status == model.BatchJobStatusQueued
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Error(t, h.recovery(t).Sweep(context.Background(), 0))
}

func TestRecoveryService_SkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "m1", 3, 1, nil)
	_, job := h.claim(t, "m1")
	svc := h.recovery(t)

	var report RecoveryReport
	acquired, err := h.store.TryWithLock(context.Background(), RecoveryLockName, func(ctx context.Context) error {
		var runErr error
		report, runErr = svc.Reconcile(ctx)
		return runErr
	})
	require.NoError(t, err)
	require.True(t, acquired)

	assert.True(t, report.SkippedLockHeld)
	assert.Empty(t, report.Requeued)
	assert.Zero(t, h.backend.Unloads())
	assert.Equal(t, model.BatchJobStatusInProgress, h.job(t, job.ID).Status)
}
