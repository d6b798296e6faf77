package data

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/model"
	"github.com/target/inferbatch/internal/testutil"
)

// TestPostgres_Integration_JobLifecycle drives one job from submission through a delivered webhook.
func TestPostgres_Integration_JobLifecycle(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	jobs := NewBatchJobRepo(db, RepoConfig{})
	checkpoints := NewCheckpointRepo(db, RepoConfig{})
	deliveries := NewWebhookDeliveryRepo(db, RepoConfig{})

	created, err := jobs.Create(ctx, &model.CreateBatchJobRequest{
		ModelID:   "model-a",
		InputRef:  "input.jsonl",
		ChunkSize: 2,
		Metadata:  map[string]string{"team": "search"},
		Webhook:   &model.WebhookConfig{URL: "https://hooks.example.com/done", MaxRetries: 3, Timeout: time.Second},
	})
	require.NoError(t, err)
	assert.Equal(t, model.BatchJobStatusValidating, created.Status)

	_, err = jobs.MarkQueued(ctx, created.ID, 3)
	require.NoError(t, err)

	claimed, err := jobs.ClaimNext(ctx, core.ClaimParams{PreferModelID: "model-a", Owner: "engine-a", Lease: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, created.ID, claimed.ID)
	assert.Equal(t, model.BatchJobStatusInProgress, claimed.Status)

	_, err = jobs.ClaimNext(ctx, core.ClaimParams{Owner: "engine-b", Lease: time.Minute})
	require.ErrorIs(t, err, model.ErrNoJobsAvailable)

	orphans, err := jobs.List(ctx, model.JobFilter{Orphaned: true})
	require.NoError(t, err)
	assert.Empty(t, orphans, "a live lease is not an orphan")
	moved, err := jobs.RequeueOrphan(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, moved)
	stolen, err := jobs.ExtendLease(ctx, created.ID, "engine-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, stolen)

	next, err := checkpoints.CommitChunk(ctx, model.ChunkCommit{
		JobID:      created.ID,
		FromCursor: 0,
		Results: []model.RequestResult{
			{Index: 0, CustomID: "a", OK: true, Response: json.RawMessage(`{"text":"hi"}`)},
			{Index: 1, CustomID: "b", Error: "bad input"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	_, err = checkpoints.CommitChunk(ctx, model.ChunkCommit{
		JobID:      created.ID,
		FromCursor: 0,
		Results:    []model.RequestResult{{Index: 0, CustomID: "a", OK: true}},
	})
	require.ErrorIs(t, err, model.ErrCheckpointConflict)

	_, err = checkpoints.CommitChunk(ctx, model.ChunkCommit{
		JobID:      created.ID,
		FromCursor: 2,
		Results:    []model.RequestResult{{Index: 2, CustomID: "c", OK: true, Response: json.RawMessage(`{}`)}},
	})
	require.NoError(t, err)

	consistency, err := checkpoints.Consistency(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, consistency.Checkpoint)
	assert.Equal(t, 3, consistency.ResultRows)
	assert.Equal(t, 2, consistency.Completed)
	assert.Equal(t, 1, consistency.Failed)

	done, err := jobs.Transition(ctx, core.TransitionParams{
		JobID:    created.ID,
		From:     []model.BatchJobStatus{model.BatchJobStatusInProgress},
		To:       model.BatchJobStatusCompleted,
		Delivery: &model.NewDelivery{URL: "https://hooks.example.com/done", Event: model.WebhookEventCompleted, MaxAttempts: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, model.BatchJobStatusCompleted, done.Status)

	_, err = jobs.Transition(ctx, core.TransitionParams{
		JobID: created.ID,
		From:  []model.BatchJobStatus{model.BatchJobStatusInProgress},
		To:    model.BatchJobStatusFailed,
	})
	require.Error(t, err, "a terminal job must not change status again")

	reserved, err := deliveries.ReserveNext(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, created.ID, reserved.BatchJobID)
	assert.Equal(t, model.WebhookEventCompleted, reserved.Event)

	_, err = deliveries.ReserveNext(ctx, time.Minute)
	require.ErrorIs(t, err, model.ErrNoDeliveriesAvailable, "a leased delivery is not handed out twice")

	ok, err := deliveries.MarkDelivered(ctx, reserved.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgres_Integration_AdvisoryLockExcludes(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	locker := &AdvisoryLocker{DB: db}

	var inner bool
	acquired, err := locker.TryWithLock(ctx, "inferbatch:test", func(ctx context.Context) error {
		var err error
		inner, err = locker.TryWithLock(ctx, "inferbatch:test", func(context.Context) error { return nil })
		return err
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.False(t, inner, "a second session must not take a held lock")
}

func TestRedisSlotLock_Integration(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	ctx := context.Background()
	lock := NewRedisSlotLock(client, "inferbatch:test")

	ok, err := lock.Acquire(ctx, "slot-0", "host-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.Acquire(ctx, "slot-0", "host-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Release(ctx, "slot-0", "host-a"))
	ok, err = lock.Acquire(ctx, "slot-0", "host-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
