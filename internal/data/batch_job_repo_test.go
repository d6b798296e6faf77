package data

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/model"
)

func TestBatchJobRepo_ClaimNextPrefersLoadedModel(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBatchJobRepo(db, testRepoConfig())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY (model_id = $1) DESC, queue_priority DESC, queued_at ASC")).
		WithArgs("llama-8b", testNow, "host-a:1", testNow.Add(2*time.Minute)).
		WillReturnRows(batchJobRows(jobRowValues{id: "job-1", status: "in_progress", modelID: "llama-8b", total: 250}))
	mock.ExpectCommit()

	j, err := repo.ClaimNext(context.Background(), core.ClaimParams{
		PreferModelID: "llama-8b", Owner: "host-a:1", Lease: 2 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, model.BatchJobStatusInProgress, j.Status)
	assert.Equal(t, 250, j.RequestCounts.Total)
	assert.Equal(t, map[string]string{"team": "search"}, j.Metadata)
	assert.Nil(t, j.Webhook)
}

func TestBatchJobRepo_ClaimNextEmptyQueue(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBatchJobRepo(db, testRepoConfig())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WillReturnRows(sqlmock.NewRows(batchJobColumnList))
	mock.ExpectRollback()

	_, err := repo.ClaimNext(context.Background(), core.ClaimParams{Owner: "host-a:1", Lease: time.Minute})
	require.ErrorIs(t, err, model.ErrNoJobsAvailable)
}

func TestBatchJobRepo_ClaimNextRequiresLease(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewBatchJobRepo(db, testRepoConfig())

	_, err := repo.ClaimNext(context.Background(), core.ClaimParams{PreferModelID: "m1", Lease: time.Minute})
	require.Error(t, err)
	_, err = repo.ClaimNext(context.Background(), core.ClaimParams{Owner: "host-a:1"})
	require.Error(t, err)
}

func TestBatchJobRepo_MarkQueuedNotifiesModelChannel(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBatchJobRepo(db, testRepoConfig())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'queued', total_requests = $2")).
		WithArgs("job-1", 10, testNow).
		WillReturnRows(batchJobRows(jobRowValues{id: "job-1", status: "queued", modelID: "m1", total: 10}))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify")).
		WithArgs("batch_job_queued", "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	j, err := repo.MarkQueued(context.Background(), "job-1", 10)
	require.NoError(t, err)
	assert.Equal(t, model.BatchJobStatusQueued, j.Status)
}

func TestBatchJobRepo_TransitionInsertsDeliveryInSameTx(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBatchJobRepo(db, testRepoConfig())

	hook := []byte(`{"url":"https://hooks.example.com/x","max_retries":3,"timeout":30000000000}`)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND status = ANY(string_to_array($7, ','))")).
		WithArgs("job-1", model.BatchJobStatusCompleted, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), testNow, "in_progress").
		WillReturnRows(batchJobRows(jobRowValues{
			id: "job-1", status: "completed", modelID: "m1", total: 2, done: 2, checkpoint: 2, webhook: hook,
		}))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO webhook_deliveries")).
		WithArgs(sqlmock.AnyArg(), "job-1", "https://hooks.example.com/x", model.WebhookEventCompleted, 3, testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("del-1"))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify")).
		WithArgs("webhook_delivery_pending", "del-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	j, err := repo.Transition(context.Background(), core.TransitionParams{
		JobID: "job-1",
		To:    model.BatchJobStatusCompleted,
		Delivery: &model.NewDelivery{
			URL: "https://hooks.example.com/x", Event: model.WebhookEventCompleted, MaxAttempts: 3,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, j.Webhook)
	assert.Equal(t, 3, j.Webhook.MaxRetries)
}

func TestBatchJobRepo_TransitionFromTerminalIsRejected(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBatchJobRepo(db, testRepoConfig())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE batch_jobs")).
		WillReturnRows(sqlmock.NewRows(batchJobColumnList))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM batch_jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	_, err := repo.Transition(context.Background(), core.TransitionParams{
		JobID: "job-1",
		To:    model.BatchJobStatusFailed,
		Code:  model.FailureCodeInfrastructure,
	})
	require.ErrorIs(t, err, model.ErrJobTerminal)
}

func TestBatchJobRepo_TransitionUnknownJob(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBatchJobRepo(db, testRepoConfig())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE batch_jobs")).
		WillReturnRows(sqlmock.NewRows(batchJobColumnList))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM batch_jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	_, err := repo.Transition(context.Background(), core.TransitionParams{JobID: "nope", To: model.BatchJobStatusCancelled})
	require.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestBatchJobRepo_RequeueOnlyMovesOwnersJob(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBatchJobRepo(db, testRepoConfig())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND status = 'in_progress' AND owner_id = $3")).
		WithArgs("job-1", testNow, "host-b:2").
		WillReturnRows(sqlmock.NewRows([]string{"model_id"}))
	mock.ExpectCommit()

	moved, err := repo.Requeue(context.Background(), "job-1", "host-b:2")
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestBatchJobRepo_RequeueOrphanRequiresLapsedLease(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBatchJobRepo(db, testRepoConfig())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("(lease_expires_at IS NULL OR lease_expires_at < $2)")).
		WithArgs("job-1", testNow).
		WillReturnRows(sqlmock.NewRows([]string{"model_id"}).AddRow("m1"))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify")).
		WithArgs("batch_job_queued", "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	moved, err := repo.RequeueOrphan(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, moved)
}

func TestBatchJobRepo_ExtendLeaseGuardsOwner(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBatchJobRepo(db, testRepoConfig())

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = 'in_progress' AND owner_id = $2")).
		WithArgs("job-1", "host-a:1", testNow.Add(time.Minute), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = 'in_progress' AND owner_id = $2")).
		WithArgs("job-1", "host-a:1", testNow.Add(time.Minute), testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.ExtendLease(context.Background(), "job-1", "host-a:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ExtendLease(context.Background(), "job-1", "host-a:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBatchJobRepo_ListOrphanedFiltersOnLease(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBatchJobRepo(db, testRepoConfig())

	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE status = $1 AND status = 'in_progress' AND (lease_expires_at IS NULL OR lease_expires_at < $2) ORDER BY")).
		WithArgs(model.BatchJobStatusInProgress, testNow).
		WillReturnRows(batchJobRows(jobRowValues{id: "a", status: "in_progress", modelID: "m1"}))

	jobs, err := repo.List(context.Background(), model.JobFilter{Status: model.BatchJobStatusInProgress, Orphaned: true})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestBatchJobRepo_GetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBatchJobRepo(db, testRepoConfig())

	mock.ExpectQuery(regexp.QuoteMeta("FROM batch_jobs WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(batchJobColumnList))

	_, err := repo.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestBatchJobRepo_ListBuildsFilters(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBatchJobRepo(db, testRepoConfig())

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND model_id = $2 ORDER BY created_at ASC, id ASC LIMIT $3")).
		WithArgs(model.BatchJobStatusInProgress, "m1", 5).
		WillReturnRows(batchJobRows(
			jobRowValues{id: "a", status: "in_progress", modelID: "m1"},
			jobRowValues{id: "b", status: "in_progress", modelID: "m1"},
		))

	jobs, err := repo.List(context.Background(), model.JobFilter{
		Status: model.BatchJobStatusInProgress, ModelID: "m1", Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[1].ID)
}

func TestBatchJobRepo_ListPropagatesErrors(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBatchJobRepo(db, testRepoConfig())

	mock.ExpectQuery(regexp.QuoteMeta("FROM batch_jobs")).WillReturnError(errors.New("conn reset"))

	_, err := repo.List(context.Background(), model.JobFilter{})
	require.ErrorContains(t, err, "conn reset")
}
