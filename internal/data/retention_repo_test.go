package data

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/inferbatch/internal/core"
)

func TestRetentionRepo_DeleteDeliveredBefore(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRetentionRepo(db, testRepoConfig())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_xact_lock($1, $2)")).
		WithArgs(advisoryLockRetentionMajor, advisoryLockRetentionDelivered).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM webhook_deliveries")).
		WithArgs(testNow.Add(-72*time.Hour), 500).
		WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectCommit()

	n, err := repo.DeleteDeliveredBefore(context.Background(), core.RetentionParams{MaxAge: 72 * time.Hour, BatchSize: 500})
	require.NoError(t, err)
	assert.EqualValues(t, 12, n)
}

func TestRetentionRepo_SkipsWhenAnotherReaperHoldsLock(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRetentionRepo(db, testRepoConfig())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("pg_try_advisory_xact_lock")).
		WithArgs(advisoryLockRetentionMajor, advisoryLockRetentionResults).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectCommit()

	n, err := repo.DeleteExportedResultsBefore(context.Background(), core.RetentionParams{MaxAge: time.Hour, BatchSize: 10})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetentionRepo_ValidatesParams(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewRetentionRepo(db, testRepoConfig())

	_, err := repo.DeleteDeliveredBefore(context.Background(), core.RetentionParams{MaxAge: time.Hour})
	require.ErrorContains(t, err, "batch size")
	_, err = repo.ListStaleValidating(context.Background(), core.RetentionParams{BatchSize: 5})
	require.ErrorContains(t, err, "max age")
}

func TestRetentionRepo_ListStaleValidating(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRetentionRepo(db, testRepoConfig())

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'validating' AND created_at < $1")).
		WithArgs(testNow.Add(-30*time.Minute), 25).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-a").AddRow("job-b"))

	ids, err := repo.ListStaleValidating(context.Background(), core.RetentionParams{MaxAge: 30 * time.Minute, BatchSize: 25})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a", "job-b"}, ids)
}

func TestAdvisoryLocker_RunsOnlyWhenLocked(t *testing.T) {
	db, mock := newMockDB(t)
	locker := &AdvisoryLocker{DB: db}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1, $2)")).
		WithArgs(advisoryLockNamedMajor, advisoryLockMinor("recovery")).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))

	called := false
	ok, err := locker.TryWithLock(context.Background(), "recovery", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, called)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1, $2)")).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1, $2)")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err = locker.TryWithLock(context.Background(), "recovery", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, called)
}

func TestAdvisoryLockMinorIsStable(t *testing.T) {
	assert.Equal(t, advisoryLockMinor("recovery"), advisoryLockMinor("recovery"))
	assert.NotEqual(t, advisoryLockMinor("recovery"), advisoryLockMinor("reaper"))
	assert.GreaterOrEqual(t, advisoryLockMinor("anything"), int32(0))
}
