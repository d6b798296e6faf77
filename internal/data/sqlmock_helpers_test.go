package data

import (
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func testRepoConfig() RepoConfig {
	return RepoConfig{TimeProvider: NewFixedTimeProvider(testNow)}
}

type jobRowValues struct {
	id, status, modelID string
	total, done, failed int64
	checkpoint          int64
	webhook             []byte
}

func batchJobRows(rows ...jobRowValues) *sqlmock.Rows {
	out := sqlmock.NewRows(batchJobColumnList)
	for _, r := range rows {
		var hook driver.Value
		if r.webhook != nil {
			hook = r.webhook
		}
		out.AddRow(
			r.id, r.status, r.modelID, int64(100), "file:///in.jsonl",
			nil, nil,
			r.total, r.done, r.failed, r.checkpoint,
			[]byte(`{"team":"search"}`), hook,
			nil, nil,
			int64(0), nil, testNow, testNow, nil, testNow, testNow,
		)
	}
	return out
}
