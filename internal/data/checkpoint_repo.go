package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/data/pgxutil"
	"github.com/target/inferbatch/internal/domain/model"
)

// resultInsertBatch bounds rows per INSERT so a maximal chunk stays under the bind parameter limit.
const resultInsertBatch = 1000

// CheckpointRepo stores per-job resume cursors together with the results they cover.
type CheckpointRepo struct {
	DB  *sql.DB
	cfg RepoConfig
}

// NewCheckpointRepo creates a CheckpointRepo.
func NewCheckpointRepo(db *sql.DB, cfg RepoConfig) *CheckpointRepo {
	return &CheckpointRepo{DB: db, cfg: cfg.normalized("checkpoint_repo")}
}

// Get returns the last committed cursor for a job.
func (r *CheckpointRepo) Get(ctx context.Context, jobID string) (int, error) {
	var cp int
	err := r.DB.QueryRowContext(ctx, `SELECT checkpoint FROM batch_jobs WHERE id = $1`, jobID).Scan(&cp)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, model.ErrJobNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// CommitChunk appends a chunk's results and advances the checkpoint atomically. The job row is
// locked for the duration so the compare-and-set on FromCursor cannot interleave with another writer.
func (r *CheckpointRepo) CommitChunk(ctx context.Context, commit model.ChunkCommit) (int, error) {
	if len(commit.Results) == 0 {
		return commit.FromCursor, nil
	}
	for i, res := range commit.Results {
		if res.Index != commit.FromCursor+i {
			return 0, fmt.Errorf("result %d has index %d, expected %d", i, res.Index, commit.FromCursor+i)
		}
	}

	next := commit.ToCursor()
	completed, failed := commit.Counts()

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Opts: pgxutil.ReadCommitted,
		Fn: func(tx *sql.Tx) error {
			var (
				current, total int
				status         model.BatchJobStatus
			)
			err := tx.QueryRowContext(ctx,
				`SELECT checkpoint, total_requests, status FROM batch_jobs WHERE id = $1 FOR UPDATE`,
				commit.JobID,
			).Scan(&current, &total, &status)
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrJobNotFound
			}
			if err != nil {
				return fmt.Errorf("lock job for commit: %w", err)
			}
			if status != model.BatchJobStatusInProgress {
				return fmt.Errorf("%w: job is %s", model.ErrInvalidTransition, status)
			}
			if current != commit.FromCursor {
				return fmt.Errorf("%w: stored %d, commit from %d", model.ErrCheckpointConflict, current, commit.FromCursor)
			}
			if next > total {
				return fmt.Errorf("%w: commit to %d exceeds total %d", model.ErrCheckpointConflict, next, total)
			}

			for start := 0; start < len(commit.Results); start += resultInsertBatch {
				end := min(start+resultInsertBatch, len(commit.Results))
				if insErr := insertResults(ctx, tx, commit.JobID, commit.Results[start:end]); insErr != nil {
					return insErr
				}
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE batch_jobs
				SET checkpoint = $2,
				    completed_requests = completed_requests + $3,
				    failed_requests = failed_requests + $4,
				    updated_at = $5
				WHERE id = $1 AND checkpoint = $6`,
				commit.JobID, next, completed, failed, r.cfg.TimeProvider.Now(), commit.FromCursor)
			if err != nil {
				return fmt.Errorf("advance checkpoint: %w", err)
			}
			ok, err := pgxutil.RowsAffected(res)
			if err != nil {
				return err
			}
			if !ok {
				return model.ErrCheckpointConflict
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func insertResults(ctx context.Context, tx *sql.Tx, jobID string, results []model.RequestResult) error {
	const cols = 6
	var sb strings.Builder
	sb.WriteString(`INSERT INTO batch_request_results (batch_job_id, idx, custom_id, ok, response, error) VALUES `)
	args := make([]any, 0, len(results)*cols)
	for i, res := range results {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * cols
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d::jsonb, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, jobID, res.Index, res.CustomID, res.OK, nullableString(string(res.Response)), res.Error)
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert %d results: %w", len(results), err)
	}
	return nil
}

// Consistency reports the checkpoint alongside the committed result rows for verification.
func (r *CheckpointRepo) Consistency(ctx context.Context, jobID string) (model.ResultConsistency, error) {
	var c model.ResultConsistency
	err := r.DB.QueryRowContext(ctx, `
		SELECT j.checkpoint, j.total_requests, j.completed_requests, j.failed_requests,
		       COUNT(r.idx), COALESCE(MIN(r.idx), -1), COALESCE(MAX(r.idx), -1)
		FROM batch_jobs j
		LEFT JOIN batch_request_results r ON r.batch_job_id = j.id
		WHERE j.id = $1
		GROUP BY j.id`, jobID,
	).Scan(&c.Checkpoint, &c.Total, &c.Completed, &c.Failed, &c.ResultRows, &c.MinIndex, &c.MaxIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return c, model.ErrJobNotFound
	}
	if err != nil {
		return c, fmt.Errorf("load result consistency: %w", err)
	}
	return c, nil
}

// ListResults pages committed results in index order.
func (r *CheckpointRepo) ListResults(ctx context.Context, q model.ResultQuery) ([]model.RequestResult, error) {
	args := []any{q.JobID, q.AfterIndex}
	query := `SELECT batch_job_id, idx, custom_id, ok, response, error
		FROM batch_request_results
		WHERE batch_job_id = $1 AND idx > $2`
	if q.OK != nil {
		args = append(args, *q.OK)
		query += fmt.Sprintf(" AND ok = $%d", len(args))
	}
	query += ` ORDER BY idx ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.RequestResult
	for rows.Next() {
		var (
			res      model.RequestResult
			response []byte
		)
		if err := rows.Scan(&res.BatchJobID, &res.Index, &res.CustomID, &res.OK, &response, &res.Error); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if len(response) > 0 {
			res.Response = append([]byte(nil), response...)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

var (
	_ core.CheckpointStore = (*CheckpointRepo)(nil)
	_ core.ResultReader    = (*CheckpointRepo)(nil)
)
