package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/data/pgxutil"
)

// Advisory lock namespace for retention operations. Each statement takes its own minor key so
// concurrent reapers skip work another instance is already doing.
const (
	advisoryLockRetentionMajor     = 2000
	advisoryLockRetentionDelivered = 1
	advisoryLockRetentionResults   = 2
)

// RetentionRepo prunes rows that no longer serve delivery or recovery.
type RetentionRepo struct {
	DB  *sql.DB
	cfg RepoConfig
}

// NewRetentionRepo creates a RetentionRepo.
func NewRetentionRepo(db *sql.DB, cfg RepoConfig) *RetentionRepo {
	return &RetentionRepo{DB: db, cfg: cfg.normalized("retention_repo")}
}

func validateRetention(p core.RetentionParams) error {
	if p.BatchSize <= 0 {
		return errors.New("batch size must be greater than zero")
	}
	if p.MaxAge <= 0 {
		return errors.New("max age must be greater than zero")
	}
	return nil
}

func (r *RetentionRepo) lockedExec(ctx context.Context, minor int, query string, args ...any) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockRetentionMajor, minor).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return err
			}
			if rowsAffected, err = res.RowsAffected(); err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			return nil
		},
	})
	return rowsAffected, err
}

// DeleteDeliveredBefore removes archived deliveries older than MaxAge. Dead letters live in their own
// table and are never touched here.
func (r *RetentionRepo) DeleteDeliveredBefore(ctx context.Context, p core.RetentionParams) (int64, error) {
	if err := validateRetention(p); err != nil {
		return 0, err
	}
	cutoff := r.cfg.TimeProvider.Now().Add(-p.MaxAge)
	n, err := r.lockedExec(ctx, advisoryLockRetentionDelivered, `
		DELETE FROM webhook_deliveries
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = 'delivered' AND delivered_at < $1
			ORDER BY delivered_at
			LIMIT $2
		)`, cutoff, p.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("delete delivered webhooks: %w", err)
	}
	return n, nil
}

// DeleteExportedResultsBefore removes result rows of terminal jobs that finished before MaxAge and
// whose results were already exported.
func (r *RetentionRepo) DeleteExportedResultsBefore(ctx context.Context, p core.RetentionParams) (int64, error) {
	if err := validateRetention(p); err != nil {
		return 0, err
	}
	cutoff := r.cfg.TimeProvider.Now().Add(-p.MaxAge)
	n, err := r.lockedExec(ctx, advisoryLockRetentionResults, `
		DELETE FROM batch_request_results
		USING (
			SELECT res.ctid
			FROM batch_request_results res
			JOIN batch_jobs j ON j.id = res.batch_job_id
			WHERE j.status IN ('completed', 'failed', 'cancelled')
			  AND j.completed_at < $1
			  AND (j.output_ref IS NOT NULL OR j.error_ref IS NOT NULL)
			LIMIT $2
		) sub
		WHERE batch_request_results.ctid = sub.ctid`, cutoff, p.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("delete exported results: %w", err)
	}
	return n, nil
}

// ListStaleValidating returns ids of jobs stuck in validating for longer than MaxAge.
func (r *RetentionRepo) ListStaleValidating(ctx context.Context, p core.RetentionParams) ([]string, error) {
	if err := validateRetention(p); err != nil {
		return nil, err
	}
	cutoff := r.cfg.TimeProvider.Now().Add(-p.MaxAge)
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id FROM batch_jobs
		WHERE status = 'validating' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, cutoff, p.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list stale validating jobs: %w", err)
	}
	return scanIDs(rows)
}

// ListUnexported returns ids of terminal jobs that finished before MaxAge, still hold result rows,
// and have no exported files. Completed jobs export on completion; this catches failed and
// cancelled jobs so their partial results survive pruning.
func (r *RetentionRepo) ListUnexported(ctx context.Context, p core.RetentionParams) ([]string, error) {
	if err := validateRetention(p); err != nil {
		return nil, err
	}
	cutoff := r.cfg.TimeProvider.Now().Add(-p.MaxAge)
	rows, err := r.DB.QueryContext(ctx, `
		SELECT j.id FROM batch_jobs j
		WHERE j.status IN ('completed', 'failed', 'cancelled')
		  AND j.completed_at < $1
		  AND j.output_ref IS NULL AND j.error_ref IS NULL
		  AND EXISTS (SELECT 1 FROM batch_request_results r WHERE r.batch_job_id = j.id)
		ORDER BY j.completed_at
		LIMIT $2`, cutoff, p.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list unexported jobs: %w", err)
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job ids: %w", err)
	}
	return ids, nil
}

var _ core.RetentionRepository = (*RetentionRepo)(nil)
