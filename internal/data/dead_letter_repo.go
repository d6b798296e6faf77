package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/model"
)

// Dead letter entries are only mutated by retries and removed by explicit admin deletes.

// DeadLetterRepo administers the webhook dead letter queue.
type DeadLetterRepo struct {
	DB  *sql.DB
	cfg RepoConfig
}

// NewDeadLetterRepo creates a DeadLetterRepo.
func NewDeadLetterRepo(db *sql.DB, cfg RepoConfig) *DeadLetterRepo {
	return &DeadLetterRepo{DB: db, cfg: cfg.normalized("dead_letter_repo")}
}

const deadLetterColumns = `id, delivery_id, batch_job_id, url, event, error_message, attempts,
	created_at, retried_at, retry_success, retry_count`

const defaultDeadLetterLimit = 100

// List returns DLQ entries newest first.
func (r *DeadLetterRepo) List(ctx context.Context, f model.DeadLetterFilter) ([]*model.DeadLetterEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.BatchJobID != "" {
		args = append(args, f.BatchJobID)
		where = append(where, fmt.Sprintf("batch_job_id = $%d", len(args)))
	}
	if f.NeverRetried {
		where = append(where, "retried_at IS NULL")
	}

	query := `SELECT ` + deadLetterColumns + ` FROM webhook_dead_letters`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	args = append(args, limit, max(f.Offset, 0))
	query += fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.DeadLetterEntry
	for rows.Next() {
		e, scanErr := scanDeadLetter(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan dead letter: %w", scanErr)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// GetByID loads one DLQ entry.
func (r *DeadLetterRepo) GetByID(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM webhook_dead_letters WHERE id = $1`, id)
	e, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return e, nil
}

// RecordRetry stores the outcome of a manual or automatic retry. A failed retry replaces the error message.
func (r *DeadLetterRepo) RecordRetry(ctx context.Context, retry model.DeadLetterRetry) (*model.DeadLetterEntry, error) {
	at := retry.At
	if at.IsZero() {
		at = r.cfg.TimeProvider.Now()
	}
	row := r.DB.QueryRowContext(ctx, `
		UPDATE webhook_dead_letters
		SET retried_at = $2,
		    retry_success = $3,
		    retry_count = retry_count + 1,
		    error_message = CASE WHEN $3 THEN error_message ELSE COALESCE($4, error_message) END
		WHERE id = $1
		RETURNING `+deadLetterColumns,
		retry.ID, at, retry.Success, nullableString(retry.Err))
	e, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("record dead letter retry: %w", err)
	}
	return e, nil
}

// Delete removes a DLQ entry.
func (r *DeadLetterRepo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM webhook_dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrDeadLetterNotFound
	}
	return nil
}

func scanDeadLetter(scanner rowScanner) (*model.DeadLetterEntry, error) {
	e := &model.DeadLetterEntry{}
	var (
		retriedAt    sql.NullTime
		retrySuccess sql.NullBool
	)
	if err := scanner.Scan(
		&e.ID,
		&e.DeliveryID,
		&e.BatchJobID,
		&e.URL,
		&e.Event,
		&e.ErrorMessage,
		&e.Attempts,
		&e.CreatedAt,
		&retriedAt,
		&retrySuccess,
		&e.RetryCount,
	); err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.RetriedAt = cloneNullableTime(retriedAt)
	if retrySuccess.Valid {
		ok := retrySuccess.Bool
		e.RetrySuccess = &ok
	}
	return e, nil
}

var _ core.DeadLetterRepository = (*DeadLetterRepo)(nil)
