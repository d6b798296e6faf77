package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/data/pgxutil"
	"github.com/target/inferbatch/internal/domain/job"
	"github.com/target/inferbatch/internal/domain/model"
)

// WebhookDeliveryRepo persists webhook deliveries and finalizes exhausted ones into the DLQ.
type WebhookDeliveryRepo struct {
	DB  *sql.DB
	cfg RepoConfig
}

// NewWebhookDeliveryRepo creates a WebhookDeliveryRepo.
func NewWebhookDeliveryRepo(db *sql.DB, cfg RepoConfig) *WebhookDeliveryRepo {
	return &WebhookDeliveryRepo{DB: db, cfg: cfg.normalized("webhook_delivery_repo")}
}

var deliveryColumnList = []string{
	"id",
	"batch_job_id",
	"url",
	"event",
	"status",
	"attempt",
	"max_attempts",
	"last_error",
	"last_attempt_at",
	"next_attempt_at",
	"lease_expires_at",
	"delivered_at",
	"created_at",
	"updated_at",
}

var (
	deliveryColumns  = strings.Join(deliveryColumnList, ", ")
	deliveryColumnsD = prefixColumns("d", deliveryColumnList)
)

const reserveDeliverySQL = `
  WITH cte AS (
    SELECT id FROM webhook_deliveries
    WHERE status = 'pending'
      AND next_attempt_at <= $1
      AND (lease_expires_at IS NULL OR lease_expires_at < $1)
    ORDER BY next_attempt_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE webhook_deliveries d
  SET lease_expires_at = $2, updated_at = $1
  FROM cte
  WHERE d.id = cte.id
  RETURNING `

// GetByID loads a delivery.
func (r *WebhookDeliveryRepo) GetByID(ctx context.Context, id string) (*model.WebhookDelivery, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook delivery: %w", err)
	}
	return d, nil
}

// ListByJob returns every delivery recorded for a job.
func (r *WebhookDeliveryRepo) ListByJob(ctx context.Context, jobID string) ([]*model.WebhookDelivery, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE batch_job_id = $1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.WebhookDelivery
	for rows.Next() {
		d, scanErr := scanDelivery(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", scanErr)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook deliveries: %w", err)
	}
	return out, nil
}

// ReserveNext leases the oldest due pending delivery.
func (r *WebhookDeliveryRepo) ReserveNext(ctx context.Context, lease time.Duration) (*model.WebhookDelivery, error) {
	if lease <= 0 {
		return nil, errors.New("lease must be positive")
	}

	var out *model.WebhookDelivery
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Opts: pgxutil.ReadCommitted,
		Fn: func(tx *sql.Tx) error {
			now := r.cfg.TimeProvider.Now()
			row := tx.QueryRowContext(ctx, reserveDeliverySQL+deliveryColumnsD, now, now.Add(lease))
			d, err := scanDelivery(row)
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrNoDeliveriesAvailable
			}
			if err != nil {
				return fmt.Errorf("reserve webhook delivery: %w", err)
			}
			out = d
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimAttempt counts attempt as spent and extends the lease, guarded by a compare-and-set on the
// previous attempt count.
func (r *WebhookDeliveryRepo) ClaimAttempt(ctx context.Context, id string, attempt int, lease time.Duration) error {
	if attempt < 1 {
		return errors.New("attempt must be positive")
	}
	now := r.cfg.TimeProvider.Now()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET attempt = $2,
		    lease_expires_at = $4,
		    updated_at = $3
		WHERE id = $1 AND status = 'pending' AND attempt = $5`,
		id, attempt, now, now.Add(lease), attempt-1)
	if err != nil {
		return fmt.Errorf("claim webhook attempt: %w", err)
	}
	ok, err := pgxutil.RowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return model.ErrDeliveryClaimLost
	}
	return nil
}

// RecordAttempt persists the outcome of one attempt and extends the lease from the attempt time.
func (r *WebhookDeliveryRepo) RecordAttempt(ctx context.Context, a model.DeliveryAttempt, lease time.Duration) error {
	at := a.At
	if at.IsZero() {
		at = r.cfg.TimeProvider.Now()
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET attempt = GREATEST(attempt, $2),
		    last_error = $3,
		    last_attempt_at = $4,
		    lease_expires_at = $5,
		    updated_at = $4
		WHERE id = $1 AND status = 'pending'`,
		a.DeliveryID, a.Attempt, nullableString(a.Err), at, at.Add(lease))
	if err != nil {
		return fmt.Errorf("record webhook attempt: %w", err)
	}
	ok, err := pgxutil.RowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return model.ErrDeliveryNotFound
	}
	return nil
}

// MarkDelivered archives a pending delivery.
func (r *WebhookDeliveryRepo) MarkDelivered(ctx context.Context, id string) (bool, error) {
	now := r.cfg.TimeProvider.Now()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'delivered', delivered_at = $2, lease_expires_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'pending'`, id, now)
	if err != nil {
		return false, fmt.Errorf("mark webhook delivered: %w", err)
	}
	return pgxutil.RowsAffected(res)
}

// DeadLetter finalizes an exhausted delivery and inserts its DLQ entry in one transaction.
// Calling it again for an already dead-lettered delivery returns the existing entry.
func (r *WebhookDeliveryRepo) DeadLetter(ctx context.Context, id, errMsg string) (*model.DeadLetterEntry, error) {
	var out *model.DeadLetterEntry
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Opts: pgxutil.ReadCommitted,
		Fn: func(tx *sql.Tx) error {
			now := r.cfg.TimeProvider.Now()
			var (
				jobID, url string
				event      model.WebhookEvent
				attempts   int
			)
			err := tx.QueryRowContext(ctx, `
				UPDATE webhook_deliveries
				SET status = 'dead_lettered', last_error = $2, lease_expires_at = NULL, updated_at = $3
				WHERE id = $1 AND status = 'pending'
				RETURNING batch_job_id, url, event, attempt`, id, errMsg, now,
			).Scan(&jobID, &url, &event, &attempts)
			if errors.Is(err, sql.ErrNoRows) {
				entry, lookupErr := deadLetterByDelivery(ctx, tx, id)
				if lookupErr != nil {
					return lookupErr
				}
				out = entry
				return nil
			}
			if err != nil {
				return fmt.Errorf("finalize webhook delivery: %w", err)
			}

			row := tx.QueryRowContext(ctx, `
				INSERT INTO webhook_dead_letters (id, delivery_id, batch_job_id, url, event, error_message, attempts, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (delivery_id) DO NOTHING
				RETURNING `+deadLetterColumns,
				uuid.NewString(), id, jobID, url, event, errMsg, attempts, now)
			entry, err := scanDeadLetter(row)
			if errors.Is(err, sql.ErrNoRows) {
				entry, err = deadLetterByDelivery(ctx, tx, id)
			}
			if err != nil {
				return fmt.Errorf("insert dead letter: %w", err)
			}
			out = entry
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func deadLetterByDelivery(ctx context.Context, tx *sql.Tx, deliveryID string) (*model.DeadLetterEntry, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM webhook_dead_letters WHERE delivery_id = $1`, deliveryID)
	entry, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load dead letter: %w", err)
	}
	return entry, nil
}

// ReleaseLease returns a reserved delivery to the pool without counting an attempt.
func (r *WebhookDeliveryRepo) ReleaseLease(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET lease_expires_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'pending'`, id, r.cfg.TimeProvider.Now())
	if err != nil {
		return fmt.Errorf("release webhook lease: %w", err)
	}
	return nil
}

// RearmPending makes pending deliveries whose lease has lapsed due now. Deliveries a live worker
// still holds keep their lease and backoff.
func (r *WebhookDeliveryRepo) RearmPending(ctx context.Context) (int64, error) {
	var n int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			now := r.cfg.TimeProvider.Now()
			res, err := tx.ExecContext(ctx, `
				UPDATE webhook_deliveries
				SET lease_expires_at = NULL, next_attempt_at = $1, updated_at = $1
				WHERE status = 'pending' AND (lease_expires_at IS NULL OR lease_expires_at < $1)`, now)
			if err != nil {
				return fmt.Errorf("rearm webhook deliveries: %w", err)
			}
			if n, err = res.RowsAffected(); err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if n == 0 {
				return nil
			}
			return notify(ctx, tx, job.ChannelWebhookPending, "rearm")
		},
	})
	return n, err
}

type deliveryRow struct {
	lastError                                 sql.NullString
	lastAttemptAt, leaseExpiresAt, deliveredAt sql.NullTime
}

func scanDelivery(scanner rowScanner) (*model.WebhookDelivery, error) {
	d := &model.WebhookDelivery{}
	var row deliveryRow
	if err := scanner.Scan(
		&d.ID,
		&d.BatchJobID,
		&d.URL,
		&d.Event,
		&d.Status,
		&d.Attempt,
		&d.MaxAttempts,
		&row.lastError,
		&row.lastAttemptAt,
		&d.NextAttemptAt,
		&row.leaseExpiresAt,
		&row.deliveredAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.LastError = cloneNullableString(row.lastError)
	d.LastAttemptAt = cloneNullableTime(row.lastAttemptAt)
	d.LeaseExpiresAt = cloneNullableTime(row.leaseExpiresAt)
	d.DeliveredAt = cloneNullableTime(row.deliveredAt)
	d.NextAttemptAt = d.NextAttemptAt.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

var _ core.WebhookDeliveryRepository = (*WebhookDeliveryRepo)(nil)
