package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/data/pgxutil"
	"github.com/target/inferbatch/internal/domain/batch"
	"github.com/target/inferbatch/internal/domain/job"
	"github.com/target/inferbatch/internal/domain/model"
	apperrors "github.com/target/inferbatch/internal/errors"
)

// BatchJobRepo persists batch jobs in Postgres.
type BatchJobRepo struct {
	DB  *sql.DB
	cfg RepoConfig
}

// NewBatchJobRepo creates a BatchJobRepo.
func NewBatchJobRepo(db *sql.DB, cfg RepoConfig) *BatchJobRepo {
	return &BatchJobRepo{DB: db, cfg: cfg.normalized("batch_job_repo")}
}

var batchJobColumnList = []string{
	"id",
	"status",
	"model_id",
	"chunk_size",
	"input_ref",
	"output_ref",
	"error_ref",
	"total_requests",
	"completed_requests",
	"failed_requests",
	"checkpoint",
	"metadata",
	"webhook",
	"failure_code",
	"failure_reason",
	"queue_priority",
	"cancel_requested_at",
	"queued_at",
	"started_at",
	"completed_at",
	"created_at",
	"updated_at",
}

var (
	batchJobColumns   = strings.Join(batchJobColumnList, ", ")
	batchJobColumnsJ  = prefixColumns("j", batchJobColumnList)
	activeStatusesCSV = joinStatuses([]model.BatchJobStatus{
		model.BatchJobStatusValidating,
		model.BatchJobStatusQueued,
		model.BatchJobStatusInProgress,
	})
)

const claimNextSQL = `
  WITH cte AS (
    SELECT id FROM batch_jobs
    WHERE status = 'queued'
    ORDER BY (model_id = $1) DESC, queue_priority DESC, queued_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE batch_jobs j
  SET
    status = 'in_progress',
    owner_id = $3,
    lease_expires_at = $4,
    started_at = COALESCE(j.started_at, $2),
    queue_priority = 0,
    updated_at = $2
  FROM cte
  WHERE j.id = cte.id
  RETURNING `

// Create inserts a job in the validating state.
func (r *BatchJobRepo) Create(ctx context.Context, req *model.CreateBatchJobRequest) (*model.BatchJob, error) {
	if req == nil {
		return nil, errors.New("create batch job request is required")
	}

	meta := []byte(`{}`)
	if len(req.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(req.Metadata); err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	var hook []byte
	if req.Webhook != nil {
		var err error
		if hook, err = json.Marshal(req.Webhook); err != nil {
			return nil, fmt.Errorf("marshal webhook: %w", err)
		}
	}

	now := r.cfg.TimeProvider.Now()
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO batch_jobs (id, status, model_id, chunk_size, input_ref, metadata, webhook, created_at, updated_at)
		VALUES ($1, 'validating', $2, $3, $4, $5, $6, $7, $7)
		RETURNING `+batchJobColumns,
		uuid.NewString(), req.ModelID, req.ChunkSize, req.InputRef, meta, hook, now,
	)
	j, err := scanBatchJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert batch job: %w", apperrors.MapDBError(err))
	}
	return j, nil
}

// GetByID loads a job.
func (r *BatchJobRepo) GetByID(ctx context.Context, id string) (*model.BatchJob, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+batchJobColumns+` FROM batch_jobs WHERE id = $1`, id)
	j, err := scanBatchJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch job: %w", err)
	}
	return j, nil
}

// List returns jobs ordered by creation time. A zero Limit returns every match.
func (r *BatchJobRepo) List(ctx context.Context, filter model.JobFilter) ([]*model.BatchJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ModelID != "" {
		args = append(args, filter.ModelID)
		where = append(where, fmt.Sprintf("model_id = $%d", len(args)))
	}
	if filter.Orphaned {
		args = append(args, r.cfg.TimeProvider.Now())
		where = append(where, fmt.Sprintf(
			"status = 'in_progress' AND (lease_expires_at IS NULL OR lease_expires_at < $%d)", len(args)))
	}

	query := `SELECT ` + batchJobColumns + ` FROM batch_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batch jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.BatchJob
	for rows.Next() {
		j, scanErr := scanBatchJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan batch job: %w", scanErr)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch jobs: %w", err)
	}
	return out, nil
}

// MarkQueued moves a validating job to queued, records its request total, and wakes idle slots.
func (r *BatchJobRepo) MarkQueued(ctx context.Context, id string, total int) (*model.BatchJob, error) {
	if total < 0 {
		return nil, apperrors.ValidationField("total", "request total must not be negative")
	}

	var out *model.BatchJob
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Opts: pgxutil.ReadCommitted,
		Fn: func(tx *sql.Tx) error {
			now := r.cfg.TimeProvider.Now()
			row := tx.QueryRowContext(ctx, `
				UPDATE batch_jobs
				SET status = 'queued', total_requests = $2, queued_at = $3, updated_at = $3
				WHERE id = $1 AND status = 'validating'
				RETURNING `+batchJobColumns, id, total, now)
			j, err := scanBatchJob(row)
			if errors.Is(err, sql.ErrNoRows) {
				return r.transitionMiss(ctx, tx, id, model.BatchJobStatusQueued)
			}
			if err != nil {
				return fmt.Errorf("mark queued: %w", err)
			}
			out = j
			return notify(ctx, tx, job.ChannelBatchJobQueued, j.ModelID)
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimNext atomically moves the next eligible queued job to in_progress and leases it to
// c.Owner. Jobs for c.PreferModelID sort ahead of every other model; ties break on priority
// then queue age.
func (r *BatchJobRepo) ClaimNext(ctx context.Context, c core.ClaimParams) (*model.BatchJob, error) {
	if c.Owner == "" || c.Lease <= 0 {
		return nil, errors.New("claim requires an owner and a positive lease")
	}
	var out *model.BatchJob
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Opts: pgxutil.ReadCommitted,
		Fn: func(tx *sql.Tx) error {
			now := r.cfg.TimeProvider.Now()
			row := tx.QueryRowContext(ctx, claimNextSQL+batchJobColumnsJ, c.PreferModelID, now, c.Owner, now.Add(c.Lease))
			j, err := scanBatchJob(row)
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if err != nil {
				return fmt.Errorf("claim batch job: %w", err)
			}
			out = j
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transition applies a guarded status change. A terminal change with a delivery inserts the
// pending webhook row in the same transaction and wakes delivery workers on commit.
func (r *BatchJobRepo) Transition(ctx context.Context, t core.TransitionParams) (*model.BatchJob, error) {
	if !t.To.Valid() {
		return nil, apperrors.Validationf("invalid target status %q", t.To)
	}
	from := t.From
	if len(from) == 0 {
		from = batch.SourcesFor(t.To)
	}
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: nothing transitions to %s", model.ErrInvalidTransition, t.To)
	}

	var out *model.BatchJob
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Opts: pgxutil.ReadCommitted,
		Fn: func(tx *sql.Tx) error {
			now := r.cfg.TimeProvider.Now()
			var completedAt sql.NullTime
			if t.To.Terminal() {
				completedAt = sql.NullTime{Time: now, Valid: true}
			}
			row := tx.QueryRowContext(ctx, `
				UPDATE batch_jobs
				SET status = $2,
				    failure_code = COALESCE($3, failure_code),
				    failure_reason = COALESCE($4, failure_reason),
				    completed_at = COALESCE($5, completed_at),
				    updated_at = $6
				WHERE id = $1 AND status = ANY(string_to_array($7, ','))
				RETURNING `+batchJobColumns,
				t.JobID, t.To, nullableString(string(t.Code)), nullableString(t.Reason), completedAt, now,
				joinStatuses(from),
			)
			j, err := scanBatchJob(row)
			if errors.Is(err, sql.ErrNoRows) {
				return r.transitionMiss(ctx, tx, t.JobID, t.To)
			}
			if err != nil {
				return fmt.Errorf("transition batch job: %w", apperrors.MapDBError(err))
			}
			out = j

			if t.Delivery == nil || !t.To.Terminal() {
				return nil
			}
			return insertDelivery(ctx, tx, j.ID, *t.Delivery, now)
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequestCancel flags a non-terminal job for cancellation.
func (r *BatchJobRepo) RequestCancel(ctx context.Context, id string) (*model.BatchJob, error) {
	var out *model.BatchJob
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			now := r.cfg.TimeProvider.Now()
			row := tx.QueryRowContext(ctx, `
				UPDATE batch_jobs
				SET cancel_requested_at = COALESCE(cancel_requested_at, $2), updated_at = $2
				WHERE id = $1 AND status = ANY(string_to_array($3, ','))
				RETURNING `+batchJobColumns, id, now, activeStatusesCSV)
			j, err := scanBatchJob(row)
			if errors.Is(err, sql.ErrNoRows) {
				return r.transitionMiss(ctx, tx, id, model.BatchJobStatusCancelled)
			}
			if err != nil {
				return fmt.Errorf("request cancel: %w", err)
			}
			out = j
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelRequested reports whether the job carries a cancellation request.
func (r *BatchJobRepo) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := r.DB.QueryRowContext(ctx,
		`SELECT cancel_requested_at IS NOT NULL FROM batch_jobs WHERE id = $1`, id,
	).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, model.ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check cancel request: %w", err)
	}
	return requested, nil
}

// ExtendLease renews owner's lease on an in_progress job.
func (r *BatchJobRepo) ExtendLease(ctx context.Context, id, owner string, lease time.Duration) (bool, error) {
	now := r.cfg.TimeProvider.Now()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE batch_jobs SET lease_expires_at = $3, updated_at = $4
		WHERE id = $1 AND status = 'in_progress' AND owner_id = $2`,
		id, owner, now.Add(lease), now)
	if err != nil {
		return false, fmt.Errorf("extend job lease: %w", err)
	}
	return pgxutil.RowsAffected(res)
}

// Requeue returns owner's in_progress job to the front of the queue for its model.
func (r *BatchJobRepo) Requeue(ctx context.Context, id, owner string) (bool, error) {
	return r.requeue(ctx, `id = $1 AND status = 'in_progress' AND owner_id = $3`, id, owner)
}

// RequeueOrphan returns an in_progress job to the queue when no process holds a live lease on it.
func (r *BatchJobRepo) RequeueOrphan(ctx context.Context, id string) (bool, error) {
	return r.requeue(ctx,
		`id = $1 AND status = 'in_progress' AND (lease_expires_at IS NULL OR lease_expires_at < $2)`, id)
}

func (r *BatchJobRepo) requeue(ctx context.Context, guard string, id string, extra ...any) (bool, error) {
	var moved bool
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			now := r.cfg.TimeProvider.Now()
			var modelID string
			args := append([]any{id, now}, extra...)
			err := tx.QueryRowContext(ctx, `
				UPDATE batch_jobs
				SET status = 'queued', queue_priority = 1, owner_id = NULL, lease_expires_at = NULL,
				    queued_at = COALESCE(queued_at, $2), updated_at = $2
				WHERE `+guard+`
				RETURNING model_id`, args...).Scan(&modelID)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("requeue batch job: %w", err)
			}
			moved = true
			return notify(ctx, tx, job.ChannelBatchJobQueued, modelID)
		},
	})
	return moved, err
}

// SetOutputRefs records where a job's exported results live.
func (r *BatchJobRepo) SetOutputRefs(ctx context.Context, id string, refs model.ExportRefs) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE batch_jobs SET output_ref = $2, error_ref = $3, updated_at = $4 WHERE id = $1`,
		id, nullableString(refs.OutputRef), nullableString(refs.ErrorRef), r.cfg.TimeProvider.Now())
	if err != nil {
		return fmt.Errorf("set output refs: %w", err)
	}
	ok, err := pgxutil.RowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return model.ErrJobNotFound
	}
	return nil
}

// transitionMiss explains why a guarded update matched no row.
func (r *BatchJobRepo) transitionMiss(ctx context.Context, tx *sql.Tx, id string, to model.BatchJobStatus) error {
	var current model.BatchJobStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM batch_jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load batch job status: %w", err)
	}
	if checkErr := batch.CheckTransition(current, to); checkErr != nil {
		return checkErr
	}
	// The status allowed the move but the caller's From guard did not.
	return fmt.Errorf("%w: job is %s", model.ErrInvalidTransition, current)
}

func insertDelivery(ctx context.Context, tx *sql.Tx, jobID string, d model.NewDelivery, now time.Time) error {
	var id string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO webhook_deliveries (id, batch_job_id, url, event, status, max_attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $6, $6)
		ON CONFLICT (batch_job_id, url) DO NOTHING
		RETURNING id`,
		uuid.NewString(), jobID, d.URL, d.Event, d.MaxAttempts, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// A delivery for this outcome already exists.
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", apperrors.MapDBError(err))
	}
	return notify(ctx, tx, job.ChannelWebhookPending, id)
}

func joinStatuses(statuses []model.BatchJobStatus) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

type batchJobRow struct {
	outputRef, errorRef, failureCode, failureReason sql.NullString
	metadata, webhook                               []byte
	cancelRequestedAt, queuedAt, startedAt          sql.NullTime
	completedAt                                     sql.NullTime
}

func scanBatchJob(scanner rowScanner) (*model.BatchJob, error) {
	j := &model.BatchJob{}
	var d batchJobRow
	if err := scanner.Scan(
		&j.ID,
		&j.Status,
		&j.ModelID,
		&j.ChunkSize,
		&j.InputRef,
		&d.outputRef,
		&d.errorRef,
		&j.RequestCounts.Total,
		&j.RequestCounts.Completed,
		&j.RequestCounts.Failed,
		&j.Checkpoint,
		&d.metadata,
		&d.webhook,
		&d.failureCode,
		&d.failureReason,
		&j.QueuePriority,
		&d.cancelRequestedAt,
		&d.queuedAt,
		&d.startedAt,
		&d.completedAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}

	j.OutputRef = cloneNullableString(d.outputRef)
	j.ErrorRef = cloneNullableString(d.errorRef)
	j.FailureReason = cloneNullableString(d.failureReason)
	if d.failureCode.Valid {
		code := model.FailureCode(d.failureCode.String)
		j.FailureCode = &code
	}
	j.CancelRequestedAt = cloneNullableTime(d.cancelRequestedAt)
	j.QueuedAt = cloneNullableTime(d.queuedAt)
	j.StartedAt = cloneNullableTime(d.startedAt)
	j.CompletedAt = cloneNullableTime(d.completedAt)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()

	if len(d.metadata) > 0 {
		if err := json.Unmarshal(d.metadata, &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(d.webhook) > 0 {
		var hook model.WebhookConfig
		if err := json.Unmarshal(d.webhook, &hook); err != nil {
			return nil, fmt.Errorf("decode webhook: %w", err)
		}
		j.Webhook = &hook
	}
	return j, nil
}

var _ core.BatchJobRepository = (*BatchJobRepo)(nil)
