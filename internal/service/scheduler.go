package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/model"
	apperrors "github.com/target/inferbatch/internal/errors"
	"github.com/target/inferbatch/internal/observability/metrics"
	"github.com/target/inferbatch/internal/observability/notify"
)

// Dispatcher hands terminal jobs to webhook delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *model.BatchJob) bool
}

// OutcomeNotifier tells operators about failed jobs and dead-lettered deliveries.
type OutcomeNotifier interface {
	Notify(ctx context.Context, outcome notify.JobOutcome) error
}

// SchedulerServiceOptions groups dependencies for SchedulerService.
type SchedulerServiceOptions struct {
	Jobs     core.BatchJobRepository // Required: job persistence
	Source   core.RequestSource      // Required: validates input before queueing
	Catalog  core.ModelCatalog       // Optional: restricts which models may be submitted
	Webhooks Dispatcher              // Optional: woken after terminal transitions
	Notifier OutcomeNotifier         // Optional: operator notifications on failure
	Metrics  *metrics.Recorder       // Optional
	Logger   *slog.Logger            // Optional

	// Owner prefixes the identity this process claims jobs under; defaults to the hostname.
	// A pid and random suffix are always appended so restarts never inherit old leases.
	Owner string
	// JobLease is how long a claimed job stays ours without renewal. Defaults to DefaultJobLease.
	JobLease time.Duration
}

// DefaultJobLease bounds how long a crashed process keeps its jobs from recovery.
const DefaultJobLease = time.Minute

// SchedulerService owns the batch job queue: submission, claiming, status changes and cancellation.
//
// MarkStatus is the only path to a terminal status, so it is also the only place that
// schedules webhook delivery.
type SchedulerService struct {
	jobs     core.BatchJobRepository
	source   core.RequestSource
	catalog  core.ModelCatalog
	webhooks Dispatcher
	notifier OutcomeNotifier
	metrics  *metrics.Recorder
	logger   *slog.Logger
	owner    string
	lease    time.Duration
}

// NewSchedulerService constructs a SchedulerService.
func NewSchedulerService(opts SchedulerServiceOptions) (*SchedulerService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("BatchJobRepository is required")
	}
	if opts.Source == nil {
		return nil, errors.New("RequestSource is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lease := opts.JobLease
	if lease <= 0 {
		lease = DefaultJobLease
	}
	return &SchedulerService{
		owner:    processOwner(opts.Owner),
		lease:    lease,
		jobs:     opts.Jobs,
		source:   opts.Source,
		catalog:  opts.Catalog,
		webhooks: opts.Webhooks,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "scheduler"),
	}, nil
}

// MustNewSchedulerService constructs a SchedulerService and panics on error.
func MustNewSchedulerService(opts SchedulerServiceOptions) *SchedulerService {
	svc, err := NewSchedulerService(opts)
	if err != nil {
		panic(err)
	}
	return svc
}

// Submit validates a request, records the job and queues it once its input is readable.
// A job whose input cannot be read is returned in the failed state together with a validation error.
func (s *SchedulerService) Submit(ctx context.Context, req *model.CreateBatchJobRequest) (*model.BatchJob, error) {
	if req == nil {
		return nil, apperrors.Validation("request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid batch job")
	}
	if s.catalog != nil && !s.catalog.Known(req.ModelID) {
		return nil, apperrors.ValidationField("model_id", fmt.Sprintf("unknown model %q", req.ModelID))
	}

	job, err := s.jobs.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create batch job: %w", err)
	}
	s.logger.InfoContext(ctx, "batch job submitted",
		"job_id", job.ID,
		"model_id", job.ModelID,
		"chunk_size", job.ChunkSize,
	)
	return s.Enqueue(ctx, job.ID)
}

// Enqueue confirms a validating job's input is readable and moves it to queued.
func (s *SchedulerService) Enqueue(ctx context.Context, jobID string) (*model.BatchJob, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.BatchJobStatusValidating {
		return job, apperrors.Conflictf("batch job %s is %s, not validating", jobID, job.Status)
	}

	total, err := s.source.Count(ctx, job.InputRef)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reason := "input unreadable: " + err.Error()
		failed, markErr := s.MarkStatus(ctx, StatusChange{
			JobID:  jobID,
			To:     model.BatchJobStatusFailed,
			Code:   model.FailureCodeInputInvalid,
			Reason: reason,
		})
		if markErr != nil {
			return nil, errors.Join(apperrors.Wrap(err, apperrors.ErrCodeValidation, "input unreadable"), markErr)
		}
		return failed, apperrors.Wrap(err, apperrors.ErrCodeValidation, "input unreadable")
	}

	queued, err := s.jobs.MarkQueued(ctx, jobID, total)
	if err != nil {
		return nil, s.mapJobError(err)
	}
	s.recordTransition(queued, metrics.ResultSuccess, nil)
	s.logger.InfoContext(ctx, "batch job queued",
		"job_id", queued.ID,
		"model_id", queued.ModelID,
		"total", total,
	)
	return queued, nil
}

// NextFor claims the next job for a slot that currently holds modelID. Jobs for that model drain
// before any other model is considered; an empty modelID takes the oldest job overall.
// It returns model.ErrNoJobsAvailable when the queue is empty.
func (s *SchedulerService) NextFor(ctx context.Context, modelID string) (*model.BatchJob, error) {
	job, err := s.jobs.ClaimNext(ctx, core.ClaimParams{PreferModelID: modelID, Owner: s.owner, Lease: s.lease})
	if err != nil {
		return nil, err
	}
	s.recordTransition(job, metrics.ResultSuccess, nil)
	if job.ModelID != modelID && modelID != "" {
		s.logger.InfoContext(ctx, "queue drained for loaded model; switching",
			"from_model", modelID,
			"to_model", job.ModelID,
			"job_id", job.ID,
		)
	}
	return job, nil
}

// Owner is the identity this process holds job leases under.
func (s *SchedulerService) Owner() string { return s.owner }

// LeaseRenewInterval is how often a running job's lease should be renewed.
func (s *SchedulerService) LeaseRenewInterval() time.Duration { return max(s.lease/3, time.Millisecond) }

// RenewLease keeps a claimed job ours. It reports false once another process has taken the job
// over or the job has left in_progress.
func (s *SchedulerService) RenewLease(ctx context.Context, jobID string) (bool, error) {
	ok, err := s.jobs.ExtendLease(ctx, jobID, s.owner, s.lease)
	if err != nil {
		return false, fmt.Errorf("renew job lease: %w", err)
	}
	return ok, nil
}

// Requeue hands one of our in_progress jobs back to the front of the queue so its checkpoint is
// resumed by the next slot that claims it. It reports false when the job was no longer ours.
func (s *SchedulerService) Requeue(ctx context.Context, jobID string) (bool, error) {
	ok, err := s.jobs.Requeue(ctx, jobID, s.owner)
	if err != nil {
		return false, s.mapJobError(err)
	}
	if ok {
		s.logger.InfoContext(ctx, "batch job requeued", "job_id", jobID)
	}
	return ok, nil
}

// StatusChange describes a requested status change.
type StatusChange struct {
	JobID  string
	From   []model.BatchJobStatus
	To     model.BatchJobStatus
	Code   model.FailureCode
	Reason string
}

// MarkStatus applies a status change. A terminal change that the job's webhook subscribes to
// creates the pending delivery in the same transaction and then wakes delivery workers.
func (s *SchedulerService) MarkStatus(ctx context.Context, change StatusChange) (*model.BatchJob, error) {
	params := core.TransitionParams{
		JobID:  change.JobID,
		From:   change.From,
		To:     change.To,
		Code:   change.Code,
		Reason: change.Reason,
	}
	if change.To.Terminal() {
		current, err := s.Get(ctx, change.JobID)
		if err != nil {
			return nil, err
		}
		params.Delivery = DeliveryFor(current.Webhook, change.To)
	}

	job, err := s.jobs.Transition(ctx, params)
	if err != nil {
		s.recordTransition(&model.BatchJob{ID: change.JobID, Status: change.To}, metrics.ResultError, err)
		return nil, s.mapJobError(err)
	}
	s.recordTransition(job, metrics.ResultSuccess, nil)

	if !job.Status.Terminal() {
		return job, nil
	}
	s.logger.InfoContext(ctx, "batch job settled",
		"job_id", job.ID,
		"status", job.Status,
		"failure_code", change.Code,
		"reason", change.Reason,
		"completed", job.RequestCounts.Completed,
		"failed", job.RequestCounts.Failed,
		"total", job.RequestCounts.Total,
	)
	if s.webhooks != nil && params.Delivery != nil {
		s.webhooks.Dispatch(ctx, job)
	}
	if job.Status == model.BatchJobStatusFailed {
		s.notifyFailure(ctx, job)
	}
	return job, nil
}

// Cancel stops a job. Jobs that have not started settle to cancelled immediately; a running job
// is flagged and settles once its executor reaches the next chunk boundary.
func (s *SchedulerService) Cancel(ctx context.Context, jobID string) (*model.BatchJob, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, apperrors.Wrap(model.ErrJobTerminal, apperrors.ErrCodeConflict,
			fmt.Sprintf("batch job %s is already %s", jobID, job.Status))
	}

	if job.Status != model.BatchJobStatusInProgress {
		cancelled, cancelErr := s.MarkStatus(ctx, StatusChange{
			JobID:  jobID,
			From:   []model.BatchJobStatus{model.BatchJobStatusValidating, model.BatchJobStatusQueued},
			To:     model.BatchJobStatusCancelled,
			Reason: "cancelled before execution",
		})
		if cancelErr == nil {
			return cancelled, nil
		}
		// A slot claimed the job in the meantime; fall through to a cooperative cancel.
		if !errors.Is(cancelErr, model.ErrInvalidTransition) {
			return nil, cancelErr
		}
	}

	flagged, err := s.jobs.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, s.mapJobError(err)
	}
	s.logger.InfoContext(ctx, "batch job cancellation requested", "job_id", jobID, "status", flagged.Status)
	return flagged, nil
}

// Get loads a job.
func (s *SchedulerService) Get(ctx context.Context, jobID string) (*model.BatchJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, s.mapJobError(err)
	}
	return job, nil
}

// List returns jobs matching filter.
func (s *SchedulerService) List(ctx context.Context, filter model.JobFilter) ([]*model.BatchJob, error) {
	return s.jobs.List(ctx, filter)
}

// DeliveryFor returns the delivery to create when a job with cfg reaches status, or nil when the
// webhook is absent or not subscribed to the outcome.
func DeliveryFor(cfg *model.WebhookConfig, status model.BatchJobStatus) *model.NewDelivery {
	event, ok := model.EventForStatus(status)
	if !ok || cfg == nil || cfg.URL == "" || !cfg.Subscribes(event) {
		return nil
	}
	attempts := cfg.MaxRetries
	if attempts <= 0 {
		attempts = model.DefaultWebhookRetries
	}
	return &model.NewDelivery{URL: cfg.URL, Event: event, MaxAttempts: attempts}
}

func processOwner(prefix string) string {
	if prefix == "" {
		prefix, _ = os.Hostname()
	}
	return fmt.Sprintf("%s:%d:%s", prefix, os.Getpid(), uuid.NewString()[:8])
}

func (s *SchedulerService) mapJobError(err error) error {
	switch {
	case errors.Is(err, model.ErrJobNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "batch job not found")
	case errors.Is(err, model.ErrJobTerminal), errors.Is(err, model.ErrInvalidTransition):
		return apperrors.Wrap(err, apperrors.ErrCodeConflict, "batch job status conflict")
	default:
		return err
	}
}

func (s *SchedulerService) notifyFailure(ctx context.Context, job *model.BatchJob) {
	if s.notifier == nil {
		return
	}
	outcome := notify.JobOutcome{
		Kind:       notify.KindJobFailed,
		JobID:      job.ID,
		ModelID:    job.ModelID,
		Severity:   notify.SeverityCritical,
		OccurredAt: time.Now().UTC(),
		Metadata:   job.Metadata,
	}
	if job.FailureCode != nil {
		outcome.FailureCode = string(*job.FailureCode)
		if *job.FailureCode == model.FailureCodeInputInvalid {
			outcome.Severity = notify.SeverityWarning
		}
	}
	if job.FailureReason != nil {
		outcome.Error = *job.FailureReason
	}
	if err := s.notifier.Notify(ctx, outcome); err != nil {
		s.logger.WarnContext(ctx, "outcome notification failed", "job_id", job.ID, "error", err)
	}
}

func (s *SchedulerService) recordTransition(job *model.BatchJob, result string, err error) {
	if s.metrics == nil || job == nil {
		return
	}
	in := metrics.JobMetric{
		ModelID: job.ModelID,
		To:      string(job.Status),
		Result:  result,
		Err:     err,
	}
	if job.FailureCode != nil {
		in.Code = string(*job.FailureCode)
	}
	if job.Status.Terminal() && job.StartedAt != nil && job.CompletedAt != nil {
		in.Duration = job.CompletedAt.Sub(*job.StartedAt)
	}
	s.metrics.JobTransition(in)
}
