package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/batch"
	"github.com/target/inferbatch/internal/domain/model"
	"github.com/target/inferbatch/internal/observability/metrics"
)

// RecoveryLockName is the advisory lock that keeps concurrent starts from reconciling twice.
const RecoveryLockName = "inferbatch:recovery"

// RecoveryServiceOptions groups dependencies for RecoveryService.
type RecoveryServiceOptions struct {
	Jobs        core.BatchJobRepository        // Required
	Checkpoints core.CheckpointStore           // Required
	Scheduler   *SchedulerService              // Required: settles and re-validates jobs
	Deliveries  core.WebhookDeliveryRepository // Optional: re-arms pending deliveries
	Backends    []core.InferenceBackend        // Optional: unloaded best-effort
	Locker      core.AdvisoryLocker            // Optional: cluster-wide guard
	Metrics     *metrics.Recorder              // Optional
	Logger      *slog.Logger                   // Optional
}

// RecoveryReport summarizes one reconciliation pass.
type RecoveryReport struct {
	Requeued          []string `json:"requeued"`
	Corrupt           []string `json:"corrupt"`
	Revalidated       []string `json:"revalidated"`
	DeliveriesRearmed int64    `json:"deliveries_rearmed"`
	BackendsUnloaded  int      `json:"backends_unloaded"`
	SkippedLockHeld   bool     `json:"skipped_lock_held"`
}

// RecoveryService reconciles state left behind by a crash before any slot starts claiming work.
//
// Several engine processes may share a database. Only jobs and deliveries whose owner lease has
// lapsed are taken back; work a live process is renewing is left alone.
type RecoveryService struct {
	jobs        core.BatchJobRepository
	checkpoints core.CheckpointStore
	scheduler   *SchedulerService
	deliveries  core.WebhookDeliveryRepository
	backends    []core.InferenceBackend
	locker      core.AdvisoryLocker
	metrics     *metrics.Recorder
	logger      *slog.Logger
}

// NewRecoveryService constructs a RecoveryService.
func NewRecoveryService(opts RecoveryServiceOptions) (*RecoveryService, error) {
	switch {
	case opts.Jobs == nil:
		return nil, errors.New("BatchJobRepository is required")
	case opts.Checkpoints == nil:
		return nil, errors.New("CheckpointStore is required")
	case opts.Scheduler == nil:
		return nil, errors.New("SchedulerService is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryService{
		jobs:        opts.Jobs,
		checkpoints: opts.Checkpoints,
		scheduler:   opts.Scheduler,
		deliveries:  opts.Deliveries,
		backends:    opts.Backends,
		locker:      opts.Locker,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "recovery"),
	}, nil
}

// Reconcile requeues orphaned jobs whose checkpoint is consistent, fails the rest with
// checkpoint_corrupt, re-validates jobs stuck in validating, re-arms orphaned webhook deliveries
// and unloads whatever the local backends still hold.
func (s *RecoveryService) Reconcile(ctx context.Context) (RecoveryReport, error) {
	return s.locked(ctx, s.reconcile)
}

// ReclaimOrphans takes back jobs and deliveries whose owner stopped renewing its lease. Unlike
// Reconcile it leaves validating jobs and the local backends alone, so it is safe while slots run.
func (s *RecoveryService) ReclaimOrphans(ctx context.Context) (RecoveryReport, error) {
	return s.locked(ctx, s.reclaim)
}

// Sweep calls ReclaimOrphans every interval until ctx ends, picking up work from peers that died
// after this process started.
func (s *RecoveryService) Sweep(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", every)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := s.ReclaimOrphans(ctx); err != nil && ctx.Err() == nil {
			s.logger.WarnContext(ctx, "orphan sweep failed", "error", err)
		}
	}
}

func (s *RecoveryService) locked(ctx context.Context, fn func(context.Context, *RecoveryReport) error) (RecoveryReport, error) {
	var report RecoveryReport
	if s.locker == nil {
		err := fn(ctx, &report)
		return report, err
	}

	var runErr error
	acquired, err := s.locker.TryWithLock(ctx, RecoveryLockName, func(ctx context.Context) error {
		runErr = fn(ctx, &report)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("recovery lock: %w", err)
	}
	if !acquired {
		report.SkippedLockHeld = true
		s.logger.InfoContext(ctx, "recovery already running elsewhere; skipping")
		return report, nil
	}
	return report, runErr
}

func (s *RecoveryService) reclaim(ctx context.Context, report *RecoveryReport) error {
	var errs []error
	if err := s.reconcileInProgress(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if s.deliveries != nil {
		n, err := s.deliveries.RearmPending(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("re-arm deliveries: %w", err))
		}
		report.DeliveriesRearmed = n
	}
	if len(report.Requeued)+len(report.Corrupt) > 0 || report.DeliveriesRearmed > 0 {
		s.metrics.RecoveryAction("requeued", len(report.Requeued))
		s.metrics.RecoveryAction("corrupt", len(report.Corrupt))
		s.logger.InfoContext(ctx, "orphaned work reclaimed",
			"requeued", len(report.Requeued),
			"corrupt", len(report.Corrupt),
			"deliveries_rearmed", report.DeliveriesRearmed,
		)
	}
	return errors.Join(errs...)
}

func (s *RecoveryService) reconcile(ctx context.Context, report *RecoveryReport) error {
	var errs []error

	if err := s.reconcileInProgress(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if err := s.reconcileValidating(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if s.deliveries != nil {
		n, err := s.deliveries.RearmPending(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("re-arm deliveries: %w", err))
		}
		report.DeliveriesRearmed = n
	}
	for i, backend := range s.backends {
		if err := backend.UnloadModel(ctx); err != nil {
			s.logger.WarnContext(ctx, "best-effort unload failed", "backend", i, "error", err)
			continue
		}
		report.BackendsUnloaded++
	}

	s.metrics.RecoveryAction("requeued", len(report.Requeued))
	s.metrics.RecoveryAction("corrupt", len(report.Corrupt))
	s.metrics.RecoveryAction("revalidated", len(report.Revalidated))

	s.logger.InfoContext(ctx, "recovery finished",
		"requeued", len(report.Requeued),
		"corrupt", len(report.Corrupt),
		"revalidated", len(report.Revalidated),
		"deliveries_rearmed", report.DeliveriesRearmed,
		"backends_unloaded", report.BackendsUnloaded,
	)
	return errors.Join(errs...)
}

func (s *RecoveryService) reconcileInProgress(ctx context.Context, report *RecoveryReport) error {
	jobs, err := s.jobs.List(ctx, model.JobFilter{Status: model.BatchJobStatusInProgress, Orphaned: true})
	if err != nil {
		return fmt.Errorf("list orphaned jobs: %w", err)
	}

	var errs []error
	for _, job := range jobs {
		consistency, err := s.checkpoints.Consistency(ctx, job.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("consistency of %s: %w", job.ID, err))
			continue
		}
		if verr := batch.VerifyCheckpoint(consistency); verr != nil {
			s.logger.ErrorContext(ctx, "checkpoint inconsistent; failing job",
				"job_id", job.ID,
				"checkpoint", consistency.Checkpoint,
				"result_rows", consistency.ResultRows,
				"error", verr,
			)
			_, markErr := s.scheduler.MarkStatus(ctx, StatusChange{
				JobID:  job.ID,
				From:   []model.BatchJobStatus{model.BatchJobStatusInProgress},
				To:     model.BatchJobStatusFailed,
				Code:   model.FailureCodeCheckpointCorrupt,
				Reason: "checkpoint corrupt: " + verr.Error(),
			})
			if markErr != nil {
				errs = append(errs, fmt.Errorf("fail corrupt job %s: %w", job.ID, markErr))
				continue
			}
			report.Corrupt = append(report.Corrupt, job.ID)
			continue
		}

		ok, err := s.jobs.RequeueOrphan(ctx, job.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("requeue %s: %w", job.ID, err))
			continue
		}
		if ok {
			s.logger.InfoContext(ctx, "interrupted job requeued",
				"job_id", job.ID,
				"model_id", job.ModelID,
				"checkpoint", consistency.Checkpoint,
				"total", consistency.Total,
			)
			report.Requeued = append(report.Requeued, job.ID)
		}
	}
	return errors.Join(errs...)
}

func (s *RecoveryService) reconcileValidating(ctx context.Context, report *RecoveryReport) error {
	jobs, err := s.jobs.List(ctx, model.JobFilter{Status: model.BatchJobStatusValidating})
	if err != nil {
		return fmt.Errorf("list validating jobs: %w", err)
	}
	var errs []error
	for _, job := range jobs {
		if _, err := s.scheduler.Enqueue(ctx, job.ID); err != nil {
			// An unreadable input already settled the job as failed.
			if job, getErr := s.jobs.GetByID(ctx, job.ID); getErr == nil && job.Status.Terminal() {
				report.Revalidated = append(report.Revalidated, job.ID)
				continue
			}
			errs = append(errs, fmt.Errorf("revalidate %s: %w", job.ID, err))
			continue
		}
		report.Revalidated = append(report.Revalidated, job.ID)
	}
	return errors.Join(errs...)
}
