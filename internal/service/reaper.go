package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/inferbatch/config"
	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/model"
	obserrors "github.com/target/inferbatch/internal/observability/errors"
	"github.com/target/inferbatch/internal/observability/metrics"
	"github.com/target/inferbatch/internal/observability/statsd"
)

// OutputRefWriter records exported file locations on a job.
type OutputRefWriter interface {
	SetOutputRefs(ctx context.Context, id string, refs model.ExportRefs) error
}

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo      core.RetentionRepository // Required: retention repository
	Scheduler *SchedulerService        // Required: fails jobs stuck in validating
	Exporter  core.ResultExporter      // Optional: exports results before they are pruned
	Jobs      OutputRefWriter          // Required with Exporter
	Config    config.ReaperConfig      // Required: reaper configuration
	Logger    *slog.Logger             // Optional: structured logger
	Metrics   statsd.Sink              // Optional: metrics sink (StatsD-compatible)
	Recorder  *metrics.Recorder        // Optional: per-kind deletion counters
}

// ReaperService provides retention cleanup operations.
//
// This service manages:
// - Failing jobs stuck in validating.
// - Exporting results of terminal jobs that never produced output files.
// - Deleting exported result rows once they age out.
// - Deleting delivered webhook rows. Dead letters are kept until an operator removes them.
type ReaperService struct {
	repo      core.RetentionRepository
	scheduler *SchedulerService
	exporter  core.ResultExporter
	jobs      OutputRefWriter
	config    config.ReaperConfig
	logger    *slog.Logger
	metrics   statsd.Sink
	recorder  *metrics.Recorder
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("RetentionRepository is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("SchedulerService is required")
	}
	if opts.Exporter != nil && opts.Jobs == nil {
		return nil, errors.New("OutputRefWriter is required when an exporter is set")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"delivered_max_age", opts.Config.DeliveredMaxAge,
			"results_max_age", opts.Config.ResultsMaxAge,
			"validating_max_age", opts.Config.ValidatingMaxAge,
		)
	}

	return &ReaperService{
		repo:      opts.Repo,
		scheduler: opts.Scheduler,
		exporter:  opts.Exporter,
		jobs:      opts.Jobs,
		config:    opts.Config,
		logger:    logger,
		metrics:   opts.Metrics,
		recorder:  opts.Recorder,
	}, nil
}

// MustNewReaperService constructs a new ReaperService and wraps construction errors.
func MustNewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	svc, err := NewReaperService(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ReaperService: %w", err)
	}
	return svc, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Add jitter to prevent thundering herd if multiple instances start together
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.RunOnce(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter adds a random delay up to 10% of the interval to prevent thundering herd.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
			}
		}
	}
}

// RunOnce performs every cleanup step once. Steps run in order so that results are exported
// before any of them can be pruned.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	start := time.Now()
	var (
		errs               []error
		allContextCanceled = true
		outcomes           = make([]stepResult, 0, 4)
	)

	steps := []cleanupStep{
		{fn: s.failStaleValidating, label: "fail stale validating jobs", operation: "fail_validating"},
		{fn: s.exportUnexported, label: "export unexported jobs", operation: "export_results"},
		{fn: s.deleteExportedResults, label: "delete exported results", operation: "delete_results"},
		{fn: s.deleteDeliveredWebhooks, label: "delete delivered webhooks", operation: "delete_delivered"},
	}

	for _, step := range steps {
		outcome := s.executeCleanupStep(ctx, step.fn, step.label)
		outcomes = append(outcomes, stepResult{operation: step.operation, count: outcome.count, err: outcome.metricErr})
		if outcome.aggregateErr != nil {
			errs = append(errs, outcome.aggregateErr)
			allContextCanceled = allContextCanceled && outcome.canceled
		}
	}

	s.emitCleanupMetrics(outcomes, time.Since(start))

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("cleanup failed: %w", joined)
	}
	return nil
}

type cleanupFunc func(context.Context) (int64, error)

type cleanupStep struct {
	fn        cleanupFunc
	label     string
	operation string
}

type cleanupStepOutcome struct {
	count        int64
	metricErr    error
	aggregateErr error
	canceled     bool
}

type stepResult struct {
	operation string
	count     int64
	err       error
}

func (s *ReaperService) executeCleanupStep(
	ctx context.Context,
	fn cleanupFunc,
	label string,
) cleanupStepOutcome {
	count, err := fn(ctx)
	outcome := cleanupStepOutcome{
		count:     count,
		metricErr: suppressContextCancellation(err),
		canceled:  isContextCancellation(err),
	}
	if err != nil {
		outcome.aggregateErr = fmt.Errorf("%s: %w", label, err)
	}
	return outcome
}

func (s *ReaperService) params(maxAge time.Duration) core.RetentionParams {
	return core.RetentionParams{MaxAge: maxAge, BatchSize: s.config.BatchSize}
}

// failStaleValidating fails jobs whose input check never finished.
func (s *ReaperService) failStaleValidating(ctx context.Context) (int64, error) {
	ids, err := s.repo.ListStaleValidating(ctx, s.params(s.config.ValidatingMaxAge))
	if err != nil {
		return 0, err
	}
	var (
		count int64
		errs  []error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		_, err := s.scheduler.MarkStatus(ctx, StatusChange{
			JobID:  id,
			From:   []model.BatchJobStatus{model.BatchJobStatusValidating},
			To:     model.BatchJobStatusFailed,
			Code:   model.FailureCodeStuckValidating,
			Reason: fmt.Sprintf("input validation did not finish within %s", s.config.ValidatingMaxAge),
		})
		if err != nil {
			// A concurrent enqueue won the race.
			if errors.Is(err, model.ErrInvalidTransition) {
				continue
			}
			errs = append(errs, fmt.Errorf("fail %s: %w", id, err))
			continue
		}
		count++
	}
	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "failed stale validating jobs",
			"count", count,
			"max_age", s.config.ValidatingMaxAge,
		)
	}
	return count, errors.Join(errs...)
}

// exportUnexported writes output files for terminal jobs that still only have result rows.
func (s *ReaperService) exportUnexported(ctx context.Context) (int64, error) {
	if s.exporter == nil {
		return 0, nil
	}
	ids, err := s.repo.ListUnexported(ctx, s.params(s.config.ResultsMaxAge))
	if err != nil {
		return 0, err
	}
	var (
		count int64
		errs  []error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		refs, err := s.exporter.Export(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("export %s: %w", id, err))
			continue
		}
		if err := s.jobs.SetOutputRefs(ctx, id, refs); err != nil {
			errs = append(errs, fmt.Errorf("record refs for %s: %w", id, err))
			continue
		}
		count++
	}
	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "exported results before pruning", "count", count)
	}
	return count, errors.Join(errs...)
}

// deleteExportedResults prunes result rows already materialized to files.
// Loops until no more rows are affected to handle large datasets in batches.
func (s *ReaperService) deleteExportedResults(ctx context.Context) (int64, error) {
	return s.drain(ctx, "results", s.config.ResultsMaxAge, s.repo.DeleteExportedResultsBefore)
}

// deleteDeliveredWebhooks prunes delivered webhook rows.
func (s *ReaperService) deleteDeliveredWebhooks(ctx context.Context) (int64, error) {
	return s.drain(ctx, "deliveries", s.config.DeliveredMaxAge, s.repo.DeleteDeliveredBefore)
}

func (s *ReaperService) drain(
	ctx context.Context,
	kind string,
	maxAge time.Duration,
	fn func(context.Context, core.RetentionParams) (int64, error),
) (int64, error) {
	var totalCount int64
	for {
		count, err := fn(ctx, s.params(maxAge))
		if err != nil {
			s.recorder.ReaperDeleted(kind, totalCount)
			return totalCount, err
		}
		totalCount += count
		if count == 0 {
			break
		}
		// Check context between batches
		if ctx.Err() != nil {
			s.recorder.ReaperDeleted(kind, totalCount)
			return totalCount, ctx.Err()
		}
	}
	s.recorder.ReaperDeleted(kind, totalCount)

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted old rows",
			"kind", kind,
			"count", totalCount,
			"max_age", maxAge,
		)
	}
	return totalCount, nil
}

func (s *ReaperService) emitCleanupMetrics(steps []stepResult, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	var (
		totalCount int64
		firstErr   error
	)
	for _, st := range steps {
		totalCount += st.count
		if firstErr == nil {
			firstErr = st.err
		}
	}

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if totalCount == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}
	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}

	for _, st := range steps {
		s.emitCleanupOperationMetric(st.operation, st.count, st.err)
	}

	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitCleanupOperationMetric(operation string, count int64, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)
	if err == nil && count > 0 {
		s.metrics.Count("reaper.rows_processed", count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
