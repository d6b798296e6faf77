// Package slotrunner drives one accelerator slot: it claims queued batch jobs, keeps the right
// model loaded and runs each job through the chunked executor until it settles.
package slotrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/inferbatch/internal/domain/job"
	"github.com/target/inferbatch/internal/domain/model"
	obserrors "github.com/target/inferbatch/internal/observability/errors"
	"github.com/target/inferbatch/internal/observability/metrics"
	"github.com/target/inferbatch/internal/observability/statsd"
	"github.com/target/inferbatch/internal/service"
)

const (
	defaultPollInterval      = 2 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	releaseTimeout           = 30 * time.Second
)

var errLeaseLost = errors.New("job lease taken over by another process")

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Scheduler *service.SchedulerService // Required
	Session   *service.SessionManager   // Required: owned by this runner only
	Executor  *service.Executor         // Required: bound to Session
	Notifier  job.Notifier              // Optional: wakes the runner when a job is queued

	PollInterval      time.Duration // Optional: fallback poll, defaults to 2s
	HeartbeatInterval time.Duration // Optional: slot lock refresh, defaults to 10s

	Metrics statsd.Sink  // Optional
	Logger  *slog.Logger // Optional
}

// Runner runs jobs on a single slot, one at a time.
type Runner struct {
	scheduler *service.SchedulerService
	session   *service.SessionManager
	executor  *service.Executor
	notifier  job.Notifier
	poll      time.Duration
	heartbeat time.Duration
	metrics   statsd.Sink
	logger    *slog.Logger
}

// NewRunner creates a new slot runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	switch {
	case opts.Scheduler == nil:
		return nil, errors.New("scheduler service is required")
	case opts.Session == nil:
		return nil, errors.New("session manager is required")
	case opts.Executor == nil:
		return nil, errors.New("executor is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		scheduler: opts.Scheduler,
		session:   opts.Session,
		executor:  opts.Executor,
		notifier:  opts.Notifier,
		poll:      poll,
		heartbeat: heartbeat,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "slot_runner", "slot_id", opts.Session.SlotID()),
	}, nil
}

// Run claims and executes jobs until ctx is cancelled, then unloads the model and gives up the slot.
// Returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting slot runner", "poll_interval", r.poll)

	var wake <-chan struct{}
	if r.notifier != nil {
		unsub, ch := r.notifier.Subscribe(job.ChannelBatchJobQueued)
		defer unsub()
		wake = ch
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return r.loop(gctx, wake)
	})
	err := g.Wait()

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if relErr := r.session.Release(releaseCtx); relErr != nil {
		r.logger.WarnContext(ctx, "release slot failed", "error", relErr)
	}

	r.logger.InfoContext(ctx, "slot runner stopped", "reason", ctx.Err())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Runner) loop(ctx context.Context, wake <-chan struct{}) error {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()
	for ctx.Err() == nil {
		start := time.Now()
		claimed, err := r.RunOnce(ctx)
		r.emitCycleMetrics(claimed, time.Since(start), err)
		if err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "slot cycle failed", "error", err)
		}
		if claimed && err == nil {
			continue
		}

		timer.Reset(r.poll)
		select {
		case <-ctx.Done():
		case _, ok := <-wake:
			if !ok {
				// Notifier stopped; fall back to polling.
				wake = nil
			}
		case <-timer.C:
		}
	}
	return ctx.Err()
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.session.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "slot heartbeat failed", "error", err)
			}
		}
	}
}

// RunOnce claims at most one job, preferring the model already loaded, and drives it to a
// settled or requeued state. It reports whether a job was claimed.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	claimed, err := r.scheduler.NextFor(ctx, r.session.LoadedModel())
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return false, nil
		}
		return false, fmt.Errorf("claim next job: %w", err)
	}
	return true, r.process(ctx, claimed)
}

func (r *Runner) process(ctx context.Context, j *model.BatchJob) error {
	jobCtx, release := r.holdLease(ctx, j.ID)
	defer release()
	err := r.run(jobCtx, j)
	if errors.Is(context.Cause(jobCtx), errLeaseLost) {
		r.logger.WarnContext(ctx, "job lease lost; abandoning the job to its new owner", "job_id", j.ID)
		return nil
	}
	return err
}

// holdLease renews the job's lease until release is called. The returned context is cancelled
// with errLeaseLost once the job is no longer ours.
func (r *Runner) holdLease(ctx context.Context, jobID string) (context.Context, func()) {
	leaseCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.scheduler.LeaseRenewInterval())
		defer ticker.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
			}
			ok, err := r.scheduler.RenewLease(leaseCtx, jobID)
			switch {
			case err != nil:
				if leaseCtx.Err() == nil {
					r.logger.WarnContext(leaseCtx, "job lease renewal failed", "job_id", jobID, "error", err)
				}
			case !ok:
				cancel(errLeaseLost)
				return
			}
		}
	}()
	return leaseCtx, func() {
		cancel(nil)
		<-done
	}
}

func (r *Runner) run(ctx context.Context, j *model.BatchJob) error {
	logger := r.logger.With("job_id", j.ID, "model_id", j.ModelID)

	// Empty jobs, and jobs whose final chunk committed before a crash, need no model.
	if j.Checkpoint >= j.RequestCounts.Total {
		logger.InfoContext(ctx, "finalizing batch job without a model", "checkpoint", j.Checkpoint, "total", j.RequestCounts.Total)
		return r.execute(ctx, logger, j)
	}

	if err := r.session.EnsureLoaded(ctx, j.ModelID); err != nil {
		if ctx.Err() != nil || errors.Is(err, service.ErrSlotHeld) {
			r.requeue(ctx, j)
			return err
		}
		code, reason := loadFailure(err)
		r.settle(ctx, j, model.BatchJobStatusFailed, code, reason)
		return nil
	}

	if err := r.session.Bind(j.ID); err != nil {
		r.settle(ctx, j, model.BatchJobStatusFailed, model.FailureCodeInfrastructure, "bind session: "+err.Error())
		return nil
	}
	defer r.session.Unbind(j.ID)

	logger.InfoContext(ctx, "executing batch job", "checkpoint", j.Checkpoint, "total", j.RequestCounts.Total)
	return r.execute(ctx, logger, j)
}

func (r *Runner) execute(ctx context.Context, logger *slog.Logger, j *model.BatchJob) error {
	completed, err := r.executor.Run(ctx, j)

	var execErr *service.ExecutionError
	switch {
	case completed:
		r.settle(ctx, j, model.BatchJobStatusCompleted, "", "")
	case errors.Is(err, service.ErrJobCancelled):
		// Partial results stay downloadable after a cancel.
		if exportErr := r.executor.Export(ctx, j.ID); exportErr != nil {
			logger.WarnContext(ctx, "export of cancelled job failed", "error", exportErr)
		}
		r.settle(ctx, j, model.BatchJobStatusCancelled, "", "cancelled by request")
	case ctx.Err() != nil:
		r.requeue(ctx, j)
		return ctx.Err()
	case errors.As(err, &execErr):
		r.settle(ctx, j, model.BatchJobStatusFailed, execErr.Code, execErr.Error())
	default:
		r.settle(ctx, j, model.BatchJobStatusFailed, model.FailureCodeInfrastructure, err.Error())
	}
	return nil
}

func loadFailure(err error) (model.FailureCode, string) {
	switch {
	case errors.Is(err, model.ErrModelLoadFailed):
		return model.FailureCodeModelLoadFailed, model.ReasonModelLoadFailed + ": " + err.Error()
	case errors.Is(err, model.ErrModelUnloadFailed):
		return model.FailureCodeModelUnloadFailed, err.Error()
	default:
		return model.FailureCodeInfrastructure, "prepare session: " + err.Error()
	}
}

func (r *Runner) settle(
	ctx context.Context,
	j *model.BatchJob,
	to model.BatchJobStatus,
	code model.FailureCode,
	reason string,
) {
	// A chunk conflict can surface before the renewal loop notices a takeover.
	if owned, err := r.scheduler.RenewLease(ctx, j.ID); err == nil && !owned {
		r.logger.WarnContext(ctx, "job no longer ours; leaving it unsettled",
			"job_id", j.ID,
			"status", to,
		)
		return
	}
	_, err := r.scheduler.MarkStatus(ctx, service.StatusChange{
		JobID:  j.ID,
		From:   []model.BatchJobStatus{model.BatchJobStatusInProgress},
		To:     to,
		Code:   code,
		Reason: reason,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "settle batch job failed",
			"job_id", j.ID,
			"status", to,
			"error", err,
		)
	}
}

// requeue hands an interrupted job back to the queue. The checkpoint makes the next run resume.
func (r *Runner) requeue(ctx context.Context, j *model.BatchJob) {
	requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	moved, err := r.scheduler.Requeue(requeueCtx, j.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "requeue interrupted job failed; recovery will pick it up once its lease lapses",
			"job_id", j.ID,
			"error", err,
		)
		return
	}
	if !moved {
		r.logger.InfoContext(ctx, "interrupted job already left this process", "job_id", j.ID)
		return
	}
	r.logger.InfoContext(ctx, "interrupted job requeued", "job_id", j.ID)
}

func (r *Runner) emitCycleMetrics(claimed bool, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if !claimed {
		result = metrics.ResultNoop
	}
	tags := map[string]string{
		"result":  result,
		"slot_id": r.session.SlotID(),
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	r.metrics.Count("slot.cycle", 1, tags)
	if claimed {
		r.metrics.Timing("slot.job_duration", elapsed, metrics.CloneTags(tags))
	}
}
