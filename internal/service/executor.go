package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/batch"
	"github.com/target/inferbatch/internal/domain/model"
	apperrors "github.com/target/inferbatch/internal/errors"
	"github.com/target/inferbatch/internal/observability/metrics"
)

const instrumentationName = "github.com/target/inferbatch/internal/service"

// ErrJobCancelled is returned by Executor.Run when cancellation was requested at a chunk boundary.
var ErrJobCancelled = errors.New("batch job cancellation requested")

// ExecutionError reports a failure that ends the whole job rather than individual requests.
type ExecutionError struct {
	Code   model.FailureCode
	Reason string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ExecutorJobs is the slice of job persistence the executor needs.
type ExecutorJobs interface {
	CancelRequested(ctx context.Context, id string) (bool, error)
	SetOutputRefs(ctx context.Context, id string, refs model.ExportRefs) error
}

// SessionView answers whether a slot can run chunks for a model right now.
type SessionView interface {
	IsReadyFor(modelID string) bool
}

// ExecutorOptions groups dependencies for Executor.
type ExecutorOptions struct {
	Checkpoints core.CheckpointStore  // Required
	Jobs        ExecutorJobs          // Required
	Source      core.RequestSource    // Required
	Backend     core.InferenceBackend // Required
	Session     SessionView           // Required
	Exporter    core.ResultExporter   // Optional: materializes output files on completion
	Metrics     *metrics.Recorder     // Optional
	Logger      *slog.Logger          // Optional
	Tracer      trace.Tracer          // Optional: defaults to the global provider
}

// Executor runs one job's requests through a loaded model, chunk by chunk, committing a
// checkpoint after every chunk so a restart resumes where the last commit left off.
type Executor struct {
	checkpoints core.CheckpointStore
	jobs        ExecutorJobs
	source      core.RequestSource
	backend     core.InferenceBackend
	session     SessionView
	exporter    core.ResultExporter
	metrics     *metrics.Recorder
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewExecutor constructs an Executor.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	switch {
	case opts.Checkpoints == nil:
		return nil, errors.New("CheckpointStore is required")
	case opts.Jobs == nil:
		return nil, errors.New("ExecutorJobs is required")
	case opts.Source == nil:
		return nil, errors.New("RequestSource is required")
	case opts.Backend == nil:
		return nil, errors.New("InferenceBackend is required")
	case opts.Session == nil:
		return nil, errors.New("SessionView is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &Executor{
		checkpoints: opts.Checkpoints,
		jobs:        opts.Jobs,
		source:      opts.Source,
		backend:     opts.Backend,
		session:     opts.Session,
		exporter:    opts.Exporter,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "executor"),
		tracer:      tracer,
	}, nil
}

// Run executes job from its stored checkpoint to the end.
//
// It reports true once every request has a committed result. Otherwise the error is
// ErrJobCancelled when a cancellation was seen between chunks, an *ExecutionError when the
// job must fail, or the context error on shutdown (the job stays in_progress for recovery).
// Per-request backend errors never fail the job; they become failed result rows.
func (e *Executor) Run(ctx context.Context, job *model.BatchJob) (completed bool, err error) {
	ctx, span := e.tracer.Start(ctx, "batch.execute", trace.WithAttributes(
		attribute.String("batch.job_id", job.ID),
		attribute.String("batch.model_id", job.ModelID),
		attribute.Int("batch.total", job.RequestCounts.Total),
		attribute.Int("batch.chunk_size", job.ChunkSize),
	))
	defer func() {
		if err != nil && !errors.Is(err, ErrJobCancelled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	cursor, err := e.checkpoints.Get(ctx, job.ID)
	if err != nil {
		return false, e.infrastructure(ctx, "read checkpoint", err)
	}
	total := job.RequestCounts.Total
	if cursor > 0 {
		e.logger.InfoContext(ctx, "resuming batch job from checkpoint",
			"job_id", job.ID,
			"checkpoint", cursor,
			"total", total,
		)
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		chunk, ok := batch.NextChunk(cursor, total, job.ChunkSize)
		if !ok {
			break
		}

		cancelled, cancelErr := e.jobs.CancelRequested(ctx, job.ID)
		if cancelErr != nil {
			return false, e.infrastructure(ctx, "read cancellation flag", cancelErr)
		}
		if cancelled {
			e.logger.InfoContext(ctx, "batch job cancelled at chunk boundary",
				"job_id", job.ID,
				"checkpoint", cursor,
			)
			return false, ErrJobCancelled
		}

		next, chunkErr := e.runChunk(ctx, job, chunk)
		if chunkErr != nil {
			return false, chunkErr
		}
		cursor = next
	}

	if err := e.Export(ctx, job.ID); err != nil {
		return false, e.infrastructure(ctx, "export results", err)
	}
	return true, nil
}

// Export materializes a job's committed results and records the file refs on the job.
func (e *Executor) Export(ctx context.Context, jobID string) error {
	if e.exporter == nil {
		return nil
	}
	refs, err := e.exporter.Export(ctx, jobID)
	if err != nil {
		return err
	}
	return e.jobs.SetOutputRefs(ctx, jobID, refs)
}

func (e *Executor) runChunk(ctx context.Context, job *model.BatchJob, chunk batch.Chunk) (int, error) {
	ctx, span := e.tracer.Start(ctx, "batch.chunk", trace.WithAttributes(
		attribute.String("batch.job_id", job.ID),
		attribute.Int("batch.chunk_index", chunk.Index),
		attribute.Int("batch.chunk_start", chunk.Start),
		attribute.Int("batch.chunk_count", chunk.Count),
	))
	defer span.End()
	start := time.Now()

	rangeLabel := fmt.Sprintf("requests [%d, %d)", chunk.Start, chunk.End())

	if !e.session.IsReadyFor(job.ModelID) {
		e.recordChunk(job, chunk, 0, start, model.ErrSessionNotReady, true)
		return 0, e.infrastructure(ctx, "session lost before "+rangeLabel, model.ErrSessionNotReady)
	}

	reqs, err := e.source.Read(ctx, job.InputRef, chunk.Start, chunk.Count)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		e.recordChunk(job, chunk, 0, start, err, true)
		return 0, e.infrastructure(ctx, "read input "+rangeLabel, err)
	}
	if len(reqs) != chunk.Count {
		err := fmt.Errorf("input returned %d requests, want %d", len(reqs), chunk.Count)
		e.recordChunk(job, chunk, 0, start, err, true)
		return 0, e.infrastructure(ctx, "read input "+rangeLabel, err)
	}

	results, err := e.execute(ctx, job, chunk, reqs)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		e.recordChunk(job, chunk, 0, start, err, true)
		return 0, e.infrastructure(ctx, "execute "+rangeLabel, err)
	}

	commit := model.ChunkCommit{JobID: job.ID, FromCursor: chunk.Start, Results: results}
	next, err := e.checkpoints.CommitChunk(ctx, commit)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		e.recordChunk(job, chunk, 0, start, err, true)
		return 0, e.infrastructure(ctx, "commit "+rangeLabel, err)
	}

	_, failed := commit.Counts()
	span.SetAttributes(attribute.Int("batch.chunk_failed", failed))
	e.recordChunk(job, chunk, failed, start, nil, false)
	e.logger.DebugContext(ctx, "chunk committed",
		"job_id", job.ID,
		"chunk", chunk.Index,
		"checkpoint", next,
		"failed", failed,
		"duration", time.Since(start),
	)
	return next, nil
}

// execute maps a chunk to result rows. Only infrastructure errors are returned; any other
// backend error fails every request of the chunk and execution continues.
func (e *Executor) execute(
	ctx context.Context,
	job *model.BatchJob,
	chunk batch.Chunk,
	reqs []model.InferenceRequest,
) ([]model.RequestResult, error) {
	resps, err := e.backend.Execute(ctx, job.ModelID, reqs)
	if err != nil {
		if isInfrastructure(err) || ctx.Err() != nil {
			return nil, err
		}
		e.logger.WarnContext(ctx, "backend rejected chunk; failing its requests",
			"job_id", job.ID,
			"chunk", chunk.Index,
			"error", err,
		)
		return failChunk(job.ID, chunk, reqs, err.Error()), nil
	}
	if len(resps) != len(reqs) {
		msg := fmt.Sprintf("backend returned %d responses for %d requests", len(resps), len(reqs))
		e.logger.WarnContext(ctx, "backend response count mismatch; failing chunk",
			"job_id", job.ID,
			"chunk", chunk.Index,
			"responses", len(resps),
			"requests", len(reqs),
		)
		return failChunk(job.ID, chunk, reqs, msg), nil
	}

	results := make([]model.RequestResult, len(reqs))
	for i, req := range reqs {
		resp := resps[i]
		r := model.RequestResult{
			BatchJobID: job.ID,
			Index:      chunk.Start + i,
			CustomID:   req.CustomID,
		}
		if resp.Error != "" {
			r.Error = resp.Error
		} else {
			r.OK = true
			r.Response = resp.Body
		}
		results[i] = r
	}
	return results, nil
}

func failChunk(jobID string, chunk batch.Chunk, reqs []model.InferenceRequest, msg string) []model.RequestResult {
	results := make([]model.RequestResult, len(reqs))
	for i, req := range reqs {
		results[i] = model.RequestResult{
			BatchJobID: jobID,
			Index:      chunk.Start + i,
			CustomID:   req.CustomID,
			Error:      msg,
		}
	}
	return results
}

func isInfrastructure(err error) bool {
	if errors.Is(err, model.ErrSessionNotReady) {
		return true
	}
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeUnavailable, apperrors.ErrCodeTimeout:
		return true
	}
	return false
}

func (e *Executor) infrastructure(ctx context.Context, reason string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return &ExecutionError{Code: model.FailureCodeInfrastructure, Reason: reason, Err: err}
}

func (e *Executor) recordChunk(
	job *model.BatchJob,
	chunk batch.Chunk,
	failed int,
	start time.Time,
	err error,
	abandoned bool,
) {
	e.metrics.Chunk(metrics.ChunkMetric{
		ModelID:   job.ModelID,
		Size:      chunk.Count,
		Failed:    failed,
		Duration:  time.Since(start),
		Err:       err,
		Abandoned: abandoned,
	})
}
