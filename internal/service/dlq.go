package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/model"
	apperrors "github.com/target/inferbatch/internal/errors"
)

const defaultSweepBatch = 50

// DeadLetterServiceOptions groups dependencies for DeadLetterService.
type DeadLetterServiceOptions struct {
	DeadLetters core.DeadLetterRepository // Required
	Jobs        JobReader                 // Required
	Webhooks    *WebhookService           // Required: performs the retry attempt
	Clock       core.Clock                // Optional
	Limiter     *rate.Limiter             // Optional: paces SweepOnce, defaults to 1/s
	SweepBatch  int                       // Optional: entries per sweep, defaults to 50
	Logger      *slog.Logger              // Optional
}

// DeadLetterService administers exhausted webhook deliveries.
type DeadLetterService struct {
	entries    core.DeadLetterRepository
	jobs       JobReader
	webhooks   *WebhookService
	clock      core.Clock
	limiter    *rate.Limiter
	sweepBatch int
	logger     *slog.Logger
}

// NewDeadLetterService constructs a DeadLetterService.
func NewDeadLetterService(opts DeadLetterServiceOptions) (*DeadLetterService, error) {
	switch {
	case opts.DeadLetters == nil:
		return nil, errors.New("DeadLetterRepository is required")
	case opts.Jobs == nil:
		return nil, errors.New("JobReader is required")
	case opts.Webhooks == nil:
		return nil, errors.New("WebhookService is required")
	}
	var clock core.Clock = core.RealClock{}
	if opts.Clock != nil {
		clock = opts.Clock
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(1), 1)
	}
	batchSize := opts.SweepBatch
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterService{
		entries:    opts.DeadLetters,
		jobs:       opts.Jobs,
		webhooks:   opts.Webhooks,
		clock:      clock,
		limiter:    limiter,
		sweepBatch: batchSize,
		logger:     logger.With("component", "dead_letter"),
	}, nil
}

// List returns DLQ entries matching filter.
func (s *DeadLetterService) List(ctx context.Context, filter model.DeadLetterFilter) ([]*model.DeadLetterEntry, error) {
	return s.entries.List(ctx, filter)
}

// Get loads one entry.
func (s *DeadLetterService) Get(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	entry, err := s.entries.GetByID(ctx, id)
	if err != nil {
		return nil, mapDeadLetterError(err)
	}
	return entry, nil
}

// Retry makes one fresh, signed attempt for an entry and records the outcome on it.
// A failed attempt is not an error: the returned entry carries RetrySuccess=false.
func (s *DeadLetterService) Retry(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	attemptErr := s.attempt(ctx, entry)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	retry := model.DeadLetterRetry{ID: entry.ID, Success: attemptErr == nil, At: s.clock.Now()}
	if attemptErr != nil {
		retry.Err = attemptErr.Error()
	}
	updated, err := s.entries.RecordRetry(ctx, retry)
	if err != nil {
		return nil, mapDeadLetterError(err)
	}
	s.logger.InfoContext(ctx, "dead letter retried",
		"dead_letter_id", updated.ID,
		"delivery_id", updated.DeliveryID,
		"job_id", updated.BatchJobID,
		"success", retry.Success,
		"retry_count", updated.RetryCount,
		"error", retry.Err,
	)
	return updated, nil
}

// Delete removes an entry.
func (s *DeadLetterService) Delete(ctx context.Context, id string) error {
	if err := s.entries.Delete(ctx, id); err != nil {
		return mapDeadLetterError(err)
	}
	s.logger.InfoContext(ctx, "dead letter deleted", "dead_letter_id", id)
	return nil
}

// SweepOnce retries entries that were never retried, one attempt each, paced by the limiter.
// It returns how many entries were retried successfully.
func (s *DeadLetterService) SweepOnce(ctx context.Context) (int, error) {
	entries, err := s.entries.List(ctx, model.DeadLetterFilter{NeverRetried: true, Limit: s.sweepBatch})
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}
	recovered := 0
	for _, entry := range entries {
		if err := s.limiter.Wait(ctx); err != nil {
			return recovered, err
		}
		updated, err := s.Retry(ctx, entry.ID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue // deleted by an operator mid-sweep
			}
			return recovered, err
		}
		if updated.RetrySuccess != nil && *updated.RetrySuccess {
			recovered++
		}
	}
	return recovered, nil
}

func (s *DeadLetterService) attempt(ctx context.Context, entry *model.DeadLetterEntry) error {
	job, err := s.jobs.GetByID(ctx, entry.BatchJobID)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			return errors.New("batch job no longer exists")
		}
		return fmt.Errorf("load job: %w", err)
	}
	if job.Webhook == nil {
		return errors.New("webhook configuration removed from job")
	}
	_, err = s.webhooks.Attempt(ctx, job, entry.DeliveryID, entry.Event, entry.URL)
	return err
}

func mapDeadLetterError(err error) error {
	if errors.Is(err, model.ErrDeadLetterNotFound) {
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "dead letter entry not found")
	}
	return err
}
