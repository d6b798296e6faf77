package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/batch"
	"github.com/target/inferbatch/internal/domain/model"
	"github.com/target/inferbatch/internal/observability/metrics"
	"github.com/target/inferbatch/internal/observability/notify"
)

const (
	defaultDeliveryLease = 2 * time.Minute
	// leaseMargin keeps a lease alive past the attempt timeout or backoff it covers.
	leaseMargin = 5 * time.Second
	// maxErrorBodyBytes bounds how much of a failed response is kept in last_error.
	maxErrorBodyBytes = 512
)

// JobReader loads jobs for payload construction.
type JobReader interface {
	GetByID(ctx context.Context, id string) (*model.BatchJob, error)
}

// WebhookServiceOptions groups dependencies for WebhookService.
type WebhookServiceOptions struct {
	Deliveries core.WebhookDeliveryRepository // Required
	Jobs       JobReader                      // Required
	HTTPClient *http.Client                   // Optional: defaults to a client without a global timeout
	Clock      core.Clock                     // Optional: defaults to the wall clock
	Backoff    batch.Backoff                  // Optional: zero value uses 1s doubling to 30s
	Lease      time.Duration                  // Optional: reservation lease, defaults to 2m
	Notifier   OutcomeNotifier                // Optional: told about dead-lettered deliveries
	Metrics    *metrics.Recorder              // Optional
	Logger     *slog.Logger                   // Optional
	Tracer     trace.Tracer                   // Optional
}

// WebhookService delivers signed job outcome notifications.
//
// A delivery is a small state machine: pending until a 2xx arrives (delivered) or the
// attempt budget is spent (dead_lettered). Every attempt is persisted before the next
// one so a restarted worker only spends the attempts that remain.
type WebhookService struct {
	deliveries core.WebhookDeliveryRepository
	jobs       JobReader
	client     *http.Client
	clock      core.Clock
	backoff    batch.Backoff
	lease      time.Duration
	notifier   OutcomeNotifier
	metrics    *metrics.Recorder
	logger     *slog.Logger
	tracer     trace.Tracer

	wake chan struct{}
}

// NewWebhookService constructs a WebhookService.
func NewWebhookService(opts WebhookServiceOptions) (*WebhookService, error) {
	if opts.Deliveries == nil {
		return nil, errors.New("WebhookDeliveryRepository is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobReader is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	var clock core.Clock = core.RealClock{}
	if opts.Clock != nil {
		clock = opts.Clock
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = defaultDeliveryLease
	}
	backoff := opts.Backoff
	if backoff == (batch.Backoff{}) {
		backoff = batch.DefaultBackoff()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &WebhookService{
		deliveries: opts.Deliveries,
		jobs:       opts.Jobs,
		client:     client,
		clock:      clock,
		backoff:    backoff,
		lease:      lease,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "webhook"),
		tracer:     tracer,
		wake:       make(chan struct{}, 1),
	}, nil
}

// Dispatch announces that job has a pending delivery. The delivery row itself was written
// with the terminal transition; this only wakes in-process workers early.
func (s *WebhookService) Dispatch(ctx context.Context, job *model.BatchJob) bool {
	select {
	case s.wake <- struct{}{}:
		s.logger.DebugContext(ctx, "webhook workers woken", "job_id", job.ID, "status", job.Status)
		return true
	default:
		return false
	}
}

// Wake fires after Dispatch.
func (s *WebhookService) Wake() <-chan struct{} { return s.wake }

// ProcessNext reserves one due delivery and drives it to completion. It returns
// model.ErrNoDeliveriesAvailable when nothing is due.
func (s *WebhookService) ProcessNext(ctx context.Context) (*model.WebhookDelivery, error) {
	d, err := s.deliveries.ReserveNext(ctx, s.lease)
	if err != nil {
		return nil, err
	}
	if err := s.Deliver(ctx, d); err != nil {
		return d, err
	}
	return d, nil
}

// Deliver runs the remaining attempts of a reserved delivery. Context cancellation
// releases the lease so another worker resumes with the attempts left.
func (s *WebhookService) Deliver(ctx context.Context, d *model.WebhookDelivery) error {
	logger := s.logger.With("delivery_id", d.ID, "job_id", d.BatchJobID, "event", d.Event)

	job, err := s.jobs.GetByID(ctx, d.BatchJobID)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			return s.deadLetter(ctx, d, "batch job no longer exists", d.Attempt)
		}
		s.releaseLease(ctx, d)
		return fmt.Errorf("load job for delivery: %w", err)
	}
	if job.Webhook == nil || job.Webhook.URL == "" {
		return s.deadLetter(ctx, d, "webhook configuration removed from job", d.Attempt)
	}

	lastErr := ""
	if d.LastError != nil {
		lastErr = *d.LastError
	}
	timeout := job.Webhook.Timeout
	if timeout <= 0 {
		timeout = model.DefaultWebhookTimeout
	}
	attempt := d.Attempt
	for attempt < d.MaxAttempts {
		attempt++
		if err := s.clock.Sleep(ctx, s.backoff.Delay(attempt)); err != nil {
			s.releaseLease(ctx, d)
			return err
		}

		// The attempt is spent before the POST so a worker whose lease lapsed cannot repeat it.
		if err := s.deliveries.ClaimAttempt(ctx, d.ID, attempt, s.leaseFor(timeout)); err != nil {
			if errors.Is(err, model.ErrDeliveryClaimLost) {
				logger.WarnContext(ctx, "delivery attempt claimed elsewhere; stopping", "attempt", attempt)
				return nil
			}
			s.releaseLease(ctx, d)
			return fmt.Errorf("claim attempt: %w", err)
		}
		d.Attempt = attempt

		status, sendErr := s.send(ctx, job, d.ID, d.Event, d.URL, attempt)
		if ctx.Err() != nil {
			s.releaseLease(ctx, d)
			return ctx.Err()
		}
		rec := model.DeliveryAttempt{
			DeliveryID: d.ID,
			Attempt:    attempt,
			StatusCode: status,
			At:         s.clock.Now(),
		}
		if sendErr != nil {
			rec.Err = sendErr.Error()
		}
		if err := s.deliveries.RecordAttempt(ctx, rec, s.leaseFor(s.backoff.Delay(attempt+1))); err != nil {
			if errors.Is(err, model.ErrDeliveryNotFound) {
				logger.WarnContext(ctx, "delivery settled elsewhere; stopping")
				return nil
			}
			return fmt.Errorf("record attempt: %w", err)
		}

		if sendErr == nil {
			if _, err := s.deliveries.MarkDelivered(ctx, d.ID); err != nil {
				return fmt.Errorf("mark delivered: %w", err)
			}
			logger.InfoContext(ctx, "webhook delivered", "attempt", attempt, "status_code", status)
			return nil
		}
		lastErr = sendErr.Error()
		logger.WarnContext(ctx, "webhook attempt failed",
			"attempt", attempt,
			"max_attempts", d.MaxAttempts,
			"status_code", status,
			"error", sendErr,
		)
	}

	if lastErr == "" {
		lastErr = "no attempts remaining"
	}
	return s.deadLetter(ctx, d, lastErr, attempt)
}

// leaseFor returns a lease long enough to cover a wait of d.
func (s *WebhookService) leaseFor(d time.Duration) time.Duration {
	return max(s.lease, d+leaseMargin)
}

// Attempt performs one signed POST of job's payload outside the retry loop.
func (s *WebhookService) Attempt(
	ctx context.Context,
	job *model.BatchJob,
	deliveryID string,
	event model.WebhookEvent,
	url string,
) (int, error) {
	return s.send(ctx, job, deliveryID, event, url, 1)
}

func (s *WebhookService) send(
	ctx context.Context,
	job *model.BatchJob,
	deliveryID string,
	event model.WebhookEvent,
	url string,
	attempt int,
) (status int, err error) {
	ctx, span := s.tracer.Start(ctx, "webhook.attempt", trace.WithAttributes(
		attribute.String("webhook.delivery_id", deliveryID),
		attribute.String("webhook.event", string(event)),
		attribute.Int("webhook.attempt", attempt),
	))
	start := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int("http.status_code", status))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
		}
		s.metrics.WebhookAttempt(metrics.WebhookMetric{
			Event:      string(event),
			Attempt:    attempt,
			StatusCode: status,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}()

	cfg := job.Webhook
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = model.DefaultWebhookTimeout
	}
	body, err := CanonicalJSON(model.PayloadFor(job))
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", WebhookUserAgent)
	req.Header.Set(HeaderEvent, string(event))
	req.Header.Set(HeaderDeliveryID, deliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(s.clock.Now().Unix(), 10))
	if cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(cfg.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, fmt.Errorf("attempt timed out after %s", timeout)
		}
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if len(snippet) > 0 {
		return resp.StatusCode, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
}

func (s *WebhookService) deadLetter(ctx context.Context, d *model.WebhookDelivery, reason string, attempts int) error {
	entry, err := s.deliveries.DeadLetter(ctx, d.ID, reason)
	if err != nil {
		return fmt.Errorf("dead-letter delivery: %w", err)
	}
	s.metrics.DeadLetter(string(d.Event))
	s.logger.ErrorContext(ctx, "webhook delivery dead-lettered",
		"delivery_id", d.ID,
		"job_id", d.BatchJobID,
		"dead_letter_id", entry.ID,
		"attempts", attempts,
		"error", reason,
	)
	if s.notifier != nil {
		outcome := notify.JobOutcome{
			Kind:       notify.KindDeliveryDeadLettered,
			JobID:      d.BatchJobID,
			DeliveryID: d.ID,
			URL:        d.URL,
			Attempts:   entry.Attempts,
			Error:      reason,
			Severity:   notify.SeverityWarning,
			OccurredAt: s.clock.Now(),
		}
		if err := s.notifier.Notify(ctx, outcome); err != nil {
			s.logger.WarnContext(ctx, "outcome notification failed", "delivery_id", d.ID, "error", err)
		}
	}
	return nil
}

func (s *WebhookService) releaseLease(ctx context.Context, d *model.WebhookDelivery) {
	// The caller's context may already be done; the release must still land.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.deliveries.ReleaseLease(releaseCtx, d.ID); err != nil {
		s.logger.WarnContext(ctx, "release webhook lease failed", "delivery_id", d.ID, "error", err)
	}
}
