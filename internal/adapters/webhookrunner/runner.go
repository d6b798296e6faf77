// Package webhookrunner runs the webhook delivery workers and the dead letter auto-retry sweeper.
package webhookrunner

import (
	"context"
	"errors"
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

const defaultPollInterval = 5 * time.Second

// RunnerOptions configures the webhook runner adapter.
type RunnerOptions struct {
	Webhooks    *service.WebhookService    // Required
	DeadLetters *service.DeadLetterService // Optional: enables the sweeper when SweepInterval > 0
	Notifier    job.Notifier               // Optional: wakes workers when a delivery is enqueued

	Concurrency   int           // number of delivery workers; defaults to 1
	PollInterval  time.Duration // idle re-check interval; defaults to 5s
	SweepInterval time.Duration // DLQ auto-retry interval; zero disables the sweeper

	Metrics statsd.Sink
	Logger  *slog.Logger
}

// Runner drives pending webhook deliveries to delivered or dead_lettered.
type Runner struct {
	webhooks    *service.WebhookService
	deadLetters *service.DeadLetterService
	notifier    job.Notifier
	workers     int
	poll        time.Duration
	sweep       time.Duration
	metrics     statsd.Sink
	logger      *slog.Logger
}

// NewRunner creates a webhook runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Webhooks == nil {
		return nil, errors.New("webhook service is required")
	}
	workers := opts.Concurrency
	if workers < 1 {
		workers = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	sweep := opts.SweepInterval
	if opts.DeadLetters == nil {
		sweep = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		webhooks:    opts.Webhooks,
		deadLetters: opts.DeadLetters,
		notifier:    opts.Notifier,
		workers:     workers,
		poll:        poll,
		sweep:       sweep,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "webhook_runner"),
	}, nil
}

// Run starts the workers and blocks until ctx is cancelled. Returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting webhook runner",
		"workers", r.workers,
		"poll_interval", r.poll,
		"sweep_interval", r.sweep,
	)

	var notify <-chan struct{}
	if r.notifier != nil {
		unsub, ch := r.notifier.Subscribe(job.ChannelWebhookPending)
		defer unsub()
		notify = ch
	}

	g, gctx := errgroup.WithContext(ctx)
	for range r.workers {
		g.Go(func() error {
			r.workerLoop(gctx, notify)
			return nil
		})
	}
	if r.sweep > 0 {
		g.Go(func() error {
			r.sweepLoop(gctx)
			return nil
		})
	}
	err := g.Wait()

	r.logger.InfoContext(ctx, "webhook runner stopped", "reason", ctx.Err())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// workerLoop drains due deliveries, then sleeps until a notification, a local wake or the poll timer.
// Repository errors are logged and retried on the next tick so a database blip does not stop delivery.
func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()
	for ctx.Err() == nil {
		start := time.Now()
		d, err := r.webhooks.ProcessNext(ctx)
		r.emitCycleMetrics(d, time.Since(start), err)
		switch {
		case err == nil:
			continue
		case errors.Is(err, model.ErrNoDeliveriesAvailable):
		case ctx.Err() != nil:
			return
		default:
			r.logger.ErrorContext(ctx, "webhook delivery cycle failed", "error", err)
		}

		timer.Reset(r.poll)
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notify:
			if !ok {
				notify = nil
			}
		case <-r.webhooks.Wake():
		case <-timer.C:
		}
	}
}

func (r *Runner) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce retries dead letters that were never retried.
func (r *Runner) SweepOnce(ctx context.Context) {
	if r.deadLetters == nil {
		return
	}
	recovered, err := r.deadLetters.SweepOnce(ctx)
	if err != nil && ctx.Err() == nil {
		r.logger.WarnContext(ctx, "dead letter sweep failed", "recovered", recovered, "error", err)
		return
	}
	if recovered > 0 {
		r.logger.InfoContext(ctx, "dead letter sweep recovered deliveries", "recovered", recovered)
	}
	if r.metrics != nil {
		r.metrics.Count("webhook.dlq_sweep_recovered", int64(recovered), nil)
	}
}

func (r *Runner) emitCycleMetrics(d *model.WebhookDelivery, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}
	result := metrics.ResultSuccess
	switch {
	case errors.Is(err, model.ErrNoDeliveriesAvailable):
		result = metrics.ResultNoop
	case err != nil:
		result = metrics.ResultError
	}
	tags := map[string]string{"result": result}
	if d != nil {
		tags["event"] = string(d.Event)
	}
	if err != nil && result == metrics.ResultError {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	r.metrics.Count("webhook.cycle", 1, tags)
	if d != nil {
		r.metrics.Timing("webhook.delivery_duration", elapsed, metrics.CloneTags(tags))
	}
}
