// Package outcomenotifier fans job failures and dead-lettered deliveries out to operator sinks.
package outcomenotifier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/target/inferbatch/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the outcome notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// SkipCodes suppresses job failures with these failure codes (e.g. input_invalid,
	// which is the submitter's problem rather than the operator's).
	SkipCodes []string
}

// Service dispatches outcome events to all registered sinks.
type Service struct {
	logger *slog.Logger
	sinks  []SinkRegistration
	skip   map[string]struct{}
}

// NewService constructs an outcome notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{
			Name: name,
			Sink: entry.Sink,
		})
	}

	skip := make(map[string]struct{}, len(opts.SkipCodes))
	for _, code := range opts.SkipCodes {
		skip[code] = struct{}{}
	}

	return &Service{
		logger: logger.With("component", "outcome_notifier"),
		sinks:  sinks,
		skip:   skip,
	}
}

// Notify fans the outcome out to all sinks and waits for them. Sink errors are logged, never returned.
func (s *Service) Notify(ctx context.Context, outcome notify.JobOutcome) error {
	if len(s.sinks) == 0 {
		return nil
	}

	if outcome.Kind == notify.KindJobFailed {
		if _, ok := s.skip[outcome.FailureCode]; ok {
			s.logger.DebugContext(ctx, "skipping notification for suppressed failure code",
				"job_id", outcome.JobID,
				"failure_code", outcome.FailureCode,
			)
			return nil
		}
	}

	if outcome.Severity == "" {
		outcome.Severity = notify.SeverityCritical
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.Notify(ctx, outcome); err != nil {
				s.logger.ErrorContext(ctx, "outcome notifier delivery error",
					"sink", entry.Name,
					"kind", outcome.Kind,
					"job_id", outcome.JobID,
					"delivery_id", outcome.DeliveryID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
	return nil
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return len(s.sinks) > 0
}
