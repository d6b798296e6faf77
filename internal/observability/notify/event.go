// Package notify defines the outcome notifications fanned out to operator sinks.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Outcome kinds.
const (
	KindJobFailed            = "job_failed"
	KindDeliveryDeadLettered = "delivery_dead_lettered"
)

// JobOutcome captures what operators are told about a failed job or an exhausted webhook delivery.
type JobOutcome struct {
	Kind        string
	JobID       string
	ModelID     string
	FailureCode string
	DeliveryID  string
	URL         string
	Attempts    int
	Error       string
	ErrorClass  string
	Severity    string
	OccurredAt  time.Time
	Metadata    map[string]string
}

// Sink describes a destination capable of consuming outcome notifications.
type Sink interface {
	Notify(ctx context.Context, outcome JobOutcome) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, outcome JobOutcome) error

// Notify implements the Sink interface.
func (f SinkFunc) Notify(ctx context.Context, outcome JobOutcome) error {
	if f == nil {
		return nil
	}
	return f(ctx, outcome)
}

// LogSink writes outcomes to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Notify implements the Sink interface.
func (s LogSink) Notify(ctx context.Context, o JobOutcome) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "job outcome",
		"kind", o.Kind,
		"job_id", o.JobID,
		"model_id", o.ModelID,
		"failure_code", o.FailureCode,
		"delivery_id", o.DeliveryID,
		"attempts", o.Attempts,
		"error", o.Error,
		"severity", o.Severity,
	)
	return nil
}
