package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeScheduler runs the slot runners that claim and execute batch jobs.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeWebhookRunner runs webhook delivery workers and the DLQ sweeper.
	ServiceModeWebhookRunner ServiceMode = "webhook-runner"
	// ServiceModeReaper runs the retention reaper.
	ServiceModeReaper ServiceMode = "reaper"
	// ServiceModeOps runs the /healthz and /metrics listener.
	ServiceModeOps ServiceMode = "ops"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeScheduler,
		ServiceModeWebhookRunner,
		ServiceModeReaper,
		ServiceModeOps,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeScheduler,
			ServiceModeWebhookRunner,
			ServiceModeReaper,
			ServiceModeOps:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: scheduler, webhook-runner, reaper, ops)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WebhookConfig contains webhook delivery worker configuration.
type WebhookConfig struct {
	// Concurrency is the number of delivery workers.
	Concurrency int `env:"CONCURRENCY" envDefault:"4"`

	// LeaseDuration is how long a reserved delivery stays invisible to other workers.
	// It is extended after every attempt.
	LeaseDuration time.Duration `env:"LEASE_DURATION" envDefault:"2m"`

	// PollInterval is how often idle workers look for due deliveries.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`

	// BackoffInitial is the wait before the second attempt.
	BackoffInitial time.Duration `env:"BACKOFF_INITIAL" envDefault:"1s"`

	// BackoffMax caps the wait between attempts.
	BackoffMax time.Duration `env:"BACKOFF_MAX" envDefault:"30s"`
}

// Sanitize applies guardrails to webhook configuration values.
func (w *WebhookConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.LeaseDuration < 10*time.Second {
		w.LeaseDuration = 10 * time.Second
	}
	if w.PollInterval < 100*time.Millisecond {
		w.PollInterval = 100 * time.Millisecond
	}
	if w.BackoffInitial <= 0 {
		w.BackoffInitial = time.Second
	}
	if w.BackoffMax < w.BackoffInitial {
		w.BackoffMax = w.BackoffInitial
	}
}

// DLQConfig contains the automatic dead letter retry sweeper configuration.
type DLQConfig struct {
	// AutoRetryEnabled turns on the sweeper.
	AutoRetryEnabled bool `env:"AUTO_RETRY_ENABLED" envDefault:"false"`

	// AutoRetryInterval is the time between sweeps.
	AutoRetryInterval time.Duration `env:"AUTO_RETRY_INTERVAL" envDefault:"15m"`

	// AutoRetryRate is the maximum retries per second during a sweep.
	AutoRetryRate float64 `env:"AUTO_RETRY_RATE" envDefault:"1"`

	// AutoRetryBatch is the maximum entries retried per sweep.
	AutoRetryBatch int `env:"AUTO_RETRY_BATCH" envDefault:"50"`
}

// Sanitize applies guardrails to DLQ configuration values.
func (d *DLQConfig) Sanitize() {
	if d.AutoRetryInterval < time.Minute {
		d.AutoRetryInterval = time.Minute
	}
	if d.AutoRetryRate <= 0 {
		d.AutoRetryRate = 1
	}
	if d.AutoRetryBatch < 1 {
		d.AutoRetryBatch = 1
	}
}

// ReaperConfig contains retention reaper configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"INTERVAL" envDefault:"5m"`

	// DeliveredMaxAge is how long delivered webhook rows are kept.
	DeliveredMaxAge time.Duration `env:"DELIVERED_MAX_AGE" envDefault:"168h"` // 7 days

	// ResultsMaxAge is how long result rows of finished jobs are kept after export.
	ResultsMaxAge time.Duration `env:"RESULTS_MAX_AGE" envDefault:"720h"` // 30 days

	// ValidatingMaxAge is how long a job may stay in validating before it is failed.
	ValidatingMaxAge time.Duration `env:"VALIDATING_MAX_AGE" envDefault:"1h"`

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.DeliveredMaxAge < 1*time.Hour {
		r.DeliveredMaxAge = 1 * time.Hour
	}
	if r.ResultsMaxAge < 24*time.Hour {
		r.ResultsMaxAge = 24 * time.Hour
	}
	if r.ValidatingMaxAge < 5*time.Minute {
		r.ValidatingMaxAge = 5 * time.Minute
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
