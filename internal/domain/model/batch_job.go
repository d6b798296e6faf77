// Package model defines the core data types shared by the inferbatch engine.
package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// BatchJobStatus represents the lifecycle state of a batch job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type BatchJobStatus string

const (
	// BatchJobStatusValidating indicates the job was accepted and its input is being checked.
	BatchJobStatusValidating BatchJobStatus = "validating"
	// BatchJobStatusQueued indicates the job is waiting for an executor slot.
	BatchJobStatusQueued BatchJobStatus = "queued"
	// BatchJobStatusInProgress indicates a slot owns the job and is executing chunks.
	BatchJobStatusInProgress BatchJobStatus = "in_progress"
	// BatchJobStatusCompleted indicates every request was processed.
	BatchJobStatusCompleted BatchJobStatus = "completed"
	// BatchJobStatusFailed indicates the job stopped with a failure reason.
	BatchJobStatusFailed BatchJobStatus = "failed"
	// BatchJobStatusCancelled indicates the job was cancelled by a caller.
	BatchJobStatusCancelled BatchJobStatus = "cancelled"
)

// Valid returns true if the status is one of the known values.
func (s BatchJobStatus) Valid() bool {
	switch s {
	case BatchJobStatusValidating, BatchJobStatusQueued, BatchJobStatusInProgress,
		BatchJobStatusCompleted, BatchJobStatusFailed, BatchJobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is final.
func (s BatchJobStatus) Terminal() bool {
	return s == BatchJobStatusCompleted || s == BatchJobStatusFailed || s == BatchJobStatusCancelled
}

// UnmarshalText implements encoding.TextUnmarshaler so statuses can be parsed from flags and env.
func (s *BatchJobStatus) UnmarshalText(text []byte) error {
	v := BatchJobStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid batch job status: %q", string(text))
	}
	*s = v
	return nil
}

// FailureCode is a stable machine-readable reason attached to failed jobs.
type FailureCode string

const (
	FailureCodeInputInvalid      FailureCode = "input_invalid"
	FailureCodeModelLoadFailed   FailureCode = "model_load_failed"
	FailureCodeModelUnloadFailed FailureCode = "model_unload_failed"
	FailureCodeInfrastructure    FailureCode = "infrastructure"
	FailureCodeCheckpointCorrupt FailureCode = "checkpoint_corrupt"
	FailureCodeStuckValidating   FailureCode = "stuck_validating"
)

// ReasonModelLoadFailed is the human-readable reason recorded when a model cannot be loaded.
const ReasonModelLoadFailed = "model load failed"

// Sentinel errors for batch job operations.
var (
	// ErrNoJobsAvailable is returned when no queued job is eligible for a slot.
	ErrNoJobsAvailable = errors.New("no jobs available")
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("batch job not found")
	// ErrInvalidTransition is returned when a status change would break monotonicity.
	ErrInvalidTransition = errors.New("invalid batch job status transition")
	// ErrJobTerminal is returned when an operation targets a job that already settled.
	ErrJobTerminal = errors.New("batch job is already terminal")
)

// RequestCounts tracks progress across a job's requests.
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Processed returns the number of requests with a committed result.
func (c RequestCounts) Processed() int {
	return c.Completed + c.Failed
}

// Consistent reports whether completed+failed stay within total.
func (c RequestCounts) Consistent() bool {
	return c.Total >= 0 && c.Completed >= 0 && c.Failed >= 0 && c.Processed() <= c.Total
}

// BatchJob is a client-submitted unit of work made of many independent inference requests.
type BatchJob struct {
	ID                string            `json:"id"                            db:"id"`
	Status            BatchJobStatus    `json:"status"                        db:"status"`
	ModelID           string            `json:"model_id"                      db:"model_id"`
	ChunkSize         int               `json:"chunk_size"                    db:"chunk_size"`
	InputRef          string            `json:"input_ref"                     db:"input_ref"`
	OutputRef         *string           `json:"output_ref,omitempty"          db:"output_ref"`
	ErrorRef          *string           `json:"error_ref,omitempty"           db:"error_ref"`
	RequestCounts     RequestCounts     `json:"request_counts"`
	Checkpoint        int               `json:"checkpoint"                    db:"checkpoint"`
	Metadata          map[string]string `json:"metadata,omitempty"            db:"metadata"`
	Webhook           *WebhookConfig    `json:"webhook,omitempty"             db:"webhook"`
	FailureCode       *FailureCode      `json:"failure_code,omitempty"        db:"failure_code"`
	FailureReason     *string           `json:"failure_reason,omitempty"      db:"failure_reason"`
	QueuePriority     int               `json:"queue_priority"                db:"queue_priority"`
	CancelRequestedAt *time.Time        `json:"cancel_requested_at,omitempty" db:"cancel_requested_at"`
	QueuedAt          *time.Time        `json:"queued_at,omitempty"           db:"queued_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"          db:"started_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"        db:"completed_at"`
	CreatedAt         time.Time         `json:"created_at"                    db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"                    db:"updated_at"`
}

// CancelRequested reports whether a caller asked the job to stop.
func (j *BatchJob) CancelRequested() bool {
	return j != nil && j.CancelRequestedAt != nil
}

// Limits bound values accepted on submission.
const (
	DefaultChunkSize       = 100
	MaxChunkSize           = 10000
	DefaultWebhookRetries  = 3
	MaxWebhookRetries      = 20
	DefaultWebhookTimeout  = 30 * time.Second
	MaxWebhookTimeout      = 5 * time.Minute
	maxMetadataEntries     = 32
	maxMetadataValueLength = 512
)

// CreateBatchJobRequest captures the fields a caller supplies when submitting a job.
type CreateBatchJobRequest struct {
	ModelID   string            `json:"model_id"`
	InputRef  string            `json:"input_ref"`
	ChunkSize int               `json:"chunk_size,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Webhook   *WebhookConfig    `json:"webhook,omitempty"`
}

// Normalize trims inputs and applies defaults in place. An unset chunk size takes the default;
// a negative one is clamped to 1. Sizes above MaxChunkSize are left for Validate to reject.
func (r *CreateBatchJobRequest) Normalize() {
	r.ModelID = strings.TrimSpace(r.ModelID)
	r.InputRef = strings.TrimSpace(r.InputRef)
	switch {
	case r.ChunkSize == 0:
		r.ChunkSize = DefaultChunkSize
	case r.ChunkSize < 0:
		r.ChunkSize = 1
	}
	if r.Webhook != nil {
		r.Webhook.Normalize()
	}
}

// Validate validates the request fields. Call Normalize first.
func (r *CreateBatchJobRequest) Validate() error {
	if r.ModelID == "" {
		return errors.New("model_id is required")
	}
	if r.InputRef == "" {
		return errors.New("input_ref is required")
	}
	if r.ChunkSize < 1 || r.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk_size must be between 1 and %d", MaxChunkSize)
	}
	if len(r.Metadata) > maxMetadataEntries {
		return fmt.Errorf("metadata supports at most %d entries", maxMetadataEntries)
	}
	for k, v := range r.Metadata {
		if strings.TrimSpace(k) == "" {
			return errors.New("metadata keys must not be empty")
		}
		if len(v) > maxMetadataValueLength {
			return fmt.Errorf("metadata value for %q exceeds %d characters", k, maxMetadataValueLength)
		}
	}
	if r.Webhook != nil {
		if err := r.Webhook.Validate(); err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
	}
	return nil
}

// WebhookConfig describes where and how to notify a caller about a job outcome.
type WebhookConfig struct {
	URL              string         `json:"url"`
	Secret           string         `json:"secret,omitempty"`
	MaxRetries       int            `json:"max_retries"`
	Timeout          time.Duration  `json:"timeout"`
	SubscribedEvents []WebhookEvent `json:"events,omitempty"`
}

// Normalize applies defaults in place.
func (c *WebhookConfig) Normalize() {
	c.URL = strings.TrimSpace(c.URL)
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultWebhookRetries
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultWebhookTimeout
	}
}

// Validate checks the webhook target and bounds.
func (c *WebhookConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || u.Host == "" {
		return errors.New("url must be an absolute http(s) URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url must use http or https")
	}
	if c.MaxRetries < 1 || c.MaxRetries > MaxWebhookRetries {
		return fmt.Errorf("max_retries must be between 1 and %d", MaxWebhookRetries)
	}
	if c.Timeout <= 0 || c.Timeout > MaxWebhookTimeout {
		return fmt.Errorf("timeout must be between 1ns and %s", MaxWebhookTimeout)
	}
	for _, ev := range c.SubscribedEvents {
		if !ev.Valid() {
			return fmt.Errorf("unknown event %q", ev)
		}
	}
	return nil
}

// Subscribes reports whether the config wants a notification for the given event.
// An empty subscription list means every event.
func (c *WebhookConfig) Subscribes(event WebhookEvent) bool {
	if c == nil {
		return false
	}
	if len(c.SubscribedEvents) == 0 {
		return true
	}
	for _, ev := range c.SubscribedEvents {
		if ev == event {
			return true
		}
		// A cancellation is also a failure notice for receivers that only track failures.
		if event == WebhookEventCancelled && ev == WebhookEventFailed {
			return true
		}
	}
	return false
}

// JobFilter constrains job listings.
type JobFilter struct {
	Status  BatchJobStatus
	ModelID string
	// Orphaned keeps only in_progress jobs whose owner lease has lapsed or was never taken.
	Orphaned bool
	Limit    int
}
