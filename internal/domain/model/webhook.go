package model

import (
	"errors"
	"time"
)

// WebhookEvent names a job outcome a receiver can subscribe to.
type WebhookEvent string

const (
	WebhookEventCompleted WebhookEvent = "completed"
	WebhookEventFailed    WebhookEvent = "failed"
	WebhookEventCancelled WebhookEvent = "cancelled"
)

// Valid returns true if the event is known.
func (e WebhookEvent) Valid() bool {
	return e == WebhookEventCompleted || e == WebhookEventFailed || e == WebhookEventCancelled
}

// EventForStatus maps a terminal job status to its webhook event.
func EventForStatus(s BatchJobStatus) (WebhookEvent, bool) {
	switch s {
	case BatchJobStatusCompleted:
		return WebhookEventCompleted, true
	case BatchJobStatusFailed:
		return WebhookEventFailed, true
	case BatchJobStatusCancelled:
		return WebhookEventCancelled, true
	default:
		return "", false
	}
}

// DeliveryStatus represents the state of a webhook delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending      DeliveryStatus = "pending"
	DeliveryStatusDelivered    DeliveryStatus = "delivered"
	DeliveryStatusDeadLettered DeliveryStatus = "dead_lettered"
)

// Valid returns true if the delivery status is known.
func (s DeliveryStatus) Valid() bool {
	return s == DeliveryStatusPending || s == DeliveryStatusDelivered || s == DeliveryStatusDeadLettered
}

var (
	// ErrNoDeliveriesAvailable is returned when no pending delivery is due.
	ErrNoDeliveriesAvailable = errors.New("no webhook deliveries available")
	// ErrDeliveryNotFound is returned when a delivery id does not exist.
	ErrDeliveryNotFound = errors.New("webhook delivery not found")
	// ErrDeliveryClaimLost is returned when another worker already spent the attempt being claimed
	// or the delivery is no longer pending.
	ErrDeliveryClaimLost = errors.New("webhook delivery attempt claimed elsewhere")
	// ErrDeadLetterNotFound is returned when a DLQ entry id does not exist.
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")
)

// WebhookDelivery tracks notification of one terminal job outcome to one URL.
type WebhookDelivery struct {
	ID             string         `json:"id"                         db:"id"`
	BatchJobID     string         `json:"batch_job_id"               db:"batch_job_id"`
	URL            string         `json:"url"                        db:"url"`
	Event          WebhookEvent   `json:"event"                      db:"event"`
	Status         DeliveryStatus `json:"status"                     db:"status"`
	Attempt        int            `json:"attempt"                    db:"attempt"`
	MaxAttempts    int            `json:"max_attempts"               db:"max_attempts"`
	LastError      *string        `json:"last_error,omitempty"       db:"last_error"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty"  db:"last_attempt_at"`
	NextAttemptAt  time.Time      `json:"next_attempt_at"            db:"next_attempt_at"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"     db:"delivered_at"`
	CreatedAt      time.Time      `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"                 db:"updated_at"`
}

// AttemptsRemaining returns how many attempts the delivery may still make.
func (d *WebhookDelivery) AttemptsRemaining() int {
	if d == nil {
		return 0
	}
	return max(d.MaxAttempts-d.Attempt, 0)
}

// NewDelivery describes a delivery to create alongside a terminal status change.
type NewDelivery struct {
	URL         string
	Event       WebhookEvent
	MaxAttempts int
}

// DeliveryAttempt records the result of one HTTP attempt.
type DeliveryAttempt struct {
	DeliveryID string
	Attempt    int
	StatusCode int
	Err        string
	At         time.Time
}

// DeadLetterEntry holds a delivery that exhausted its attempts.
type DeadLetterEntry struct {
	ID           string       `json:"id"                      db:"id"`
	DeliveryID   string       `json:"delivery_id"             db:"delivery_id"`
	BatchJobID   string       `json:"batch_job_id"            db:"batch_job_id"`
	URL          string       `json:"url"                     db:"url"`
	Event        WebhookEvent `json:"event"                   db:"event"`
	ErrorMessage string       `json:"error_message"           db:"error_message"`
	Attempts     int          `json:"attempts"                db:"attempts"`
	CreatedAt    time.Time    `json:"created_at"              db:"created_at"`
	RetriedAt    *time.Time   `json:"retried_at,omitempty"    db:"retried_at"`
	RetrySuccess *bool        `json:"retry_success,omitempty" db:"retry_success"`
	RetryCount   int          `json:"retry_count"             db:"retry_count"`
}

// DeadLetterFilter constrains DLQ listings.
type DeadLetterFilter struct {
	BatchJobID   string
	NeverRetried bool
	Limit        int
	Offset       int
}

// DeadLetterRetry records the outcome of a DLQ retry.
type DeadLetterRetry struct {
	ID      string
	Success bool
	Err     string
	At      time.Time
}

// WebhookPayload is the wire-stable body posted to receivers.
type WebhookPayload struct {
	ID            string            `json:"id"`
	Status        BatchJobStatus    `json:"status"`
	CreatedAt     int64             `json:"created_at"`
	CompletedAt   *int64            `json:"completed_at"`
	RequestCounts RequestCounts     `json:"request_counts"`
	Metadata      map[string]string `json:"metadata"`
	OutputRef     *string           `json:"output_ref"`
	ErrorRef      *string           `json:"error_ref"`
}

// PayloadFor builds the webhook payload for a job.
func PayloadFor(job *BatchJob) WebhookPayload {
	p := WebhookPayload{
		ID:            job.ID,
		Status:        job.Status,
		CreatedAt:     job.CreatedAt.Unix(),
		RequestCounts: job.RequestCounts,
		Metadata:      job.Metadata,
		OutputRef:     job.OutputRef,
		ErrorRef:      job.ErrorRef,
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	if job.CompletedAt != nil {
		ts := job.CompletedAt.Unix()
		p.CompletedAt = &ts
	}
	return p
}
