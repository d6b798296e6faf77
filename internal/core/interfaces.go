package core

import (
	"context"
	"time"

	"github.com/target/inferbatch/internal/domain/job"
	"github.com/target/inferbatch/internal/domain/model"
)

// This file contains the ports between the service layer and its adapters.
// Services depend on these interfaces; internal/data and internal/adapters implement them.

// BatchJobRepository persists batch jobs and their status transitions.
type BatchJobRepository interface {
	Create(ctx context.Context, req *model.CreateBatchJobRequest) (*model.BatchJob, error)
	GetByID(ctx context.Context, id string) (*model.BatchJob, error)
	List(ctx context.Context, filter model.JobFilter) ([]*model.BatchJob, error)
	// MarkQueued moves a validating job to queued with its request total and publishes a wake-up.
	MarkQueued(ctx context.Context, id string, total int) (*model.BatchJob, error)
	// ClaimNext atomically moves the next eligible queued job to in_progress under c.Owner's
	// lease. Jobs for c.PreferModelID win over older jobs for other models.
	ClaimNext(ctx context.Context, c ClaimParams) (*model.BatchJob, error)
	// ExtendLease pushes the lease of an in_progress job forward. It reports false when the
	// job is no longer in_progress under owner.
	ExtendLease(ctx context.Context, id, owner string, lease time.Duration) (bool, error)
	// Transition applies a guarded status change. When delivery is non-nil a pending
	// webhook delivery is inserted in the same transaction.
	Transition(ctx context.Context, t TransitionParams) (*model.BatchJob, error)
	RequestCancel(ctx context.Context, id string) (*model.BatchJob, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
	// Requeue moves an in_progress job held by owner back to the front of its model's queue.
	Requeue(ctx context.Context, id, owner string) (bool, error)
	// RequeueOrphan requeues an in_progress job only while its lease has lapsed.
	RequeueOrphan(ctx context.Context, id string) (bool, error)
	SetOutputRefs(ctx context.Context, id string, refs model.ExportRefs) error
}

// ClaimParams groups the inputs of BatchJobRepository.ClaimNext.
type ClaimParams struct {
	PreferModelID string
	Owner         string
	Lease         time.Duration
}

// TransitionParams groups the inputs of BatchJobRepository.Transition.
type TransitionParams struct {
	JobID    string
	From     []model.BatchJobStatus
	To       model.BatchJobStatus
	Code     model.FailureCode
	Reason   string
	Delivery *model.NewDelivery
}

// CheckpointStore owns the resume cursor and the committed results it covers.
type CheckpointStore interface {
	Get(ctx context.Context, jobID string) (int, error)
	// CommitChunk appends results, advances the checkpoint from commit.FromCursor and
	// bumps request counts in one transaction. It returns ErrCheckpointConflict when the
	// stored checkpoint is not commit.FromCursor.
	CommitChunk(ctx context.Context, commit model.ChunkCommit) (int, error)
	Consistency(ctx context.Context, jobID string) (model.ResultConsistency, error)
}

// ResultReader pages through committed request results.
type ResultReader interface {
	ListResults(ctx context.Context, q model.ResultQuery) ([]model.RequestResult, error)
}

// WebhookDeliveryRepository persists webhook deliveries.
type WebhookDeliveryRepository interface {
	GetByID(ctx context.Context, id string) (*model.WebhookDelivery, error)
	ListByJob(ctx context.Context, jobID string) ([]*model.WebhookDelivery, error)
	// ReserveNext leases the next due pending delivery.
	ReserveNext(ctx context.Context, lease time.Duration) (*model.WebhookDelivery, error)
	// ClaimAttempt spends attempt before it is sent. It succeeds only when the stored attempt
	// count is attempt-1, so two workers holding the same row never spend the same attempt.
	// The lease is extended from the claim time.
	ClaimAttempt(ctx context.Context, id string, attempt int, lease time.Duration) error
	// RecordAttempt persists one attempt's outcome and extends the lease.
	RecordAttempt(ctx context.Context, attempt model.DeliveryAttempt, lease time.Duration) error
	MarkDelivered(ctx context.Context, id string) (bool, error)
	// DeadLetter finalizes the delivery and creates its single DLQ entry in one transaction.
	DeadLetter(ctx context.Context, id, errMsg string) (*model.DeadLetterEntry, error)
	// ReleaseLease returns a reserved delivery to the pool without counting an attempt.
	ReleaseLease(ctx context.Context, id string) error
	// RearmPending clears lapsed leases on pending deliveries so they are retried immediately.
	RearmPending(ctx context.Context) (int64, error)
}

// DeadLetterRepository administers the dead letter queue.
type DeadLetterRepository interface {
	List(ctx context.Context, filter model.DeadLetterFilter) ([]*model.DeadLetterEntry, error)
	GetByID(ctx context.Context, id string) (*model.DeadLetterEntry, error)
	RecordRetry(ctx context.Context, retry model.DeadLetterRetry) (*model.DeadLetterEntry, error)
	Delete(ctx context.Context, id string) error
}

// RetentionRepository backs the retention reaper.
type RetentionRepository interface {
	DeleteDeliveredBefore(ctx context.Context, params RetentionParams) (int64, error)
	DeleteExportedResultsBefore(ctx context.Context, params RetentionParams) (int64, error)
	ListStaleValidating(ctx context.Context, params RetentionParams) ([]string, error)
	// ListUnexported returns terminal jobs older than MaxAge whose results were never exported.
	ListUnexported(ctx context.Context, params RetentionParams) ([]string, error)
}

// RetentionParams groups parameters for retention queries.
type RetentionParams struct {
	MaxAge    time.Duration
	BatchSize int
}

// InferenceBackend wraps the installed inference engine for one accelerator.
type InferenceBackend interface {
	LoadModel(ctx context.Context, modelID string) error
	UnloadModel(ctx context.Context) error
	Execute(ctx context.Context, modelID string, reqs []model.InferenceRequest) ([]model.InferenceResponse, error)
}

// RequestSource reads a job's input requests by index.
type RequestSource interface {
	Count(ctx context.Context, inputRef string) (int, error)
	Read(ctx context.Context, inputRef string, offset, limit int) ([]model.InferenceRequest, error)
}

// ResultExporter materializes a finished job's committed results.
type ResultExporter interface {
	Export(ctx context.Context, jobID string) (model.ExportRefs, error)
}

// SlotLock grants exclusive ownership of an accelerator slot across processes.
type SlotLock interface {
	Acquire(ctx context.Context, slotID, owner string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, slotID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, slotID, owner string) error
}

// AdvisoryLocker runs fn while holding a cluster-wide named lock. It returns false without
// calling fn when another holder has the lock.
type AdvisoryLocker interface {
	TryWithLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error)
}

// NotificationWaiter blocks until work is announced on a channel.
type NotificationWaiter interface {
	WaitForNotification(ctx context.Context, channel job.Channel) error
}

// ModelCatalog answers whether a model id may be submitted.
type ModelCatalog interface {
	Known(modelID string) bool
}
