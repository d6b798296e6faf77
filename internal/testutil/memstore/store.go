// Package memstore is an in-memory stand-in for the Postgres repositories. It applies the same
// guards as the SQL (status-guarded transitions, checkpoint compare-and-set, one DLQ entry per
// delivery) so service tests can drive whole job lifecycles without a database.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/batch"
	"github.com/target/inferbatch/internal/domain/job"
	"github.com/target/inferbatch/internal/domain/model"
)

// Store holds every table. Use the accessor views to get the repository interfaces.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	jobs        map[string]*model.BatchJob
	results     map[string]map[int]model.RequestResult
	deliveries  map[string]*model.WebhookDelivery
	deadLetters map[string]*model.DeadLetterEntry
	locks       map[string]bool
	leases      map[string]jobLease

	wake map[job.Channel]chan struct{}

	// FailCommitAfter, when positive, makes the Nth CommitChunk call fail without writing.
	FailCommitAfter int
	commits         int
}

// New returns an empty store. A nil now uses the wall clock.
func New(now func() time.Time) *Store {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		now:         now,
		jobs:        make(map[string]*model.BatchJob),
		results:     make(map[string]map[int]model.RequestResult),
		deliveries:  make(map[string]*model.WebhookDelivery),
		deadLetters: make(map[string]*model.DeadLetterEntry),
		locks:       make(map[string]bool),
		leases:      make(map[string]jobLease),
		wake: map[job.Channel]chan struct{}{
			job.ChannelBatchJobQueued: make(chan struct{}, 1),
			job.ChannelWebhookPending: make(chan struct{}, 1),
		},
	}
}

// Jobs returns the core.BatchJobRepository view.
func (s *Store) Jobs() *Jobs { return &Jobs{s: s} }

// Checkpoints returns the core.CheckpointStore and core.ResultReader view.
func (s *Store) Checkpoints() *Checkpoints { return &Checkpoints{s: s} }

// Deliveries returns the core.WebhookDeliveryRepository view.
func (s *Store) Deliveries() *Deliveries { return &Deliveries{s: s} }

// DeadLetters returns the core.DeadLetterRepository view.
func (s *Store) DeadLetters() *DeadLetters { return &DeadLetters{s: s} }

// Retention returns the core.RetentionRepository view.
func (s *Store) Retention() *Retention { return &Retention{s: s} }

// Put inserts or replaces a job as-is. Tests use it to stage crash states; a staged job has no
// lease, so an in_progress one reads as orphaned.
func (s *Store) Put(j *model.BatchJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = cloneJob(j)
}

// ExpireLease lapses the owner lease on a job, as if its process had died.
func (s *Store) ExpireLease(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[jobID]; ok {
		l.expires = s.now().Add(-time.Nanosecond)
		s.leases[jobID] = l
	}
}

// LeaseOwner returns who holds the lease on a job.
func (s *Store) LeaseOwner(jobID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[jobID].owner
}

// PutResults stores result rows without touching the job.
func (s *Store) PutResults(jobID string, rows ...model.RequestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIdx := s.results[jobID]
	if byIdx == nil {
		byIdx = make(map[int]model.RequestResult)
		s.results[jobID] = byIdx
	}
	for _, r := range rows {
		byIdx[r.Index] = r
	}
}

// ResultCount returns how many result rows a job has.
func (s *Store) ResultCount(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results[jobID])
}

// AllDeliveries returns every delivery, oldest first.
func (s *Store) AllDeliveries() []*model.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.WebhookDelivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, cloneDelivery(d))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// WaitForNotification implements core.NotificationWaiter.
func (s *Store) WaitForNotification(ctx context.Context, channel job.Channel) error {
	ch, ok := s.wake[channel]
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// TryWithLock implements core.AdvisoryLocker.
func (s *Store) TryWithLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	s.mu.Lock()
	if s.locks[name] {
		s.mu.Unlock()
		return false, nil
	}
	s.locks[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.locks, name)
		s.mu.Unlock()
	}()
	return true, fn(ctx)
}

// poke must be called with mu held.
func (s *Store) poke(channel job.Channel) {
	select {
	case s.wake[channel] <- struct{}{}:
	default:
	}
}

// Jobs implements core.BatchJobRepository.
type Jobs struct{ s *Store }

// Create inserts a validating job.
func (r *Jobs) Create(_ context.Context, req *model.CreateBatchJobRequest) (*model.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	j := &model.BatchJob{
		ID:        uuid.NewString(),
		Status:    model.BatchJobStatusValidating,
		ModelID:   req.ModelID,
		ChunkSize: req.ChunkSize,
		InputRef:  req.InputRef,
		Metadata:  maps.Clone(req.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Webhook != nil {
		hook := *req.Webhook
		hook.SubscribedEvents = slices.Clone(req.Webhook.SubscribedEvents)
		j.Webhook = &hook
	}
	r.s.jobs[j.ID] = j
	return cloneJob(j), nil
}

// GetByID loads a job.
func (r *Jobs) GetByID(_ context.Context, id string) (*model.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	return cloneJob(j), nil
}

// List returns matching jobs, oldest first.
func (r *Jobs) List(_ context.Context, f model.JobFilter) ([]*model.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.BatchJob
	for _, j := range r.s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.ModelID != "" && j.ModelID != f.ModelID {
			continue
		}
		if f.Orphaned && (j.Status != model.BatchJobStatusInProgress || r.s.live(j.ID)) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// MarkQueued moves a validating job to queued.
func (r *Jobs) MarkQueued(_ context.Context, id string, total int) (*model.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	if err := batch.CheckTransition(j.Status, model.BatchJobStatusQueued); err != nil {
		return nil, err
	}
	now := r.s.now()
	j.Status = model.BatchJobStatusQueued
	j.RequestCounts.Total = total
	j.QueuedAt = &now
	j.UpdatedAt = now
	r.s.poke(job.ChannelBatchJobQueued)
	return cloneJob(j), nil
}

type jobLease struct {
	owner   string
	expires time.Time
}

// live must be called with mu held. Jobs without a lease count as lapsed.
func (s *Store) live(jobID string) bool {
	l, ok := s.leases[jobID]
	return ok && !l.expires.Before(s.now())
}

// ClaimNext claims the best queued job: preferred model first, then priority, then queue age.
func (r *Jobs) ClaimNext(_ context.Context, c core.ClaimParams) (*model.BatchJob, error) {
	if c.Owner == "" || c.Lease <= 0 {
		return nil, errors.New("claim requires an owner and a positive lease")
	}
	preferModelID := c.PreferModelID
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *model.BatchJob
	for _, j := range r.s.jobs {
		if j.Status != model.BatchJobStatusQueued {
			continue
		}
		if best == nil || claimsBefore(j, best, preferModelID) {
			best = j
		}
	}
	if best == nil {
		return nil, model.ErrNoJobsAvailable
	}
	now := r.s.now()
	best.Status = model.BatchJobStatusInProgress
	if best.StartedAt == nil {
		best.StartedAt = &now
	}
	best.QueuePriority = 0
	best.UpdatedAt = now
	r.s.leases[best.ID] = jobLease{owner: c.Owner, expires: now.Add(c.Lease)}
	return cloneJob(best), nil
}

func claimsBefore(a, b *model.BatchJob, prefer string) bool {
	ap, bp := a.ModelID == prefer, b.ModelID == prefer
	if ap != bp {
		return ap
	}
	if a.QueuePriority != b.QueuePriority {
		return a.QueuePriority > b.QueuePriority
	}
	at, bt := deref(a.QueuedAt), deref(b.QueuedAt)
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.ID < b.ID
}

// Transition applies a guarded status change and inserts the delivery alongside it.
func (r *Jobs) Transition(_ context.Context, t core.TransitionParams) (*model.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[t.JobID]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	from := t.From
	if len(from) == 0 {
		from = batch.SourcesFor(t.To)
	}
	if !slices.Contains(from, j.Status) {
		if err := batch.CheckTransition(j.Status, t.To); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job is %s", model.ErrInvalidTransition, j.Status)
	}

	now := r.s.now()
	j.Status = t.To
	if t.Code != "" {
		code := t.Code
		j.FailureCode = &code
	}
	if t.Reason != "" {
		reason := t.Reason
		j.FailureReason = &reason
	}
	if t.To.Terminal() {
		j.CompletedAt = &now
	}
	j.UpdatedAt = now

	if t.Delivery != nil && t.To.Terminal() {
		d := &model.WebhookDelivery{
			ID:            uuid.NewString(),
			BatchJobID:    j.ID,
			URL:           t.Delivery.URL,
			Event:         t.Delivery.Event,
			Status:        model.DeliveryStatusPending,
			MaxAttempts:   t.Delivery.MaxAttempts,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		r.s.deliveries[d.ID] = d
		r.s.poke(job.ChannelWebhookPending)
	}
	return cloneJob(j), nil
}

// RequestCancel flags a non-terminal job.
func (r *Jobs) RequestCancel(_ context.Context, id string) (*model.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return nil, fmt.Errorf("%w: job is %s", model.ErrJobTerminal, j.Status)
	}
	now := r.s.now()
	if j.CancelRequestedAt == nil {
		j.CancelRequestedAt = &now
	}
	j.UpdatedAt = now
	return cloneJob(j), nil
}

// CancelRequested reports the cancellation flag.
func (r *Jobs) CancelRequested(_ context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return false, model.ErrJobNotFound
	}
	return j.CancelRequestedAt != nil, nil
}

// ExtendLease renews owner's lease.
func (r *Jobs) ExtendLease(_ context.Context, id, owner string, lease time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || j.Status != model.BatchJobStatusInProgress || r.s.leases[id].owner != owner {
		return false, nil
	}
	r.s.leases[id] = jobLease{owner: owner, expires: r.s.now().Add(lease)}
	return true, nil
}

// Requeue moves owner's in_progress job to the front of the queue.
func (r *Jobs) Requeue(_ context.Context, id, owner string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.leases[id].owner != owner {
		return false, nil
	}
	return r.s.requeue(id), nil
}

// RequeueOrphan moves an in_progress job to the queue only while its lease has lapsed.
func (r *Jobs) RequeueOrphan(_ context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.live(id) {
		return false, nil
	}
	return r.s.requeue(id), nil
}

// requeue must be called with mu held.
func (s *Store) requeue(id string) bool {
	j, ok := s.jobs[id]
	if !ok || !batch.CanRequeue(j.Status) {
		return false
	}
	now := s.now()
	j.Status = model.BatchJobStatusQueued
	j.QueuePriority = 1
	if j.QueuedAt == nil {
		j.QueuedAt = &now
	}
	j.UpdatedAt = now
	delete(s.leases, id)
	s.poke(job.ChannelBatchJobQueued)
	return true
}

// SetOutputRefs records export locations.
func (r *Jobs) SetOutputRefs(_ context.Context, id string, refs model.ExportRefs) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return model.ErrJobNotFound
	}
	j.OutputRef = optional(refs.OutputRef)
	j.ErrorRef = optional(refs.ErrorRef)
	j.UpdatedAt = r.s.now()
	return nil
}

// Checkpoints implements core.CheckpointStore and core.ResultReader.
type Checkpoints struct{ s *Store }

// Get returns the stored checkpoint.
func (c *Checkpoints) Get(_ context.Context, jobID string) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	j, ok := c.s.jobs[jobID]
	if !ok {
		return 0, model.ErrJobNotFound
	}
	return j.Checkpoint, nil
}

// CommitChunk appends results and advances the checkpoint under compare-and-set.
func (c *Checkpoints) CommitChunk(_ context.Context, commit model.ChunkCommit) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if len(commit.Results) == 0 {
		return commit.FromCursor, nil
	}
	c.s.commits++
	if c.s.FailCommitAfter > 0 && c.s.commits >= c.s.FailCommitAfter {
		return 0, fmt.Errorf("commit %d: simulated crash", c.s.commits)
	}
	j, ok := c.s.jobs[commit.JobID]
	if !ok {
		return 0, model.ErrJobNotFound
	}
	if j.Status != model.BatchJobStatusInProgress {
		return 0, fmt.Errorf("%w: job is %s", model.ErrInvalidTransition, j.Status)
	}
	if j.Checkpoint != commit.FromCursor {
		return 0, fmt.Errorf("%w: stored %d, commit from %d", model.ErrCheckpointConflict, j.Checkpoint, commit.FromCursor)
	}
	next := commit.ToCursor()
	if next > j.RequestCounts.Total {
		return 0, fmt.Errorf("%w: commit to %d exceeds total %d", model.ErrCheckpointConflict, next, j.RequestCounts.Total)
	}
	for i, res := range commit.Results {
		if res.Index != commit.FromCursor+i {
			return 0, fmt.Errorf("result %d has index %d, expected %d", i, res.Index, commit.FromCursor+i)
		}
	}

	byIdx := c.s.results[commit.JobID]
	if byIdx == nil {
		byIdx = make(map[int]model.RequestResult)
		c.s.results[commit.JobID] = byIdx
	}
	for _, res := range commit.Results {
		res.BatchJobID = commit.JobID
		byIdx[res.Index] = res
	}
	completed, failed := commit.Counts()
	j.Checkpoint = next
	j.RequestCounts.Completed += completed
	j.RequestCounts.Failed += failed
	j.UpdatedAt = c.s.now()
	return next, nil
}

// Consistency reports the checkpoint next to the committed rows.
func (c *Checkpoints) Consistency(_ context.Context, jobID string) (model.ResultConsistency, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	j, ok := c.s.jobs[jobID]
	if !ok {
		return model.ResultConsistency{}, model.ErrJobNotFound
	}
	out := model.ResultConsistency{
		Checkpoint: j.Checkpoint,
		Total:      j.RequestCounts.Total,
		Completed:  j.RequestCounts.Completed,
		Failed:     j.RequestCounts.Failed,
		MinIndex:   -1,
		MaxIndex:   -1,
	}
	for idx := range c.s.results[jobID] {
		out.ResultRows++
		if out.MinIndex < 0 || idx < out.MinIndex {
			out.MinIndex = idx
		}
		if idx > out.MaxIndex {
			out.MaxIndex = idx
		}
	}
	return out, nil
}

// ListResults pages results in index order.
func (c *Checkpoints) ListResults(_ context.Context, q model.ResultQuery) ([]model.RequestResult, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var out []model.RequestResult
	for _, idx := range slices.Sorted(maps.Keys(c.s.results[q.JobID])) {
		res := c.s.results[q.JobID][idx]
		if idx <= q.AfterIndex || (q.OK != nil && res.OK != *q.OK) {
			continue
		}
		out = append(out, res)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Deliveries implements core.WebhookDeliveryRepository.
type Deliveries struct{ s *Store }

// GetByID loads a delivery.
func (d *Deliveries) GetByID(_ context.Context, id string) (*model.WebhookDelivery, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	row, ok := d.s.deliveries[id]
	if !ok {
		return nil, model.ErrDeliveryNotFound
	}
	return cloneDelivery(row), nil
}

// ListByJob returns a job's deliveries, oldest first.
func (d *Deliveries) ListByJob(_ context.Context, jobID string) ([]*model.WebhookDelivery, error) {
	var out []*model.WebhookDelivery
	for _, row := range d.s.AllDeliveries() {
		if row.BatchJobID == jobID {
			out = append(out, row)
		}
	}
	return out, nil
}

// ReserveNext leases the oldest due pending delivery.
func (d *Deliveries) ReserveNext(_ context.Context, lease time.Duration) (*model.WebhookDelivery, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	now := d.s.now()
	var best *model.WebhookDelivery
	for _, row := range d.s.deliveries {
		if row.Status != model.DeliveryStatusPending || row.NextAttemptAt.After(now) {
			continue
		}
		if row.LeaseExpiresAt != nil && !row.LeaseExpiresAt.Before(now) {
			continue
		}
		if best == nil || row.NextAttemptAt.Before(best.NextAttemptAt) ||
			(row.NextAttemptAt.Equal(best.NextAttemptAt) && row.CreatedAt.Before(best.CreatedAt)) {
			best = row
		}
	}
	if best == nil {
		return nil, model.ErrNoDeliveriesAvailable
	}
	until := now.Add(lease)
	best.LeaseExpiresAt = &until
	best.UpdatedAt = now
	return cloneDelivery(best), nil
}

// ClaimAttempt spends attempt when the stored count is attempt-1.
func (d *Deliveries) ClaimAttempt(_ context.Context, id string, attempt int, lease time.Duration) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	row, ok := d.s.deliveries[id]
	if !ok || row.Status != model.DeliveryStatusPending || row.Attempt != attempt-1 {
		return model.ErrDeliveryClaimLost
	}
	now := d.s.now()
	row.Attempt = attempt
	until := now.Add(lease)
	row.LeaseExpiresAt = &until
	row.UpdatedAt = now
	return nil
}

// RecordAttempt persists one attempt on a pending delivery.
func (d *Deliveries) RecordAttempt(_ context.Context, a model.DeliveryAttempt, lease time.Duration) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	row, ok := d.s.deliveries[a.DeliveryID]
	if !ok || row.Status != model.DeliveryStatusPending {
		return model.ErrDeliveryNotFound
	}
	at := a.At
	if at.IsZero() {
		at = d.s.now()
	}
	row.Attempt = max(row.Attempt, a.Attempt)
	row.LastError = optional(a.Err)
	row.LastAttemptAt = &at
	until := at.Add(lease)
	row.LeaseExpiresAt = &until
	row.UpdatedAt = at
	return nil
}

// MarkDelivered archives a pending delivery.
func (d *Deliveries) MarkDelivered(_ context.Context, id string) (bool, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	row, ok := d.s.deliveries[id]
	if !ok || row.Status != model.DeliveryStatusPending {
		return false, nil
	}
	now := d.s.now()
	row.Status = model.DeliveryStatusDelivered
	row.DeliveredAt = &now
	row.LeaseExpiresAt = nil
	row.UpdatedAt = now
	return true, nil
}

// DeadLetter finalizes a pending delivery and creates its single DLQ entry.
func (d *Deliveries) DeadLetter(_ context.Context, id, errMsg string) (*model.DeadLetterEntry, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	row, ok := d.s.deliveries[id]
	if !ok {
		return nil, model.ErrDeliveryNotFound
	}
	for _, e := range d.s.deadLetters {
		if e.DeliveryID == id {
			return cloneEntry(e), nil
		}
	}
	if row.Status != model.DeliveryStatusPending {
		return nil, model.ErrDeliveryNotFound
	}
	now := d.s.now()
	row.Status = model.DeliveryStatusDeadLettered
	row.LastError = optional(errMsg)
	row.LeaseExpiresAt = nil
	row.UpdatedAt = now
	entry := &model.DeadLetterEntry{
		ID:           uuid.NewString(),
		DeliveryID:   id,
		BatchJobID:   row.BatchJobID,
		URL:          row.URL,
		Event:        row.Event,
		ErrorMessage: errMsg,
		Attempts:     row.Attempt,
		CreatedAt:    now,
	}
	d.s.deadLetters[entry.ID] = entry
	return cloneEntry(entry), nil
}

// ReleaseLease clears the lease on a pending delivery.
func (d *Deliveries) ReleaseLease(_ context.Context, id string) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if row, ok := d.s.deliveries[id]; ok && row.Status == model.DeliveryStatusPending {
		row.LeaseExpiresAt = nil
		row.UpdatedAt = d.s.now()
	}
	return nil
}

// RearmPending makes pending deliveries with a lapsed lease due now.
func (d *Deliveries) RearmPending(_ context.Context) (int64, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	now := d.s.now()
	var n int64
	for _, row := range d.s.deliveries {
		if row.Status != model.DeliveryStatusPending {
			continue
		}
		if row.LeaseExpiresAt != nil && !row.LeaseExpiresAt.Before(now) {
			continue
		}
		row.LeaseExpiresAt = nil
		row.NextAttemptAt = now
		row.UpdatedAt = now
		n++
	}
	if n > 0 {
		d.s.poke(job.ChannelWebhookPending)
	}
	return n, nil
}

// DeadLetters implements core.DeadLetterRepository.
type DeadLetters struct{ s *Store }

// List returns entries newest first.
func (l *DeadLetters) List(_ context.Context, f model.DeadLetterFilter) ([]*model.DeadLetterEntry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	var out []*model.DeadLetterEntry
	for _, e := range l.s.deadLetters {
		if f.BatchJobID != "" && e.BatchJobID != f.BatchJobID {
			continue
		}
		if f.NeverRetried && e.RetriedAt != nil {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	offset := min(max(f.Offset, 0), len(out))
	out = out[offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetByID loads an entry.
func (l *DeadLetters) GetByID(_ context.Context, id string) (*model.DeadLetterEntry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	e, ok := l.s.deadLetters[id]
	if !ok {
		return nil, model.ErrDeadLetterNotFound
	}
	return cloneEntry(e), nil
}

// RecordRetry stores a retry outcome.
func (l *DeadLetters) RecordRetry(_ context.Context, retry model.DeadLetterRetry) (*model.DeadLetterEntry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	e, ok := l.s.deadLetters[retry.ID]
	if !ok {
		return nil, model.ErrDeadLetterNotFound
	}
	at := retry.At
	if at.IsZero() {
		at = l.s.now()
	}
	success := retry.Success
	e.RetriedAt = &at
	e.RetrySuccess = &success
	e.RetryCount++
	if !success && retry.Err != "" {
		e.ErrorMessage = retry.Err
	}
	return cloneEntry(e), nil
}

// Delete removes an entry.
func (l *DeadLetters) Delete(_ context.Context, id string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if _, ok := l.s.deadLetters[id]; !ok {
		return model.ErrDeadLetterNotFound
	}
	delete(l.s.deadLetters, id)
	return nil
}

// Retention implements core.RetentionRepository.
type Retention struct{ s *Store }

// DeleteDeliveredBefore removes delivered rows older than MaxAge.
func (r *Retention) DeleteDeliveredBefore(_ context.Context, p core.RetentionParams) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cutoff := r.s.now().Add(-p.MaxAge)
	var n int64
	for id, d := range r.s.deliveries {
		if int(n) == p.BatchSize {
			break
		}
		if d.Status == model.DeliveryStatusDelivered && d.DeliveredAt != nil && d.DeliveredAt.Before(cutoff) {
			delete(r.s.deliveries, id)
			n++
		}
	}
	return n, nil
}

// DeleteExportedResultsBefore removes result rows of exported jobs that finished before MaxAge.
func (r *Retention) DeleteExportedResultsBefore(_ context.Context, p core.RetentionParams) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cutoff := r.s.now().Add(-p.MaxAge)
	var n int64
	for id, j := range r.s.jobs {
		if !finishedBefore(j, cutoff) || (j.OutputRef == nil && j.ErrorRef == nil) {
			continue
		}
		for idx := range r.s.results[id] {
			if int(n) == p.BatchSize {
				return n, nil
			}
			delete(r.s.results[id], idx)
			n++
		}
	}
	return n, nil
}

// ListStaleValidating returns jobs stuck in validating longer than MaxAge.
func (r *Retention) ListStaleValidating(_ context.Context, p core.RetentionParams) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cutoff := r.s.now().Add(-p.MaxAge)
	var ids []string
	for id, j := range r.s.jobs {
		if j.Status == model.BatchJobStatusValidating && j.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return truncate(ids, p.BatchSize), nil
}

// ListUnexported returns finished jobs with result rows but no export.
func (r *Retention) ListUnexported(_ context.Context, p core.RetentionParams) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cutoff := r.s.now().Add(-p.MaxAge)
	var ids []string
	for id, j := range r.s.jobs {
		if finishedBefore(j, cutoff) && j.OutputRef == nil && j.ErrorRef == nil && len(r.s.results[id]) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return truncate(ids, p.BatchSize), nil
}

func finishedBefore(j *model.BatchJob, cutoff time.Time) bool {
	return j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
}

func truncate(ids []string, n int) []string {
	if n > 0 && len(ids) > n {
		return ids[:n]
	}
	return ids
}

func cloneJob(j *model.BatchJob) *model.BatchJob {
	out := *j
	out.Metadata = maps.Clone(j.Metadata)
	if j.Webhook != nil {
		hook := *j.Webhook
		hook.SubscribedEvents = slices.Clone(j.Webhook.SubscribedEvents)
		out.Webhook = &hook
	}
	return &out
}

func cloneDelivery(d *model.WebhookDelivery) *model.WebhookDelivery {
	out := *d
	return &out
}

func cloneEntry(e *model.DeadLetterEntry) *model.DeadLetterEntry {
	out := *e
	return &out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

var (
	_ core.BatchJobRepository        = (*Jobs)(nil)
	_ core.CheckpointStore           = (*Checkpoints)(nil)
	_ core.ResultReader              = (*Checkpoints)(nil)
	_ core.WebhookDeliveryRepository = (*Deliveries)(nil)
	_ core.DeadLetterRepository      = (*DeadLetters)(nil)
	_ core.RetentionRepository       = (*Retention)(nil)
	_ core.AdvisoryLocker            = (*Store)(nil)
	_ core.NotificationWaiter        = (*Store)(nil)
)
