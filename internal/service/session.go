package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/model"
	"github.com/target/inferbatch/internal/observability/metrics"
)

// ErrSlotHeld is returned when another process owns the slot lock.
var ErrSlotHeld = errors.New("slot is held by another process")

const defaultSlotLockTTL = 30 * time.Second

// SessionManagerOptions groups dependencies for SessionManager.
type SessionManagerOptions struct {
	SlotID  string                // Required: accelerator slot identifier
	Backend core.InferenceBackend // Required: the engine that holds the model
	Lock    core.SlotLock         // Optional: cross-process slot ownership
	Owner   string                // Optional: lock owner token, defaults to SlotID
	LockTTL time.Duration         // Optional: defaults to 30s
	Metrics *metrics.Recorder     // Optional
	Logger  *slog.Logger          // Optional
}

// SessionManager keeps at most one model resident on a slot and moves it through
// unloaded, loading, ready and unloading. Operations are serialized; readers see a
// consistent snapshot without waiting on a slow load.
type SessionManager struct {
	slotID  string
	backend core.InferenceBackend
	lock    core.SlotLock
	owner   string
	lockTTL time.Duration
	metrics *metrics.Recorder
	logger  *slog.Logger

	opMu sync.Mutex // serializes load, unload, release and heartbeat

	stateMu     sync.RWMutex
	state       model.SessionState
	modelID     string
	resident    string // what the backend holds, possibly after fencing
	activeJobID string
	lockHeld    bool
}

// NewSessionManager constructs a SessionManager in the unloaded state.
func NewSessionManager(opts SessionManagerOptions) (*SessionManager, error) {
	if opts.SlotID == "" {
		return nil, errors.New("SlotID is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("InferenceBackend is required")
	}
	owner := opts.Owner
	if owner == "" {
		owner = opts.SlotID
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = defaultSlotLockTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		slotID:  opts.SlotID,
		backend: opts.Backend,
		lock:    opts.Lock,
		owner:   owner,
		lockTTL: ttl,
		metrics: opts.Metrics,
		logger:  logger.With("component", "session", "slot_id", opts.SlotID),
		state:   model.SessionStateUnloaded,
	}, nil
}

// SlotID returns the slot this manager owns.
func (m *SessionManager) SlotID() string { return m.slotID }

// Snapshot returns the current session view.
func (m *SessionManager) Snapshot() model.ModelSession {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return model.ModelSession{
		SlotID:      m.slotID,
		ModelID:     m.modelID,
		State:       m.state,
		ActiveJobID: m.activeJobID,
	}
}

// IsReadyFor reports whether chunks for modelID may run now.
func (m *SessionManager) IsReadyFor(modelID string) bool {
	return m.Snapshot().ReadyFor(modelID)
}

// LoadedModel returns the model currently ready on the slot, or "".
func (m *SessionManager) LoadedModel() string {
	s := m.Snapshot()
	if s.State != model.SessionStateReady {
		return ""
	}
	return s.ModelID
}

// EnsureLoaded makes modelID the ready model on the slot. A ready session for the same
// model is reused without touching the backend. A different resident model is unloaded
// first; if that fails the previous model stays ready and ErrModelUnloadFailed is returned.
// A failed load leaves the slot unloaded and returns ErrModelLoadFailed.
func (m *SessionManager) EnsureLoaded(ctx context.Context, modelID string) error {
	if modelID == "" {
		return fmt.Errorf("%w: model id is required", model.ErrModelLoadFailed)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.acquireLock(ctx); err != nil {
		return err
	}

	current := m.Snapshot()
	if current.ReadyFor(modelID) {
		return nil
	}
	if current.ActiveJobID != "" {
		return fmt.Errorf("%w: %s", model.ErrSessionBusy, current.ActiveJobID)
	}

	if previous := m.residentModel(); previous != "" {
		if err := m.unload(ctx, previous); err != nil {
			return err
		}
	}

	m.setState(model.SessionStateLoading, modelID)
	start := time.Now()
	err := m.backend.LoadModel(ctx, modelID)
	m.recordOp("load", modelID, start, err)
	if err != nil {
		m.setState(model.SessionStateUnloaded, "")
		m.logger.ErrorContext(ctx, "model load failed", "model_id", modelID, "error", err)
		return fmt.Errorf("%w: %s: %w", model.ErrModelLoadFailed, modelID, err)
	}

	m.stateMu.Lock()
	m.state = model.SessionStateReady
	m.modelID = modelID
	m.resident = modelID
	m.stateMu.Unlock()
	m.metrics.SessionReady(m.slotID, true)
	m.logger.InfoContext(ctx, "model ready", "model_id", modelID, "duration", time.Since(start))
	return nil
}

// Bind marks the session as running jobID. Binding a second job is refused.
func (m *SessionManager) Bind(jobID string) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.activeJobID != "" && m.activeJobID != jobID {
		return fmt.Errorf("%w: %s", model.ErrSessionBusy, m.activeJobID)
	}
	if m.state != model.SessionStateReady {
		return model.ErrSessionNotReady
	}
	m.activeJobID = jobID
	return nil
}

// Unbind clears the active job if it is jobID.
func (m *SessionManager) Unbind(jobID string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.activeJobID == jobID {
		m.activeJobID = ""
	}
}

// Release unloads any resident model and gives up the slot lock.
func (m *SessionManager) Release(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var errs []error
	if previous := m.residentModel(); previous != "" {
		if err := m.unload(ctx, previous); err != nil {
			errs = append(errs, err)
		}
	}
	m.stateMu.Lock()
	m.activeJobID = ""
	m.stateMu.Unlock()

	if m.lock != nil && m.lockHeld {
		if err := m.lock.Release(ctx, m.slotID, m.owner); err != nil {
			errs = append(errs, fmt.Errorf("release slot lock: %w", err))
		}
		m.lockHeld = false
	}
	return errors.Join(errs...)
}

// Heartbeat extends the slot lock. When the lock was lost the session is fenced: it reports
// unloaded so no further chunk runs, and the next EnsureLoaded unloads the stale model first.
func (m *SessionManager) Heartbeat(ctx context.Context) error {
	if m.lock == nil {
		return nil
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if !m.lockHeld {
		return nil
	}

	ok, err := m.lock.Refresh(ctx, m.slotID, m.owner, m.lockTTL)
	if err != nil {
		return fmt.Errorf("refresh slot lock: %w", err)
	}
	if ok {
		return nil
	}

	m.stateMu.Lock()
	m.lockHeld = false
	m.state = model.SessionStateUnloaded
	m.modelID = ""
	m.stateMu.Unlock()
	m.metrics.SessionReady(m.slotID, false)
	m.logger.WarnContext(ctx, "slot lock lost; session fenced")
	return ErrSlotHeld
}

func (m *SessionManager) acquireLock(ctx context.Context) error {
	if m.lock == nil || m.lockHeld {
		return nil
	}
	ok, err := m.lock.Acquire(ctx, m.slotID, m.owner, m.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire slot lock: %w", err)
	}
	if !ok {
		return ErrSlotHeld
	}
	m.lockHeld = true
	return nil
}

func (m *SessionManager) unload(ctx context.Context, previous string) error {
	m.setState(model.SessionStateUnloading, previous)
	m.metrics.SessionReady(m.slotID, false)
	start := time.Now()
	err := m.backend.UnloadModel(ctx)
	m.recordOp("unload", previous, start, err)
	if err != nil {
		// The backend still holds the previous model.
		m.setState(model.SessionStateReady, previous)
		m.metrics.SessionReady(m.slotID, true)
		m.logger.ErrorContext(ctx, "model unload failed", "model_id", previous, "error", err)
		return fmt.Errorf("%w: %s: %w", model.ErrModelUnloadFailed, previous, err)
	}

	m.stateMu.Lock()
	m.state = model.SessionStateUnloaded
	m.modelID = ""
	m.resident = ""
	m.stateMu.Unlock()
	m.logger.InfoContext(ctx, "model unloaded", "model_id", previous)
	return nil
}

func (m *SessionManager) residentModel() string {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.resident
}

func (m *SessionManager) setState(state model.SessionState, modelID string) {
	m.stateMu.Lock()
	m.state = state
	m.modelID = modelID
	m.stateMu.Unlock()
}

func (m *SessionManager) recordOp(op, modelID string, start time.Time, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	m.metrics.SessionOperation(metrics.SessionMetric{
		SlotID:    m.slotID,
		ModelID:   modelID,
		Operation: op,
		Result:    result,
		Duration:  time.Since(start),
		Err:       err,
	})
}
