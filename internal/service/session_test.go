package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/inferbatch/internal/domain/model"
	"github.com/target/inferbatch/internal/mocks"
)

func newMockSession(t *testing.T, lock bool) (*SessionManager, *mocks.MockInferenceBackend, *mocks.MockSlotLock) {
	t.Helper()
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockInferenceBackend(ctrl)
	opts := SessionManagerOptions{
		SlotID:  "slot-0",
		Backend: backend,
		Owner:   "host-a",
		LockTTL: 30 * time.Second,
		Logger:  discardLogger(),
	}
	var slotLock *mocks.MockSlotLock
	if lock {
		slotLock = mocks.NewMockSlotLock(ctrl)
		opts.Lock = slotLock
	}
	m, err := NewSessionManager(opts)
	require.NoError(t, err)
	return m, backend, slotLock
}

func TestSessionManager_EnsureLoadedLoadsOnce(t *testing.T) {
	m, backend, _ := newMockSession(t, false)
	ctx := context.Background()

	backend.EXPECT().LoadModel(gomock.Any(), "m1").Return(nil).Times(1)

	require.NoError(t, m.EnsureLoaded(ctx, "m1"))
	require.NoError(t, m.EnsureLoaded(ctx, "m1"))

	snap := m.Snapshot()
	assert.Equal(t, model.SessionStateReady, snap.State)
	assert.Equal(t, "m1", snap.ModelID)
	assert.True(t, m.IsReadyFor("m1"))
	assert.False(t, m.IsReadyFor("m2"))
	assert.Equal(t, "m1", m.LoadedModel())
}

func TestSessionManager_SwitchUnloadsBeforeLoading(t *testing.T) {
	m, backend, _ := newMockSession(t, false)
	ctx := context.Background()

	gomock.InOrder(
		backend.EXPECT().LoadModel(gomock.Any(), "m1").Return(nil),
		backend.EXPECT().UnloadModel(gomock.Any()).Return(nil),
		backend.EXPECT().LoadModel(gomock.Any(), "m2").Return(nil),
	)

	require.NoError(t, m.EnsureLoaded(ctx, "m1"))
	require.NoError(t, m.EnsureLoaded(ctx, "m2"))
	assert.True(t, m.IsReadyFor("m2"))
}

func TestSessionManager_LoadFailureLeavesSlotUnloaded(t *testing.T) {
	m, backend, _ := newMockSession(t, false)

	backend.EXPECT().LoadModel(gomock.Any(), "m1").Return(errors.New("out of memory"))

	err := m.EnsureLoaded(context.Background(), "m1")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrModelLoadFailed)
	assert.Contains(t, err.Error(), "out of memory")
	assert.Equal(t, model.SessionStateUnloaded, m.Snapshot().State)
	assert.Empty(t, m.LoadedModel())
}

func TestSessionManager_UnloadFailureKeepsPreviousModel(t *testing.T) {
	m, backend, _ := newMockSession(t, false)
	ctx := context.Background()

	backend.EXPECT().LoadModel(gomock.Any(), "m1").Return(nil)
	backend.EXPECT().UnloadModel(gomock.Any()).Return(errors.New("device busy"))

	require.NoError(t, m.EnsureLoaded(ctx, "m1"))
	err := m.EnsureLoaded(ctx, "m2")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrModelUnloadFailed)
	assert.True(t, m.IsReadyFor("m1"))
}

func TestSessionManager_BindRefusesSecondJob(t *testing.T) {
	m, backend, _ := newMockSession(t, false)
	ctx := context.Background()

	assert.ErrorIs(t, m.Bind("job-a"), model.ErrSessionNotReady)

	backend.EXPECT().LoadModel(gomock.Any(), "m1").Return(nil)
	require.NoError(t, m.EnsureLoaded(ctx, "m1"))

	require.NoError(t, m.Bind("job-a"))
	require.NoError(t, m.Bind("job-a"))
	assert.ErrorIs(t, m.Bind("job-b"), model.ErrSessionBusy)
	assert.ErrorIs(t, m.EnsureLoaded(ctx, "m2"), model.ErrSessionBusy)

	m.Unbind("job-b")
	assert.Equal(t, "job-a", m.Snapshot().ActiveJobID)
	m.Unbind("job-a")
	require.NoError(t, m.Bind("job-b"))
}

func TestSessionManager_SlotLockHeldElsewhere(t *testing.T) {
	m, _, lock := newMockSession(t, true)

	lock.EXPECT().Acquire(gomock.Any(), "slot-0", "host-a", 30*time.Second).Return(false, nil)

	err := m.EnsureLoaded(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrSlotHeld)
	assert.Equal(t, model.SessionStateUnloaded, m.Snapshot().State)
}

func TestSessionManager_HeartbeatFencesOnLostLock(t *testing.T) {
	m, backend, lock := newMockSession(t, true)
	ctx := context.Background()

	lock.EXPECT().Acquire(gomock.Any(), "slot-0", "host-a", 30*time.Second).Return(true, nil).Times(2)
	backend.EXPECT().LoadModel(gomock.Any(), "m1").Return(nil).Times(2)
	lock.EXPECT().Refresh(gomock.Any(), "slot-0", "host-a", 30*time.Second).Return(true, nil)
	lock.EXPECT().Refresh(gomock.Any(), "slot-0", "host-a", 30*time.Second).Return(false, nil)
	backend.EXPECT().UnloadModel(gomock.Any()).Return(nil)

	require.NoError(t, m.EnsureLoaded(ctx, "m1"))
	require.NoError(t, m.Heartbeat(ctx))

	assert.ErrorIs(t, m.Heartbeat(ctx), ErrSlotHeld)
	assert.False(t, m.IsReadyFor("m1"))

	// Re-acquiring unloads the stale model before loading again.
	require.NoError(t, m.EnsureLoaded(ctx, "m1"))
	assert.True(t, m.IsReadyFor("m1"))
}

func TestSessionManager_ReleaseUnloadsAndReleasesLock(t *testing.T) {
	m, backend, lock := newMockSession(t, true)
	ctx := context.Background()

	lock.EXPECT().Acquire(gomock.Any(), "slot-0", "host-a", gomock.Any()).Return(true, nil)
	backend.EXPECT().LoadModel(gomock.Any(), "m1").Return(nil)
	backend.EXPECT().UnloadModel(gomock.Any()).Return(nil)
	lock.EXPECT().Release(gomock.Any(), "slot-0", "host-a").Return(nil)

	require.NoError(t, m.EnsureLoaded(ctx, "m1"))
	require.NoError(t, m.Bind("job-a"))
	require.NoError(t, m.Release(ctx))

	snap := m.Snapshot()
	assert.Equal(t, model.SessionStateUnloaded, snap.State)
	assert.Empty(t, snap.ActiveJobID)

	// Nothing held, nothing to do.
	require.NoError(t, m.Heartbeat(ctx))
}
