package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWaiter struct {
	calls chan Channel
	err   error
	block bool
}

func (s *stubWaiter) WaitForNotification(ctx context.Context, channel Channel) error {
	select {
	case s.calls <- channel:
	default:
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	return nil
}

func expectSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.True(t, ok, "expected a signal, channel was closed")
	case <-time.After(time.Second):
		t.Fatal("expected notification to be delivered")
	}
}

func TestNewNotifierRequiresWaiter(t *testing.T) {
	notifier, err := NewNotifier(NotifierOptions{})
	require.ErrorIs(t, err, ErrWaiterRequired)
	assert.Nil(t, notifier)
}

func TestNotifier_SubscribeReceivesNotifications(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan Channel, 4)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe(ChannelBatchJobQueued)
	defer unsub()

	select {
	case got := <-waiter.calls:
		assert.Equal(t, ChannelBatchJobQueued, got)
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be invoked")
	}
	expectSignal(t, ch)
}

func TestNotifier_PokeWakesLocalSubscribers(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan Channel, 1), block: true}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter, WaitWindow: time.Hour})
	require.NoError(t, err)
	defer notifier.StopAll()

	_, ch := notifier.Subscribe(ChannelWebhookPending)
	notifier.Poke(ChannelWebhookPending)
	expectSignal(t, ch)
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan Channel, 1), block: true}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe(ChannelBatchJobQueued)
	unsub()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("expected channel to close after unsubscribe")
	}
	unsub()
}

func TestNotifier_StopAllClosesChannels(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan Channel, 2), err: errors.New("boom")}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter, Backoff: 10 * time.Millisecond})
	require.NoError(t, err)

	unsubJobs, chJobs := notifier.Subscribe(ChannelBatchJobQueued)
	unsubHooks, chHooks := notifier.Subscribe(ChannelWebhookPending)

	notifier.StopAll()

	for _, ch := range []<-chan struct{}{chJobs, chHooks} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channels should be closed after StopAll")
		case <-time.After(time.Second):
			t.Fatal("expected channel to close after StopAll")
		}
	}

	unsubJobs()
	unsubHooks()
}
