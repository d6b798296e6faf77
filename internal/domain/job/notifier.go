// Package job provides wake-up notifications for workers that wait on queued work.
package job

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Channel names a stream of "work is available" signals.
type Channel string

const (
	// ChannelBatchJobQueued fires when a batch job enters the queue.
	ChannelBatchJobQueued Channel = "batch_job_queued"
	// ChannelWebhookPending fires when a webhook delivery is created or re-armed.
	ChannelWebhookPending Channel = "webhook_delivery_pending"
)

// Waiter blocks until a notification arrives on a channel or ctx ends.
type Waiter interface {
	WaitForNotification(ctx context.Context, channel Channel) error
}

// Notifier manages subscriptions for work availability notifications.
type Notifier interface {
	Subscribe(channel Channel) (func(), <-chan struct{})
	Poke(channel Channel)
	StopAll()
}

// NotifierOptions configure the behaviour of the default notifier implementation.
type NotifierOptions struct {
	Waiter     Waiter
	WaitWindow time.Duration
	Backoff    time.Duration
}

// DefaultNotifier fans a single listener per channel out to every subscriber.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu        sync.Mutex
	subs      map[Channel]map[chan struct{}]struct{}
	listeners map[Channel]context.CancelFunc
}

// NewNotifier constructs the default notifier implementation.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}

	waitWindow := opts.WaitWindow
	if waitWindow <= 0 {
		waitWindow = time.Minute
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	return &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: waitWindow,
		backoff:    backoff,
		subs:       make(map[Channel]map[chan struct{}]struct{}),
		listeners:  make(map[Channel]context.CancelFunc),
	}, nil
}

// Subscribe registers a receiver on channel. The returned func unsubscribes and closes the receiver.
func (n *DefaultNotifier) Subscribe(channel Channel) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[channel]; !ok {
		ctx, cancel := context.WithCancel(context.Background())
		n.listeners[channel] = cancel
		go n.listenLoop(ctx, channel)
	}

	ch := make(chan struct{}, 1)
	if n.subs[channel] == nil {
		n.subs[channel] = make(map[chan struct{}]struct{})
	}
	n.subs[channel][ch] = struct{}{}

	unsub := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subscribers := n.subs[channel]
		if _, ok := subscribers[ch]; !ok {
			return
		}
		delete(subscribers, ch)
		drainAndClose(ch)
		if len(subscribers) == 0 {
			n.stopListener(channel)
			delete(n.subs, channel)
		}
	}

	return unsub, ch
}

// Poke wakes local subscribers without a round trip through the waiter.
func (n *DefaultNotifier) Poke(channel Channel) {
	n.broadcast(channel)
}

// StopAll cancels every listener and closes every subscriber channel.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for channel, cancel := range n.listeners {
		cancel()
		delete(n.listeners, channel)
	}
	for channel, subscribers := range n.subs {
		for ch := range subscribers {
			drainAndClose(ch)
		}
		delete(n.subs, channel)
	}
}

func (n *DefaultNotifier) stopListener(channel Channel) {
	if cancel, ok := n.listeners[channel]; ok {
		cancel()
		delete(n.listeners, channel)
	}
}

func (n *DefaultNotifier) listenLoop(ctx context.Context, channel Channel) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, channel)
		cancel()

		// A timed-out wait still wakes subscribers so they re-poll.
		n.broadcast(channel)

		if err != nil && ctx.Err() == nil {
			timer := time.NewTimer(n.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (n *DefaultNotifier) broadcast(channel Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[channel] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drainAndClose removes buffered notifications before closing so receivers see the close immediately.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*DefaultNotifier)(nil)
