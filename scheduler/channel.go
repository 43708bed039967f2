package scheduler

import (
	"context"
	"sync"
	"time"
)

// Subscriber is anything a Channel can fan a delivered message out to: a
// local Coro, or a RemoteRef standing in for a coroutine/channel on another
// instance (resolved through Channel.Relay).
type Subscriber struct {
	Local  *Coro
	Remote *RemoteRef
}

// Channel is a named, process-local message relay. Unlike Coro it is not
// backed by an actor.PID: fan-out to a handful of subscribers under one
// mutex is simpler and clearer than routing it through the actor mailbox,
// and a channel never needs to be independently addressable the way a
// coroutine is.
type Channel struct {
	Name string

	mu          sync.Mutex
	subscribers []Subscriber

	// Relay, when set, delivers a message to a remote subscriber. Wired by
	// the instance layer (which knows about peer.Table) to avoid an import
	// cycle from scheduler back into peer/dispatcher.
	Relay func(ref RemoteRef, msg any) error
}

func newChannel(name string) *Channel {
	return &Channel{Name: name}
}

// Subscribe adds sub to the channel's fan-out list. Returns 0 on success,
// matching the dispatcher's convention; duplicate subscriptions are
// idempotent.
func (ch *Channel) Subscribe(sub Subscriber) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, existing := range ch.subscribers {
		if sameSubscriber(existing, sub) {
			return 0
		}
	}
	ch.subscribers = append(ch.subscribers, sub)
	return 0
}

// Unsubscribe removes sub from the fan-out list.
func (ch *Channel) Unsubscribe(sub Subscriber) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i, existing := range ch.subscribers {
		if sameSubscriber(existing, sub) {
			ch.subscribers = append(ch.subscribers[:i], ch.subscribers[i+1:]...)
			return 0
		}
	}
	return -1
}

func sameSubscriber(a, b Subscriber) bool {
	if a.Local != nil && b.Local != nil {
		return a.Local.ID == b.Local.ID
	}
	if a.Remote != nil && b.Remote != nil {
		return *a.Remote == *b.Remote
	}
	return false
}

// Send enqueues msg to every subscriber without waiting for delivery
// confirmation.
func (ch *Channel) Send(msg any) int {
	ch.mu.Lock()
	subs := append([]Subscriber(nil), ch.subscribers...)
	ch.mu.Unlock()
	for _, s := range subs {
		ch.deliverOne(s, msg)
	}
	return 0
}

// Deliver waits for msg to reach n subscribers (or all of them, if n <= 0)
// or for timeout to elapse. It returns the number of subscribers the
// message was actually handed to.
func (ch *Channel) Deliver(ctx context.Context, msg any, timeout *time.Duration, n int) (int, error) {
	ch.mu.Lock()
	subs := append([]Subscriber(nil), ch.subscribers...)
	ch.mu.Unlock()
	if n <= 0 || n > len(subs) {
		n = len(subs)
	}

	deadline := ctx
	var cancel context.CancelFunc
	if timeout != nil && *timeout > 0 {
		deadline, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	delivered := 0
	for i := 0; i < n; i++ {
		select {
		case <-deadline.Done():
			return delivered, deadline.Err()
		default:
		}
		if ch.deliverOne(subs[i], msg) {
			delivered++
		}
	}
	return delivered, nil
}

func (ch *Channel) deliverOne(s Subscriber, msg any) bool {
	switch {
	case s.Local != nil:
		return s.Local.Send(msg) == 0
	case s.Remote != nil && ch.Relay != nil:
		return ch.Relay(*s.Remote, msg) == nil
	default:
		return false
	}
}
