package scheduler

import (
	"context"
	"sync"

	"github.com/AsynkronIT/protoactor-go/actor"
)

// Coro is a local coroutine: an addressable mailbox (backed by an
// *actor.PID) plus a goroutine running its RCIMethod body.
type Coro struct {
	ID    string
	sched *Scheduler
	pid   *actor.PID
	inbox chan any
	done  chan struct{}

	cancel context.CancelFunc

	mu     sync.Mutex
	result any
	err    error
	exited bool
}

// Send enqueues msg on the coroutine's mailbox, fire-and-forget. Returns 0
// on success, matching the dispatcher's routing-result convention.
func (c *Coro) Send(msg any) int {
	if c == nil || c.pid == nil {
		return -1
	}
	c.sched.system.Root.Send(c.pid, msg)
	return 0
}

// Recv blocks until a message arrives on the coroutine's inbox or ctx is
// done. This is how an RCIMethod body observes messages sent to it via
// Send/Deliver/Throw.
func (c *Coro) Recv(ctx context.Context) (any, error) {
	select {
	case msg := <-c.inbox:
		if err, ok := msg.(error); ok {
			return nil, err
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, context.Canceled
	}
}

func (c *Coro) finish(res any, err error) {
	c.mu.Lock()
	c.result, c.err, c.exited = res, err, true
	c.mu.Unlock()
	close(c.done)
}

// Result returns the coroutine's terminal value, if it has exited.
func (c *Coro) Result() (any, error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err, c.exited
}

// NotifyExit implements MonitorTarget for a local Coro acting as a monitor:
// the exit event is delivered into the monitor's own inbox as an ordinary
// message.
func (c *Coro) NotifyExit(ev ExitEvent) {
	select {
	case c.inbox <- ev:
	default:
	}
}
