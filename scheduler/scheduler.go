// Package scheduler is the local coroutine scheduler the transport layer
// dispatches into. Coroutines are backed by
// github.com/AsynkronIT/protoactor-go actors: a Coro's identity and mailbox
// are a real *actor.PID, and its body runs as a goroutine fed by that
// mailbox.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/AsynkronIT/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/drep-project/discoro/internal/logx"
)

// RCIMethod is the Go-native replacement for "a resumable generator
// function": the entry point registered for an RCI or spawned to service a
// run_rci request.
type RCIMethod func(ctx context.Context, self *Coro, args []any, kwargs map[string]any) (any, error)

// MonitorTarget receives an ExitEvent when the coroutine it monitors exits.
// Implemented by *Coro for local monitors; the instance/dispatcher layer
// implements it too, for monitors that live on another instance.
type MonitorTarget interface {
	NotifyExit(ev ExitEvent)
}

// ExitEvent is delivered to a monitor when the monitored Coro finishes,
// carrying the terminal result or error.
type ExitEvent struct {
	CoroID string
	Result any
	Err    error
}

// Scheduler owns every locally-spawned Coro and locally-registered Channel
// for one instance. It is a field of instance.Instance, never a package
// global, so two instances in one test process never share state.
type Scheduler struct {
	system *actor.ActorSystem
	log    *logrus.Entry

	mu       sync.Mutex
	coros    map[string]*Coro
	channels map[string]*Channel
	monitors map[string][]MonitorTarget // coro id -> monitors
}

// RemoteRef is the minimal shape of a remote handle scheduler needs to ask
// the instance layer (through Channel.Relay) to deliver a channel message
// across the network, without importing the wire package's full Handle
// (which would cycle back here).
type RemoteRef struct {
	Addr string
	Port uint16
	ID   string
	Kind string // "coro" or "channel", decides which kwarg names ID on relay
}

// New creates a Scheduler backed by a fresh actor system.
func New() *Scheduler {
	return &Scheduler{
		system:   actor.NewActorSystem(),
		log:      logxEntry(),
		coros:    make(map[string]*Coro),
		channels: make(map[string]*Channel),
		monitors: make(map[string][]MonitorTarget),
	}
}

func logxEntry() *logrus.Entry { return logx.New("scheduler") }

// Spawn starts a new coroutine running method, addressable by the returned
// Coro's ID.
func (s *Scheduler) Spawn(ctx context.Context, method RCIMethod, args []any, kwargs map[string]any) (*Coro, error) {
	id := uuid.NewString()
	c := &Coro{
		ID:    id,
		sched: s,
		inbox: make(chan any, 32),
		done:  make(chan struct{}),
	}
	props := actor.PropsFromFunc(func(actx actor.Context) {
		switch actx.Message().(type) {
		case *actor.Started, *actor.Stopping, *actor.Stopped, *actor.Restarting:
			return
		}
		select {
		case c.inbox <- actx.Message():
		default:
			// Inbox buffer is full; drop rather than block the actor
			// system's dispatcher.
		}
	})
	c.pid = s.system.Root.Spawn(props)

	s.mu.Lock()
	s.coros[id] = c
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		res, err := method(runCtx, c, args, kwargs)
		c.finish(res, err)
		s.fireExit(c, res, err)
	}()
	return c, nil
}

// CoroByID looks up a locally-spawned coroutine, used by dispatcher for
// `send`/`deliver`/`monitor`/`exception` verbs targeting a coro id.
func (s *Scheduler) CoroByID(id string) (*Coro, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coros[id]
	return c, ok
}

// Channel returns a named local channel, creating it on first use.
func (s *Scheduler) Channel(name string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[name]; ok {
		return ch
	}
	ch := newChannel(name)
	s.channels[name] = ch
	return ch
}

// ChannelByName looks up a channel without creating it.
func (s *Scheduler) ChannelByName(name string) (*Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	return ch, ok
}

// Monitor installs monitor as an observer of target's exit.
func (s *Scheduler) Monitor(monitor MonitorTarget, target *Coro) error {
	if target == nil {
		return fmt.Errorf("scheduler: nil monitor target")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors[target.ID] = append(s.monitors[target.ID], monitor)
	return nil
}

// Throw injects an error into target's inbox; the body observes it as a
// failed Recv.
func (s *Scheduler) Throw(target *Coro, exc error) error {
	if target == nil {
		return fmt.Errorf("scheduler: nil throw target")
	}
	select {
	case target.inbox <- exc:
		return nil
	default:
		return fmt.Errorf("scheduler: coro %s inbox full", target.ID)
	}
}

func (s *Scheduler) fireExit(c *Coro, res any, err error) {
	s.mu.Lock()
	targets := s.monitors[c.ID]
	delete(s.monitors, c.ID)
	delete(s.coros, c.ID)
	s.mu.Unlock()

	ev := ExitEvent{CoroID: c.ID, Result: res, Err: err}
	for _, t := range targets {
		t.NotifyExit(ev)
	}
}

// Stop tears down the underlying actor system. Called from
// instance.Instance.Stop.
func (s *Scheduler) Stop() {
	s.system.Shutdown()
}
