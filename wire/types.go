// Package wire defines the single serialisable envelope (NetRequest) used for
// every verb exchanged between discoro instances, the closed verb set, and
// the remote-handle representation for coroutines/channels/RCIs.
package wire

import (
	"sync"
	"time"

	"github.com/drep-project/discoro/location"
)

// Verb is one of the closed set of request names this protocol understands.
type Verb string

const (
	Send          Verb = "send"
	Deliver       Verb = "deliver"
	RunRCI        Verb = "run_rci"
	LocateCoro    Verb = "locate_coro"
	LocateChannel Verb = "locate_channel"
	LocateRCI     Verb = "locate_rci"
	LocatePeer    Verb = "locate_peer"
	Subscribe     Verb = "subscribe"
	Unsubscribe   Verb = "unsubscribe"
	Monitor       Verb = "monitor"
	Exception     Verb = "exception"
	Ping          Verb = "ping"
	Pong          Verb = "pong"
	SendFile      Verb = "send_file"
	DelFile       Verb = "del_file"
	Terminate     Verb = "terminate"
)

// HandleKind distinguishes the three kinds of remote handle a NetRequest's
// Reply field may carry.
type HandleKind string

const (
	HandleCoro    HandleKind = "coro"
	HandleChannel HandleKind = "channel"
	HandleRCI     HandleKind = "rci"
)

// Handle is the three-field remote object reference {kind, id_or_name,
// location}. Decoding yields the Handle value itself; a Handle whose
// Location equals the receiving instance's own location is not rebound to
// the local object. The dispatcher looks coroutine handles up by IDOrName in
// the local scheduler where a verb needs the object.
type Handle struct {
	Kind     HandleKind
	IDOrName string
	Location location.Location
}

// ErrValue is how an application-level error (e.g. a run_rci failure) is
// carried over the wire, since NetRequest.Reply must be serialisable.
type ErrValue struct {
	Message string
}

func (e *ErrValue) Error() string { return e.Message }

// NetRequest is the wire envelope carried by every verb. Either of Src/Dst
// may be nil depending on the verb and reply discipline in use.
type NetRequest struct {
	Name    Verb
	Kwargs  map[string]any
	Src     *location.Location
	Dst     *location.Location
	Auth    string
	ID      string
	Reply   any
	Timeout *time.Duration

	// event is non-nil once NewAsyncWaiter or EnsureWaiter has run: for
	// async-discipline requests and for every request enqueued through
	// peer.Table.SendReq. Signal closes it at most once, however many
	// paths call it.
	event chan struct{}
	once  sync.Once
}

// NewAsyncWaiter installs a one-shot completion signal on req, the event a
// caller blocks on until the reply arrives or its timeout fires.
func (req *NetRequest) NewAsyncWaiter() {
	req.event = make(chan struct{})
}

// EnsureWaiter installs a completion signal if one isn't already present.
// peer.Table.SendReq calls this on every request it enqueues, sync or
// async: the request is always handed off to a worker goroutine, so the
// caller needs something to block on regardless of reply discipline.
func (req *NetRequest) EnsureWaiter() {
	if req.event == nil {
		req.event = make(chan struct{})
	}
}

// Signal closes the request's event channel exactly once. Safe to call from
// both the dispatcher's reply path and a timeout path racing it.
func (req *NetRequest) Signal() {
	if req.event == nil {
		return
	}
	req.once.Do(func() { close(req.event) })
}

// Wait blocks until Signal is called or timeout elapses, returning false on
// timeout. A nil/zero timeout waits forever.
func (req *NetRequest) Wait(timeout *time.Duration) bool {
	if req.event == nil {
		return true
	}
	if timeout == nil || *timeout <= 0 {
		<-req.event
		return true
	}
	select {
	case <-req.event:
		return true
	case <-time.After(*timeout):
		return false
	}
}

// CloneForPeer returns a shallow copy of req suitable for sending the same
// pending envelope to one more peer: same Kwargs map (never mutated in
// place by handlers once built), fresh Auth stamp, and the same ID so the
// reply still correlates in the sender's registry.
func (req *NetRequest) CloneForPeer(auth string) *NetRequest {
	return &NetRequest{
		Name:    req.Name,
		Kwargs:  req.Kwargs,
		Src:     req.Src,
		Dst:     req.Dst,
		Auth:    auth,
		ID:      req.ID,
		Timeout: req.Timeout,
	}
}
