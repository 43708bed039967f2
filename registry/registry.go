// Package registry holds the per-instance tables: remote-visible
// coroutines/channels/RCIs by name, and the pending-outbound-request table
// used to correlate async replies. All mutation goes through Registry's
// mutex, since user code may also touch these tables from other OS threads
// in the host program.
package registry

import (
	"sync"

	"github.com/drep-project/discoro/location"
	"github.com/drep-project/discoro/scheduler"
	"github.com/drep-project/discoro/wire"
)

// StreamTarget names a peer (or, with Port==0, every instance on a host)
// whose TCP connection should be held open between requests.
type StreamTarget struct {
	Addr string
	Port uint16 // 0 means "any instance on Addr"
}

// Registry is owned by exactly one instance.Instance; it is never a package
// global, so two instances in one process never share state.
type Registry struct {
	mu sync.Mutex

	rcoros    map[string]*scheduler.Coro
	rchannels map[string]*scheduler.Channel
	rcis      map[string]RCIEntry

	requests map[string]*wire.NetRequest

	streamPeers map[StreamTarget]struct{}
}

// RCIEntry is what Register stores for a named remote-callable interface.
type RCIEntry struct {
	Name   string
	Method scheduler.RCIMethod
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		rcoros:      make(map[string]*scheduler.Coro),
		rchannels:   make(map[string]*scheduler.Channel),
		rcis:        make(map[string]RCIEntry),
		requests:    make(map[string]*wire.NetRequest),
		streamPeers: make(map[StreamTarget]struct{}),
	}
}

// RegisterCoro exposes a local coroutine under a name for locate_coro.
func (r *Registry) RegisterCoro(name string, c *scheduler.Coro) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rcoros[name] = c
}

// UnregisterCoro removes a previously-registered named coroutine.
func (r *Registry) UnregisterCoro(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rcoros, name)
}

// Coro looks up a remote-visible coroutine by name.
func (r *Registry) Coro(name string) (*scheduler.Coro, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rcoros[name]
	return c, ok
}

// RegisterChannel exposes a local channel under a name for locate_channel.
func (r *Registry) RegisterChannel(name string, ch *scheduler.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rchannels[name] = ch
}

// UnregisterChannel removes a previously-registered named channel.
func (r *Registry) UnregisterChannel(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rchannels, name)
}

// Channel looks up a remote-visible channel by name.
func (r *Registry) Channel(name string) (*scheduler.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.rchannels[name]
	return ch, ok
}

// RegisterRCI installs a named RCI. It fails with an error if another RCI
// of that name is already registered. That the entry is actually invocable
// is already enforced by RCIMethod's function type.
func (r *Registry) RegisterRCI(name string, method scheduler.RCIMethod) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rcis[name]; exists {
		return errAlreadyRegistered(name)
	}
	r.rcis[name] = RCIEntry{Name: name, Method: method}
	return nil
}

// UnregisterRCI removes a named RCI.
func (r *Registry) UnregisterRCI(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rcis, name)
}

// RCI looks up a registered RCI by name.
func (r *Registry) RCI(name string) (RCIEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rcis[name]
	return e, ok
}

// AddStreamTarget marks (addr, port) as a streaming peer.
func (r *Registry) AddStreamTarget(t StreamTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamPeers[t] = struct{}{}
}

// IsStreamTarget reports whether loc matches a configured streaming target,
// either exactly or via the "any instance on this host" (port 0) wildcard.
func (r *Registry) IsStreamTarget(loc location.Location) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streamPeers[StreamTarget{Addr: loc.Addr, Port: loc.Port}]; ok {
		return true
	}
	_, ok := r.streamPeers[StreamTarget{Addr: loc.Addr, Port: 0}]
	return ok
}

// PutRequest installs req, keyed by its ID, awaiting an async reply.
func (r *Registry) PutRequest(req *wire.NetRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = req
}

// PopRequest removes and returns the pending request with the given id, if
// any — used both by the dispatcher on reply arrival and by the timeout
// path.
func (r *Registry) PopRequest(id string) (*wire.NetRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if ok {
		delete(r.requests, id)
	}
	return req, ok
}

// PendingForPeer returns a snapshot of every pending request whose Dst is
// nil (broadcast) or equals loc, drained to a peer right after install.
// The snapshot is a slice of the *original* *NetRequest pointers (so
// their Event is still the one the caller is waiting on); callers must use
// NetRequest.CloneForPeer before mutating Auth for the wire.
func (r *Registry) PendingForPeer(loc location.Location) []*wire.NetRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*wire.NetRequest
	for _, req := range r.requests {
		if req.Dst == nil || *req.Dst == loc {
			out = append(out, req)
		}
	}
	return out
}

type errAlreadyRegistered string

func (e errAlreadyRegistered) Error() string {
	return "registry: \"" + string(e) + "\" is already registered"
}
