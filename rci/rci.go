// Package rci implements the user-facing façade for registering, locating,
// and invoking named remote callable interfaces.
package rci

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drep-project/discoro/location"
	"github.com/drep-project/discoro/peer"
	"github.com/drep-project/discoro/registry"
	"github.com/drep-project/discoro/scheduler"
	"github.com/drep-project/discoro/wire"
)

// defaultInvokeTimeout bounds every run_rci round-trip made by Invoke.
const defaultInvokeTimeout = 2 * time.Second

// RCI is the handle a caller uses to register a local method under a name,
// or to locate and invoke one registered on a peer.
type RCI struct {
	Name string

	self  location.Location
	reg   *registry.Registry
	table *peer.Table
}

// New wires an RCI façade to the instance's registry and peer table.
func New(name string, self location.Location, reg *registry.Registry, table *peer.Table) *RCI {
	return &RCI{Name: name, self: self, reg: reg, table: table}
}

// Register installs method under r.Name; it fails if another RCI of that
// name exists. That the entry is actually invocable is enforced by
// RCIMethod's function-typed signature.
func (r *RCI) Register(method scheduler.RCIMethod) error {
	return r.reg.RegisterRCI(r.Name, method)
}

// Unregister removes r.Name from the registry.
func (r *RCI) Unregister() {
	r.reg.UnregisterRCI(r.Name)
}

// Locate resolves r.Name to a location. If at is non-nil, it sends a sync
// locate_rci to exactly that peer; otherwise it broadcasts an async
// locate_rci across every known peer and completes on the first positive
// reply or timeout, whichever comes first.
func (r *RCI) Locate(ctx context.Context, at *location.Location, timeout time.Duration) (location.Location, bool) {
	if at != nil {
		return r.locateSync(*at, timeout)
	}
	return r.locateBroadcast(ctx, timeout)
}

func (r *RCI) locateSync(at location.Location, timeout time.Duration) (location.Location, bool) {
	req := &wire.NetRequest{
		Name:   wire.LocateRCI,
		Dst:    &at,
		Kwargs: map[string]any{"name": r.Name},
	}
	if timeout > 0 {
		req.Timeout = &timeout
	}
	if code := r.table.SendReq(req); code != 0 {
		return location.Location{}, false
	}
	req.Wait(nil)
	h, ok := req.Reply.(wire.Handle)
	if !ok {
		return location.Location{}, false
	}
	return h.Location, true
}

func (r *RCI) locateBroadcast(ctx context.Context, timeout time.Duration) (location.Location, bool) {
	peers := r.table.All()
	if len(peers) == 0 {
		return location.Location{}, false
	}

	id := uuid.NewString()
	pending := &wire.NetRequest{
		Name:   wire.LocateRCI,
		Src:    &r.self,
		ID:     id,
		Kwargs: map[string]any{"name": r.Name},
	}
	pending.NewAsyncWaiter()
	if timeout > 0 {
		pending.Timeout = &timeout
	}
	r.reg.PutRequest(pending)

	// Fan the same pending envelope out over one-shot connections rather
	// than the per-peer pipeline: the pipe expects a reply on the same
	// connection, but an async locate's reply comes back on a
	// peer-initiated return connection.
	for _, p := range peers {
		p.SendOneShot(pending)
	}

	var timeoutPtr *time.Duration
	if timeout > 0 {
		timeoutPtr = &timeout
	}
	if !pending.Wait(timeoutPtr) {
		r.reg.PopRequest(id)
		return location.Location{}, false
	}
	// The dispatcher already popped the entry when it delivered the async
	// reply onto pending; nothing left to clean up here.
	h, ok := pending.Reply.(wire.Handle)
	if !ok {
		return location.Location{}, false
	}
	return h.Location, true
}

// Invoke wraps a call to the remote RCI in a sync run_rci request with the
// spec's 2-second default timeout, returning the remote Coro handle.
func (r *RCI) Invoke(at location.Location, args []any, kwargs map[string]any) (wire.Handle, error) {
	timeout := defaultInvokeTimeout
	req := &wire.NetRequest{
		Name: wire.RunRCI,
		Dst:  &at,
		Kwargs: map[string]any{
			"name":   r.Name,
			"args":   args,
			"kwargs": kwargs,
		},
		Timeout: &timeout,
	}
	if code := r.table.SendReq(req); code != 0 {
		return wire.Handle{}, fmt.Errorf("rci: peer %s unknown", at.String())
	}
	req.Wait(nil)
	switch v := req.Reply.(type) {
	case wire.Handle:
		return v, nil
	case *wire.ErrValue:
		return wire.Handle{}, v
	case nil:
		return wire.Handle{}, fmt.Errorf("rci: invoke %q on %s timed out or failed", r.Name, at.String())
	default:
		return wire.Handle{}, fmt.Errorf("rci: unexpected reply type %T", v)
	}
}
