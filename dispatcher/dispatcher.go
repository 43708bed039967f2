// Package dispatcher implements the inbound TCP request dispatcher. One
// goroutine per accepted connection reads framed NetRequests in a loop and
// executes each verb against the local registry/scheduler.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drep-project/discoro/discovery"
	"github.com/drep-project/discoro/filetransfer"
	"github.com/drep-project/discoro/internal/logx"
	"github.com/drep-project/discoro/location"
	"github.com/drep-project/discoro/netio"
	"github.com/drep-project/discoro/peer"
	"github.com/drep-project/discoro/registry"
	"github.com/drep-project/discoro/scheduler"
	"github.com/drep-project/discoro/wire"
)

// Dispatcher owns the TCP listener and routes every inbound verb.
type Dispatcher struct {
	Self      location.Location
	Name      string
	AuthCode  string
	TLS       netio.TLSConfig
	FileCfg   filetransfer.Config
	DialTO    time.Duration

	Table     *peer.Table
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Discovery *discovery.Discovery

	listener *netio.Listener
	log      *logrus.Entry
}

// New builds a Dispatcher. Call Listen then Serve.
func New(self location.Location, name, authCode string) *Dispatcher {
	return &Dispatcher{
		Self: self, Name: name, AuthCode: authCode,
		DialTO: 15 * time.Second,
		log:    logx.New("dispatcher").WithField("self", self.String()),
	}
}

// Listen binds the TCP listener. addr's port becomes part of Self if it was
// 0 (ephemeral); instance.Instance is responsible for updating Self.Port
// from the bound address before Serve is called, since the bound port is
// what the instance advertises as its location.
func (d *Dispatcher) Listen(addr string) error {
	l, err := netio.Listen(addr, d.TLS)
	if err != nil {
		return err
	}
	d.listener = l
	return nil
}

// Addr returns the bound listener address.
func (d *Dispatcher) Addr() string {
	return d.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled, spawning one goroutine
// per connection.
func (d *Dispatcher) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		d.listener.Close()
	}()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				d.log.WithError(err).Debug("accept failed")
				return
			}
		}
		go d.handleConn(ctx, conn)
	}
}

func (d *Dispatcher) handleConn(ctx context.Context, conn *netio.Conn) {
	defer conn.Close()
	for {
		msg, err := conn.RecvMsg()
		if err != nil {
			if err != io.EOF {
				d.log.WithError(err).Debug("recv failed")
			}
			return
		}
		req, err := wire.Unserialize(msg)
		if err != nil {
			d.log.WithError(err).Debug("invalid message")
			return
		}

		if req.Auth != d.AuthCode && req.Name != wire.Ping {
			d.log.WithField("verb", string(req.Name)).Debug("auth mismatch, closing")
			return
		}
		if req.Dst != nil && *req.Dst != d.Self {
			d.log.WithField("verb", string(req.Name)).Debug("dst mismatch, closing")
			return
		}
		if req.Src != nil && *req.Src == d.Self {
			d.completeAsyncReply(req)
			return
		}

		if !d.dispatch(ctx, conn, req) {
			return
		}
	}
}

// completeAsyncReply handles a message that IS the peer-initiated return of
// an earlier async request, correlated by id.
func (d *Dispatcher) completeAsyncReply(asyncReply *wire.NetRequest) {
	orig, ok := d.Registry.PopRequest(asyncReply.ID)
	if !ok {
		d.log.WithField("id", asyncReply.ID).Debug("ignoring unknown async reply")
		return
	}
	orig.Reply = asyncReply.Reply
	orig.Signal()
}

// dispatch executes one verb and returns whether the connection should stay
// open for further framed messages: true for every sync verb, so a
// streaming sender can reuse the connection, false after terminate or an
// unrecoverable condition.
func (d *Dispatcher) dispatch(ctx context.Context, conn *netio.Conn, req *wire.NetRequest) bool {
	switch req.Name {
	case wire.Send:
		d.handleSend(conn, req)
	case wire.Deliver:
		d.handleDeliver(ctx, conn, req)
	case wire.RunRCI:
		d.handleRunRCI(ctx, conn, req)
	case wire.LocateCoro:
		d.handleLocate(conn, req, wire.HandleCoro)
	case wire.LocateChannel:
		d.handleLocate(conn, req, wire.HandleChannel)
	case wire.LocateRCI:
		d.handleLocate(conn, req, wire.HandleRCI)
	case wire.LocatePeer:
		d.handleLocatePeer(conn, req)
	case wire.Subscribe:
		d.handleSubscribe(conn, req, true)
	case wire.Unsubscribe:
		d.handleSubscribe(conn, req, false)
	case wire.Monitor:
		d.handleMonitor(conn, req)
	case wire.Exception:
		d.handleException(conn, req)
	case wire.Ping:
		d.Discovery.HandleTCPPing(req)
		return false
	case wire.Pong:
		d.Discovery.HandleTCPPong(req, conn)
		return false
	case wire.SendFile:
		filetransfer.HandleSendFile(conn, req, d.FileCfg)
		return false
	case wire.DelFile:
		code := filetransfer.HandleDelFile(req, d.FileCfg)
		d.replyInt(conn, int64(code))
	case wire.Terminate:
		// kwargs["peer"] names the peer to forget, not req.Dst (req.Dst is
		// always this instance's own location, per the dst check above).
		if peerLoc, ok := req.Kwargs["peer"].(location.Location); ok {
			d.Table.Remove(peerLoc)
		}
		d.replyAny(conn, "ack")
		return false
	default:
		d.log.WithField("verb", string(req.Name)).Warn("unknown verb")
		return false
	}
	return true
}

func (d *Dispatcher) replyInt(conn *netio.Conn, v int64) {
	payload, err := wire.Serialize(&wire.NetRequest{Reply: v})
	if err != nil {
		return
	}
	conn.SendMsg(payload)
}

func (d *Dispatcher) replyAny(conn *netio.Conn, v any) {
	payload, err := wire.Serialize(&wire.NetRequest{Reply: v})
	if err != nil {
		return
	}
	conn.SendMsg(payload)
}

func (d *Dispatcher) handleSend(conn *netio.Conn, req *wire.NetRequest) {
	reply := int64(-1)
	if cid, ok := req.Kwargs["coro"].(string); ok && cid != "" {
		if c, found := d.Scheduler.CoroByID(cid); found {
			reply = int64(c.Send(req.Kwargs["message"]))
		}
	} else if name, ok := req.Kwargs["name"].(string); ok && name != "" {
		if ch, found := d.Registry.Channel(name); found {
			reply = int64(ch.Send(req.Kwargs["message"]))
		}
	}
	d.replyInt(conn, reply)
}

func (d *Dispatcher) handleDeliver(ctx context.Context, conn *netio.Conn, req *wire.NetRequest) {
	reply := int64(-1)
	if cid, ok := req.Kwargs["coro"].(string); ok && cid != "" {
		if c, found := d.Scheduler.CoroByID(cid); found {
			c.Send(req.Kwargs["message"])
			reply = 1
		}
	} else if name, ok := req.Kwargs["name"].(string); ok && name != "" {
		if ch, found := d.Registry.Channel(name); found {
			n := 0
			if nv, ok := req.Kwargs["n"].(float64); ok {
				n = int(nv)
			}
			delivered, _ := ch.Deliver(ctx, req.Kwargs["message"], req.Timeout, n)
			reply = int64(delivered)
		}
	}
	d.replyInt(conn, reply)
}

func (d *Dispatcher) handleRunRCI(ctx context.Context, conn *netio.Conn, req *wire.NetRequest) {
	name, _ := req.Kwargs["name"].(string)
	entry, ok := d.Registry.RCI(name)
	if !ok {
		d.replyAny(conn, &wire.ErrValue{Message: fmt.Sprintf("RCI %q is not registered", name)})
		return
	}
	args, _ := req.Kwargs["args"].([]any)
	kwargs, _ := req.Kwargs["kwargs"].(map[string]any)
	c, err := d.Scheduler.Spawn(ctx, entry.Method, args, kwargs)
	if err != nil {
		d.replyAny(conn, &wire.ErrValue{Message: err.Error()})
		return
	}
	d.replyAny(conn, wire.Handle{Kind: wire.HandleCoro, IDOrName: c.ID, Location: d.Self})
}

func (d *Dispatcher) handleLocate(conn *netio.Conn, req *wire.NetRequest, kind wire.HandleKind) {
	name, _ := req.Kwargs["name"].(string)
	var idOrName string
	var found bool
	switch kind {
	case wire.HandleCoro:
		c, ok := d.Registry.Coro(name)
		found = ok
		if ok {
			idOrName = c.ID
		}
	case wire.HandleChannel:
		_, ok := d.Registry.Channel(name)
		found = ok
		idOrName = name
	case wire.HandleRCI:
		_, ok := d.Registry.RCI(name)
		found = ok
		idOrName = name
	}

	if !found && (req.Dst == nil || *req.Dst != d.Self) {
		return
	}
	var handle any
	if found {
		handle = wire.Handle{Kind: kind, IDOrName: idOrName, Location: d.Self}
	}

	if req.Src != nil {
		d.sendAsyncReturn(*req.Src, req, handle)
		return
	}
	d.replyAny(conn, handle)
}

func (d *Dispatcher) handleLocatePeer(conn *netio.Conn, req *wire.NetRequest) {
	name, _ := req.Kwargs["name"].(string)
	var loc any
	matched := name == d.Name
	switch {
	case matched:
		loc = d.Self
	case req.Dst != nil && *req.Dst == d.Self:
		loc = nil
	default:
		// Neither condition holds: send nothing. A broadcast locate_peer
		// with no matching name anywhere legitimately hangs until its
		// caller's timeout.
		return
	}
	if req.Src != nil {
		d.sendAsyncReturn(*req.Src, req, loc)
		return
	}
	d.replyAny(conn, loc)
}

// sendAsyncReturn delivers an async verb's result: open a fresh connection
// back to src, stamp reply on the envelope, send.
func (d *Dispatcher) sendAsyncReturn(src location.Location, req *wire.NetRequest, reply any) {
	p, ok := d.Table.Get(src)
	authCode := ""
	if ok {
		authCode = p.Auth
	}
	conn, err := netio.Dial(src.String(), d.DialTO, d.TLS)
	if err != nil {
		return
	}
	defer conn.Close()
	out := &wire.NetRequest{Name: req.Name, Src: &d.Self, Dst: &src, ID: req.ID, Auth: authCode, Reply: reply}
	payload, err := wire.Serialize(out)
	if err != nil {
		return
	}
	conn.SendMsg(payload)
}

func (d *Dispatcher) handleSubscribe(conn *netio.Conn, req *wire.NetRequest, subscribe bool) {
	reply := int64(-1)
	name, _ := req.Kwargs["name"].(string)
	if ch, ok := d.Registry.Channel(name); ok {
		sub, ok := subscriberFromKwargs(req.Kwargs, d.Scheduler)
		if ok {
			if subscribe {
				reply = int64(ch.Subscribe(sub))
			} else {
				reply = int64(ch.Unsubscribe(sub))
			}
		}
	}
	d.replyInt(conn, reply)
}

func subscriberFromKwargs(kwargs map[string]any, sched *scheduler.Scheduler) (scheduler.Subscriber, bool) {
	if h, ok := kwargs["coro"].(wire.Handle); ok {
		return handleToSubscriber(h, sched)
	}
	if h, ok := kwargs["channel"].(wire.Handle); ok {
		return handleToSubscriber(h, sched)
	}
	return scheduler.Subscriber{}, false
}

func handleToSubscriber(h wire.Handle, sched *scheduler.Scheduler) (scheduler.Subscriber, bool) {
	if c, ok := sched.CoroByID(h.IDOrName); ok {
		return scheduler.Subscriber{Local: c}, true
	}
	return scheduler.Subscriber{Remote: &scheduler.RemoteRef{Addr: h.Location.Addr, Port: h.Location.Port, ID: h.IDOrName, Kind: string(h.Kind)}}, true
}

func (d *Dispatcher) handleMonitor(conn *netio.Conn, req *wire.NetRequest) {
	reply := int64(-1)
	rcoro, okc := req.Kwargs["coro"].(wire.Handle)
	monitor, okm := req.Kwargs["monitor"].(wire.Handle)
	// The monitor verb only carries genuinely cross-instance relations: a
	// monitor living on this instance is installed directly through the
	// scheduler and must never arrive over the wire.
	if okc && okm && monitor.Location != d.Self {
		if target, found := d.Scheduler.CoroByID(rcoro.IDOrName); found {
			mt := remoteMonitor{dispatcher: d, ref: monitor}
			if err := d.Scheduler.Monitor(mt, target); err == nil {
				reply = 0
			}
		}
	}
	d.replyInt(conn, reply)
}

// remoteMonitor relays an ExitEvent to a monitor living on another instance:
// it opens a fresh connection and sends an "exception" verb carrying the
// exit tuple, reusing the same message fabric as every other verb.
type remoteMonitor struct {
	dispatcher *Dispatcher
	ref        wire.Handle
}

func (r remoteMonitor) NotifyExit(ev scheduler.ExitEvent) {
	authCode := ""
	if p, ok := r.dispatcher.Table.Get(r.ref.Location); ok {
		authCode = p.Auth
	}
	conn, err := netio.Dial(r.ref.Location.String(), r.dispatcher.DialTO, r.dispatcher.TLS)
	if err != nil {
		return
	}
	defer conn.Close()
	var errMsg string
	if ev.Err != nil {
		errMsg = ev.Err.Error()
	}
	req := &wire.NetRequest{
		Name: wire.Exception,
		Dst:  &r.ref.Location,
		Auth: authCode,
		Kwargs: map[string]any{
			"coro":      wire.Handle{Kind: wire.HandleCoro, IDOrName: r.ref.IDOrName, Location: r.ref.Location},
			"exception": errMsg,
			"result":    fmt.Sprintf("%v", ev.Result),
		},
	}
	payload, err := wire.Serialize(req)
	if err != nil {
		return
	}
	conn.SendMsg(payload)
}

func (d *Dispatcher) handleException(conn *netio.Conn, req *wire.NetRequest) {
	reply := int64(-1)
	if rcoro, ok := req.Kwargs["coro"].(wire.Handle); ok {
		if c, found := d.Scheduler.CoroByID(rcoro.IDOrName); found {
			msg, _ := req.Kwargs["exception"].(string)
			if msg != "" {
				if err := d.Scheduler.Throw(c, &wire.ErrValue{Message: msg}); err == nil {
					reply = 0
				}
			}
		}
	}
	d.replyInt(conn, reply)
}
