// Package peer implements the per-peer request pipeline: a per-instance
// table of known peers, each with its own FIFO worker that serialises
// requests to that peer, reusing one TCP connection when streaming is
// enabled.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drep-project/discoro/internal/logx"
	"github.com/drep-project/discoro/location"
	"github.com/drep-project/discoro/netio"
	"github.com/drep-project/discoro/wire"
)

// Peer holds the per-remote state: expected auth code, TLS material, the
// streaming flag, and the request queue its worker drains.
type Peer struct {
	Location location.Location
	Auth     string // the remote's expected auth code
	Keyfile  string
	Certfile string
	Stream   bool

	log *logrus.Entry

	mu   sync.Mutex
	conn *netio.Conn

	reqs        chan *wire.NetRequest
	reqsPending chan struct{} // edge-triggered wake, buffered 1

	cancel context.CancelFunc
	done   chan struct{}
}

// Table is the map (addr, port) -> Peer. It is a field of
// instance.Instance, never a package-level variable, so two instances in
// one process never share peers.
type Table struct {
	mu    sync.Mutex
	peers map[location.Location]*Peer
	log   *logrus.Entry
}

// NewTable creates an empty peer table.
func NewTable() *Table {
	return &Table{peers: make(map[location.Location]*Peer), log: logx.New("peer.table")}
}

// Get returns the peer known at loc, if any.
func (t *Table) Get(loc location.Location) (*Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[loc]
	return p, ok
}

// Has reports whether loc is already installed with the given auth code,
// the idempotence check that keeps duplicate handshakes from reinstalling
// a known peer.
func (t *Table) Has(loc location.Location, auth string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[loc]
	return ok && p.Auth == auth
}

// Installed reports whether any peer is known at loc, regardless of auth.
func (t *Table) Installed(loc location.Location) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[loc]
	return ok
}

// SameHost returns every installed peer sharing loc's address, excluding
// loc's own port, used by discovery to relay a ping to other instances on
// the same host.
func (t *Table) SameHost(loc location.Location) []*Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Peer
	for l, p := range t.peers {
		if l.Addr == loc.Addr && l.Port != loc.Port {
			out = append(out, p)
		}
	}
	return out
}

// All returns every installed peer.
func (t *Table) All() []*Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Install adds a new peer and starts its worker goroutine; the worker
// lives for the lifetime of the entry. Returns false (without modifying
// the table) if loc is already present, so two concurrent handshakes with
// the same peer can't both install it.
func (t *Table) Install(loc location.Location, auth, keyfile, certfile string, stream bool) (*Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.peers[loc]; exists {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		Location:    loc,
		Auth:        auth,
		Keyfile:     keyfile,
		Certfile:    certfile,
		Stream:      stream,
		log:         logx.New("peer").WithField("peer", loc.String()),
		reqs:        make(chan *wire.NetRequest, 256),
		reqsPending: make(chan struct{}, 1),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	t.peers[loc] = p
	go p.worker(ctx)
	return p, true
}

// Remove terminates the peer's worker and discards it from the table.
// Subsequent SendReq calls for loc fail.
func (t *Table) Remove(loc location.Location) {
	t.mu.Lock()
	p, ok := t.peers[loc]
	if ok {
		delete(t.peers, loc)
	}
	t.mu.Unlock()
	if ok {
		p.cancel()
		// Break a worker blocked mid-read so in-flight work aborts with
		// reply = nil rather than waiting out a hung peer.
		p.closeConn()
		<-p.done
	}
}

// SendReq enqueues req for delivery to its Dst peer. Returns -1 if the peer
// is unknown, 0 on success.
func (t *Table) SendReq(req *wire.NetRequest) int {
	if req.Dst == nil {
		return -1
	}
	p, ok := t.Get(*req.Dst)
	if !ok {
		return -1
	}
	req.EnsureWaiter()
	select {
	case p.reqs <- req:
	default:
		// Queue is saturated; block until the worker frees a slot rather
		// than silently drop, the FIFO ordering guarantee only concerns
		// relative order, not a bound on depth.
		p.reqs <- req
	}
	select {
	case p.reqsPending <- struct{}{}:
	default:
	}
	return 0
}

// SendOneShot dials the peer, sends a clone of req stamped with the peer's
// auth code over a fresh connection, and closes it without reading anything
// back: the reply, if the verb produces one, arrives later on a
// peer-initiated return connection correlated by req.ID. Cloning per
// destination lets a broadcast reuse one pending envelope across every
// known peer. Used by the async-reply discipline and by discovery's
// pending-request drain, both of which deliberately bypass the FIFO
// pipeline.
func (p *Peer) SendOneShot(req *wire.NetRequest) int {
	clone := req.CloneForPeer(p.Auth)
	timeout := 15 * time.Second
	if clone.Timeout != nil && *clone.Timeout > 0 {
		timeout = *clone.Timeout
	}
	conn, err := netio.Dial(p.Location.String(), timeout, netio.TLSConfig{CertFile: p.Certfile, KeyFile: p.Keyfile})
	if err != nil {
		p.log.WithError(err).Debug("one-shot connect failed")
		return -1
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))
	payload, err := wire.Serialize(clone)
	if err != nil {
		p.log.WithError(err).Warn("serialize failed")
		return -1
	}
	if err := conn.SendMsg(payload); err != nil {
		p.log.WithError(err).Debug("one-shot send failed")
		return -1
	}
	return 0
}

// worker drains reqs strictly FIFO; requests to a given peer are never
// re-ordered.
func (p *Peer) worker(ctx context.Context) {
	defer close(p.done)
	defer p.closeConn()
	for {
		select {
		case <-ctx.Done():
			p.discardQueued()
			return
		case req := <-p.reqs:
			p.process(ctx, req)
			continue
		default:
		}

		if !p.Stream {
			p.closeConn()
		}
		select {
		case <-ctx.Done():
			p.discardQueued()
			return
		case <-p.reqsPending:
		case req := <-p.reqs:
			p.process(ctx, req)
		}
	}
}

// discardQueued drains whatever was still enqueued when the peer was
// removed, signalling each waiter with a nil reply.
func (p *Peer) discardQueued() {
	for {
		select {
		case req := <-p.reqs:
			req.Reply = nil
			req.Signal()
		default:
			return
		}
	}
}

func (p *Peer) process(ctx context.Context, req *wire.NetRequest) {
	defer req.Signal()

	conn, err := p.ensureConn()
	if err != nil {
		p.log.WithError(err).Debug("connect failed")
		req.Reply = nil
		return
	}

	// Unlike the discovery drain path (which clones a pending request per
	// destination inside SendOneShot), each request handed
	// to a single peer's worker is already dedicated to that one Dst, so the
	// auth stamp is applied in place: the caller's object is what Wait/Reply
	// must be observed on.
	req.Auth = p.Auth
	if req.Timeout != nil {
		conn.SetDeadline(time.Now().Add(*req.Timeout))
	} else {
		conn.SetDeadline(time.Time{})
	}

	payload, err := wire.Serialize(req)
	if err != nil {
		p.log.WithError(err).Warn("serialize failed")
		req.Reply = nil
		return
	}
	if err := conn.SendMsg(payload); err != nil {
		p.log.WithError(err).Debug("send failed")
		p.closeConn()
		req.Reply = nil
		return
	}
	respBytes, err := conn.RecvMsg()
	if err != nil {
		p.log.WithError(err).Debug("recv failed")
		p.closeConn()
		req.Reply = nil
		return
	}
	resp, err := wire.Unserialize(respBytes)
	if err != nil {
		p.log.WithError(err).Warn("malformed reply")
		req.Reply = nil
		return
	}
	req.Reply = resp.Reply
}

func (p *Peer) ensureConn() (*netio.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := netio.Dial(p.Location.String(), 15*time.Second, netio.TLSConfig{CertFile: p.Certfile, KeyFile: p.Keyfile})
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

func (p *Peer) closeConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
