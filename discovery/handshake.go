package discovery

import (
	"time"

	"github.com/drep-project/discoro/auth"
	"github.com/drep-project/discoro/location"
	"github.com/drep-project/discoro/netio"
	"github.com/drep-project/discoro/peer"
	"github.com/drep-project/discoro/wire"
)

// HandleTCPPing processes an inbound "ping" NetRequest. The caller
// (dispatcher) has already verified req.Dst (if any) matches the local
// location; ping is the one verb allowed through with a mismatched/absent
// Auth, so dispatcher must not auth-gate before calling this.
func (d *Discovery) HandleTCPPing(req *wire.NetRequest) {
	reqPeer, code, ok := d.validatePingKwargs(req)
	if !ok {
		return
	}
	if reqPeer == d.self {
		return
	}
	if d.table.Has(reqPeer, code) {
		d.log.WithField("peer", reqPeer.String()).Debug("ignoring already-known peer")
		return
	}

	conn, err := netio.Dial(reqPeer.String(), d.cfg.dialTO, d.cfg.TLS)
	if err != nil {
		d.log.WithError(err).Debug("ignoring unreachable peer")
		return
	}
	defer conn.Close()

	signature, _ := req.Kwargs["signature"].(string)
	pong := &wire.NetRequest{
		Name: wire.Pong,
		Kwargs: map[string]any{
			"peer":      d.self,
			"signature": d.signature,
			"version":   ProtocolVersion,
		},
		Dst:  &reqPeer,
		Auth: code,
	}
	payload, err := wire.Serialize(pong)
	if err != nil {
		return
	}
	if err := conn.SendMsg(payload); err != nil {
		d.log.WithError(err).Debug("ignoring peer, pong send failed")
		return
	}
	line, err := conn.ReadLine()
	if err != nil || line != "ack" {
		d.log.WithField("peer", reqPeer.String()).Debug("ignoring peer, no ack")
		return
	}

	d.log.WithField("peer", reqPeer.String()).Debug("found peer")
	d.relayToSameHost(reqPeer, signature)
	d.installAndDrain(reqPeer, code)
}

// HandleTCPPong processes an inbound "pong" NetRequest and replies ack/nak
// on the same connection before relaying/installing/draining.
func (d *Discovery) HandleTCPPong(req *wire.NetRequest, conn *netio.Conn) {
	reqPeer, code, ok := d.validatePingKwargs(req)
	if !ok {
		conn.WriteLine("nak")
		return
	}
	if d.table.Has(reqPeer, code) {
		d.log.WithField("peer", reqPeer.String()).Debug("ignoring already-known peer")
		conn.WriteLine("nak")
		return
	}
	if err := conn.WriteLine("ack"); err != nil {
		return
	}

	d.log.WithField("peer", reqPeer.String()).Debug("found peer")
	signature, _ := req.Kwargs["signature"].(string)
	d.relayToSameHost(reqPeer, signature)
	d.installAndDrain(reqPeer, code)
}

func (d *Discovery) validatePingKwargs(req *wire.NetRequest) (location.Location, string, bool) {
	reqPeer, ok := req.Kwargs["peer"].(location.Location)
	if !ok {
		return location.Location{}, "", false
	}
	version, _ := req.Kwargs["version"].(string)
	if version != ProtocolVersion {
		return location.Location{}, "", false
	}
	signature, _ := req.Kwargs["signature"].(string)
	code := auth.Code(signature, d.cfg.Secret)
	return reqPeer, code, true
}

// relayToSameHost forwards the ping to every other instance already known
// on this host, so they install reqPeer too.
func (d *Discovery) relayToSameHost(reqPeer location.Location, signature string) {
	timeout := time.Second
	for _, p := range d.table.SameHost(d.self) {
		dst := location.Location{Addr: p.Location.Addr, Port: p.Location.Port}
		relay := &wire.NetRequest{
			Name: wire.Ping,
			Kwargs: map[string]any{
				"peer":      reqPeer,
				"signature": signature,
				"version":   ProtocolVersion,
			},
			Dst:     &dst,
			Timeout: &timeout,
		}
		d.table.SendReq(relay)
	}
}

// installAndDrain installs reqPeer in the peer table (idempotent — a
// duplicate concurrent handshake just finds the entry already present and
// returns false) and, on a fresh install, sends every pending broadcast
// request to it, preserving request ids for reply correlation.
func (d *Discovery) installAndDrain(reqPeer location.Location, code string) {
	stream := d.reg.IsStreamTarget(reqPeer)
	p, installed := d.table.Install(reqPeer, code, "", "", stream)
	if !installed {
		return
	}
	if d.store != nil {
		_ = d.store.Put(peer.Record{Addr: reqPeer.Addr, Port: reqPeer.Port, Auth: code})
	}

	for _, pending := range d.reg.PendingForPeer(reqPeer) {
		p.SendOneShot(pending)
	}
}
