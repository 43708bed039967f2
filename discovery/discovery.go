// Package discovery implements the UDP broadcast ping that bootstraps peer
// discovery, and the TCP ping/pong handshake that turns a discovered
// address into an authenticated, installed Peer.
package discovery

import (
	"context"
	"net"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/drep-project/discoro/auth"
	"github.com/drep-project/discoro/internal/logx"
	"github.com/drep-project/discoro/location"
	"github.com/drep-project/discoro/netio"
	"github.com/drep-project/discoro/peer"
	"github.com/drep-project/discoro/registry"
	"github.com/drep-project/discoro/wire"
)

// DefaultUDPPort is used whenever Config.UDPPort is 0.
const DefaultUDPPort = 51350

// ProtocolVersion is the single version string every instance must match;
// a ping carrying any other version is dropped.
const ProtocolVersion = "discoro-1"

// Config configures one Discovery instance.
type Config struct {
	UDPPort  uint16
	Secret   string
	TLS      netio.TLSConfig
	Name     string
	dialTO   time.Duration
}

// Discovery owns the UDP listener/broadcaster and the TCP handshake logic,
// sharing the peer table and registry with the rest of the instance.
type Discovery struct {
	cfg       Config
	self      location.Location
	signature string
	table     *peer.Table
	reg       *registry.Registry
	store     *peer.Store
	log       *logrus.Entry

	udpConn *net.UDPConn
}

// New builds a Discovery for self, sharing table/reg/store with the rest of
// the instance. signature is the instance's own random auth signature (""
// when running unauthenticated).
func New(cfg Config, self location.Location, signature string, table *peer.Table, reg *registry.Registry, store *peer.Store) *Discovery {
	if cfg.UDPPort == 0 {
		cfg.UDPPort = DefaultUDPPort
	}
	if cfg.dialTO == 0 {
		cfg.dialTO = 2 * time.Second
	}
	return &Discovery{
		cfg: cfg, self: self, signature: signature,
		table: table, reg: reg, store: store,
		log: logx.New("discovery").WithField("self", self.String()),
	}
}

// ListenUDP binds the UDP discovery socket. Must be called before Serve.
func (d *Discovery) ListenUDP() error {
	addr := &net.UDPAddr{Port: int(d.cfg.UDPPort)}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	d.udpConn = conn
	return nil
}

// Serve runs the UDP listen loop until ctx is cancelled. It must be run in
// its own goroutine.
func (d *Discovery) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		d.udpConn.Close()
	}()
	buf := make([]byte, 1024)
	for {
		n, _, err := d.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				d.log.WithError(err).Debug("udp read failed")
				return
			}
		}
		datagram := append([]byte(nil), buf[:n]...)
		go d.handleDatagram(ctx, datagram)
	}
}

// BroadcastPing emits one ping: datagram to the LAN broadcast address.
// Retries with backoff since a broadcast send can transiently fail right at
// process start before the interface is fully up.
func (d *Discovery) BroadcastPing() {
	info := wire.PingInfo{Location: d.self, Signature: d.signature, Version: ProtocolVersion}
	payload, err := wire.EncodePing(info)
	if err != nil {
		d.log.WithError(err).Warn("encode ping failed")
		return
	}
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		d.log.WithError(err).Warn("open broadcast socket failed")
		return
	}
	defer conn.Close()
	conn.SetWriteBuffer(1 << 16)

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: int(d.cfg.UDPPort)}
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := conn.WriteToUDP(payload, dst); err == nil {
			return
		}
		time.Sleep(b.Duration())
	}
}

func (d *Discovery) handleDatagram(ctx context.Context, datagram []byte) {
	info, err := wire.DecodePing(datagram)
	if err != nil {
		d.log.Debug("ignoring non-ping UDP datagram")
		return
	}
	if info.Version != ProtocolVersion {
		d.log.WithField("version", info.Version).Debug("version mismatch, dropping")
		return
	}
	if info.Location == d.self {
		return
	}
	code := auth.Code(info.Signature, d.cfg.Secret)
	if d.table.Has(info.Location, code) {
		return
	}

	req := &wire.NetRequest{
		Name: wire.Ping,
		Kwargs: map[string]any{
			"peer":      d.self,
			"signature": d.signature,
			"version":   ProtocolVersion,
		},
		Dst:  &info.Location,
		Auth: code,
	}
	conn, err := netio.Dial(info.Location.String(), d.cfg.dialTO, d.cfg.TLS)
	if err != nil {
		return
	}
	defer conn.Close()
	payload, err := wire.Serialize(req)
	if err != nil {
		return
	}
	_ = conn.SendMsg(payload)
}
