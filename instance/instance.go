// Package instance wires together every other package into one runnable
// discoro process: listeners, per-peer workers and dispatch loops all run
// under a single context tree and are reaped by Stop.
package instance

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drep-project/discoro/auth"
	"github.com/drep-project/discoro/discovery"
	"github.com/drep-project/discoro/dispatcher"
	"github.com/drep-project/discoro/filetransfer"
	"github.com/drep-project/discoro/internal/logx"
	"github.com/drep-project/discoro/location"
	"github.com/drep-project/discoro/netio"
	"github.com/drep-project/discoro/peer"
	"github.com/drep-project/discoro/rci"
	"github.com/drep-project/discoro/registry"
	"github.com/drep-project/discoro/scheduler"
	"github.com/drep-project/discoro/wire"
)

// Config holds every construction-time knob an instance accepts.
type Config struct {
	UDPPort        uint16
	TCPPort        uint16
	Node           string
	ExtIPAddr      string
	Name           string
	Secret         string
	CertFile       string
	KeyFile        string
	DestPathPrefix string
	MaxFileSize    int64
	StreamPeers    []registry.StreamTarget
}

func (c Config) withDefaults() Config {
	if c.Node == "" {
		c.Node = "0.0.0.0"
	}
	if c.DestPathPrefix == "" {
		c.DestPathPrefix = "/tmp/discoro"
	}
	return c
}

// Instance is one scheduler process: its own Location, Registry, PeerTable,
// Scheduler, Discovery, and RequestDispatcher, all under one
// context.Context / sync.WaitGroup tree.
type Instance struct {
	Config Config
	Self   location.Location
	Name   string

	Registry  *registry.Registry
	Table     *peer.Table
	Scheduler *scheduler.Scheduler
	Discovery *discovery.Discovery
	Dispatch  *dispatcher.Dispatcher
	Store     *peer.Store

	signature string
	log       *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Instance from cfg without starting anything.
func New(cfg Config) (*Instance, error) {
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(cfg.DestPathPrefix, 0o755); err != nil {
		return nil, fmt.Errorf("instance: create dest_path_prefix: %w", err)
	}

	signature := ""
	if cfg.Secret != "" {
		sig, err := auth.NewSignature()
		if err != nil {
			return nil, fmt.Errorf("instance: generate signature: %w", err)
		}
		signature = sig
	}
	authCode := auth.Code(signature, cfg.Secret)

	store, err := peer.OpenStore(cfg.DestPathPrefix)
	if err != nil {
		return nil, fmt.Errorf("instance: open peer store: %w", err)
	}

	reg := registry.New()
	for _, st := range cfg.StreamPeers {
		reg.AddStreamTarget(st)
	}
	table := peer.NewTable()
	sched := scheduler.New()

	self := location.New(cfg.Node, cfg.TCPPort)

	inst := &Instance{
		Config:    cfg,
		Self:      self,
		Name:      cfg.Name,
		Registry:  reg,
		Table:     table,
		Scheduler: sched,
		Store:     store,
		signature: signature,
		log:       logx.New("instance"),
	}

	// Discovery is constructed once Start knows the final (post-bind) Self
	// location; see the comment in Start.
	disp := dispatcher.New(self, cfg.Name, authCode)
	disp.TLS = netio.TLSConfig{CertFile: cfg.CertFile, KeyFile: cfg.KeyFile}
	disp.FileCfg = filetransfer.Config{DestPathPrefix: cfg.DestPathPrefix, MaxFileSize: cfg.MaxFileSize}
	disp.Table = table
	disp.Registry = reg
	disp.Scheduler = sched
	inst.Dispatch = disp

	return inst, nil
}

// RCI returns an RCI façade bound to this instance's registry/peer table.
func (inst *Instance) RCI(name string) *rci.RCI {
	return rci.New(name, inst.Self, inst.Registry, inst.Table)
}

// Channel returns (creating if absent) a named local channel, wired with
// this instance's remote-relay callback.
func (inst *Instance) Channel(name string) *scheduler.Channel {
	ch := inst.Scheduler.Channel(name)
	if ch.Relay == nil {
		ch.Relay = func(ref scheduler.RemoteRef, msg any) error {
			dst := location.Location{Addr: ref.Addr, Port: ref.Port}
			kwargs := map[string]any{"message": msg}
			if ref.Kind == string(wire.HandleCoro) {
				kwargs["coro"] = ref.ID
			} else {
				kwargs["name"] = ref.ID
			}
			req := &wire.NetRequest{
				Name:   wire.Deliver,
				Dst:    &dst,
				Kwargs: kwargs,
			}
			if code := inst.Table.SendReq(req); code != 0 {
				return fmt.Errorf("instance: relay deliver to %s failed", dst.String())
			}
			req.Wait(nil)
			return nil
		}
	}
	return ch
}

// SendFile transfers localPath to the peer at dst using the two-phase
// send_file protocol, stamped with the auth code recorded for that peer.
func (inst *Instance) SendFile(dst location.Location, localPath, destPath string, overwrite bool) (filetransfer.Result, error) {
	return filetransfer.SendFile(dst, 15*time.Second, inst.tlsConfig(), inst.peerAuth(dst), localPath, destPath, overwrite)
}

// DelFile asks the peer at dst to remove a previously-transferred file.
func (inst *Instance) DelFile(dst location.Location, file, destPath string) (int64, error) {
	return filetransfer.DeleteFile(dst, 15*time.Second, inst.tlsConfig(), inst.peerAuth(dst), file, destPath)
}

func (inst *Instance) peerAuth(dst location.Location) string {
	if p, ok := inst.Table.Get(dst); ok {
		return p.Auth
	}
	return ""
}

func (inst *Instance) tlsConfig() netio.TLSConfig {
	return netio.TLSConfig{CertFile: inst.Config.CertFile, KeyFile: inst.Config.KeyFile}
}

// Start binds the UDP and TCP listeners, fixes up Self.Port to the bound
// ephemeral TCP port when Config.TCPPort was 0, and launches every
// long-lived goroutine (UDP listener, UDP broadcaster, TCP accept loop)
// under inst's context tree.
func (inst *Instance) Start(ctx context.Context) error {
	inst.ctx, inst.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("%s:%d", inst.Config.Node, inst.Config.TCPPort)
	if err := inst.Dispatch.Listen(addr); err != nil {
		return fmt.Errorf("instance: listen tcp: %w", err)
	}

	_, portStr, err := net.SplitHostPort(inst.Dispatch.Addr())
	if err != nil {
		return fmt.Errorf("instance: parse bound tcp addr: %w", err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return fmt.Errorf("instance: parse bound tcp port: %w", err)
	}
	if port == 0 {
		return fmt.Errorf("instance: OS returned ephemeral port 0")
	}

	advertiseAddr := inst.Config.Node
	if inst.Config.ExtIPAddr != "" {
		advertiseAddr = inst.Config.ExtIPAddr
	}
	inst.Self = location.New(advertiseAddr, uint16(port))
	inst.Dispatch.Self = inst.Self

	// Discovery is constructed here, not in New, because it closes over the
	// final Self location (only known once the TCP listener has bound its
	// ephemeral port).
	inst.Discovery = discovery.New(discovery.Config{
		UDPPort: inst.Config.UDPPort,
		Secret:  inst.Config.Secret,
		TLS:     inst.tlsConfig(),
		Name:    inst.Config.Name,
	}, inst.Self, inst.signature, inst.Table, inst.Registry, inst.Store)
	inst.Dispatch.Discovery = inst.Discovery
	if err := inst.Discovery.ListenUDP(); err != nil {
		return fmt.Errorf("instance: listen udp: %w", err)
	}

	inst.redialKnownPeers()

	inst.wg.Add(2)
	go func() { defer inst.wg.Done(); inst.Discovery.Serve(inst.ctx) }()
	go func() { defer inst.wg.Done(); inst.Dispatch.Serve(inst.ctx) }()

	inst.Discovery.BroadcastPing()

	inst.log.WithField("self", inst.Self.String()).Info("instance started")
	return nil
}

// redialKnownPeers re-dials every peer remembered in the persisted address
// book by re-announcing a ping to it directly, rather than waiting for the
// next UDP broadcast round.
func (inst *Instance) redialKnownPeers() {
	if inst.Store == nil {
		return
	}
	records, err := inst.Store.All()
	if err != nil {
		return
	}
	for _, rec := range records {
		loc := location.Location{Addr: rec.Addr, Port: rec.Port}
		if loc == inst.Self || inst.Table.Installed(loc) {
			continue
		}
		go inst.reannounce(loc)
	}
}

func (inst *Instance) reannounce(loc location.Location) {
	req := &wire.NetRequest{
		Name: wire.Ping,
		Kwargs: map[string]any{
			"peer":      inst.Self,
			"signature": inst.signature,
			"version":   discovery.ProtocolVersion,
		},
		Dst:  &loc,
		Auth: inst.Dispatch.AuthCode,
	}
	conn, err := netio.Dial(loc.String(), 2*time.Second, inst.tlsConfig())
	if err != nil {
		return
	}
	defer conn.Close()
	if payload, err := wire.Serialize(req); err == nil {
		_ = conn.SendMsg(payload)
	}
}

// Stop cancels the instance's context, waits for every long-lived goroutine
// to exit, and releases the peer store.
func (inst *Instance) Stop() {
	if inst.cancel != nil {
		inst.cancel()
	}
	inst.wg.Wait()
	inst.Scheduler.Stop()
	inst.Store.Close()
	inst.log.Info("instance stopped")
}
