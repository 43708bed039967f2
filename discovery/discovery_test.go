package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drep-project/discoro/auth"
	"github.com/drep-project/discoro/location"
	"github.com/drep-project/discoro/peer"
	"github.com/drep-project/discoro/registry"
	"github.com/drep-project/discoro/wire"
)

func newTestDiscovery(self location.Location, secret string) *Discovery {
	return New(Config{Secret: secret, dialTO: 20 * time.Millisecond}, self, "self-sig", peer.NewTable(), registry.New(), nil)
}

func TestNewFillsInDefaults(t *testing.T) {
	d := New(Config{}, location.New("127.0.0.1", 1), "", peer.NewTable(), registry.New(), nil)
	require.Equal(t, uint16(DefaultUDPPort), d.cfg.UDPPort)
	require.Equal(t, 2*time.Second, d.cfg.dialTO)
}

func TestHandleDatagramIgnoresVersionMismatch(t *testing.T) {
	self := location.New("127.0.0.1", 9001)
	d := newTestDiscovery(self, "secret")

	other := location.New("10.0.0.9", 9002)
	payload, err := wire.EncodePing(wire.PingInfo{Location: other, Signature: "sig", Version: "some-other-version"})
	require.NoError(t, err)

	d.handleDatagram(context.Background(), payload)
	require.False(t, d.table.Installed(other), "a ping with a non-matching protocol version must never install a peer")
}

func TestHandleDatagramIgnoresSelfPing(t *testing.T) {
	self := location.New("127.0.0.1", 9001)
	d := newTestDiscovery(self, "secret")

	payload, err := wire.EncodePing(wire.PingInfo{Location: self, Signature: "self-sig", Version: ProtocolVersion})
	require.NoError(t, err)

	d.handleDatagram(context.Background(), payload)
	require.False(t, d.table.Installed(self), "an instance must never install itself as a peer")
}

func TestHandleDatagramIgnoresAlreadyKnownPeer(t *testing.T) {
	self := location.New("127.0.0.1", 9001)
	d := newTestDiscovery(self, "secret")

	other := location.New("127.0.0.1", 9002)
	sig := "whatever-signature"
	derived := auth.Code(sig, "secret")
	_, ok := d.table.Install(other, derived, "", "", false)
	require.True(t, ok)

	// A datagram whose derived auth code matches what's already installed
	// must be a no-op rather than attempting a redundant handshake dial.
	payload, err := wire.EncodePing(wire.PingInfo{Location: other, Signature: sig, Version: ProtocolVersion})
	require.NoError(t, err)

	d.handleDatagram(context.Background(), payload)
	p, ok := d.table.Get(other)
	require.True(t, ok)
	require.Equal(t, derived, p.Auth, "an already-known peer's entry must be left untouched")
}

func TestHandleDatagramIgnoresNonPingPayload(t *testing.T) {
	self := location.New("127.0.0.1", 9001)
	d := newTestDiscovery(self, "secret")
	d.handleDatagram(context.Background(), []byte("not a ping datagram"))
	require.Empty(t, d.table.All())
}
