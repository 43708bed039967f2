package dispatcher

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drep-project/discoro/location"
	"github.com/drep-project/discoro/netio"
	"github.com/drep-project/discoro/peer"
	"github.com/drep-project/discoro/registry"
	"github.com/drep-project/discoro/scheduler"
	"github.com/drep-project/discoro/wire"
)

func startDispatcher(t *testing.T, authCode string) *Dispatcher {
	t.Helper()
	d := New(location.New("127.0.0.1", 0), "node-b", authCode)
	d.Table = peer.NewTable()
	d.Registry = registry.New()
	d.Scheduler = scheduler.New()
	t.Cleanup(d.Scheduler.Stop)

	require.NoError(t, d.Listen("127.0.0.1:0"))
	host, portStr, err := net.SplitHostPort(d.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	d.Self = location.Location{Addr: host, Port: uint16(port)}

	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx)
	t.Cleanup(cancel)
	return d
}

// roundTrip opens a connection the way peer.process does, sends one framed
// request, and reads the inline reply envelope.
func roundTrip(t *testing.T, d *Dispatcher, req *wire.NetRequest) any {
	t.Helper()
	conn, err := netio.Dial(d.Self.String(), time.Second, netio.TLSConfig{})
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Second))

	payload, err := wire.Serialize(req)
	require.NoError(t, err)
	require.NoError(t, conn.SendMsg(payload))

	respBytes, err := conn.RecvMsg()
	require.NoError(t, err)
	resp, err := wire.Unserialize(respBytes)
	require.NoError(t, err)
	return resp.Reply
}

// sendExpectClosed sends one framed request and asserts the dispatcher
// closed the connection without replying.
func sendExpectClosed(t *testing.T, d *Dispatcher, req *wire.NetRequest) {
	t.Helper()
	conn, err := netio.Dial(d.Self.String(), time.Second, netio.TLSConfig{})
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Second))

	payload, err := wire.Serialize(req)
	require.NoError(t, err)
	require.NoError(t, conn.SendMsg(payload))

	_, err = conn.RecvMsg()
	require.Error(t, err, "dispatcher must close the connection without a reply")
}

func TestAuthMismatchClosesConnection(t *testing.T) {
	d := startDispatcher(t, "expected-code")
	sendExpectClosed(t, d, &wire.NetRequest{
		Name:   wire.Send,
		Auth:   "wrong-code",
		Kwargs: map[string]any{"name": "events"},
	})
}

func TestDstMismatchClosesConnection(t *testing.T) {
	d := startDispatcher(t, "")
	other := location.New("10.9.9.9", 1)
	sendExpectClosed(t, d, &wire.NetRequest{
		Name:   wire.Send,
		Dst:    &other,
		Kwargs: map[string]any{"name": "events"},
	})
}

func TestSendToRegisteredChannel(t *testing.T) {
	d := startDispatcher(t, "")
	d.Registry.RegisterChannel("events", d.Scheduler.Channel("events"))

	reply := roundTrip(t, d, &wire.NetRequest{
		Name:   wire.Send,
		Dst:    &d.Self,
		Kwargs: map[string]any{"name": "events", "message": "hello"},
	})
	require.EqualValues(t, 0, reply)
}

func TestSendUnknownNameRepliesMinusOne(t *testing.T) {
	d := startDispatcher(t, "")
	reply := roundTrip(t, d, &wire.NetRequest{
		Name:   wire.Send,
		Dst:    &d.Self,
		Kwargs: map[string]any{"name": "no-such-channel", "message": "x"},
	})
	require.EqualValues(t, -1, reply)
}

func TestRunRCISpawnsCoroAndRepliesHandle(t *testing.T) {
	d := startDispatcher(t, "")
	ran := make(chan []any, 1)
	method := func(_ context.Context, _ *scheduler.Coro, args []any, _ map[string]any) (any, error) {
		ran <- args
		return nil, nil
	}
	require.NoError(t, d.Registry.RegisterRCI("hash_rci", method))

	reply := roundTrip(t, d, &wire.NetRequest{
		Name:   wire.RunRCI,
		Dst:    &d.Self,
		Kwargs: map[string]any{"name": "hash_rci", "args": []any{"payload"}},
	})
	h, ok := reply.(wire.Handle)
	require.True(t, ok, "run_rci must reply with the spawned Coro handle, got %T", reply)
	require.Equal(t, wire.HandleCoro, h.Kind)
	require.Equal(t, d.Self, h.Location)

	select {
	case args := <-ran:
		require.Equal(t, []any{"payload"}, args)
	case <-time.After(time.Second):
		require.Fail(t, "spawned RCI method never ran")
	}
}

func TestRunRCIUnknownNameRepliesError(t *testing.T) {
	d := startDispatcher(t, "")
	reply := roundTrip(t, d, &wire.NetRequest{
		Name:   wire.RunRCI,
		Dst:    &d.Self,
		Kwargs: map[string]any{"name": "nope"},
	})
	_, ok := reply.(*wire.ErrValue)
	require.True(t, ok, "unknown RCI must come back as an error payload, got %T", reply)
}

func TestLocateRCIInlineFoundAndNotFound(t *testing.T) {
	d := startDispatcher(t, "")
	method := func(_ context.Context, _ *scheduler.Coro, _ []any, _ map[string]any) (any, error) {
		return nil, nil
	}
	require.NoError(t, d.Registry.RegisterRCI("hash_rci", method))

	reply := roundTrip(t, d, &wire.NetRequest{
		Name:   wire.LocateRCI,
		Dst:    &d.Self,
		Kwargs: map[string]any{"name": "hash_rci"},
	})
	h, ok := reply.(wire.Handle)
	require.True(t, ok)
	require.Equal(t, wire.HandleRCI, h.Kind)
	require.Equal(t, "hash_rci", h.IDOrName)

	reply = roundTrip(t, d, &wire.NetRequest{
		Name:   wire.LocateRCI,
		Dst:    &d.Self,
		Kwargs: map[string]any{"name": "unknown"},
	})
	require.Nil(t, reply, "a targeted locate for an unknown name replies null inline")
}

func TestLocatePeerByName(t *testing.T) {
	d := startDispatcher(t, "")

	reply := roundTrip(t, d, &wire.NetRequest{
		Name:   wire.LocatePeer,
		Dst:    &d.Self,
		Kwargs: map[string]any{"name": "node-b"},
	})
	require.Equal(t, d.Self, reply)

	reply = roundTrip(t, d, &wire.NetRequest{
		Name:   wire.LocatePeer,
		Dst:    &d.Self,
		Kwargs: map[string]any{"name": "some-other-node"},
	})
	require.Nil(t, reply, "a targeted locate_peer with a non-matching name replies null")
}

func TestExceptionUnknownCoroRepliesMinusOne(t *testing.T) {
	d := startDispatcher(t, "")
	reply := roundTrip(t, d, &wire.NetRequest{
		Name: wire.Exception,
		Dst:  &d.Self,
		Kwargs: map[string]any{
			"coro":      wire.Handle{Kind: wire.HandleCoro, IDOrName: "no-such-coro", Location: d.Self},
			"exception": "boom",
		},
	})
	require.EqualValues(t, -1, reply)
}

func TestTerminateRemovesNamedPeerAndAcks(t *testing.T) {
	d := startDispatcher(t, "")
	peerLoc := location.New("127.0.0.1", 1)
	_, installed := d.Table.Install(peerLoc, "", "", "", false)
	require.True(t, installed)

	reply := roundTrip(t, d, &wire.NetRequest{
		Name:   wire.Terminate,
		Dst:    &d.Self,
		Kwargs: map[string]any{"peer": peerLoc},
	})
	require.Equal(t, "ack", reply)
	require.False(t, d.Table.Installed(peerLoc))
}

func TestInboundAsyncReplyCorrelatesById(t *testing.T) {
	d := startDispatcher(t, "")

	pending := &wire.NetRequest{Name: wire.LocateRCI, ID: "req-7", Src: &d.Self}
	pending.NewAsyncWaiter()
	d.Registry.PutRequest(pending)

	conn, err := netio.Dial(d.Self.String(), time.Second, netio.TLSConfig{})
	require.NoError(t, err)
	defer conn.Close()

	back := &wire.NetRequest{
		Name:  wire.LocateRCI,
		Src:   &d.Self,
		ID:    "req-7",
		Reply: wire.Handle{Kind: wire.HandleRCI, IDOrName: "hash_rci", Location: location.New("10.0.0.2", 9)},
	}
	payload, err := wire.Serialize(back)
	require.NoError(t, err)
	require.NoError(t, conn.SendMsg(payload))

	timeout := time.Second
	require.True(t, pending.Wait(&timeout), "the waiter must be signalled when the async reply arrives")
	h, ok := pending.Reply.(wire.Handle)
	require.True(t, ok)
	require.Equal(t, "hash_rci", h.IDOrName)

	_, still := d.Registry.PopRequest("req-7")
	require.False(t, still, "a correlated async reply must consume the pending entry")
}
