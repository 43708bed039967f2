package peer

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drep-project/discoro/location"
	"github.com/drep-project/discoro/netio"
	"github.com/drep-project/discoro/wire"
)

// fakePeerServer answers every framed request on a connection until the
// client closes it, echoing back a Reply computed from the request and
// recording arrival order — standing in for a real dispatcher so
// peer.Table's FIFO guarantee and the Reply/Signal writeback can be tested
// in isolation.
type fakePeerServer struct {
	l *netio.Listener

	mu      sync.Mutex
	arrived []string
}

func newFakePeerServer(t *testing.T) *fakePeerServer {
	t.Helper()
	l, err := netio.Listen("127.0.0.1:0", netio.TLSConfig{})
	require.NoError(t, err)
	s := &fakePeerServer{l: l}
	go s.serve()
	return s
}

func (s *fakePeerServer) addr() string { return s.l.Addr().String() }

func (s *fakePeerServer) serve() {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakePeerServer) handle(conn *netio.Conn) {
	defer conn.Close()
	for {
		msg, err := conn.RecvMsg()
		if err != nil {
			return
		}
		req, err := wire.Unserialize(msg)
		if err != nil {
			return
		}

		s.mu.Lock()
		name, _ := req.Kwargs["tag"].(string)
		s.arrived = append(s.arrived, name)
		s.mu.Unlock()

		resp := &wire.NetRequest{Reply: name}
		payload, err := wire.Serialize(resp)
		if err != nil {
			return
		}
		if err := conn.SendMsg(payload); err != nil {
			return
		}
	}
}

func (s *fakePeerServer) close() { s.l.Close() }

func (s *fakePeerServer) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.arrived...)
}

func locationOf(t *testing.T, addr string) location.Location {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return location.Location{Addr: host, Port: uint16(port)}
}

func TestSendReqUnknownPeerReturnsMinusOne(t *testing.T) {
	table := NewTable()
	dst := location.New("127.0.0.1", 1)
	req := &wire.NetRequest{Name: wire.Send, Dst: &dst}
	require.Equal(t, -1, table.SendReq(req))
}

func TestSendReqNilDstReturnsMinusOne(t *testing.T) {
	table := NewTable()
	req := &wire.NetRequest{Name: wire.Send}
	require.Equal(t, -1, table.SendReq(req))
}

func TestWorkerDeliversRepliesInFIFOOrderAndWritesBack(t *testing.T) {
	srv := newFakePeerServer(t)
	defer srv.close()

	table := NewTable()
	loc := locationOf(t, srv.addr())
	_, installed := table.Install(loc, "", "", "", false)
	require.True(t, installed)
	defer table.Remove(loc)

	const n = 20
	reqs := make([]*wire.NetRequest, n)
	for i := 0; i < n; i++ {
		dst := loc
		reqs[i] = &wire.NetRequest{
			Name:   wire.Send,
			Dst:    &dst,
			Kwargs: map[string]any{"tag": tagFor(i)},
		}
	}
	for _, r := range reqs {
		require.Equal(t, 0, table.SendReq(r))
	}

	for i, r := range reqs {
		r.Wait(nil)
		require.Equal(t, tagFor(i), r.Reply, "request %d: reply must be written back onto the caller's own object, not a discarded clone", i)
	}

	require.Equal(t, len(reqs), len(srv.order()))
	for i, tag := range srv.order() {
		require.Equal(t, tagFor(i), tag, "peer worker must deliver requests to a given peer strictly FIFO")
	}
}

func tagFor(i int) string {
	return string(rune('a' + i%26))
}

func TestSendOneShotDeliversCloneWithoutBlocking(t *testing.T) {
	srv := newFakePeerServer(t)
	defer srv.close()

	table := NewTable()
	loc := locationOf(t, srv.addr())
	p, installed := table.Install(loc, "peer-auth", "", "", false)
	require.True(t, installed)
	defer table.Remove(loc)

	src := location.New("127.0.0.1", 9)
	req := &wire.NetRequest{
		Name:   wire.LocateRCI,
		Src:    &src,
		ID:     "bcast-1",
		Auth:   "original",
		Kwargs: map[string]any{"tag": "async"},
	}
	require.Equal(t, 0, p.SendOneShot(req))

	require.Eventually(t, func() bool { return len(srv.order()) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, "original", req.Auth, "only the per-destination clone gets the peer's auth stamp; the pending envelope must survive untouched for reply correlation")
}

func TestRemoveStopsWorkerAndFailsSubsequentSendReq(t *testing.T) {
	srv := newFakePeerServer(t)
	defer srv.close()

	table := NewTable()
	loc := locationOf(t, srv.addr())
	_, installed := table.Install(loc, "", "", "", false)
	require.True(t, installed)

	table.Remove(loc)

	req := &wire.NetRequest{Name: wire.Send, Dst: &loc}
	require.Equal(t, -1, table.SendReq(req))
}

func TestInstallTwiceKeepsFirstEntry(t *testing.T) {
	table := NewTable()
	loc := location.New("127.0.0.1", 2)
	_, firstOK := table.Install(loc, "auth-a", "", "", false)
	require.True(t, firstOK)
	defer table.Remove(loc)

	_, secondOK := table.Install(loc, "auth-b", "", "", false)
	require.False(t, secondOK, "a second Install at the same location must not replace the first")

	p, ok := table.Get(loc)
	require.True(t, ok)
	require.Equal(t, "auth-a", p.Auth)
}

func TestNonStreamingPeerClosesConnectionBetweenRequests(t *testing.T) {
	srv := newFakePeerServer(t)
	defer srv.close()

	table := NewTable()
	loc := locationOf(t, srv.addr())
	_, installed := table.Install(loc, "", "", "", false)
	require.True(t, installed)
	defer table.Remove(loc)

	req := &wire.NetRequest{Name: wire.Send, Dst: &loc, Kwargs: map[string]any{"tag": "x"}}
	require.Equal(t, 0, table.SendReq(req))
	req.Wait(nil)
	require.Equal(t, "x", req.Reply)

	time.Sleep(20 * time.Millisecond)
	p, _ := table.Get(loc)
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	require.Nil(t, conn, "non-streaming peer must close its connection once the request queue drains")
}
