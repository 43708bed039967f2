package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drep-project/discoro/location"
	"github.com/drep-project/discoro/scheduler"
	"github.com/drep-project/discoro/wire"
)

func noopMethod(_ context.Context, _ *scheduler.Coro, _ []any, _ map[string]any) (any, error) {
	return nil, nil
}

func TestRCIRegisterLookupUnregister(t *testing.T) {
	reg := New()

	require.NoError(t, reg.RegisterRCI("hash", noopMethod))
	_, exists := reg.RCI("hash")
	require.True(t, exists)

	err := reg.RegisterRCI("hash", noopMethod)
	require.Error(t, err, "registering the same name twice must fail")

	reg.UnregisterRCI("hash")
	_, exists = reg.RCI("hash")
	require.False(t, exists)
}

func TestCoroRegisterLookupUnregister(t *testing.T) {
	reg := New()
	c := &scheduler.Coro{ID: "c-1"}
	reg.RegisterCoro("worker", c)

	got, ok := reg.Coro("worker")
	require.True(t, ok)
	require.Equal(t, c, got)

	reg.UnregisterCoro("worker")
	_, ok = reg.Coro("worker")
	require.False(t, ok)
}

func TestChannelRegisterLookupUnregister(t *testing.T) {
	reg := New()
	ch := &scheduler.Channel{Name: "events"}
	reg.RegisterChannel("events", ch)

	got, ok := reg.Channel("events")
	require.True(t, ok)
	require.Equal(t, ch, got)

	reg.UnregisterChannel("events")
	_, ok = reg.Channel("events")
	require.False(t, ok)
}

func TestStreamTargetExactAndWildcard(t *testing.T) {
	reg := New()
	reg.AddStreamTarget(StreamTarget{Addr: "10.0.0.1", Port: 9000})
	reg.AddStreamTarget(StreamTarget{Addr: "10.0.0.2", Port: 0})

	require.True(t, reg.IsStreamTarget(location.New("10.0.0.1", 9000)))
	require.False(t, reg.IsStreamTarget(location.New("10.0.0.1", 9001)))
	require.True(t, reg.IsStreamTarget(location.New("10.0.0.2", 1234)), "port 0 means any instance on that host")
}

func TestPendingForPeerMatchesBroadcastAndExact(t *testing.T) {
	reg := New()
	exact := location.New("10.0.0.1", 9000)
	other := location.New("10.0.0.2", 9000)

	broadcast := &wire.NetRequest{ID: "bcast", Name: wire.LocateRCI}
	targeted := &wire.NetRequest{ID: "targeted", Name: wire.LocateRCI, Dst: &exact}
	elsewhere := &wire.NetRequest{ID: "elsewhere", Name: wire.LocateRCI, Dst: &other}

	reg.PutRequest(broadcast)
	reg.PutRequest(targeted)
	reg.PutRequest(elsewhere)

	pending := reg.PendingForPeer(exact)
	ids := map[string]bool{}
	for _, r := range pending {
		ids[r.ID] = true
	}
	require.True(t, ids["bcast"])
	require.True(t, ids["targeted"])
	require.False(t, ids["elsewhere"])
}

func TestPopRequestRemovesEntry(t *testing.T) {
	reg := New()
	req := &wire.NetRequest{ID: "x"}
	reg.PutRequest(req)

	got, ok := reg.PopRequest("x")
	require.True(t, ok)
	require.Equal(t, req, got)

	_, ok = reg.PopRequest("x")
	require.False(t, ok, "a request can only be popped once")
}
