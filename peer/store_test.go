package peer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drep-project/discoro/location"
)

func TestStorePutAllDelete(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	recA := Record{Addr: "10.0.0.1", Port: 4000, Auth: "code-a", Name: "a"}
	recB := Record{Addr: "10.0.0.2", Port: 5000, Auth: "code-b", Name: "b"}
	require.NoError(t, store.Put(recA))
	require.NoError(t, store.Put(recB))

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, store.Delete(location.Location{Addr: "10.0.0.1", Port: 4000}))
	all, err = store.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, recB, all[0])
}

func TestStorePutOverwritesSameLocation(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	loc := Record{Addr: "10.0.0.1", Port: 4000, Auth: "old", Name: "a"}
	require.NoError(t, store.Put(loc))
	loc.Auth = "new"
	require.NoError(t, store.Put(loc))

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "new", all[0].Auth)
}
