package filetransfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drep-project/discoro/wire"
)

func fakeDelReq(file, destPath string) *wire.NetRequest {
	return &wire.NetRequest{
		Name: wire.DelFile,
		Kwargs: map[string]any{
			"file":      file,
			"dest_path": destPath,
		},
	}
}

func TestUnderPrefix(t *testing.T) {
	require.True(t, underPrefix("/tmp/discoro/sub/file", "/tmp/discoro"))
	require.True(t, underPrefix("/tmp/discoro", "/tmp/discoro"))
	require.False(t, underPrefix("/tmp/discoro-evil/file", "/tmp/discoro"))
	require.False(t, underPrefix("/etc/passwd", "/tmp/discoro"))
}

func TestTargetPathRejectsAbsoluteDestPath(t *testing.T) {
	_, err := targetPath("/tmp/discoro", "data.bin", "/etc")
	require.Error(t, err)
}

func TestTargetPathJoinsRelativeDestPath(t *testing.T) {
	tgt, err := targetPath("/tmp/discoro", "/home/u/data.bin", "sub/dir")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/tmp/discoro", "sub/dir", "data.bin"), tgt)
}

func TestTargetPathEscapeViaDotDotIsCaught(t *testing.T) {
	tgt, err := targetPath("/tmp/discoro", "data.bin", "../../etc")
	require.NoError(t, err)
	require.False(t, underPrefix(tgt, "/tmp/discoro"))
}

func TestStatKwargsRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	sb := StatBuf{Size: 1234, Atime: now.Add(-time.Hour), Mtime: now, Mode: 0o644}
	m := statToKwargs(sb)
	got, ok := statFromKwargs(m)
	require.True(t, ok)
	require.Equal(t, sb.Size, got.Size)
	require.Equal(t, sb.Atime.Unix(), got.Atime.Unix())
	require.Equal(t, sb.Mtime.Unix(), got.Mtime.Unix())
	require.Equal(t, sb.Mode, got.Mode)
}

func TestHandleDelFilePrunesEmptyDirsUpToPrefix(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	fpath := filepath.Join(sub, "data.bin")
	require.NoError(t, os.WriteFile(fpath, []byte("x"), 0o644))

	cfg := Config{DestPathPrefix: root}
	req := fakeDelReq("data.bin", "a/b")
	code := HandleDelFile(req, cfg)
	require.Equal(t, 0, code)

	_, err := os.Stat(filepath.Join(root, "a", "b"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "a"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(root)
	require.NoError(t, err, "the prefix itself must survive pruning")
}

func TestHandleDelFileRejectsEscape(t *testing.T) {
	root := t.TempDir()
	cfg := Config{DestPathPrefix: root}
	req := fakeDelReq("data.bin", "../../etc")
	code := HandleDelFile(req, cfg)
	require.Equal(t, -1, code)
}
