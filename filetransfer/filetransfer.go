// Package filetransfer implements the two-phase (metadata then bulk)
// send_file protocol and the matching del_file protocol, both bounded by
// max_file_size and confined under dest_path_prefix.
package filetransfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/drep-project/discoro/internal/logx"
	"github.com/drep-project/discoro/netio"
	"github.com/drep-project/discoro/wire"
)

// recvChunk and sendChunk bound a single read on the receive side and a
// single write on the send side of the bulk phase.
const (
	recvChunk = 10 << 20
	sendChunk = 1 << 20
)

// Config bounds file-transfer behaviour for one instance.
type Config struct {
	DestPathPrefix string
	MaxFileSize    int64 // 0 = no limit
}

// StatBuf is the subset of file metadata the protocol round-trips; the
// receiver restores atime, mtime and mode bits from it after a transfer.
type StatBuf struct {
	Size  int64
	Atime time.Time
	Mtime time.Time
	Mode  os.FileMode
}

var log = logx.New("filetransfer")

// underPrefix reports whether the cleaned absolute path tgt remains at or
// under prefix; both send_file and del_file refuse any target that escapes
// the configured root.
func underPrefix(tgt, prefix string) bool {
	prefix = filepath.Clean(prefix)
	tgt = filepath.Clean(tgt)
	return tgt == prefix || strings.HasPrefix(tgt, prefix+string(filepath.Separator))
}

// targetPath computes dest_path_prefix / dest_path / basename, rejecting an
// absolute dest_path the same way the sender-side validation does.
func targetPath(prefix, file, destPath string) (string, error) {
	if filepath.IsAbs(destPath) {
		return "", fmt.Errorf("filetransfer: dest_path must be relative")
	}
	base := filepath.Base(file)
	joined := filepath.Join(destPath, base)
	tgt := filepath.Join(prefix, joined)
	return tgt, nil
}

// HandleSendFile implements the receiver side of send_file: pre-flight
// metadata check, reply, and (on code 0) the streamed bulk phase. conn is
// the dedicated connection the sender opened for this transfer; file
// transfers never go through the per-peer request pipeline.
func HandleSendFile(conn *netio.Conn, req *wire.NetRequest, cfg Config) {
	file, _ := req.Kwargs["file"].(string)
	destPath, _ := req.Kwargs["dest_path"].(string)
	overwrite, _ := req.Kwargs["overwrite"].(bool)
	statBuf, ok := statFromKwargs(req.Kwargs["stat_buf"])
	if !ok {
		reply(conn, -1)
		return
	}

	tgt, err := targetPath(cfg.DestPathPrefix, file, destPath)
	if err != nil || !underPrefix(tgt, cfg.DestPathPrefix) {
		reply(conn, -1)
		return
	}
	if cfg.MaxFileSize > 0 && statBuf.Size > cfg.MaxFileSize {
		log.WithField("file", file).WithField("size", humanize.Bytes(uint64(statBuf.Size))).Warn("file too big")
		reply(conn, -1)
		return
	}

	if existing, err := os.Stat(tgt); err == nil {
		sameMtime := abs(existing.ModTime().Unix()-statBuf.Mtime.Unix()) <= 1
		sameSize := existing.Size() == statBuf.Size
		sameMode := existing.Mode().Perm() == statBuf.Mode.Perm()
		if sameMtime && sameSize && sameMode {
			reply(conn, int64(1))
			return
		}
		if !overwrite {
			reply(conn, statToKwargs(statBufOf(existing)))
			return
		}
	}

	if err := os.MkdirAll(filepath.Dir(tgt), 0o755); err != nil {
		reply(conn, -1)
		return
	}
	f, err := os.OpenFile(tgt, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		reply(conn, -1)
		return
	}
	defer f.Close()
	reply(conn, int64(0))

	if err := receiveBody(conn, f, statBuf.Size); err != nil {
		f.Close()
		os.Remove(tgt)
		sendStatus(conn, -1)
		return
	}
	os.Chtimes(tgt, statBuf.Atime, statBuf.Mtime)
	os.Chmod(tgt, statBuf.Mode.Perm())
	sendStatus(conn, 0)
}

func receiveBody(conn *netio.Conn, f *os.File, size int64) error {
	var remaining = size
	buf := make([]byte, recvChunk)
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := conn.RecvAll(buf[:n])
		if read > 0 {
			if _, werr := f.Write(buf[:read]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF && int64(read) == n {
				// fully read despite EOF surfacing on the final chunk
			} else {
				return err
			}
		}
		remaining -= int64(read)
	}
	return nil
}

func sendStatus(conn *netio.Conn, code int64) {
	payload, err := wire.Serialize(&wire.NetRequest{Reply: code})
	if err != nil {
		return
	}
	conn.SendMsg(payload)
}

func reply(conn *netio.Conn, v any) {
	payload, err := wire.Serialize(&wire.NetRequest{Reply: v})
	if err != nil {
		return
	}
	conn.SendMsg(payload)
}

// HandleDelFile implements del_file: recompute the same target path,
// verify containment, remove the file, then prune now-empty parent
// directories up to (but not including) dest_path_prefix.
func HandleDelFile(req *wire.NetRequest, cfg Config) int {
	file, _ := req.Kwargs["file"].(string)
	destPath, _ := req.Kwargs["dest_path"].(string)
	tgt, err := targetPath(cfg.DestPathPrefix, file, destPath)
	if err != nil || !underPrefix(tgt, cfg.DestPathPrefix) {
		return -1
	}
	if err := os.Remove(tgt); err != nil {
		return -1
	}
	prefix := filepath.Clean(cfg.DestPathPrefix)
	dir := filepath.Dir(tgt)
	for dir != prefix && strings.HasPrefix(dir, prefix+string(filepath.Separator)) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return 0
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func statFromKwargs(v any) (StatBuf, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return StatBuf{}, false
	}
	size, _ := m["size"].(float64)
	atime, _ := m["atime"].(float64)
	mtime, _ := m["mtime"].(float64)
	mode, _ := m["mode"].(float64)
	return StatBuf{
		Size:  int64(size),
		Atime: time.Unix(int64(atime), 0),
		Mtime: time.Unix(int64(mtime), 0),
		Mode:  os.FileMode(uint32(mode)),
	}, true
}

func statToKwargs(s StatBuf) map[string]any {
	return map[string]any{
		"size":  float64(s.Size),
		"atime": float64(s.Atime.Unix()),
		"mtime": float64(s.Mtime.Unix()),
		"mode":  float64(uint32(s.Mode)),
	}
}

// statBufOf captures a file's metadata for the wire. atime comes from the
// underlying stat when the platform exposes it, falling back to mtime.
func statBufOf(info os.FileInfo) StatBuf {
	sb := StatBuf{Size: info.Size(), Atime: info.ModTime(), Mtime: info.ModTime(), Mode: info.Mode()}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		sb.Atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	}
	return sb
}
