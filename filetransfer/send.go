package filetransfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/drep-project/discoro/location"
	"github.com/drep-project/discoro/netio"
	"github.com/drep-project/discoro/wire"
)

// Result is the sender-visible outcome of SendFile.
type Result struct {
	Code     int64    // -1 reject, 0 transferred, 1 skipped (already present)
	Conflict *StatBuf // non-nil only when the receiver replied its stat_buf (overwrite=false conflict)
}

// SendFile implements the sender side of send_file: it opens a fresh
// connection (deliberately not routed through the per-peer pipeline — a
// file transfer is not a regular request), stats the local file, and
// streams it in 1 MiB chunks once the receiver replies 0. auth is the
// receiving peer's auth code, "" against an unauthenticated instance.
func SendFile(dst location.Location, dialTO time.Duration, tls netio.TLSConfig, auth, localPath, destPath string, overwrite bool) (Result, error) {
	if filepath.IsAbs(destPath) {
		return Result{}, fmt.Errorf("filetransfer: dest_path must be relative")
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return Result{}, err
	}
	if !info.Mode().IsRegular() {
		return Result{}, fmt.Errorf("filetransfer: %q is not a regular file", localPath)
	}

	conn, err := netio.Dial(dst.String(), dialTO, tls)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()

	req := &wire.NetRequest{
		Name: wire.SendFile,
		Dst:  &dst,
		Auth: auth,
		Kwargs: map[string]any{
			"file":      localPath,
			"dest_path": destPath,
			"overwrite": overwrite,
			"stat_buf":  statToKwargs(statBufOf(info)),
		},
	}
	payload, err := wire.Serialize(req)
	if err != nil {
		return Result{}, err
	}
	if err := conn.SendMsg(payload); err != nil {
		return Result{}, err
	}

	respBytes, err := conn.RecvMsg()
	if err != nil {
		return Result{}, err
	}
	resp, err := wire.Unserialize(respBytes)
	if err != nil {
		return Result{}, err
	}

	switch v := resp.Reply.(type) {
	case float64:
		if v != 0 {
			return Result{Code: int64(v)}, nil
		}
		// code 0: proceed to stream the body.
	case int64:
		if v != 0 {
			return Result{Code: v}, nil
		}
		// code 0: proceed to stream the body.
	case map[string]any:
		sb, _ := statFromKwargs(v)
		return Result{Code: -1, Conflict: &sb}, nil
	default:
		return Result{}, fmt.Errorf("filetransfer: unexpected response %T", resp.Reply)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	if err := sendBody(conn, f, info.Size()); err != nil {
		return Result{}, err
	}

	statusBytes, err := conn.RecvMsg()
	if err != nil {
		return Result{}, err
	}
	statusReq, err := wire.Unserialize(statusBytes)
	if err != nil {
		return Result{}, err
	}
	code, _ := statusReq.Reply.(float64)
	return Result{Code: int64(code)}, nil
}

func sendBody(conn *netio.Conn, f *os.File, size int64) error {
	buf := make([]byte, sendChunk)
	var sent int64
	for sent < size {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := conn.SendAll(buf[:n]); werr != nil {
				return werr
			}
			sent += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}

// DeleteFile implements the sender side of del_file: one request and one
// reply over a fresh connection (unlike send_file, there is no bulk phase).
// instance.Instance.DelFile calls it with the peer's auth code.
func DeleteFile(dst location.Location, dialTO time.Duration, tls netio.TLSConfig, auth, file, destPath string) (int64, error) {
	conn, err := netio.Dial(dst.String(), dialTO, tls)
	if err != nil {
		return -1, err
	}
	defer conn.Close()
	req := &wire.NetRequest{
		Name: wire.DelFile,
		Dst:  &dst,
		Auth: auth,
		Kwargs: map[string]any{
			"file":      file,
			"dest_path": destPath,
		},
	}
	payload, err := wire.Serialize(req)
	if err != nil {
		return -1, err
	}
	if err := conn.SendMsg(payload); err != nil {
		return -1, err
	}
	respBytes, err := conn.RecvMsg()
	if err != nil {
		return -1, err
	}
	resp, err := wire.Unserialize(respBytes)
	if err != nil {
		return -1, err
	}
	code, _ := resp.Reply.(float64)
	return int64(code), nil
}
