// Package netio wraps a net.Conn with the length-prefixed framing contract
// the rest of discoro relies on, plus the optional TLS wrapping enabled by
// keyfile/certfile configuration.
package netio

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxMessageSize bounds a single framed message to guard against a
// corrupt/hostile length prefix.
const MaxMessageSize = 64 << 20 // 64 MiB

// TLSConfig bundles the optional cert/key material for wrapping a raw
// connection. Both fields empty means "no TLS".
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) enabled() bool { return c.CertFile != "" && c.KeyFile != "" }

// Conn is a framed, optionally TLS-wrapped network connection.
type Conn struct {
	raw net.Conn
	r   *bufio.Reader
}

// Dial connects to addr (host:port) and returns a framed Conn, optionally
// TLS-wrapped per cfg.
func Dial(addr string, timeout time.Duration, cfg TLSConfig) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	raw, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg.enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("netio: load client cert: %w", err)
		}
		tconn := tls.Client(raw, &tls.Config{Certificates: []tls.Certificate{cert}, InsecureSkipVerify: true})
		if err := tconn.Handshake(); err != nil {
			raw.Close()
			return nil, fmt.Errorf("netio: tls handshake: %w", err)
		}
		raw = tconn
	}
	return Wrap(raw), nil
}

// Wrap adapts an already-established net.Conn (e.g. one returned by
// Listener.Accept) into a framed Conn.
func Wrap(c net.Conn) *Conn {
	return &Conn{raw: c, r: bufio.NewReader(c)}
}

// Listener wraps net.Listen, optionally upgrading accepted connections to
// TLS per cfg.
type Listener struct {
	net.Listener
	cfg TLSConfig
}

// Listen binds addr, returning a Listener whose Accept yields TLS-wrapped
// connections when cfg carries cert/key material.
func Listen(addr string, cfg TLSConfig) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: l, cfg: cfg}, nil
}

// Accept blocks for the next inbound connection and frames it.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if l.cfg.enabled() {
		cert, err := tls.LoadX509KeyPair(l.cfg.CertFile, l.cfg.KeyFile)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("netio: load server cert: %w", err)
		}
		raw = tls.Server(raw, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	return Wrap(raw), nil
}

// SetDeadline forwards to the underlying connection, used to apply
// NetRequest.Timeout at the socket level.
func (c *Conn) SetDeadline(t time.Time) error { return c.raw.SetDeadline(t) }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// SendMsg writes a 4-byte big-endian length prefix followed by payload.
func (c *Conn) SendMsg(payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := c.raw.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.raw.Write(payload)
	return err
}

// RecvMsg reads one length-prefixed frame. It returns io.EOF when the peer
// closed the connection cleanly before any bytes of a new frame arrived.
func (c *Conn) RecvMsg() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("netio: frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SendAll writes exactly len(buf) bytes, unframed, used for the
// file-transfer bulk phase.
func (c *Conn) SendAll(buf []byte) error {
	_, err := c.raw.Write(buf)
	return err
}

// RecvAll reads exactly len(buf) bytes, unframed.
func (c *Conn) RecvAll(buf []byte) (int, error) {
	return io.ReadFull(c.r, buf)
}

// ReadLine reads bytes up to '\n' or EOF, trimmed, used for the single-line
// ack/nak reply of the discovery handshake.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}

// WriteLine writes s followed by '\n'.
func (c *Conn) WriteLine(s string) error {
	_, err := c.raw.Write([]byte(s + "\n"))
	return err
}
