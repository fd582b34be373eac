// Package fabric implements the Message Fabric (spec.md §4.5): the
// length-prefixed Unix-domain-socket framing cooperating pool processes
// (listener, generator, stratifier, connector) use to exchange messages,
// plus the bounded-by-drop FIFO queue and named worker-pool plumbing that
// consumes them.
package fabric

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/ckpool-go/ckpool/pkg/log"
)

var logger = log.NewModuleLogger(log.Fabric)

// maxFrameBytes bounds a single message to guard against a misbehaving
// peer claiming an unbounded length prefix.
const maxFrameBytes = 16 << 20

// WriteFrame writes payload to w as a u32-little-endian length prefix
// followed by the payload bytes (spec.md §4.5 datagram socket framing).
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("fabric: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("fabric: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("fabric: frame length %d exceeds limit %d", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("fabric: read frame payload: %w", err)
	}
	return buf, nil
}

// Dial opens a framed connection to a named process socket
// (spec.md §4.5 process layout: "sockdir/<name>/<processname>").
func Dial(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}

// Listen opens the named process socket for accepting framed connections.
func Listen(path string) (net.Listener, error) {
	return net.Listen("unix", path)
}

// HalfCloseWrite signals end-of-output on conn without tearing down the
// read side, so a peer's outstanding reply still arrives
// (spec.md §4.5 SHUT_WR/SHUT_RD half-close discipline).
func HalfCloseWrite(conn net.Conn) error {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return conn.Close()
}

// HalfCloseRead signals no further reads will be issued, letting a peer's
// own half-close complete the shutdown handshake.
func HalfCloseRead(conn net.Conn) error {
	type readCloser interface {
		CloseRead() error
	}
	if rc, ok := conn.(readCloser); ok {
		return rc.CloseRead()
	}
	return conn.Close()
}
