package fabric

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// SendFD passes an open file descriptor to the peer at the other end of a
// Unix-domain socket via an SCM_RIGHTS ancillary message
// (spec.md §4.5 Handover: "the replacement reads the bound file descriptors
// over an SCM_RIGHTS auxiliary message from the unix socket").
func SendFD(conn *net.UnixConn, f *os.File, tag []byte) error {
	rights := unix.UnixRights(int(f.Fd()))
	_, _, err := conn.WriteMsgUnix(tag, rights, nil)
	if err != nil {
		return fmt.Errorf("fabric: send fd: %w", err)
	}
	return nil
}

// RecvFD reads one file descriptor handed over via SCM_RIGHTS, returning
// the tag bytes the predecessor sent alongside it.
func RecvFD(conn *net.UnixConn) (*os.File, []byte, error) {
	buf := make([]byte, 256)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, nil, fmt.Errorf("fabric: recv fd: %w", err)
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, nil, fmt.Errorf("fabric: parse control message: %w", err)
	}
	if len(scms) == 0 {
		return nil, nil, fmt.Errorf("fabric: no control message received")
	}

	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return nil, nil, fmt.Errorf("fabric: parse unix rights: %w", err)
	}
	if len(fds) == 0 {
		return nil, nil, fmt.Errorf("fabric: no file descriptors received")
	}

	return os.NewFile(uintptr(fds[0]), "handover"), buf[:n], nil
}

// ListenerFile extracts the raw *os.File backing a TCP listener so it can
// be handed over via SendFD; the returned file is a dup, independent of l.
func ListenerFile(l *net.TCPListener) (*os.File, error) {
	return l.File()
}

// ListenerFromFile reconstructs a net.Listener from a handed-over file
// descriptor.
func ListenerFromFile(f *os.File) (net.Listener, error) {
	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("fabric: listener from file: %w", err)
	}
	return l, nil
}
