package orchestrator

import (
	"fmt"
	"net"

	"github.com/ckpool-go/ckpool/internal/fabric"
)

// HandoverCommand is a predecessor instruction sent over the handover
// socket, in the fixed sequence spec.md §4.5 names: "reject" new
// connections, "reconnect" existing clients to the replacement, then
// "shutdown".
type HandoverCommand string

const (
	CmdReject    HandoverCommand = "reject"
	CmdReconnect HandoverCommand = "reconnect"
	CmdShutdown  HandoverCommand = "shutdown"
)

// handoverSequence is the fixed command order a replacement drives its
// predecessor through once it holds the listening sockets.
var handoverSequence = []HandoverCommand{CmdReject, CmdReconnect, CmdShutdown}

// RequestHandover connects to a live predecessor's handover socket
// (signalled externally by -H), receives its bound listener file
// descriptor via SCM_RIGHTS, and drives it through reject/reconnect/
// shutdown in sequence (spec.md §4.5).
func RequestHandover(sockPath string) (net.Listener, error) {
	conn, err := fabric.Dial(sockPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: dial handover socket: %w", err)
	}
	defer conn.Close()

	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("orchestrator: handover socket is not a unix conn")
	}

	f, _, err := fabric.RecvFD(uconn)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: receive listener fd: %w", err)
	}
	defer f.Close()

	l, err := fabric.ListenerFromFile(f)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reconstruct listener: %w", err)
	}

	for _, cmd := range handoverSequence {
		if err := fabric.WriteFrame(conn, []byte(cmd)); err != nil {
			return nil, fmt.Errorf("orchestrator: send handover command %q: %w", cmd, err)
		}
	}
	return l, nil
}

// ServeHandover is run by a live instance when it is signalled to
// relinquish its listen socket (-H): it hands the listener's fd to the
// connecting replacement over SCM_RIGHTS, then executes whatever
// commands the replacement sends in the reject/reconnect/shutdown
// sequence via onCommand.
func ServeHandover(sockPath string, l *net.TCPListener, onCommand func(HandoverCommand)) error {
	listener, err := fabric.Listen(sockPath)
	if err != nil {
		return fmt.Errorf("orchestrator: listen handover socket: %w", err)
	}
	defer listener.Close()

	conn, err := listener.Accept()
	if err != nil {
		return fmt.Errorf("orchestrator: accept handover conn: %w", err)
	}
	defer conn.Close()

	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("orchestrator: handover conn is not a unix conn")
	}

	f, err := fabric.ListenerFile(l)
	if err != nil {
		return fmt.Errorf("orchestrator: export listener fd: %w", err)
	}
	defer f.Close()

	if err := fabric.SendFD(uconn, f, []byte("listener")); err != nil {
		return fmt.Errorf("orchestrator: send listener fd: %w", err)
	}

	for i := 0; i < len(handoverSequence); i++ {
		raw, err := fabric.ReadFrame(conn)
		if err != nil {
			return fmt.Errorf("orchestrator: read handover command: %w", err)
		}
		onCommand(HandoverCommand(raw))
	}
	return nil
}
