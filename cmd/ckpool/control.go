package main

import (
	"context"
	"encoding/json"
	"net"
	"strings"

	"github.com/ckpool-go/ckpool/internal/adminapi"
	"github.com/ckpool-go/ckpool/internal/fabric"
)

// serveControlSocket answers the plain-text, one-command-per-frame
// protocol ckpmsg speaks (spec.md §6; grounded on
// original_source/src/ckpmsg.c's request/reply loop), backed by the same
// adminapi.ControlServer the gRPC control plane uses so "stats"/"reload"
// have exactly one implementation.
func serveControlSocket(l net.Listener, srv *adminapi.ControlServer) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go handleControlConn(conn, srv)
	}
}

func handleControlConn(conn net.Conn, srv *adminapi.ControlServer) {
	defer conn.Close()
	for {
		body, err := fabric.ReadFrame(conn)
		if err != nil {
			return
		}
		reply := dispatchControlCommand(string(body), srv)
		if err := fabric.WriteFrame(conn, []byte(reply)); err != nil {
			return
		}
	}
}

func dispatchControlCommand(msg string, srv *adminapi.ControlServer) string {
	cmd := strings.ToLower(strings.TrimSpace(msg))
	ctx := context.Background()

	switch cmd {
	case "ping":
		return "pong"
	case "stats":
		reply, err := srv.Stats(ctx, &adminapi.StatsRequest{})
		if err != nil {
			return `{"error":"` + err.Error() + `"}`
		}
		body, err := json.Marshal(reply.Snapshot)
		if err != nil {
			return `{"error":"` + err.Error() + `"}`
		}
		return string(body)
	case "reload":
		reply, err := srv.Reload(ctx, &adminapi.ReloadRequest{})
		if err != nil {
			return `{"error":"` + err.Error() + `"}`
		}
		body, _ := json.Marshal(reply)
		return string(body)
	default:
		return `{"error":"unknown command"}`
	}
}
