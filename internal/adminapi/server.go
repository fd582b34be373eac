package adminapi

import (
	"net"
	"net/http"

	"google.golang.org/grpc"

	"github.com/ckpool-go/ckpool/pkg/metrics"
)

// Mux assembles the REST status routes, the live stats WebSocket feed,
// and the memsize debug route onto a single http.Handler, leaving
// /metrics mounted by rest.go's own router alongside pool/user/worker
// status.
func Mux(src StatsSource, debugRoot interface{}) http.Handler {
	metrics.RegisterPrometheusBridge()

	rest := NewServer(src)
	feed := NewStatsFeed(src)
	debug := NewDebugHandler(debugRoot)

	mux := http.NewServeMux()
	mux.Handle("/", rest.Handler())
	mux.Handle("/ws/stats", feed)
	mux.Handle("/debug/memsize/", debug)

	go feed.Run(make(chan struct{}))
	return mux
}

// ServeGRPC starts a gRPC server exposing the Control service on lis and
// blocks until it stops or errors.
func ServeGRPC(lis net.Listener, srv *ControlServer) error {
	s := grpc.NewServer()
	RegisterControlServer(s, srv)
	return s.Serve(lis)
}
