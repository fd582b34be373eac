package adminapi

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"

	"github.com/ckpool-go/ckpool/internal/orchestrator"
	"github.com/ckpool-go/ckpool/internal/storage"
)

// The control RPCs (Stats/Reload/DrainHandover) are hand-rolled rather
// than generated from a .proto file: each message implements the minimal
// proto.Message shape (Reset/String/ProtoMessage) plus a Marshal/Unmarshal
// pair. grpc's default codec special-cases that pair and calls it directly
// instead of falling back to reflection, so these ride the same wire path
// a real protoc-gen-go message would, just carrying JSON as the payload.

// StatsRequest has no fields; the pool-wide snapshot is always returned.
type StatsRequest struct{}

// StatsReply carries a pool snapshot back to the caller.
type StatsReply struct {
	Snapshot storage.Snapshot
}

// ReloadRequest asks the stratifier to reread its config file.
type ReloadRequest struct{}

// ReloadReply reports whether the reload was accepted.
type ReloadReply struct {
	Accepted bool
	Error    string
}

// DrainRequest asks the main process to begin the listener handover
// sequence (spec.md §4.5).
type DrainRequest struct {
	SocketPath string
}

// DrainReply reports the outcome of the handover attempt.
type DrainReply struct {
	Accepted bool
	Error    string
}

func (m *StatsRequest) Reset()         { *m = StatsRequest{} }
func (m *StatsRequest) String() string { return "StatsRequest{}" }
func (*StatsRequest) ProtoMessage()    {}
func (m *StatsRequest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
func (m *StatsRequest) Unmarshal(b []byte) error {
	return json.Unmarshal(b, m)
}

func (m *StatsReply) Reset()         { *m = StatsReply{} }
func (m *StatsReply) String() string { return fmt.Sprintf("StatsReply{%+v}", m.Snapshot) }
func (*StatsReply) ProtoMessage()    {}
func (m *StatsReply) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
func (m *StatsReply) Unmarshal(b []byte) error {
	return json.Unmarshal(b, m)
}

func (m *ReloadRequest) Reset()         { *m = ReloadRequest{} }
func (m *ReloadRequest) String() string { return "ReloadRequest{}" }
func (*ReloadRequest) ProtoMessage()    {}
func (m *ReloadRequest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
func (m *ReloadRequest) Unmarshal(b []byte) error {
	return json.Unmarshal(b, m)
}

func (m *ReloadReply) Reset()         { *m = ReloadReply{} }
func (m *ReloadReply) String() string { return fmt.Sprintf("ReloadReply{%+v}", *m) }
func (*ReloadReply) ProtoMessage()    {}
func (m *ReloadReply) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
func (m *ReloadReply) Unmarshal(b []byte) error {
	return json.Unmarshal(b, m)
}

func (m *DrainRequest) Reset()         { *m = DrainRequest{} }
func (m *DrainRequest) String() string { return fmt.Sprintf("DrainRequest{%+v}", *m) }
func (*DrainRequest) ProtoMessage()    {}
func (m *DrainRequest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
func (m *DrainRequest) Unmarshal(b []byte) error {
	return json.Unmarshal(b, m)
}

func (m *DrainReply) Reset()         { *m = DrainReply{} }
func (m *DrainReply) String() string { return fmt.Sprintf("DrainReply{%+v}", *m) }
func (*DrainReply) ProtoMessage()    {}
func (m *DrainReply) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
func (m *DrainReply) Unmarshal(b []byte) error {
	return json.Unmarshal(b, m)
}

// Reloader reloads the running configuration in place.
type Reloader interface {
	Reload() error
}

// ControlServer implements the Stats/Reload/DrainHandover unary RPCs.
type ControlServer struct {
	src      StatsSource
	reloader Reloader
}

// NewControlServer builds a ControlServer backed by src and reloader.
func NewControlServer(src StatsSource, reloader Reloader) *ControlServer {
	return &ControlServer{src: src, reloader: reloader}
}

func (c *ControlServer) Stats(ctx context.Context, req *StatsRequest) (*StatsReply, error) {
	return &StatsReply{Snapshot: c.src.PoolSnapshot()}, nil
}

func (c *ControlServer) Reload(ctx context.Context, req *ReloadRequest) (*ReloadReply, error) {
	if c.reloader == nil {
		return &ReloadReply{Accepted: false, Error: "reload not supported"}, nil
	}
	if err := c.reloader.Reload(); err != nil {
		return &ReloadReply{Accepted: false, Error: err.Error()}, nil
	}
	return &ReloadReply{Accepted: true}, nil
}

func (c *ControlServer) DrainHandover(ctx context.Context, req *DrainRequest) (*DrainReply, error) {
	l, err := orchestrator.RequestHandover(req.SocketPath)
	if err != nil {
		return &DrainReply{Accepted: false, Error: err.Error()}, nil
	}
	l.Close()
	return &DrainReply{Accepted: true}, nil
}

func statsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*ControlServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ckpool.Control/Stats"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*ControlServer).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reloadHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReloadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*ControlServer).Reload(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ckpool.Control/Reload"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*ControlServer).Reload(ctx, req.(*ReloadRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func drainHandoverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DrainRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*ControlServer).DrainHandover(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ckpool.Control/DrainHandover"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*ControlServer).DrainHandover(ctx, req.(*DrainRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// controlServiceDesc is the hand-built equivalent of what protoc-gen-go
// would otherwise emit for a "Control" service with these three RPCs.
var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: "ckpool.Control",
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: statsHandler},
		{MethodName: "Reload", Handler: reloadHandler},
		{MethodName: "DrainHandover", Handler: drainHandoverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ckpool/control.proto",
}

// RegisterControlServer registers srv against s, the way a generated
// _grpc.pb.go file would.
func RegisterControlServer(s *grpc.Server, srv *ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}
