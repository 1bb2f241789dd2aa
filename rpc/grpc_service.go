package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// grpcStream adapts a raw grpc.ServerStream onto GG20Stream, the way a
// protoc-generated server-streaming wrapper type normally would.
type grpcStream struct {
	stream grpc.ServerStream
}

func (g *grpcStream) Context() context.Context { return g.stream.Context() }

func (g *grpcStream) Recv() (MessageIn, error) {
	var m MessageIn
	if err := g.stream.RecvMsg(&m); err != nil {
		return MessageIn{}, err
	}
	return m, nil
}

func (g *grpcStream) Send(m MessageOut) error {
	return g.stream.SendMsg(&m)
}

func keygenStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(*Daemon).Keygen(&grpcStream{stream: stream})
}

func signStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(*Daemon).Sign(&grpcStream{stream: stream})
}

func recoverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var req RecoverRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	d := srv.(*Daemon)
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		resp := d.Recover(ctx, *req.(*RecoverRequest))
		return &resp, nil
	}
	if interceptor == nil {
		return handler(ctx, &req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceDesc.ServiceName + "/Recover"}
	return interceptor(ctx, &req, info, handler)
}

func keyPresenceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var req KeyPresenceRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	d := srv.(*Daemon)
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		resp := d.KeyPresence(ctx, *req.(*KeyPresenceRequest))
		return &resp, nil
	}
	if interceptor == nil {
		return handler(ctx, &req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceDesc.ServiceName + "/KeyPresence"}
	return interceptor(ctx, &req, info, handler)
}

// Gg20Server is the method set ServiceDesc dispatches to; grpc checks
// the registered handler against it. *Daemon implements it.
type Gg20Server interface {
	Keygen(GG20Stream) error
	Sign(GG20Stream) error
	Recover(context.Context, RecoverRequest) RecoverResponse
	KeyPresence(context.Context, KeyPresenceRequest) KeyPresenceResponse
}

// ServiceDesc is the hand-built grpc.ServiceDesc for the tssd Gg20
// service, standing in for a protoc-generated _grpc.pb.go (spec.md §6
// names the RPCs; there is no .proto source checked into this
// module). Method and stream names match the spec's RPC names
// one-to-one so a future protoc pass could replace this file without
// touching Daemon or GG20Stream.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "tssd.Gg20",
	HandlerType: (*Gg20Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Recover", Handler: recoverHandler},
		{MethodName: "KeyPresence", Handler: keyPresenceHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Keygen", Handler: keygenStreamHandler, ServerStreams: true, ClientStreams: true},
		{StreamName: "Sign", Handler: signStreamHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "tssd.proto",
}

// RegisterGg20Server registers d against grpcServer. It does not set a
// codec: the server must already use the JSON codec (codec.go), as the
// one built by NewGRPCServer does, since no protobuf codec is generated
// for MessageIn/MessageOut.
func RegisterGg20Server(grpcServer *grpc.Server, d *Daemon) {
	grpcServer.RegisterService(&ServiceDesc, d)
}

// NewGRPCServer builds a *grpc.Server with d registered and the JSON
// codec forced, grounded on the teacher's cmd/test-server/main.go
// grpc.NewServer(...) + unary logging interceptor pattern.
func NewGRPCServer(d *Daemon, interceptor grpc.UnaryServerInterceptor) *grpc.Server {
	opts := []grpc.ServerOption{grpc.ForceServerCodec(jsonCodec{})}
	if interceptor != nil {
		opts = append(opts, grpc.ChainUnaryInterceptor(interceptor))
	}
	s := grpc.NewServer(opts...)
	RegisterGg20Server(s, d)
	return s
}
